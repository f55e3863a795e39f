package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)

	// Device profiles
	r.Route("/device-profiles", func(r chi.Router) {
		r.Post("/", s.HandleCreateDeviceProfile)
		r.Get("/{id}", s.HandleGetDeviceProfile)
	})

	// Devices
	r.Route("/devices", func(r chi.Router) {
		r.Post("/", s.HandleCreateDevice)
		r.Route("/{dev_eui}", func(r chi.Router) {
			r.Get("/", s.HandleGetDevice)
			r.Put("/", s.HandleUpdateDevice)
			r.Delete("/", s.HandleDeleteDevice)

			// Session
			r.Post("/activate", s.HandleActivateDevice)
			r.Post("/deactivate", s.HandleDeactivateDevice)
			r.Get("/session", s.HandleGetSession)
			r.Get("/activation", s.HandleGetActivation)
			r.Get("/random-dev-addr", s.HandleRandomDevAddr)
			r.Post("/next-f-cnt-down", s.HandleNextFCntDown)

			// Downlink queue
			r.Route("/queue", func(r chi.Router) {
				r.Get("/", s.HandleListQueue)
				r.Post("/", s.HandleEnqueue)
				r.Delete("/", s.HandleFlushQueue)
				r.Post("/dequeue", s.HandleDequeue)
				r.Post("/ack", s.HandleAcknowledge)
			})
		})
	})

	// Multicast groups
	r.Route("/multicast-groups", func(r chi.Router) {
		r.Get("/", s.HandleListMulticastGroups)
		r.Post("/", s.HandleCreateMulticastGroup)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.HandleGetMulticastGroup)
			r.Put("/", s.HandleUpdateMulticastGroup)
			r.Delete("/", s.HandleDeleteMulticastGroup)

			r.Get("/devices", s.HandleListMulticastDevices)
			r.Put("/devices/{dev_eui}", s.HandleAddMulticastDevice)
			r.Delete("/devices/{dev_eui}", s.HandleRemoveMulticastDevice)

			r.Get("/gateways", s.HandleListMulticastGateways)
			r.Put("/gateways/{gateway_id}", s.HandleAddMulticastGateway)
			r.Delete("/gateways/{gateway_id}", s.HandleRemoveMulticastGateway)

			r.Get("/queue", s.HandleListMulticastQueue)
			r.Post("/queue", s.HandleEnqueueMulticast)
			r.Delete("/queue", s.HandleFlushMulticastQueue)
		})
	})
}

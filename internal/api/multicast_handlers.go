package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// HandleListMulticastGroups lists groups, optionally of one application
func (s *RESTServer) HandleListMulticastGroups(w http.ResponseWriter, r *http.Request) {
	var applicationID *uuid.UUID
	if v := r.URL.Query().Get("application_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid application_id")
			return
		}
		applicationID = &id
	}

	groups, err := s.scheduler.ListGroups(r.Context(), applicationID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"multicastGroups": groups,
		"total":           len(groups),
	})
}

// HandleCreateMulticastGroup creates a group
func (s *RESTServer) HandleCreateMulticastGroup(w http.ResponseWriter, r *http.Request) {
	var g models.MulticastGroup
	if !s.decodeJSON(w, r, &g) {
		return
	}
	g.ID = uuid.Nil

	if err := s.scheduler.CreateGroup(r.Context(), &g); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, g)
}

// HandleGetMulticastGroup gets a group
func (s *RESTServer) HandleGetMulticastGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	g, err := s.scheduler.GetGroup(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, g)
}

// HandleUpdateMulticastGroup updates a group. The frame counter in the
// body is ignored.
func (s *RESTServer) HandleUpdateMulticastGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	var g models.MulticastGroup
	if !s.decodeJSON(w, r, &g) {
		return
	}
	g.ID = id

	if err := s.scheduler.UpdateGroup(r.Context(), &g); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, g)
}

// HandleDeleteMulticastGroup deletes a group with its queue
func (s *RESTServer) HandleDeleteMulticastGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	if err := s.scheduler.DeleteGroup(r.Context(), id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListMulticastDevices lists the members of a group
func (s *RESTServer) HandleListMulticastDevices(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	devices, err := s.scheduler.ListDevices(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devEuis": devices,
	})
}

// HandleAddMulticastDevice adds a member to a group
func (s *RESTServer) HandleAddMulticastDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	if err := s.scheduler.AddDevice(r.Context(), id, devEUI); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRemoveMulticastDevice removes a member from a group
func (s *RESTServer) HandleRemoveMulticastDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	if err := s.scheduler.RemoveDevice(r.Context(), id, devEUI); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListMulticastGateways lists the gateways a group is sent through
func (s *RESTServer) HandleListMulticastGateways(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	gateways, err := s.scheduler.ListGateways(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"gatewayIds": gateways,
	})
}

// HandleAddMulticastGateway adds a gateway to a group
func (s *RESTServer) HandleAddMulticastGateway(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	gatewayID, err := lorawan.ParseEUI64(chi.URLParam(r, "gateway_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
		return
	}

	if err := s.scheduler.AddGateway(r.Context(), id, gatewayID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRemoveMulticastGateway removes a gateway from a group
func (s *RESTServer) HandleRemoveMulticastGateway(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	gatewayID, err := lorawan.ParseEUI64(chi.URLParam(r, "gateway_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
		return
	}

	if err := s.scheduler.RemoveGateway(r.Context(), id, gatewayID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleEnqueueMulticast adds a downlink to the queue of a group
func (s *RESTServer) HandleEnqueueMulticast(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	var req struct {
		FPort uint8  `json:"fPort"`
		Data  []byte `json:"data"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	item := &models.MulticastGroupQueueItem{FPort: req.FPort, Data: req.Data}
	fCnt, err := s.scheduler.EnqueueMulticast(r.Context(), id, item)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":   item.ID,
		"fCnt": fCnt,
	})
}

// HandleListMulticastQueue lists the queue of a group
func (s *RESTServer) HandleListMulticastQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	items, err := s.scheduler.ListQueue(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// HandleFlushMulticastQueue deletes every queued item of a group. The group
// counter is not touched.
func (s *RESTServer) HandleFlushMulticastQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	n, err := s.scheduler.FlushMulticastQueue(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]int64{
		"deleted": n,
	})
}

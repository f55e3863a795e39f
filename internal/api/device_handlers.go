package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/session"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// HandleCreateDeviceProfile creates a device profile
func (s *RESTServer) HandleCreateDeviceProfile(w http.ResponseWriter, r *http.Request) {
	var profile models.DeviceProfile
	if !s.decodeJSON(w, r, &profile) {
		return
	}
	profile.ID = uuid.Nil

	if err := s.sessions.CreateDeviceProfile(r.Context(), &profile); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, profile)
}

// HandleGetDeviceProfile gets a device profile
func (s *RESTServer) HandleGetDeviceProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}

	profile, err := s.sessions.GetDeviceProfile(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, profile)
}

// HandleCreateDevice creates a device
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var device models.Device
	if !s.decodeJSON(w, r, &device) {
		return
	}

	if err := s.sessions.CreateDevice(r.Context(), &device); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, device)
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	device, err := s.sessions.GetDevice(r.Context(), devEUI)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleUpdateDevice updates a device
func (s *RESTServer) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	var device models.Device
	if !s.decodeJSON(w, r, &device) {
		return
	}
	device.DevEUI = devEUI

	if err := s.sessions.UpdateDevice(r.Context(), &device); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleDeleteDevice deletes a device
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	if err := s.sessions.DeleteDevice(r.Context(), devEUI); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleActivateDevice installs a new session on a device
func (s *RESTServer) HandleActivateDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	var req session.ActivateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.DevEUI = devEUI

	ds, err := s.sessions.Activate(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ds)
}

// HandleDeactivateDevice removes the session of a device
func (s *RESTServer) HandleDeactivateDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	if err := s.sessions.Deactivate(r.Context(), devEUI); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleGetSession returns the session counters of a device. Keys are
// never part of the response.
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	ds, err := s.sessions.GetSession(r.Context(), devEUI)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ds)
}

// HandleGetActivation returns the session with wrapped keys
func (s *RESTServer) HandleGetActivation(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	act, err := s.sessions.GetActivation(r.Context(), devEUI)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, act)
}

// HandleRandomDevAddr returns a DevAddr within the NetID of the server
func (s *RESTServer) HandleRandomDevAddr(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	addr, err := s.sessions.RandomDevAddr(r.Context(), devEUI)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]lorawan.DevAddr{
		"devAddr": addr,
	})
}

// HandleNextFCntDown allocates a downlink frame counter. ?mac_command=true
// selects the network counter.
func (s *RESTServer) HandleNextFCntDown(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	var isMACCommand bool
	if v := r.URL.Query().Get("mac_command"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid mac_command")
			return
		}
		isMACCommand = b
	}

	fCnt, err := s.sessions.NextFCntDown(r.Context(), devEUI, isMACCommand)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]uint32{
		"fCntDown": fCnt,
	})
}

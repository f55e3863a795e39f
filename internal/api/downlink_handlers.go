package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/lorawan-server/lorawan-ns-core/internal/downlink"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
)

// HandleEnqueue adds a downlink to the queue of a device
func (s *RESTServer) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	var item models.DeviceQueueItem
	if !s.decodeJSON(w, r, &item) {
		return
	}
	item.DevEUI = devEUI

	id, err := s.queue.Enqueue(r.Context(), &item)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"id": id,
	})
}

// HandleListQueue lists the queue of a device. ?count_only=true omits the
// items.
func (s *RESTServer) HandleListQueue(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	countOnly, _ := strconv.ParseBool(r.URL.Query().Get("count_only"))

	res, err := s.queue.List(r.Context(), devEUI, countOnly)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, res)
}

// HandleFlushQueue deletes every queued downlink of a device
func (s *RESTServer) HandleFlushQueue(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	n, err := s.queue.Flush(r.Context(), devEUI)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]int64{
		"deleted": n,
	})
}

// HandleDequeue returns the next downlink of a device ready for
// transmission, or 204 when nothing is eligible.
func (s *RESTServer) HandleDequeue(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	f, err := s.queue.Dequeue(r.Context(), devEUI)
	if err != nil {
		if errors.Is(err, downlink.ErrQueueEmpty) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, f)
}

// HandleAcknowledge removes the pending confirmed downlink sent with the
// given counter
func (s *RESTServer) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	devEUI, ok := s.devEUIParam(w, r)
	if !ok {
		return
	}

	var req struct {
		FCntDown uint32 `json:"fCntDown"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	acked, err := s.queue.Acknowledge(r.Context(), devEUI, req.FCntDown)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]bool{
		"acked": acked,
	})
}

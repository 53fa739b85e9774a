package api

import (
	"net/http"

	"reservo/internal/metrics"
	"reservo/internal/models"
	"reservo/internal/syncer"
)

// handleVacancyWebhook ingests a cancellation from the facility system.
// Replays of the same source_event_id are acknowledged with duplicate=true.
// POST /api/v1/webhooks/vacancy
func (s *HTTPServer) handleVacancyWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("vacancy_webhook")

	var req syncer.VacancyNotice
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SlotID == "" || req.SourceEventID == "" {
		writeError(w, http.StatusBadRequest, "slot_id and source_event_id are required")
		return
	}

	res, err := s.vacancies.HandleVacancyNotice(r.Context(), req)
	if err != nil {
		s.log.Warn().Err(err).
			Str("slot_id", req.SlotID).
			Str("source_event_id", req.SourceEventID).
			Msg("vacancy webhook failed")
		s.writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePublishSlot creates or updates a slot from its published availability.
// POST /api/v1/slots
func (s *HTTPServer) handlePublishSlot(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("publish_slot")

	var spec models.SlotSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if spec.ID == "" {
		writeError(w, http.StatusBadRequest, "slot_id is required")
		return
	}
	if spec.TotalCapacity < 0 {
		writeError(w, http.StatusBadRequest, "total_capacity must not be negative")
		return
	}

	slot, _, err := s.slots.Publish(r.Context(), spec)
	if err != nil {
		s.writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

// handleGetSlot returns a slot with its counters.
// GET /api/v1/slots/{id}
func (s *HTTPServer) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("get_slot")

	slot, err := s.slots.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

package api

import (
	"net/http"
	"time"

	"reservo/internal/booking"
	"reservo/internal/metrics"
	"reservo/internal/models"
)

// CreateReservationRequest is the body of POST /api/v1/reservations.
type CreateReservationRequest struct {
	SlotID string `json:"slot_id"`
	UserID string `json:"user_id"`
}

// CreateReservationResponse is returned for a new reservation.
type CreateReservationResponse struct {
	ReservationID string     `json:"reservation_id"`
	State         string     `json:"state"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// DecisionRequest is the body of POST /api/v1/reservations/{id}/decision.
type DecisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Outcome   string `json:"outcome"`
}

// CancelRequest is the body of POST /api/v1/reservations/{id}/cancel.
type CancelRequest struct {
	UserID string `json:"user_id"`
}

type stateResponse struct {
	State string `json:"state"`
}

// handleCreateReservation books a seat.
// POST /api/v1/reservations
func (s *HTTPServer) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("create_reservation")

	var req CreateReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SlotID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "slot_id and user_id are required")
		return
	}

	res, err := s.bookings.Create(r.Context(), booking.CreateRequest{SlotID: req.SlotID, UserID: req.UserID})
	if err != nil {
		s.writeDomainError(w, r, err, "")
		return
	}

	writeJSON(w, http.StatusCreated, CreateReservationResponse{
		ReservationID: res.ID,
		State:         string(res.State),
		ExpiresAt:     res.ExpiresAt,
	})
}

// handleGetReservation returns a reservation.
// GET /api/v1/reservations/{id}
func (s *HTTPServer) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("get_reservation")

	res, err := s.bookings.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDecision records the facility's approve/decline decision. A late or
// repeated decision answers 409 with the state already recorded.
// POST /api/v1/reservations/{id}/decision
func (s *HTTPServer) handleDecision(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("decision")

	var req DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.bookings.Decide(r.Context(), r.PathValue("id"), req.DecidedBy, booking.Outcome(req.Outcome))
	if err != nil {
		s.writeDomainError(w, r, err, reservationState(res))
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: string(res.State)})
}

// handleCancelReservation cancels a confirmed reservation on behalf of its owner.
// POST /api/v1/reservations/{id}/cancel
func (s *HTTPServer) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("cancel_reservation")

	var req CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	res, err := s.bookings.Cancel(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		s.writeDomainError(w, r, err, reservationState(res))
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: string(res.State)})
}

func reservationState(r *models.Reservation) string {
	if r == nil {
		return ""
	}
	return string(r.State)
}

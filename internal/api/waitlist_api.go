package api

import (
	"errors"
	"net/http"

	"reservo/internal/metrics"
	"reservo/internal/models"
	"reservo/internal/waitlist"
)

// JoinWaitlistRequest is the body of POST /api/v1/waitlist.
type JoinWaitlistRequest struct {
	SlotID   string `json:"slot_id"`
	UserID   string `json:"user_id"`
	AutoBook bool   `json:"auto_book"`
	IsPro    bool   `json:"is_pro"`
}

// JoinWaitlistResponse reports the new entry and its place in line. A join
// on a slot with a free seat may come back claiming or already booked; a
// booked entry has no position.
type JoinWaitlistResponse struct {
	EntryID  string `json:"entry_id"`
	State    string `json:"state"`
	Position int    `json:"position"`
}

// LeaveWaitlistRequest is the body of POST /api/v1/waitlist/leave.
type LeaveWaitlistRequest struct {
	SlotID string `json:"slot_id"`
	UserID string `json:"user_id"`
}

// ClaimResponse carries the reservation created by a claim.
type ClaimResponse struct {
	ReservationID string `json:"reservation_id"`
}

const claimExpiredMessage = "spot no longer available; you have left the queue and can join again"

// handleJoinWaitlist queues a user for a full slot.
// POST /api/v1/waitlist
func (s *HTTPServer) handleJoinWaitlist(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("join_waitlist")

	var req JoinWaitlistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SlotID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "slot_id and user_id are required")
		return
	}

	entry, pos, err := s.waitlist.Join(r.Context(), waitlist.JoinRequest{
		SlotID:   req.SlotID,
		UserID:   req.UserID,
		IsPro:    req.IsPro,
		AutoBook: req.AutoBook,
	})
	if err != nil {
		s.writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, JoinWaitlistResponse{EntryID: entry.ID, State: string(entry.State), Position: pos})
}

// handleWaitlistPosition returns the user's current place in line.
// GET /api/v1/waitlist/position?slot_id=...&user_id=...
func (s *HTTPServer) handleWaitlistPosition(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("waitlist_position")

	slotID := r.URL.Query().Get("slot_id")
	userID := r.URL.Query().Get("user_id")
	if slotID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "slot_id and user_id are required")
		return
	}

	pos, err := s.waitlist.Position(r.Context(), slotID, userID)
	if err != nil {
		s.writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": pos})
}

// handleLeaveWaitlist removes the user from the queue.
// POST /api/v1/waitlist/leave
func (s *HTTPServer) handleLeaveWaitlist(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("leave_waitlist")

	var req LeaveWaitlistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SlotID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "slot_id and user_id are required")
		return
	}

	entry, err := s.waitlist.Leave(r.Context(), req.SlotID, req.UserID)
	if err != nil {
		s.writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: string(entry.State)})
}

// handleClaim books the seat offered in an open claim window.
// POST /api/v1/waitlist/{id}/claim
func (s *HTTPServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("claim")

	res, err := s.waitlist.Claim(r.Context(), r.PathValue("id"))
	if errors.Is(err, models.ErrClaimExpired) {
		writeJSON(w, http.StatusGone, errorResponse{
			Error: claimExpiredMessage,
			Code:  models.Kind(err),
			State: string(models.EntryExpired),
		})
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{ReservationID: res.ID})
}

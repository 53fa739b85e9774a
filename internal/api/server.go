package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/booking"
	"reservo/internal/models"
	"reservo/internal/syncer"
	"reservo/internal/waitlist"
)

// Bookings is the confirmation engine surface used by the API.
type Bookings interface {
	Get(ctx context.Context, id string) (*models.Reservation, error)
	Create(ctx context.Context, req booking.CreateRequest) (*models.Reservation, error)
	Decide(ctx context.Context, id, decidedBy string, outcome booking.Outcome) (*models.Reservation, error)
	Cancel(ctx context.Context, id, userID string) (*models.Reservation, error)
}

// Waitlist is the waitlist manager surface used by the API.
type Waitlist interface {
	Join(ctx context.Context, req waitlist.JoinRequest) (*models.WaitlistEntry, int, error)
	Position(ctx context.Context, slotID, userID string) (int, error)
	Leave(ctx context.Context, slotID, userID string) (*models.WaitlistEntry, error)
	Claim(ctx context.Context, entryID string) (*models.Reservation, error)
}

// Vacancies ingests cancellation webhooks from the facility system.
type Vacancies interface {
	HandleVacancyNotice(ctx context.Context, n syncer.VacancyNotice) (syncer.NoticeResult, error)
}

// Slots reads and publishes slot availability.
type Slots interface {
	Get(ctx context.Context, slotID string) (*models.Slot, error)
	Publish(ctx context.Context, spec models.SlotSpec) (*models.Slot, int, error)
}

// HTTPServer serves the reservation API.
type HTTPServer struct {
	bookings  Bookings
	waitlist  Waitlist
	vacancies Vacancies
	slots     Slots
	apiKeys   map[string]bool
	log       zerolog.Logger

	srv *http.Server
}

// NewHTTPServer builds the server. An empty apiKeys disables authentication.
func NewHTTPServer(
	addr string,
	bookings Bookings,
	wl Waitlist,
	vacancies Vacancies,
	slots Slots,
	apiKeys []string,
	logger *zerolog.Logger,
) *HTTPServer {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "api").Logger()
	}
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys[k] = true
		}
	}
	s := &HTTPServer{
		bookings:  bookings,
		waitlist:  wl,
		vacancies: vacancies,
		slots:     slots,
		apiKeys:   keys,
		log:       l,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/reservations", s.handleCreateReservation)
	mux.HandleFunc("GET /api/v1/reservations/{id}", s.handleGetReservation)
	mux.HandleFunc("POST /api/v1/reservations/{id}/decision", s.handleDecision)
	mux.HandleFunc("POST /api/v1/reservations/{id}/cancel", s.handleCancelReservation)
	mux.HandleFunc("POST /api/v1/waitlist", s.handleJoinWaitlist)
	mux.HandleFunc("GET /api/v1/waitlist/position", s.handleWaitlistPosition)
	mux.HandleFunc("POST /api/v1/waitlist/leave", s.handleLeaveWaitlist)
	mux.HandleFunc("POST /api/v1/waitlist/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /api/v1/webhooks/vacancy", s.handleVacancyWebhook)
	mux.HandleFunc("POST /api/v1/slots", s.handlePublishSlot)
	mux.HandleFunc("GET /api/v1/slots/{id}", s.handleGetSlot)
	return s.logging(s.auth(mux))
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctxShutdown)
	}()
	s.log.Info().Str("addr", s.srv.Addr).Msg("api server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *HTTPServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) > 0 && !s.apiKeys[r.Header.Get("x-api-key")] {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	State string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: http.StatusText(status)})
}

// errorStatus maps a structured error kind to an HTTP status.
func errorStatus(err error) int {
	switch models.Kind(err) {
	case "capacity_exceeded", "stale_decision", "already_queued":
		return http.StatusConflict
	case "claim_expired":
		return http.StatusGone
	case "not_owner":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "external_sync_failure":
		return http.StatusBadGateway
	case "conflict":
		return http.StatusServiceUnavailable
	case "invalid_input":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError reports err with its kind. Internal errors are logged and
// their text withheld.
func (s *HTTPServer) writeDomainError(w http.ResponseWriter, r *http.Request, err error, state string) {
	status := errorStatus(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	case models.IsBenign(err):
		s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("idempotency guard")
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: models.Kind(err), State: state})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

package facility

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"reservo/internal/models"
)

// Capacity is the facility system's authoritative view of a slot.
type Capacity struct {
	SlotID        string    `json:"slot_id"`
	TotalCapacity int       `json:"total_capacity"`
	ExternalCount int       `json:"external_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Cancellation is a seat released directly in the facility system.
type Cancellation struct {
	EventID    string    `json:"event_id"`
	SlotID     string    `json:"slot_id"`
	FreedUnits int       `json:"freed_units"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ReservationPush is the body sent when a reservation is confirmed.
type ReservationPush struct {
	ReservationID string    `json:"reservation_id"`
	SlotID        string    `json:"slot_id"`
	FacilityID    string    `json:"facility_id,omitempty"`
	UserID        string    `json:"user_id"`
	State         string    `json:"state"`
	DecidedBy     string    `json:"decided_by,omitempty"`
	StartTime     time.Time `json:"start_time"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

// NewReservationPush builds a push body from a confirmed reservation and its slot.
func NewReservationPush(r *models.Reservation, slot *models.Slot) ReservationPush {
	p := ReservationPush{
		ReservationID: r.ID,
		SlotID:        r.SlotID,
		UserID:        r.UserID,
		State:         string(r.State),
		DecidedBy:     r.DecidedBy,
		ConfirmedAt:   r.UpdatedAt,
	}
	if r.DecidedAt != nil {
		p.ConfirmedAt = *r.DecidedAt
	}
	if slot != nil {
		p.FacilityID = slot.FacilityID
		p.StartTime = slot.StartTime
	}
	return p
}

// Pusher receives confirmed reservations.
type Pusher interface {
	PushReservation(ctx context.Context, p ReservationPush) error
}

// Source is the pull side of the facility system.
type Source interface {
	GetSlotCapacity(ctx context.Context, slotID string) (*Capacity, error)
	ListCancellations(ctx context.Context, since time.Time) ([]Cancellation, error)
}

// Client is a simple HTTP client for the facility system API.
type Client struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient constructs a client with baseURL, API key and extra header.
// rps <= 0 disables client-side throttling.
func NewClient(baseURL, apiKey, apiExtra string, rps float64) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiExtra:   apiExtra,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// GetSlotCapacity fetches the authoritative capacity snapshot of a slot.
func (c *Client) GetSlotCapacity(ctx context.Context, slotID string) (*Capacity, error) {
	endpoint := fmt.Sprintf("%s/api/v1/slots/%s/capacity", c.baseURL, url.PathEscape(slotID))
	var resp Capacity
	if err := c.doGet(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.SlotID == "" {
		resp.SlotID = slotID
	}
	return &resp, nil
}

// ListCancellations returns cancellations recorded after since.
func (c *Client) ListCancellations(ctx context.Context, since time.Time) ([]Cancellation, error) {
	endpoint := fmt.Sprintf("%s/api/v1/cancellations", c.baseURL)
	if !since.IsZero() {
		endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var wrap struct {
		Cancellations []Cancellation `json:"cancellations"`
	}
	if err := c.doGet(ctx, endpoint, &wrap); err != nil {
		return nil, err
	}
	return wrap.Cancellations, nil
}

// PushReservation reports a confirmed reservation to the facility system.
func (c *Client) PushReservation(ctx context.Context, p ReservationPush) error {
	endpoint := fmt.Sprintf("%s/api/v1/reservations", c.baseURL)
	return c.doPost(ctx, endpoint, p, nil)
}

// HealthCheck checks if the facility API is available.
func (c *Client) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/healthz", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.do(req, out)
}

// do sends req and maps every transport or status failure to ErrExternalSync.
func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrExternalSync, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", models.ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http %d", models.ErrExternalSync, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", models.ErrExternalSync, err)
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TypeApprovalRequested is sent to the facility when a hold awaits its decision.
const TypeApprovalRequested = "facility.approval_requested"

// Notifier delivers one message to a user or a facility.
type Notifier interface {
	Notify(ctx context.Context, recipient, eventType string, payload map[string]any) error
}

// Func adapts a plain function to the Notifier interface.
type Func func(ctx context.Context, recipient, eventType string, payload map[string]any) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, recipient, eventType string, payload map[string]any) error {
	return f(ctx, recipient, eventType, payload)
}

// Message is the wire form shared by the webhook and AMQP backends.
type Message struct {
	Recipient string         `json:"recipient"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PermanentError marks a delivery failure that retrying cannot fix.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent notify failure (%s): %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// RetryAfterError asks the dispatcher to wait a backend-provided delay before retrying.
type RetryAfterError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) (*PermanentError, bool) {
	var p *PermanentError
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}

// Multi sends to every backend and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, recipient, eventType string, payload map[string]any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipient, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package timer provides deadline callbacks for holds and claim windows.
// A token is armed for a deadline and delivered once to the handler after
// it passes. Delivery is at-most-once per arm; the startup sweep covers
// anything lost across restarts.
package timer

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Token kinds.
const (
	KindHold  = "hold"
	KindClaim = "claim"
)

// Token identifies what a deadline belongs to.
type Token struct {
	Kind string
	ID   string
}

// HoldToken returns the token for a reservation hold.
func HoldToken(reservationID string) Token { return Token{Kind: KindHold, ID: reservationID} }

// ClaimToken returns the token for a waitlist claim window.
func ClaimToken(entryID string) Token { return Token{Kind: KindClaim, ID: entryID} }

func (t Token) String() string {
	return t.Kind + ":" + t.ID
}

// ParseToken is the inverse of Token.String.
func ParseToken(s string) (Token, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" || (kind != KindHold && kind != KindClaim) {
		return Token{}, fmt.Errorf("invalid timer token %q", s)
	}
	return Token{Kind: kind, ID: id}, nil
}

// Handler receives due tokens.
type Handler func(ctx context.Context, tok Token)

// Source arms and cancels deadlines.
type Source interface {
	// Arm schedules tok for deadline, replacing any earlier arm of the same token.
	Arm(ctx context.Context, deadline time.Time, tok Token) error
	Cancel(ctx context.Context, tok Token) error
	// Start begins delivering due tokens to h until ctx is done or Stop is called.
	Start(ctx context.Context, h Handler) error
	Stop()
}

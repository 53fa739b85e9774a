package timer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/clock"
)

// Local is an in-process Source backed by time.AfterFunc.
type Local struct {
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	timers  map[Token]*armed
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewLocal creates an in-process timer source.
func NewLocal(c clock.Clock, logger *zerolog.Logger) *Local {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "timer").Logger()
	}
	return &Local{clock: c, logger: l, timers: make(map[Token]*armed)}
}

type armed struct {
	timer *time.Timer
}

// Start installs the handler. Tokens due before Start are left to the recovery sweep.
func (l *Local) Start(ctx context.Context, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.handler = h
	return nil
}

// Stop cancels every pending timer.
func (l *Local) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tok, a := range l.timers {
		a.timer.Stop()
		delete(l.timers, tok)
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.handler = nil
}

func (l *Local) Arm(_ context.Context, deadline time.Time, tok Token) error {
	delay := deadline.Sub(l.clock.Now())
	if delay < 0 {
		delay = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.timers[tok]; ok {
		prev.timer.Stop()
	}
	a := &armed{}
	l.timers[tok] = a
	a.timer = time.AfterFunc(delay, func() { l.fire(tok, a) })
	return nil
}

func (l *Local) Cancel(_ context.Context, tok Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.timers[tok]; ok {
		a.timer.Stop()
		delete(l.timers, tok)
	}
	return nil
}

// Pending returns the number of armed tokens.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Local) fire(tok Token, a *armed) {
	l.mu.Lock()
	if cur, ok := l.timers[tok]; !ok || cur != a {
		l.mu.Unlock()
		return
	}
	delete(l.timers, tok)
	h, ctx := l.handler, l.ctx
	l.mu.Unlock()

	if h == nil {
		l.logger.Warn().Str("token", tok.String()).Msg("timer fired before start, left to sweep")
		return
	}
	if ctx.Err() != nil {
		return
	}
	h(ctx, tok)
}

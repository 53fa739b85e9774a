package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Log writes every notification to the structured log.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a logging backend.
func NewLog(logger *zerolog.Logger) *Log {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "notify_log").Logger()
	}
	return &Log{logger: l}
}

// Notify implements Notifier.
func (n *Log) Notify(_ context.Context, recipient, eventType string, payload map[string]any) error {
	n.logger.Info().
		Str("recipient", recipient).
		Str("event_type", eventType).
		Fields(payload).
		Msg("notification")
	return nil
}

package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"reservo/internal/metrics"
)

// ErrQueueFull is returned by Enqueue when the dispatcher cannot accept more messages.
var ErrQueueFull = errors.New("notify queue full")

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			30 * time.Second,
		},
	}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	if len(c.RetryDelays) == 0 {
		return time.Second
	}
	if attempt >= len(c.RetryDelays) {
		return c.RetryDelays[len(c.RetryDelays)-1]
	}
	return c.RetryDelays[attempt]
}

// DispatcherConfig tunes the asynchronous delivery pipeline.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Rate      float64 // messages per second, 0 disables throttling
	Burst     int
	Retry     RetryConfig
}

// DefaultDispatcherConfig returns the default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   2,
		QueueSize: 256,
		Rate:      20,
		Burst:     30,
		Retry:     DefaultRetryConfig(),
	}
}

// Dispatcher delivers notifications in the background so a slow or failing
// backend never blocks the transition that produced the message.
type Dispatcher struct {
	backend Notifier
	channel string
	queue   chan Message
	limiter *rate.Limiter
	retry   RetryConfig
	workers int
	logger  zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher wraps backend; channel labels metrics and logs.
func NewDispatcher(backend Notifier, channel string, cfg DispatcherConfig, logger *zerolog.Logger) *Dispatcher {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "notify").Str("channel", channel).Logger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultDispatcherConfig().QueueSize
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Dispatcher{
		backend: backend,
		channel: channel,
		queue:   make(chan Message, cfg.QueueSize),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		retry:   cfg.Retry,
		workers: cfg.Workers,
		logger:  l,
		stopCh:  make(chan struct{}),
	}
}

// Notify queues the message and returns immediately. A full queue drops the
// message; the drop is logged and counted but not reported to the caller.
func (d *Dispatcher) Notify(_ context.Context, recipient, eventType string, payload map[string]any) error {
	if err := d.Enqueue(Message{
		Recipient: recipient,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		d.logger.Warn().Err(err).
			Str("recipient", recipient).
			Str("event_type", eventType).
			Msg("notification dropped")
	}
	return nil
}

// Enqueue adds msg to the queue without blocking.
func (d *Dispatcher) Enqueue(msg Message) error {
	select {
	case d.queue <- msg:
		metrics.SetNotifyQueueSize(len(d.queue))
		return nil
	default:
		metrics.IncNotification(d.channel, "dropped")
		return ErrQueueFull
	}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.Info().Int("workers", d.workers).Msg("notify dispatcher started")
}

// Stop signals the workers and waits for in-flight deliveries to return.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	if n := len(d.queue); n > 0 {
		d.logger.Warn().Int("pending", n).Msg("notify dispatcher stopped with undelivered messages")
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case msg := <-d.queue:
			metrics.SetNotifyQueueSize(len(d.queue))
			d.deliver(ctx, msg)
		}
	}
}

// deliver sends one message with rate limiting and retry.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	start := time.Now()
	defer func() { metrics.ObserveNotifyDuration(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		err := d.backend.Notify(ctx, msg.Recipient, msg.EventType, msg.Payload)
		if err == nil {
			metrics.IncNotification(d.channel, "sent")
			return
		}
		lastErr = err

		if p, ok := IsPermanent(err); ok {
			metrics.IncNotification(d.channel, "rejected")
			d.logger.Warn().Err(err).
				Str("reason", p.Reason).
				Str("recipient", msg.Recipient).
				Str("event_type", msg.EventType).
				Msg("notification rejected")
			return
		}
		if attempt == d.retry.MaxRetries {
			break
		}

		wait := d.retry.delay(attempt)
		var ra *RetryAfterError
		if errors.As(err, &ra) && ra.Delay > 0 {
			wait = ra.Delay
		}
		d.logger.Debug().Err(err).
			Int("attempt", attempt+1).
			Dur("delay", wait).
			Str("event_type", msg.EventType).
			Msg("retrying notification")

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		case <-d.stopCh:
			t.Stop()
			return
		}
	}

	metrics.IncNotification(d.channel, "failed")
	d.logger.Error().Err(lastErr).
		Str("recipient", msg.Recipient).
		Str("event_type", msg.EventType).
		Msg("max retries exceeded for notification")
}

package timer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"reservo/internal/clock"
)

// DefaultRedisKey is the sorted set holding armed tokens.
const DefaultRedisKey = "reservo:timers"

// RedisQueue is a Source shared by several processes. Tokens live in a sorted
// set scored by deadline; a poller removes due members and only the process
// whose ZREM succeeds delivers the token.
type RedisQueue struct {
	client   *redis.Client
	key      string
	interval time.Duration
	batch    int64
	clock    clock.Clock
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisQueue creates a Redis-backed timer source.
func NewRedisQueue(client *redis.Client, key string, interval time.Duration, c clock.Clock, logger *zerolog.Logger) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	if interval <= 0 {
		interval = time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "timer").Str("backend", "redis").Logger()
	}
	return &RedisQueue{client: client, key: key, interval: interval, batch: 100, clock: c, logger: l}
}

func (q *RedisQueue) Arm(ctx context.Context, deadline time.Time, tok Token) error {
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: tok.String(),
	}).Err()
}

func (q *RedisQueue) Cancel(ctx context.Context, tok Token) error {
	return q.client.ZRem(ctx, q.key, tok.String()).Err()
}

// Start launches the poll loop.
func (q *RedisQueue) Start(ctx context.Context, h Handler) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("timer queue already started")
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Poll(ctx, h); err != nil && ctx.Err() == nil {
					q.logger.Error().Err(err).Msg("poll timers")
				}
			}
		}
	}()

	q.logger.Info().Str("key", q.key).Dur("interval", q.interval).Msg("timer queue started")
	return nil
}

// Stop ends the poll loop and waits for it to exit.
func (q *RedisQueue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Poll delivers every token due at the current clock time and returns how many fired.
func (q *RedisQueue) Poll(ctx context.Context, h Handler) (int, error) {
	now := q.clock.Now().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: q.batch,
	}).Result()
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return fired, err
		}
		if removed == 0 {
			continue
		}
		tok, err := ParseToken(m)
		if err != nil {
			q.logger.Warn().Err(err).Str("member", m).Msg("dropping malformed timer token")
			continue
		}
		h(ctx, tok)
		fired++
	}
	return fired, nil
}

// Pending returns the number of armed tokens.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

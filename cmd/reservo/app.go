package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"reservo/internal/booking"
	"reservo/internal/clock"
	"reservo/internal/config"
	"reservo/internal/events"
	"reservo/internal/facility"
	"reservo/internal/ledger"
	"reservo/internal/notify"
	"reservo/internal/scheduler"
	"reservo/internal/store"
	"reservo/internal/store/memory"
	"reservo/internal/store/sqlstore"
	"reservo/internal/syncer"
	"reservo/internal/timer"
	"reservo/internal/waitlist"
)

// app holds the wired core components shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     store.Store
	rdb       *redis.Client
	clock     clock.Clock
	bus       *events.EventBus
	ledger    *ledger.Ledger
	timers    timer.Source
	engine    *booking.Engine
	manager   *waitlist.Manager
	scheduler *scheduler.Scheduler
	catalog   *config.Catalog
	syncer    *syncer.Adapter

	dispatchers []*notify.Dispatcher
	closers     []io.Closer
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func openStore(cfg *config.Config, logger *zerolog.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres:
		return sqlstore.Open(sqlstore.DriverPostgres, cfg.DatabaseDSN(), logger)
	default:
		return sqlstore.Open(sqlstore.DriverSQLite, cfg.DatabaseDSN(), logger)
	}
}

// newApp opens storage and wires the engines. Background loops are not started.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, clock: clock.Real{}}

	st, err := openStore(cfg, &logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st)

	if cfg.Redis.Address != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, a.rdb)
	}

	if cfg.Timers.Backend == config.TimersRedis {
		ctxPing, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := a.rdb.Ping(ctxPing).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.timers = timer.NewRedisQueue(a.rdb, cfg.Timers.Key, cfg.TimerPollInterval(), a.clock, &logger)
	} else {
		a.timers = timer.NewLocal(a.clock, &logger)
	}

	a.bus = events.NewEventBus(&logger)
	a.ledger = ledger.New(st, cfg.CASRetries(), &logger)
	a.engine = booking.NewEngine(st, a.ledger, a.timers, a.bus, a.clock, cfg.HoldTTL(), &logger)
	a.manager = waitlist.NewManager(st, a.engine, a.ledger, a.timers, a.bus, a.clock, cfg.ClaimTTL(), &logger)
	a.manager.Subscribe(a.bus)
	a.scheduler = scheduler.New(a.engine, a.manager, st, a.timers, a.clock, cfg.SweepInterval(), &logger)
	a.catalog = config.NewCatalog(a.ledger, a.bus, &logger)

	return a, nil
}

// wireNotifiers builds one dispatcher per configured backend and subscribes them to the bus.
func (a *app) wireNotifiers() error {
	nc := a.cfg.Notify
	dcfg := notify.DefaultDispatcherConfig()
	if nc.Workers > 0 {
		dcfg.Workers = nc.Workers
	}
	if nc.QueueSize > 0 {
		dcfg.QueueSize = nc.QueueSize
	}
	if nc.Rate > 0 {
		dcfg.Rate = nc.Rate
	}
	if nc.Burst > 0 {
		dcfg.Burst = nc.Burst
	}
	if nc.MaxRetries > 0 {
		dcfg.Retry.MaxRetries = nc.MaxRetries
	}
	if delays := a.cfg.NotifyRetryDelays(); delays != nil {
		dcfg.Retry.RetryDelays = delays
	}

	backends := nc.Backends
	if len(backends) == 0 {
		backends = []string{"log"}
	}

	var multi notify.Multi
	for _, name := range backends {
		var backend notify.Notifier
		switch name {
		case "log":
			backend = notify.NewLog(&a.logger)
		case "webhook":
			if nc.Webhook.URL == "" {
				return errors.New("notify.webhook.url is required for the webhook backend")
			}
			backend = notify.NewWebhook(nc.Webhook.URL, nc.Webhook.APIKey, a.cfg.WebhookTimeout())
		case "telegram":
			tg, err := notify.NewTelegram(nc.Telegram.BotToken, nc.Telegram.Chats)
			if err != nil {
				return err
			}
			backend = tg
		case "amqp":
			q := notify.NewAMQP(nc.AMQP.URL, nc.AMQP.Queue, &a.logger)
			a.closers = append(a.closers, q)
			backend = q
		}
		d := notify.NewDispatcher(backend, name, dcfg, &a.logger)
		a.dispatchers = append(a.dispatchers, d)
		multi = append(multi, d)
	}

	notify.Subscribe(a.bus, multi, &a.logger)
	return nil
}

// wireSyncer builds the facility client, the optional Sheets pusher and the sync adapter.
func (a *app) wireSyncer(ctx context.Context) error {
	fc := a.cfg.Facility
	var (
		source  facility.Source
		pushers facility.Fanout
	)
	if fc.Enabled {
		client := facility.NewClient(fc.BaseURL, fc.APIKey, fc.APIExtra, fc.RateLimit)
		ctxCheck, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := client.HealthCheck(ctxCheck); err != nil {
			a.logger.Warn().Err(err).Str("base_url", fc.BaseURL).Msg("facility system unreachable, sync will retry")
		}
		cancel()
		source = client
		if fc.Push.Enabled {
			pushers = append(pushers, client)
		}
	}
	if fc.Sheets.Enabled {
		sp, err := facility.NewSheetsPusher(ctx, fc.Sheets.CredentialsFile, fc.Sheets.SpreadsheetID, fc.Sheets.Range)
		if err != nil {
			return fmt.Errorf("sheets pusher: %w", err)
		}
		pushers = append(pushers, sp)
	}

	scfg := syncer.DefaultConfig()
	scfg.PullInterval = a.cfg.PullInterval()
	scfg.PushInterval = a.cfg.PushInterval()
	if fc.Push.BatchSize > 0 {
		scfg.PushBatch = fc.Push.BatchSize
	}
	if fc.Push.MaxAttempts > 0 {
		scfg.MaxAttempts = fc.Push.MaxAttempts
	}

	var pusher facility.Pusher
	switch len(pushers) {
	case 0:
	case 1:
		pusher = pushers[0]
	default:
		pusher = pushers
	}

	a.syncer = syncer.New(a.store, a.ledger, source, pusher, a.bus, a.clock, scfg, &a.logger)
	a.syncer.Subscribe(a.bus)
	return nil
}

// Close stops the dispatchers and releases storage and clients.
func (a *app) Close() {
	for _, d := range a.dispatchers {
		d.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
}

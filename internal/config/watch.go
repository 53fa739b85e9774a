package config

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// WatchSlots loads slots.yaml, hands it to onUpdate and then polls the file's
// modification time, reloading on change. A catalog that fails to load is
// logged and skipped; the previous one stays in effect.
func WatchSlots(ctx context.Context, path string, interval time.Duration, logger *zerolog.Logger, onUpdate func(*SlotsConfig)) error {
	if path == "" {
		path = "configs/slots.yaml"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "catalog").Logger()
	}

	cfg, err := LoadSlots(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	lastMod := info.ModTime()
	onUpdate(cfg)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil || !info.ModTime().After(lastMod) {
					continue
				}
				lastMod = info.ModTime()
				cfg, err := LoadSlots(path)
				if err != nil {
					l.Error().Err(err).Str("path", path).Msg("slot catalog reload failed")
					continue
				}
				l.Info().Str("catalog", cfg.String()).Msg("slot catalog reloaded")
				onUpdate(cfg)
			}
		}
	}()

	return nil
}

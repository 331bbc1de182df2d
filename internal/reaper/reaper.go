// Package reaper periodically reclaims idle HLS streams so abandoned
// players do not keep an encoder process and an active swarm alive.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"torrentcast/internal/registry"
)

type Reaper struct {
	reg      *registry.Registry
	idleFor  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func New(reg *registry.Registry, idleFor, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{reg: reg, idleFor: idleFor, interval: interval, logger: logger}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.reg.ReapIdle(time.Now(), r.idleFor); n > 0 {
				r.logger.Info("reaper swept idle streams", slog.Int("count", n))
			}
		}
	}
}

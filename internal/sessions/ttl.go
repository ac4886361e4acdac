package sessions

import (
	"context"
	"log/slog"
	"time"
)

// EvictCallback is called after each sweep with the number of evicted sessions.
type EvictCallback func(evicted, active int)

// RunTTLWorker sweeps idle sessions every interval until ctx is done.
func RunTTLWorker(ctx context.Context, m *Manager, interval time.Duration, onSweep EvictCallback) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("TTL worker started", "interval", interval, "ttl", m.ttl)

	for {
		select {
		case <-ticker.C:
			evicted, err := m.Sweep(ctx)
			if err != nil {
				slog.Error("TTL worker sweep failed", "error", err)
				continue
			}
			if evicted > 0 {
				slog.Info("TTL worker evicted idle sessions", "count", evicted)
			}
			if onSweep != nil {
				onSweep(evicted, m.Active())
			}
		case <-ctx.Done():
			slog.Info("TTL worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

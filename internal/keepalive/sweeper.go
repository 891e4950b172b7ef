// Package keepalive implements the gateway's keep-alive sweeper (spec.md
// §4.F): a ticker that walks every registered device Connection once a
// second and lets each decide for itself whether it has gone silent too
// long, mirroring the core server's own RunMetrics ticker loop.
package keepalive

import (
	"context"
	"log/slog"
	"time"

	"github.com/xiaozhi-dev/mqtt-gateway/internal/device"
)

// Registry is the subset of device.Registry the sweeper needs.
type Registry interface {
	Iterate(fn func(device.Conn))
	Count() int
	ActiveCount() int
}

// Run ticks once per interval until ctx is canceled, calling CheckKeepAlive
// on every connection currently in the registry. It logs the registered and
// active counts only when either changes since the last tick, the same way
// the core's RunMetrics only logs while there's something to report.
func Run(ctx context.Context, registry Registry, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastCount, lastActive := -1, -1
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			registry.Iterate(func(c device.Conn) { c.CheckKeepAlive(now) })
			count, active := registry.Count(), registry.ActiveCount()
			if count != lastCount || active != lastActive {
				logger.Info("keep-alive sweep", "registered_connections", count, "active_connections", active)
				lastCount, lastActive = count, active
			}
		}
	}
}

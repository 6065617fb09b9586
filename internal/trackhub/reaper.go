package trackhub

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleettrack/pkg/log"
)

type credentialReaper interface {
	Reap(ctx context.Context, olderThan time.Duration) (int, error)
}

// reaper periodically deletes credentials that were revoked or expired before the retention window.
type reaper struct {
	creds     credentialReaper
	interval  time.Duration
	retention time.Duration
	clock     clock.WithTicker
	logger    log.Logger
}

func newReaper(creds credentialReaper, interval, retention time.Duration, clk clock.WithTicker) *reaper {
	return &reaper{
		creds:     creds,
		interval:  interval,
		retention: retention,
		clock:     clk,
		logger:    log.WithName("reaper"),
	}
}

// Start reaps once immediately, then every interval until ctx is done.
func (r *reaper) Start(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.reap(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			r.reap(ctx)
		}
	}
}

func (r *reaper) reap(ctx context.Context) {
	n, err := r.creds.Reap(ctx, r.retention)
	if err != nil {
		// Retried on the next tick.
		r.logger.Error(err, "Credential reap failed")
		return
	}
	if n > 0 {
		r.logger.Info("Reaped dead credentials", "count", n, "retention", r.retention)
	}
}

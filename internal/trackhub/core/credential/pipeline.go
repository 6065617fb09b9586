package credential

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/pkg/log"
)

const (
	touchQueueSize     = 5000
	touchFlushInterval = time.Second
	touchFlushSize     = 1000
)

type touch struct {
	id int64
	at time.Time
}

// touchPipeline merges last-used updates in memory and writes them in batches,
// so verification never waits on a store write.
type touchPipeline struct {
	store  core.CredentialStore
	clock  clock.WithTicker
	logger log.Logger

	inputCh chan touch

	// buffer keeps only the latest use per credential id.
	buffer map[int64]time.Time
}

func newTouchPipeline(store core.CredentialStore, clk clock.WithTicker, logger log.Logger) *touchPipeline {
	return &touchPipeline{
		store:   store,
		clock:   clk,
		logger:  logger,
		inputCh: make(chan touch, touchQueueSize),
		buffer:  make(map[int64]time.Time),
	}
}

// Run drains the pipeline until ctx is cancelled, then flushes what is left.
func (p *touchPipeline) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(touchFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case t := <-p.inputCh:
			if prev, ok := p.buffer[t.id]; !ok || t.at.After(prev) {
				p.buffer[t.id] = t.at
			}
			if len(p.buffer) >= touchFlushSize {
				p.flush(ctx)
			}

		case <-ticker.C():
			if len(p.buffer) > 0 {
				p.flush(ctx)
			}

		case <-ctx.Done():
			p.drain()
			p.flush(context.Background())
			return
		}
	}
}

// Push queues a last-used update. It never blocks; updates are dropped when the queue is full.
func (p *touchPipeline) Push(id int64, at time.Time) {
	select {
	case p.inputCh <- touch{id: id, at: at}:
	default:
		p.logger.Warn("Last-used pipeline full, dropping update", "credentialID", id)
	}
}

func (p *touchPipeline) drain() {
	for {
		select {
		case t := <-p.inputCh:
			if prev, ok := p.buffer[t.id]; !ok || t.at.After(prev) {
				p.buffer[t.id] = t.at
			}
		default:
			return
		}
	}
}

func (p *touchPipeline) flush(ctx context.Context) {
	if len(p.buffer) == 0 {
		return
	}

	if err := p.store.TouchCredentials(ctx, p.buffer); err != nil {
		p.logger.Error(err, "Failed to record credential usage", "count", len(p.buffer))
	} else {
		p.logger.Debug("Flushed credential usage", "count", len(p.buffer))
	}

	p.buffer = make(map[int64]time.Time)
}

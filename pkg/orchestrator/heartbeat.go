package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

// heartbeat renews a held lock at a third of its TTL while a run is in
// flight, so a long apply never loses the lock to expiry. A renewal
// failure is logged and retried on the next tick; if the lock truly
// changed hands, the run's next lock check or state write fails with
// the precise error.
type heartbeat struct {
	store   engine.StateStore
	ttl     time.Duration
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	current *engine.Lock

	cancel context.CancelFunc
	done   chan struct{}
}

func newHeartbeat(store engine.StateStore, lock *engine.Lock, ttl time.Duration, logger *telemetry.Logger, metrics *telemetry.Metrics) *heartbeat {
	return &heartbeat{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		current: lock,
	}
}

// lock returns the most recently renewed lock.
func (h *heartbeat) lock() *engine.Lock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// start launches the renewal loop. Must be paired with stop.
func (h *heartbeat) start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	interval := h.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.renew(ctx)
			}
		}
	}()
}

// stop halts renewal and waits for the loop to exit.
func (h *heartbeat) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *heartbeat) renew(ctx context.Context) {
	renewed, err := h.store.RenewLock(ctx, h.lock(), h.ttl)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warnf("lock renewal failed: %v", err)
		}
		return
	}

	h.mu.Lock()
	h.current = renewed
	h.mu.Unlock()

	h.metrics.RecordLockRenewal()
}

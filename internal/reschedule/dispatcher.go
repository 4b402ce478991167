package reschedule

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// Dispatcher sends the opening SMS for due requests and finishes confirmed
// requests whose completion write was interrupted.
type Dispatcher struct {
	engine        *Engine
	logger        *logging.Logger
	batchSize     int
	interval      time.Duration
	lease         time.Duration
	concurrency   int
	completeAfter time.Duration
}

// DispatchStats summarizes one pass.
type DispatchStats struct {
	Claimed    int
	Sent       int
	Suppressed int
	Failed     int
	Completed  int
}

func NewDispatcher(engine *Engine, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		engine:        engine,
		logger:        logger,
		batchSize:     50,
		interval:      5 * time.Second,
		lease:         2 * time.Minute,
		concurrency:   8,
		completeAfter: time.Minute,
	}
}

func (d *Dispatcher) WithBatchSize(size int) *Dispatcher {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Dispatcher) WithConcurrency(n int) *Dispatcher {
	if n > 0 {
		d.concurrency = n
	}
	return d
}

// WithLease sets how long a claimed request is hidden from other
// dispatchers. It must exceed the SMS send timeout.
func (d *Dispatcher) WithLease(lease time.Duration) *Dispatcher {
	if lease > 0 {
		d.lease = lease
	}
	return d
}

func (d *Dispatcher) Start(ctx context.Context) {
	if d.engine == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce claims one batch of due requests and dispatches them
// concurrently. Failures are recorded on the request and retried later.
func (d *Dispatcher) RunOnce(ctx context.Context) DispatchStats {
	var stats DispatchStats
	due, err := d.engine.store.ClaimDue(ctx, d.engine.now().UTC(), d.lease, d.batchSize)
	if err != nil {
		d.logger.Error("reschedule claim failed", "error", err)
		return stats
	}
	stats.Claimed = len(due)

	var sent, suppressed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, r := range due {
		g.Go(func() error {
			err := d.engine.Dispatch(gctx, r)
			switch {
			case err == nil:
				sent.Add(1)
			case errors.Is(err, apperr.ErrOptedOut):
				suppressed.Add(1)
			case errors.Is(err, apperr.ErrIllegalTransition):
				d.logger.Debug("reschedule request moved before dispatch", "request_id", r.ID)
			default:
				failed.Add(1)
				if !errors.Is(err, apperr.ErrDispatchFailure) {
					d.logger.Error("reschedule dispatch error", "request_id", r.ID, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	stats.Sent = int(sent.Load())
	stats.Suppressed = int(suppressed.Load())
	stats.Failed = int(failed.Load())

	done, err := d.engine.CompleteConfirmed(ctx, d.completeAfter, d.batchSize)
	if err != nil {
		d.logger.Error("reschedule completion sweep failed", "error", err)
	}
	stats.Completed = done

	if stats.Claimed > 0 || stats.Completed > 0 {
		d.logger.Info("reschedule dispatch pass", "claimed", stats.Claimed, "sent", stats.Sent, "suppressed", stats.Suppressed, "failed", stats.Failed, "completed", stats.Completed)
	}
	return stats
}

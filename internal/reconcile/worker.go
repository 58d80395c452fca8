// Package reconcile rebuilds a market's book cache projection from the
// persistent store after the two have diverged.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simetra/tradecore/internal/book"
	"github.com/simetra/tradecore/internal/bookcache"
	"github.com/simetra/tradecore/pkg/metrics"
)

// Worker drains a bounded queue of markets whose projection needs rebuilding.
// Rebuilds are idempotent and safe against concurrent placements: orders
// committed after the snapshot read stay invisible until the next diff or
// rebuild, but the store is never touched.
type Worker struct {
	logger *zap.Logger
	orders book.OrderStore
	cache  bookcache.BookCache

	queue chan uuid.UUID
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
}

// NewWorker creates a reconciliation worker with the given queue capacity.
func NewWorker(logger *zap.Logger, orders book.OrderStore, cache bookcache.BookCache, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Worker{
		logger: logger,
		orders: orders,
		cache:  cache,
		queue:  make(chan uuid.UUID, queueSize),
	}
}

// Start launches the drain loop.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		w.wg.Add(1)
		go w.run(ctx)
	})
}

// Stop cancels the drain loop and waits for it to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

// Schedule enqueues a market for rebuild. A full queue drops the request
// with a log line; the next divergence or restart will pick the market up
// again.
func (w *Worker) Schedule(marketID uuid.UUID) {
	select {
	case w.queue <- marketID:
	default:
		w.logger.Error("reconcile queue full, dropping rebuild request",
			zap.String("market_id", marketID.String()))
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case marketID := <-w.queue:
			if err := w.RebuildMarket(ctx, marketID); err != nil {
				w.logger.Error("scheduled rebuild failed",
					zap.String("market_id", marketID.String()),
					zap.Error(err))
				continue
			}
			metrics.CacheRebuilds.WithLabelValues("scheduled").Inc()
		}
	}
}

// RebuildMarket replaces the market's cache projection with a fresh snapshot
// of its resting orders.
func (w *Worker) RebuildMarket(ctx context.Context, marketID uuid.UUID) error {
	orders, err := w.orders.ListResting(ctx, marketID)
	if err != nil {
		return fmt.Errorf("failed to snapshot resting orders: %w", err)
	}
	if err := w.cache.Rebuild(ctx, marketID, orders); err != nil {
		return fmt.Errorf("failed to rebuild cache: %w", err)
	}
	w.logger.Info("market cache rebuilt",
		zap.String("market_id", marketID.String()),
		zap.Int("orders", len(orders)))
	return nil
}

// RebuildAll rebuilds every market that currently has resting orders. Run at
// process start so reads come up warm.
func (w *Worker) RebuildAll(ctx context.Context) error {
	marketIDs, err := w.orders.ListMarketsWithOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list markets with resting orders: %w", err)
	}
	for _, id := range marketIDs {
		if err := w.RebuildMarket(ctx, id); err != nil {
			return err
		}
		metrics.CacheRebuilds.WithLabelValues("startup").Inc()
	}
	return nil
}

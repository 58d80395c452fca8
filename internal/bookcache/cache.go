// Package bookcache is the fast, derived, eventually-consistent projection of
// the order book. Reads are served from here only; the persistent store is
// never touched on the hot read path. The projection is rebuildable from the
// store at any time.
package bookcache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simetra/tradecore/pkg/models"
)

// Entry is the cached detail record of a resting order.
type Entry struct {
	ID        uuid.UUID       `json:"id"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Snapshot is a full per-market book view, both sides best-first.
type Snapshot struct {
	Bids []Entry `json:"bids"`
	Asks []Entry `json:"asks"`
}

// DepthSnapshot is the aggregated per-level view, both sides best-first.
type DepthSnapshot struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// Diff is the projection delta of one committed store transaction.
type Diff struct {
	// Upserted carries the newly-resting taker remainder and every maker
	// whose quantity was reduced.
	Upserted []*models.Order
	// RemovedIDs carries fully consumed makers and cancelled orders.
	RemovedIDs []uuid.UUID
}

// Empty reports whether applying the diff would be a no-op.
func (d Diff) Empty() bool {
	return len(d.Upserted) == 0 && len(d.RemovedIDs) == 0
}

// BookCache is the projection contract. Implementations: redis (production)
// and an in-process btree (tests, degraded mode without redis).
type BookCache interface {
	ApplyDiff(ctx context.Context, marketID uuid.UUID, diff Diff) error
	// Rebuild atomically replaces the market's projection with the given
	// resting orders. Idempotent.
	Rebuild(ctx context.Context, marketID uuid.UUID, orders []*models.Order) error
	OrderBook(ctx context.Context, marketID uuid.UUID) (*Snapshot, error)
	BestBid(ctx context.Context, marketID uuid.UUID) (*Entry, error)
	BestAsk(ctx context.Context, marketID uuid.UUID) (*Entry, error)
	// Spread returns best ask minus best bid, or nil when either side is empty.
	Spread(ctx context.Context, marketID uuid.UUID) (*decimal.Decimal, error)
	Depth(ctx context.Context, marketID uuid.UUID, levels int) (*DepthSnapshot, error)
}

// EntryFromOrder projects a store order into its cached form.
func EntryFromOrder(o *models.Order) Entry {
	return Entry{
		ID:        o.ID,
		Side:      o.Side,
		Price:     o.Price,
		Quantity:  o.Quantity,
		OwnerID:   o.OwnerID,
		CreatedAt: o.CreatedAt,
	}
}

// ApplyWithRetry applies a diff with bounded exponential backoff. The store
// transaction behind the diff has already committed, so the caller treats an
// exhausted retry budget as a recovery trigger, never as a failure of the
// trade itself.
func ApplyWithRetry(ctx context.Context, cache BookCache, logger *zap.Logger, marketID uuid.UUID, diff Diff, attempts int, backoff time.Duration) error {
	if diff.Empty() {
		return nil
	}
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = cache.ApplyDiff(ctx, marketID, diff); err == nil {
			return nil
		}
		logger.Warn("book cache update failed",
			zap.String("market_id", marketID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < attempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("book cache update aborted: %w", ctx.Err())
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("book cache update exhausted %d attempts: %w", attempts, err)
}

func aggregateLevels(entries []Entry, levels int) []PriceLevel {
	out := make([]PriceLevel, 0, levels)
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].Price.Equal(e.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(e.Quantity)
			out[n-1].Orders++
			continue
		}
		if len(out) == levels {
			break
		}
		out = append(out, PriceLevel{Price: e.Price, Quantity: e.Quantity, Orders: 1})
	}
	return out
}

func spreadOf(bestBid, bestAsk *Entry) *decimal.Decimal {
	if bestBid == nil || bestAsk == nil {
		return nil
	}
	s := bestAsk.Price.Sub(bestBid.Price)
	return &s
}

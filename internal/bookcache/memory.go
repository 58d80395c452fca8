package bookcache

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/simetra/tradecore/pkg/models"
)

// MemoryCache is an in-process book projection on ordered btrees. It backs
// tests and the degraded mode when redis is unavailable; the ordering
// semantics are identical to the redis projection.
type MemoryCache struct {
	mu    sync.RWMutex
	sides map[sideKey]*btree.BTreeG[Entry]
	byID  map[uuid.UUID]memRef
}

type sideKey struct {
	marketID uuid.UUID
	side     string
}

type memRef struct {
	marketID uuid.UUID
	entry    Entry
}

// NewMemoryCache creates an empty in-process book cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		sides: make(map[sideKey]*btree.BTreeG[Entry]),
		byID:  make(map[uuid.UUID]memRef),
	}
}

// entryLess orders entries by price-time priority for one side. Quantity is
// deliberately not part of the key: reducing a maker must not move it.
func entryLess(side string) func(a, b Entry) bool {
	return func(a, b Entry) bool {
		if !a.Price.Equal(b.Price) {
			if side == models.SideBid {
				return a.Price.GreaterThan(b.Price)
			}
			return a.Price.LessThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	}
}

func (c *MemoryCache) tree(marketID uuid.UUID, side string) *btree.BTreeG[Entry] {
	key := sideKey{marketID: marketID, side: side}
	t, ok := c.sides[key]
	if !ok {
		t = btree.NewBTreeG(entryLess(side))
		c.sides[key] = t
	}
	return t
}

func (c *MemoryCache) ApplyDiff(ctx context.Context, marketID uuid.UUID, diff Diff) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range diff.RemovedIDs {
		ref, ok := c.byID[id]
		if !ok {
			continue
		}
		c.tree(ref.marketID, ref.entry.Side).Delete(ref.entry)
		delete(c.byID, id)
	}
	for _, o := range diff.Upserted {
		e := EntryFromOrder(o)
		c.tree(marketID, e.Side).Set(e)
		c.byID[e.ID] = memRef{marketID: marketID, entry: e}
	}
	return nil
}

func (c *MemoryCache) Rebuild(ctx context.Context, marketID uuid.UUID, orders []*models.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sides, sideKey{marketID: marketID, side: models.SideBid})
	delete(c.sides, sideKey{marketID: marketID, side: models.SideAsk})
	for id, ref := range c.byID {
		if ref.marketID == marketID {
			delete(c.byID, id)
		}
	}

	for _, o := range orders {
		e := EntryFromOrder(o)
		c.tree(marketID, e.Side).Set(e)
		c.byID[e.ID] = memRef{marketID: marketID, entry: e}
	}
	return nil
}

func (c *MemoryCache) sideEntries(marketID uuid.UUID, side string, limit int) []Entry {
	t, ok := c.sides[sideKey{marketID: marketID, side: side}]
	if !ok {
		return nil
	}
	entries := make([]Entry, 0, t.Len())
	t.Scan(func(e Entry) bool {
		entries = append(entries, e)
		return limit <= 0 || len(entries) < limit
	})
	return entries
}

func (c *MemoryCache) OrderBook(ctx context.Context, marketID uuid.UUID) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Snapshot{
		Bids: c.sideEntries(marketID, models.SideBid, 0),
		Asks: c.sideEntries(marketID, models.SideAsk, 0),
	}, nil
}

func (c *MemoryCache) best(marketID uuid.UUID, side string) *Entry {
	entries := c.sideEntries(marketID, side, 1)
	if len(entries) == 0 {
		return nil
	}
	return &entries[0]
}

func (c *MemoryCache) BestBid(ctx context.Context, marketID uuid.UUID) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best(marketID, models.SideBid), nil
}

func (c *MemoryCache) BestAsk(ctx context.Context, marketID uuid.UUID) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best(marketID, models.SideAsk), nil
}

func (c *MemoryCache) Spread(ctx context.Context, marketID uuid.UUID) (*decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return spreadOf(c.best(marketID, models.SideBid), c.best(marketID, models.SideAsk)), nil
}

func (c *MemoryCache) Depth(ctx context.Context, marketID uuid.UUID, levels int) (*DepthSnapshot, error) {
	if levels <= 0 {
		levels = 10
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &DepthSnapshot{
		Bids: aggregateLevels(c.sideEntries(marketID, models.SideBid, 0), levels),
		Asks: aggregateLevels(c.sideEntries(marketID, models.SideAsk, 0), levels),
	}, nil
}

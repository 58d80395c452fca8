package bookcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simetra/tradecore/pkg/models"
)

// RedisCache keeps, per market and side, a price-ordered sorted set of order
// keys plus a hash of order details.
//
// Asks are scored with the price and bids with the negated price, so an
// ascending range always yields best-first on both sides. The set member is
// "<zero-padded created-at nanos>:<order id>": equal scores fall back to
// lexicographic member order in redis, which then equals time priority.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCache creates a redis-backed book cache.
func NewRedisCache(logger *zap.Logger, client *redis.Client) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

func indexKey(marketID uuid.UUID, side string) string {
	return fmt.Sprintf("book:%s:%s", marketID, side)
}

func detailKey(marketID uuid.UUID) string {
	return fmt.Sprintf("book:%s:orders", marketID)
}

func member(e Entry) string {
	return fmt.Sprintf("%020d:%s", e.CreatedAt.UnixNano(), e.ID)
}

func memberOrderID(m string) (uuid.UUID, error) {
	parts := strings.SplitN(m, ":", 2)
	if len(parts) != 2 {
		return uuid.Nil, fmt.Errorf("malformed book index member %q", m)
	}
	return uuid.Parse(parts[1])
}

func score(e Entry) float64 {
	p, _ := e.Price.Float64()
	if e.Side == models.SideBid {
		return -p
	}
	return p
}

func (c *RedisCache) ApplyDiff(ctx context.Context, marketID uuid.UUID, diff Diff) error {
	if diff.Empty() {
		return nil
	}

	// The index member embeds the creation time, so removal needs the cached
	// details of the orders being dropped.
	removed := make([]Entry, 0, len(diff.RemovedIDs))
	if len(diff.RemovedIDs) > 0 {
		fields := make([]string, len(diff.RemovedIDs))
		for i, id := range diff.RemovedIDs {
			fields[i] = id.String()
		}
		values, err := c.client.HMGet(ctx, detailKey(marketID), fields...).Result()
		if err != nil {
			return fmt.Errorf("failed to read cached order details: %w", err)
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				// Already absent from the projection; nothing to remove.
				continue
			}
			var e Entry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return fmt.Errorf("failed to decode cached order: %w", err)
			}
			removed = append(removed, e)
		}
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range removed {
			pipe.ZRem(ctx, indexKey(marketID, e.Side), member(e))
			pipe.HDel(ctx, detailKey(marketID), e.ID.String())
		}
		for _, o := range diff.Upserted {
			e := EntryFromOrder(o)
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode cached order: %w", err)
			}
			pipe.ZAdd(ctx, indexKey(marketID, e.Side), redis.Z{Score: score(e), Member: member(e)})
			pipe.HSet(ctx, detailKey(marketID), e.ID.String(), payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply book cache diff: %w", err)
	}
	return nil
}

func (c *RedisCache) Rebuild(ctx context.Context, marketID uuid.UUID, orders []*models.Order) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			indexKey(marketID, models.SideBid),
			indexKey(marketID, models.SideAsk),
			detailKey(marketID))
		for _, o := range orders {
			e := EntryFromOrder(o)
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode cached order: %w", err)
			}
			pipe.ZAdd(ctx, indexKey(marketID, e.Side), redis.Z{Score: score(e), Member: member(e)})
			pipe.HSet(ctx, detailKey(marketID), e.ID.String(), payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild book cache: %w", err)
	}
	c.logger.Info("book cache rebuilt",
		zap.String("market_id", marketID.String()),
		zap.Int("orders", len(orders)))
	return nil
}

func (c *RedisCache) side(ctx context.Context, marketID uuid.UUID, side string, stop int64) ([]Entry, error) {
	members, err := c.client.ZRange(ctx, indexKey(marketID, side), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read book index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	fields := make([]string, len(members))
	for i, m := range members {
		id, err := memberOrderID(m)
		if err != nil {
			return nil, err
		}
		fields[i] = id.String()
	}

	values, err := c.client.HMGet(ctx, detailKey(marketID), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached order details: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index and detail store briefly diverged; skip and let
			// reconciliation settle it.
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to decode cached order: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *RedisCache) OrderBook(ctx context.Context, marketID uuid.UUID) (*Snapshot, error) {
	bids, err := c.side(ctx, marketID, models.SideBid, -1)
	if err != nil {
		return nil, err
	}
	asks, err := c.side(ctx, marketID, models.SideAsk, -1)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Bids: bids, Asks: asks}, nil
}

func (c *RedisCache) best(ctx context.Context, marketID uuid.UUID, side string) (*Entry, error) {
	entries, err := c.side(ctx, marketID, side, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (c *RedisCache) BestBid(ctx context.Context, marketID uuid.UUID) (*Entry, error) {
	return c.best(ctx, marketID, models.SideBid)
}

func (c *RedisCache) BestAsk(ctx context.Context, marketID uuid.UUID) (*Entry, error) {
	return c.best(ctx, marketID, models.SideAsk)
}

func (c *RedisCache) Spread(ctx context.Context, marketID uuid.UUID) (*decimal.Decimal, error) {
	bid, err := c.BestBid(ctx, marketID)
	if err != nil {
		return nil, err
	}
	ask, err := c.BestAsk(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return spreadOf(bid, ask), nil
}

func (c *RedisCache) Depth(ctx context.Context, marketID uuid.UUID, levels int) (*DepthSnapshot, error) {
	if levels <= 0 {
		levels = 10
	}
	snap, err := c.OrderBook(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return &DepthSnapshot{
		Bids: aggregateLevels(snap.Bids, levels),
		Asks: aggregateLevels(snap.Asks, levels),
	}, nil
}

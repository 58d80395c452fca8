// Package engine matches incoming orders against the resting book and
// settles the resulting trades against the ledger, all inside one store
// transaction per order.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/simetra/tradecore/internal/book"
	"github.com/simetra/tradecore/internal/bookcache"
	"github.com/simetra/tradecore/internal/ledger"
	"github.com/simetra/tradecore/internal/market"
	"github.com/simetra/tradecore/pkg/metrics"
	"github.com/simetra/tradecore/pkg/models"
)

// MatchResult is the outcome of one placement.
type MatchResult struct {
	Trades         []*models.Trade `json:"trades"`
	RemainingOrder *models.Order   `json:"remaining_order"`
	UpdatedOrders  []*models.Order `json:"updated_orders"`
	FilledOrderIDs []uuid.UUID     `json:"filled_order_ids"`
}

// RebuildScheduler accepts markets whose cache projection needs a rebuild.
type RebuildScheduler interface {
	Schedule(marketID uuid.UUID)
}

// TradePublisher emits executed trades to downstream consumers.
type TradePublisher interface {
	PublishTrades(ctx context.Context, trades []*models.Trade) error
}

// Service is the matching engine.
type Service struct {
	logger  *zap.Logger
	db      *gorm.DB
	ledger  ledger.Ledger
	markets market.Lookup
	orders  book.OrderStore
	trades  book.TradeStore
	cache   bookcache.BookCache

	scheduler RebuildScheduler // may be nil
	publisher TradePublisher   // may be nil

	cacheRetries int
	cacheBackoff time.Duration
}

// Option configures the engine.
type Option func(*Service)

// WithRebuildScheduler wires cache-exhaustion recovery.
func WithRebuildScheduler(s RebuildScheduler) Option {
	return func(e *Service) { e.scheduler = s }
}

// WithTradePublisher wires post-commit trade events.
func WithTradePublisher(p TradePublisher) Option {
	return func(e *Service) { e.publisher = p }
}

// WithCacheRetry overrides the cache update retry budget.
func WithCacheRetry(attempts int, backoff time.Duration) Option {
	return func(e *Service) {
		e.cacheRetries = attempts
		e.cacheBackoff = backoff
	}
}

// NewService creates a matching engine.
func NewService(logger *zap.Logger, db *gorm.DB, led ledger.Ledger, markets market.Lookup, orders book.OrderStore, trades book.TradeStore, cache bookcache.BookCache, opts ...Option) *Service {
	e := &Service{
		logger:       logger,
		db:           db,
		ledger:       led,
		markets:      markets,
		orders:       orders,
		trades:       trades,
		cache:        cache,
		cacheRetries: 3,
		cacheBackoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PlaceOrder runs the full placement pipeline: validate, reserve, match,
// settle, rest the remainder, then project the committed diff into the book
// cache. Cache failures never fail the committed trade.
func (e *Service) PlaceOrder(ctx context.Context, marketID uuid.UUID, side string, price, quantity decimal.Decimal, ownerID uuid.UUID) (*MatchResult, error) {
	started := time.Now()

	m, err := e.validate(ctx, marketID, side, price, quantity)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	taker := &models.Order{
		ID:           uuid.New(),
		MarketID:     m.ID,
		Side:         side,
		Price:        price,
		Quantity:     quantity,
		OwnerID:      ownerID,
		QuoteAssetID: m.QuoteAssetID,
		CreatedAt:    time.Now(),
	}

	result := &MatchResult{}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.matchInTx(ctx, tx, m, taker, result)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			metrics.OrdersRejected.WithLabelValues("insufficient_funds").Inc()
			return nil, ErrInsufficientFunds
		}
		metrics.OrdersRejected.WithLabelValues("transaction").Inc()
		return nil, &MatchingTxError{Err: err}
	}

	metrics.OrdersPlaced.WithLabelValues(side).Inc()
	metrics.TradesExecuted.Add(float64(len(result.Trades)))
	metrics.MatchLatency.Observe(time.Since(started).Seconds())

	e.projectDiff(ctx, m.ID, result)
	e.publishTrades(ctx, result.Trades)

	return result, nil
}

// validate enforces the pre-state checks: side, positivity, market existence
// and activity, and the market's price/quantity increments.
func (e *Service) validate(ctx context.Context, marketID uuid.UUID, side string, price, quantity decimal.Decimal) (*models.Market, error) {
	if !models.ValidSide(side) {
		return nil, validationErrorf("unknown side %q", side)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, validationErrorf("price must be positive, got %s", price)
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, validationErrorf("quantity must be positive, got %s", quantity)
	}

	m, err := e.markets.GetMarket(ctx, marketID)
	if err != nil {
		return nil, &MatchingTxError{Err: err}
	}
	if m == nil {
		return nil, validationErrorf("market %s not found", marketID)
	}
	if !m.Active {
		return nil, validationErrorf("market %s is not active", m.Symbol)
	}
	if !market.ConformsToIncrement(price, m.PriceIncrement) {
		return nil, validationErrorf("price %s does not conform to increment %s", price, m.PriceIncrement)
	}
	if !market.ConformsToIncrement(quantity, m.QtyIncrement) {
		return nil, validationErrorf("quantity %s does not conform to increment %s", quantity, m.QtyIncrement)
	}
	return m, nil
}

// matchInTx is the transactional core: everything here commits or rolls
// back as one unit.
func (e *Service) matchInTx(ctx context.Context, tx *gorm.DB, m *models.Market, taker *models.Order, result *MatchResult) error {
	led := e.ledger.WithTx(tx)
	orders := e.orders.WithTx(tx)
	trades := e.trades.WithTx(tx)

	// Reserve taker funds before any book access: quote value for bids,
	// base quantity for asks.
	reserveAsset, reserveAmount := reservationFor(m, taker.Side, taker.Price, taker.Quantity)
	ok, err := led.Reserve(ctx, taker.OwnerID, reserveAsset, reserveAmount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientFunds
	}

	// Lock the whole opposing queue in one batch read; this is the
	// serialization point between concurrent takers of the same market.
	makers, err := orders.ListOpposing(ctx, m.ID, taker.Side, true)
	if err != nil {
		return err
	}

	remaining := taker.Quantity
	for _, maker := range makers {
		if remaining.IsZero() {
			break
		}
		if !crosses(taker.Side, taker.Price, maker.Price) {
			// Priority order means nothing further can cross either.
			break
		}

		fill := decimal.Min(remaining, maker.Quantity)
		remaining = remaining.Sub(fill)
		makerRemaining := maker.Quantity.Sub(fill)

		trade := &models.Trade{
			ID:           uuid.New(),
			MarketID:     m.ID,
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			TakerSide:    taker.Side,
			Quantity:     fill,
			Price:        maker.Price, // the resting order sets the execution price
			CreatedAt:    time.Now(),
		}
		result.Trades = append(result.Trades, trade)

		if err := e.settleFill(ctx, led, m, taker, maker, fill); err != nil {
			return err
		}

		if makerRemaining.IsZero() {
			if _, err := orders.DeleteOrder(ctx, maker.ID); err != nil {
				return err
			}
			result.FilledOrderIDs = append(result.FilledOrderIDs, maker.ID)
		} else {
			if err := orders.UpdateQuantity(ctx, maker.ID, makerRemaining); err != nil {
				return err
			}
			maker.Quantity = makerRemaining
			result.UpdatedOrders = append(result.UpdatedOrders, maker)
		}
	}

	if err := trades.InsertTrades(ctx, result.Trades); err != nil {
		return err
	}

	// A limit order always rests its unmatched remainder; it stays reserved.
	if remaining.GreaterThan(decimal.Zero) {
		rest := *taker
		rest.Quantity = remaining
		if err := orders.CreateOrder(ctx, &rest); err != nil {
			return err
		}
		result.RemainingOrder = &rest
	}

	return nil
}

// settleFill converts the reserved amounts of one fill into delivered
// assets. The maker's price is the trade price: a bid taker that reserved at
// a higher limit gets the favorable-price surplus released back.
func (e *Service) settleFill(ctx context.Context, led ledger.Ledger, m *models.Market, taker, maker *models.Order, fill decimal.Decimal) error {
	quoteValue := maker.Price.Mul(fill)

	if taker.Side == models.SideBid {
		// Taker delivered quote out of its reservation, receives base.
		if err := led.Release(ctx, taker.OwnerID, m.BaseAssetID, fill); err != nil {
			return err
		}
		if surplus := taker.Price.Sub(maker.Price).Mul(fill); surplus.GreaterThan(decimal.Zero) {
			if err := led.Release(ctx, taker.OwnerID, m.QuoteAssetID, surplus); err != nil {
				return err
			}
		}
		// Maker delivered base out of its placement-time reservation,
		// receives quote.
		return led.Release(ctx, maker.OwnerID, m.QuoteAssetID, quoteValue)
	}

	// Taker is an ask: delivered base out of its reservation, receives the
	// maker's quote. The maker reserved quote at its own price, so there is
	// never a maker-side surplus.
	if err := led.Release(ctx, taker.OwnerID, m.QuoteAssetID, quoteValue); err != nil {
		return err
	}
	return led.Release(ctx, maker.OwnerID, m.BaseAssetID, fill)
}

// CancelOrder removes a resting order and releases its remaining
// reservation. Returns false when the order is already gone, an expected
// race outcome against a concurrent fill.
func (e *Service) CancelOrder(ctx context.Context, marketID, orderID uuid.UUID, side string) (bool, error) {
	if !models.ValidSide(side) {
		return false, validationErrorf("unknown side %q", side)
	}

	m, err := e.markets.GetMarket(ctx, marketID)
	if err != nil {
		return false, &MatchingTxError{Err: err}
	}
	if m == nil {
		return false, validationErrorf("market %s not found", marketID)
	}

	found := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orders := e.orders.WithTx(tx)

		// Same per-order lock as matching, so cancel cannot race a
		// concurrent fill of the same row.
		order, err := orders.GetOrderForUpdate(ctx, marketID, orderID)
		if err != nil {
			return err
		}
		if order == nil || order.Side != side {
			return nil
		}

		if _, err := orders.DeleteOrder(ctx, order.ID); err != nil {
			return err
		}

		asset, amount := reservationFor(m, order.Side, order.Price, order.Quantity)
		if err := e.ledger.WithTx(tx).Release(ctx, order.OwnerID, asset, amount); err != nil {
			return err
		}

		found = true
		return nil
	})
	if err != nil {
		return false, &MatchingTxError{Err: err}
	}
	if !found {
		return false, nil
	}

	e.projectDiff(ctx, marketID, &MatchResult{FilledOrderIDs: []uuid.UUID{orderID}})
	e.logger.Info("order cancelled",
		zap.String("market_id", marketID.String()),
		zap.String("order_id", orderID.String()))
	return true, nil
}

// projectDiff applies the committed mutation to the book cache with bounded
// retries; exhaustion hands the market to reconciliation instead of failing
// the caller.
func (e *Service) projectDiff(ctx context.Context, marketID uuid.UUID, result *MatchResult) {
	diff := bookcache.Diff{
		Upserted:   result.UpdatedOrders,
		RemovedIDs: result.FilledOrderIDs,
	}
	if result.RemainingOrder != nil {
		diff.Upserted = append(diff.Upserted, result.RemainingOrder)
	}
	if diff.Empty() {
		return
	}

	err := bookcache.ApplyWithRetry(ctx, e.cache, e.logger, marketID, diff, e.cacheRetries, e.cacheBackoff)
	if err == nil {
		return
	}

	metrics.CacheSyncFailures.Inc()
	e.logger.Error("book cache out of sync, scheduling rebuild",
		zap.String("market_id", marketID.String()),
		zap.Error(err))
	if e.scheduler != nil {
		e.scheduler.Schedule(marketID)
	}
}

func (e *Service) publishTrades(ctx context.Context, trades []*models.Trade) {
	if e.publisher == nil || len(trades) == 0 {
		return
	}
	if err := e.publisher.PublishTrades(ctx, trades); err != nil {
		// Event delivery is best effort; the store already holds the trades.
		e.logger.Warn("failed to publish trades", zap.Error(err))
	}
}

// reservationFor returns the asset and amount a resting order of the given
// side holds in reservation: price*quantity quote for bids, quantity base
// for asks.
func reservationFor(m *models.Market, side string, price, quantity decimal.Decimal) (uuid.UUID, decimal.Decimal) {
	if side == models.SideBid {
		return m.QuoteAssetID, price.Mul(quantity)
	}
	return m.BaseAssetID, quantity
}

// crosses reports whether a taker at takerPrice matches a maker at
// makerPrice.
func crosses(takerSide string, takerPrice, makerPrice decimal.Decimal) bool {
	if takerSide == models.SideBid {
		return takerPrice.GreaterThanOrEqual(makerPrice)
	}
	return takerPrice.LessThanOrEqual(makerPrice)
}

package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/simetra/tradecore/internal/book"
	"github.com/simetra/tradecore/internal/bookcache"
	"github.com/simetra/tradecore/internal/ledger"
	"github.com/simetra/tradecore/internal/market"
	"github.com/simetra/tradecore/pkg/models"
)

type harness struct {
	db      *gorm.DB
	ledger  *ledger.Service
	markets *market.Service
	orders  book.OrderStore
	trades  book.TradeStore
	cache   *bookcache.MemoryCache
	engine  *Service
	market  *models.Market
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Market{}, &models.Order{}, &models.Trade{}, &models.Holding{}))

	logger := zap.NewNop()
	led := ledger.NewService(logger, db)
	markets := market.NewService(logger, db)
	orders := book.NewOrderStore(logger, db)
	trades := book.NewTradeStore(logger, db)
	cache := bookcache.NewMemoryCache()

	m, err := markets.CreateMarket(context.Background(), "BTC/USD",
		uuid.New(), uuid.New(), dec("0.01"), dec("0.01"))
	require.NoError(t, err)

	return &harness{
		db:      db,
		ledger:  led,
		markets: markets,
		orders:  orders,
		trades:  trades,
		cache:   cache,
		engine:  NewService(logger, db, led, markets, orders, trades, cache, opts...),
		market:  m,
	}
}

// fund seeds an owner's holding through the external deposit path.
func (h *harness) fund(t *testing.T, owner uuid.UUID, asset uuid.UUID, amount string) {
	t.Helper()
	require.NoError(t, h.ledger.Release(context.Background(), owner, asset, dec(amount)))
}

func (h *harness) holding(t *testing.T, owner, asset uuid.UUID) decimal.Decimal {
	t.Helper()
	hold, err := h.ledger.GetHolding(context.Background(), owner, asset)
	require.NoError(t, err)
	return hold.Quantity
}

// place submits an order and requires acceptance.
func (h *harness) place(t *testing.T, owner uuid.UUID, side, price, qty string) *MatchResult {
	t.Helper()
	res, err := h.engine.PlaceOrder(context.Background(), h.market.ID, side, dec(price), dec(qty), owner)
	require.NoError(t, err)
	// Priority tie-break is creation time; keep placements apart so
	// coarse timestamp columns cannot collapse them.
	time.Sleep(2 * time.Millisecond)
	return res
}

func TestBidConsumesAskAndRestsRemainder(t *testing.T) {
	h := newHarness(t)
	maker, taker := uuid.New(), uuid.New()
	h.fund(t, maker, h.market.BaseAssetID, "2")
	h.fund(t, taker, h.market.QuoteAssetID, "300")

	res := h.place(t, maker, models.SideAsk, "100", "2")
	require.Empty(t, res.Trades)
	require.NotNil(t, res.RemainingOrder)
	makerOrderID := res.RemainingOrder.ID

	// Placement reserved the maker's base in full.
	require.True(t, h.holding(t, maker, h.market.BaseAssetID).IsZero())

	res = h.place(t, taker, models.SideBid, "100", "3")
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	require.True(t, trade.Price.Equal(dec("100")))
	require.True(t, trade.Quantity.Equal(dec("2")))
	require.Equal(t, makerOrderID, trade.MakerOrderID)
	require.Equal(t, models.SideBid, trade.TakerSide)

	require.Equal(t, []uuid.UUID{makerOrderID}, res.FilledOrderIDs)
	require.Empty(t, res.UpdatedOrders)
	require.NotNil(t, res.RemainingOrder)
	require.True(t, res.RemainingOrder.Quantity.Equal(dec("1")))

	// Maker: base delivered, 200 quote credited.
	require.True(t, h.holding(t, maker, h.market.QuoteAssetID).Equal(dec("200")))
	// Taker: 2 base received; the full 300 quote stays deducted, 100 of it
	// backing the resting remainder. Exact price match means no refund.
	require.True(t, h.holding(t, taker, h.market.BaseAssetID).Equal(dec("2")))
	require.True(t, h.holding(t, taker, h.market.QuoteAssetID).IsZero())

	// Store: only the taker remainder rests.
	resting, err := h.orders.ListResting(context.Background(), h.market.ID)
	require.NoError(t, err)
	require.Len(t, resting, 1)
	require.Equal(t, res.RemainingOrder.ID, resting[0].ID)

	// Cache projection follows the committed diff.
	bestBid, err := h.cache.BestBid(context.Background(), h.market.ID)
	require.NoError(t, err)
	require.True(t, bestBid.Price.Equal(dec("100")))
	require.True(t, bestBid.Quantity.Equal(dec("1")))
	bestAsk, err := h.cache.BestAsk(context.Background(), h.market.ID)
	require.NoError(t, err)
	require.Nil(t, bestAsk)
}

func TestTimePriorityAtEqualPrice(t *testing.T) {
	h := newHarness(t)
	ownerA, ownerB, taker := uuid.New(), uuid.New(), uuid.New()
	h.fund(t, ownerA, h.market.QuoteAssetID, "100")
	h.fund(t, ownerB, h.market.QuoteAssetID, "100")
	h.fund(t, taker, h.market.BaseAssetID, "1")

	resA := h.place(t, ownerA, models.SideBid, "100", "1")
	resB := h.place(t, ownerB, models.SideBid, "100", "1")

	res := h.place(t, taker, models.SideAsk, "100", "1")
	require.Len(t, res.Trades, 1)
	require.Equal(t, resA.RemainingOrder.ID, res.Trades[0].MakerOrderID)

	// B's order is untouched and keeps its queue position.
	resting, err := h.orders.ListResting(context.Background(), h.market.ID)
	require.NoError(t, err)
	require.Len(t, resting, 1)
	require.Equal(t, resB.RemainingOrder.ID, resting[0].ID)
	require.True(t, resting[0].Quantity.Equal(dec("1")))
}

func TestPricePriorityBeatsTime(t *testing.T) {
	h := newHarness(t)
	expensive, cheap, taker := uuid.New(), uuid.New(), uuid.New()
	h.fund(t, expensive, h.market.BaseAssetID, "1")
	h.fund(t, cheap, h.market.BaseAssetID, "1")
	h.fund(t, taker, h.market.QuoteAssetID, "200")

	h.place(t, expensive, models.SideAsk, "101", "1")
	resCheap := h.place(t, cheap, models.SideAsk, "100", "1")

	res := h.place(t, taker, models.SideBid, "102", "1")
	require.Len(t, res.Trades, 1)
	require.Equal(t, resCheap.RemainingOrder.ID, res.Trades[0].MakerOrderID)
	require.True(t, res.Trades[0].Price.Equal(dec("100")))
}

func TestMakerPriceWithBidSurplusRefund(t *testing.T) {
	h := newHarness(t)
	maker, taker := uuid.New(), uuid.New()
	h.fund(t, maker, h.market.BaseAssetID, "1")
	h.fund(t, taker, h.market.QuoteAssetID, "100")

	h.place(t, maker, models.SideAsk, "90", "1")
	res := h.place(t, taker, models.SideBid, "100", "1")

	require.Len(t, res.Trades, 1)
	require.True(t, res.Trades[0].Price.Equal(dec("90")))
	require.Nil(t, res.RemainingOrder)

	// Reserved 100, spent 90 at the maker's price, 10 refunded.
	require.True(t, h.holding(t, taker, h.market.QuoteAssetID).Equal(dec("10")))
	require.True(t, h.holding(t, taker, h.market.BaseAssetID).Equal(dec("1")))
	require.True(t, h.holding(t, maker, h.market.QuoteAssetID).Equal(dec("90")))
}

func TestPartialMakerKeepsQueuePosition(t *testing.T) {
	h := newHarness(t)
	first, second, taker := uuid.New(), uuid.New(), uuid.New()
	h.fund(t, first, h.market.BaseAssetID, "5")
	h.fund(t, second, h.market.BaseAssetID, "1")
	h.fund(t, taker, h.market.QuoteAssetID, "600")

	resFirst := h.place(t, first, models.SideAsk, "100", "5")
	resSecond := h.place(t, second, models.SideAsk, "100", "1")

	res := h.place(t, taker, models.SideBid, "100", "3")
	require.Len(t, res.Trades, 1)
	require.Equal(t, resFirst.RemainingOrder.ID, res.Trades[0].MakerOrderID)
	require.Len(t, res.UpdatedOrders, 1)
	require.True(t, res.UpdatedOrders[0].Quantity.Equal(dec("2")))

	// The reduced head still fills before the later order at the same price.
	res = h.place(t, taker, models.SideBid, "100", "3")
	require.Len(t, res.Trades, 2)
	require.Equal(t, resFirst.RemainingOrder.ID, res.Trades[0].MakerOrderID)
	require.True(t, res.Trades[0].Quantity.Equal(dec("2")))
	require.Equal(t, resSecond.RemainingOrder.ID, res.Trades[1].MakerOrderID)
	require.True(t, res.Trades[1].Quantity.Equal(dec("1")))
}

func TestInsufficientFundsRejectsBeforeBookAccess(t *testing.T) {
	h := newHarness(t)
	maker, taker := uuid.New(), uuid.New()
	h.fund(t, maker, h.market.BaseAssetID, "1")
	h.fund(t, taker, h.market.QuoteAssetID, "50")

	h.place(t, maker, models.SideAsk, "100", "1")

	_, err := h.engine.PlaceOrder(context.Background(), h.market.ID, models.SideBid, dec("100"), dec("1"), taker)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// No state change: funds intact, book intact.
	require.True(t, h.holding(t, taker, h.market.QuoteAssetID).Equal(dec("50")))
	resting, err := h.orders.ListResting(context.Background(), h.market.ID)
	require.NoError(t, err)
	require.Len(t, resting, 1)
	require.True(t, resting[0].Quantity.Equal(dec("1")))
}

func TestValidationRejections(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()
	ctx := context.Background()

	_, err := h.engine.PlaceOrder(ctx, h.market.ID, "hold", dec("1"), dec("1"), owner)
	require.True(t, IsValidation(err), "got %v", err)

	_, err = h.engine.PlaceOrder(ctx, h.market.ID, models.SideBid, dec("0"), dec("1"), owner)
	require.True(t, IsValidation(err), "got %v", err)

	_, err = h.engine.PlaceOrder(ctx, h.market.ID, models.SideBid, dec("1"), dec("-2"), owner)
	require.True(t, IsValidation(err), "got %v", err)

	_, err = h.engine.PlaceOrder(ctx, uuid.New(), models.SideBid, dec("1"), dec("1"), owner)
	require.True(t, IsValidation(err), "got %v", err)

	// Tick size 0.01: sub-increment prices are rejected.
	_, err = h.engine.PlaceOrder(ctx, h.market.ID, models.SideBid, dec("1.001"), dec("1"), owner)
	require.True(t, IsValidation(err), "got %v", err)

	require.NoError(t, h.markets.SetActive(ctx, h.market.ID, false))
	_, err = h.engine.PlaceOrder(ctx, h.market.ID, models.SideBid, dec("1"), dec("1"), owner)
	require.True(t, IsValidation(err), "got %v", err)
}

func TestCancelReleasesReservation(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()
	h.fund(t, owner, h.market.BaseAssetID, "2")

	res := h.place(t, owner, models.SideAsk, "100", "2")
	orderID := res.RemainingOrder.ID
	require.True(t, h.holding(t, owner, h.market.BaseAssetID).IsZero())

	ok, err := h.engine.CancelOrder(context.Background(), h.market.ID, orderID, models.SideAsk)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, h.holding(t, owner, h.market.BaseAssetID).Equal(dec("2")))

	// Already gone: false, and no ledger mutation.
	ok, err = h.engine.CancelOrder(context.Background(), h.market.ID, orderID, models.SideAsk)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, h.holding(t, owner, h.market.BaseAssetID).Equal(dec("2")))

	// Cancelled order must be out of the cache too.
	bestAsk, err := h.cache.BestAsk(context.Background(), h.market.ID)
	require.NoError(t, err)
	require.Nil(t, bestAsk)
}

func TestCancelUnknownOrder(t *testing.T) {
	h := newHarness(t)
	ok, err := h.engine.CancelOrder(context.Background(), h.market.ID, uuid.New(), models.SideBid)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelPartiallyFilledBidRefundsRemainder(t *testing.T) {
	h := newHarness(t)
	maker, taker := uuid.New(), uuid.New()
	h.fund(t, maker, h.market.BaseAssetID, "1")
	h.fund(t, taker, h.market.QuoteAssetID, "300")

	h.place(t, maker, models.SideAsk, "100", "1")
	res := h.place(t, taker, models.SideBid, "100", "3")
	require.NotNil(t, res.RemainingOrder)
	require.True(t, res.RemainingOrder.Quantity.Equal(dec("2")))

	ok, err := h.engine.CancelOrder(context.Background(), h.market.ID, res.RemainingOrder.ID, models.SideBid)
	require.NoError(t, err)
	require.True(t, ok)

	// 100 spent on the fill, 200 released for the cancelled remainder.
	require.True(t, h.holding(t, taker, h.market.QuoteAssetID).Equal(dec("200")))
}

// conservation sums an asset over all holdings plus the reservations backing
// resting orders.
func (h *harness) conservation(t *testing.T, owners []uuid.UUID) (base, quote decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	base, quote = decimal.Zero, decimal.Zero
	for _, o := range owners {
		base = base.Add(h.holding(t, o, h.market.BaseAssetID))
		quote = quote.Add(h.holding(t, o, h.market.QuoteAssetID))
	}
	resting, err := h.orders.ListResting(ctx, h.market.ID)
	require.NoError(t, err)
	for _, o := range resting {
		if o.Side == models.SideAsk {
			base = base.Add(o.Quantity)
		} else {
			quote = quote.Add(o.Price.Mul(o.Quantity))
		}
	}
	return base, quote
}

func TestConservationAcrossFillSequence(t *testing.T) {
	h := newHarness(t)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	owners := []uuid.UUID{alice, bob, carol}
	h.fund(t, alice, h.market.BaseAssetID, "10")
	h.fund(t, bob, h.market.QuoteAssetID, "1000")
	h.fund(t, carol, h.market.BaseAssetID, "5")
	h.fund(t, carol, h.market.QuoteAssetID, "500")

	baseBefore, quoteBefore := h.conservation(t, owners)

	h.place(t, alice, models.SideAsk, "100", "4")
	h.place(t, bob, models.SideBid, "101", "2")
	h.place(t, carol, models.SideBid, "99", "3")
	h.place(t, alice, models.SideAsk, "99", "3")
	h.place(t, carol, models.SideAsk, "98", "2")
	h.place(t, bob, models.SideBid, "100", "5")

	baseAfter, quoteAfter := h.conservation(t, owners)
	require.True(t, baseBefore.Equal(baseAfter), "base %s != %s", baseBefore, baseAfter)
	require.True(t, quoteBefore.Equal(quoteAfter), "quote %s != %s", quoteBefore, quoteAfter)
}

type failingCache struct {
	*bookcache.MemoryCache
	fail bool
}

func (f *failingCache) ApplyDiff(ctx context.Context, marketID uuid.UUID, diff bookcache.Diff) error {
	if f.fail {
		return fmt.Errorf("cache backend unavailable")
	}
	return f.MemoryCache.ApplyDiff(ctx, marketID, diff)
}

type recordingScheduler struct {
	scheduled []uuid.UUID
}

func (r *recordingScheduler) Schedule(marketID uuid.UUID) {
	r.scheduled = append(r.scheduled, marketID)
}

func TestCacheExhaustionSchedulesRebuildWithoutFailingTrade(t *testing.T) {
	h := newHarness(t)
	sched := &recordingScheduler{}
	cache := &failingCache{MemoryCache: h.cache, fail: true}
	eng := NewService(zap.NewNop(), h.db, h.ledger, h.markets, h.orders, h.trades, cache,
		WithRebuildScheduler(sched),
		WithCacheRetry(2, time.Millisecond))

	owner := uuid.New()
	h.fund(t, owner, h.market.BaseAssetID, "1")

	// The placement still succeeds: trading correctness lives in the store.
	res, err := eng.PlaceOrder(context.Background(), h.market.ID, models.SideAsk, dec("100"), dec("1"), owner)
	require.NoError(t, err)
	require.NotNil(t, res.RemainingOrder)
	require.Equal(t, []uuid.UUID{h.market.ID}, sched.scheduled)

	resting, err := h.orders.ListResting(context.Background(), h.market.ID)
	require.NoError(t, err)
	require.Len(t, resting, 1)
}

package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/simetra/tradecore/pkg/models"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Holding{}))
	return NewService(zap.NewNop(), db)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestReserveWithoutHolding(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	ok, err := s.Reserve(ctx, uuid.New(), uuid.New(), dec("10"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReserveInsufficient(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	owner, asset := uuid.New(), uuid.New()

	require.NoError(t, s.Release(ctx, owner, asset, dec("5")))

	ok, err := s.Reserve(ctx, owner, asset, dec("10"))
	require.NoError(t, err)
	require.False(t, ok)

	// Failed reservation must leave the holding untouched.
	h, err := s.GetHolding(ctx, owner, asset)
	require.NoError(t, err)
	require.True(t, h.Quantity.Equal(dec("5")), "got %s", h.Quantity)
}

func TestReserveExact(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	owner, asset := uuid.New(), uuid.New()

	require.NoError(t, s.Release(ctx, owner, asset, dec("10")))

	ok, err := s.Reserve(ctx, owner, asset, dec("10"))
	require.NoError(t, err)
	require.True(t, ok)

	h, err := s.GetHolding(ctx, owner, asset)
	require.NoError(t, err)
	require.True(t, h.Quantity.IsZero(), "got %s", h.Quantity)
}

func TestReleaseCreatesRow(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	owner, asset := uuid.New(), uuid.New()

	require.NoError(t, s.Release(ctx, owner, asset, dec("2.5")))
	require.NoError(t, s.Release(ctx, owner, asset, dec("1.5")))

	h, err := s.GetHolding(ctx, owner, asset)
	require.NoError(t, err)
	require.True(t, h.Quantity.Equal(dec("4")), "got %s", h.Quantity)
}

func TestAdjustSignedDeltas(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	owner, asset := uuid.New(), uuid.New()

	require.NoError(t, s.Adjust(ctx, owner, asset, dec("10")))
	require.NoError(t, s.Adjust(ctx, owner, asset, dec("-4")))

	h, err := s.GetHolding(ctx, owner, asset)
	require.NoError(t, err)
	require.True(t, h.Quantity.Equal(dec("6")), "got %s", h.Quantity)

	// A negative adjustment past zero is a caller bug, not a silent clamp.
	require.Error(t, s.Adjust(ctx, owner, asset, dec("-7")))
}

func TestGetHoldings(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	owner := uuid.New()

	require.NoError(t, s.Release(ctx, owner, uuid.New(), dec("1")))
	require.NoError(t, s.Release(ctx, owner, uuid.New(), dec("2")))

	holdings, err := s.GetHoldings(ctx, owner)
	require.NoError(t, err)
	require.Len(t, holdings, 2)
}

func TestConcurrentReserveNoOverspend(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	owner, asset := uuid.New(), uuid.New()

	require.NoError(t, s.Release(ctx, owner, asset, dec("100")))

	var succeeded int64
	wg := sync.WaitGroup{}
	n := 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Reserve(ctx, owner, asset, dec("10"))
			if err != nil {
				t.Errorf("reserve failed: %v", err)
				return
			}
			if ok {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 10, succeeded, "exactly 100/10 reservations may succeed")

	h, err := s.GetHolding(ctx, owner, asset)
	require.NoError(t, err)
	require.True(t, h.Quantity.IsZero(), "got %s", h.Quantity)
}

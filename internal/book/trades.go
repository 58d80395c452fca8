package book

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/simetra/tradecore/pkg/models"
)

// TradeStore is the typed, append-only repository for executed trades.
type TradeStore interface {
	InsertTrades(ctx context.Context, trades []*models.Trade) error
	ListByMarket(ctx context.Context, marketID uuid.UUID, limit int) ([]*models.Trade, error)
	// LastPrice returns the most recent trade price for the market, or nil
	// when the market has never traded.
	LastPrice(ctx context.Context, marketID uuid.UUID) (*decimal.Decimal, error)
	WithTx(tx *gorm.DB) TradeStore
}

// GormTradeStore implements TradeStore on GORM.
type GormTradeStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewTradeStore creates a new trade store.
func NewTradeStore(logger *zap.Logger, db *gorm.DB) *GormTradeStore {
	return &GormTradeStore{db: db, logger: logger}
}

// WithTx returns a trade store bound to tx.
func (s *GormTradeStore) WithTx(tx *gorm.DB) TradeStore {
	return &GormTradeStore{db: tx, logger: s.logger}
}

func (s *GormTradeStore) InsertTrades(ctx context.Context, trades []*models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(trades).Error; err != nil {
		return fmt.Errorf("failed to insert trades: %w", err)
	}
	s.logger.Debug("trades inserted", zap.Int("count", len(trades)))
	return nil
}

func (s *GormTradeStore) ListByMarket(ctx context.Context, marketID uuid.UUID, limit int) ([]*models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	var trades []*models.Trade
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("created_at DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

func (s *GormTradeStore) LastPrice(ctx context.Context, marketID uuid.UUID) (*decimal.Decimal, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("created_at DESC").
		First(&trade).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find last trade: %w", err)
	}
	return &trade.Price, nil
}

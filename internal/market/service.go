// Package market provides lookup and lifecycle of trading pairs.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/simetra/tradecore/pkg/models"
)

// Lookup is the read surface the matching engine validates orders against.
type Lookup interface {
	// GetMarket returns the market, or nil when it does not exist.
	GetMarket(ctx context.Context, marketID uuid.UUID) (*models.Market, error)
}

// Service implements market lookup and the collaborator-facing write path.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new market service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db}
}

// GetMarket returns the market, or nil when it does not exist.
func (s *Service) GetMarket(ctx context.Context, marketID uuid.UUID) (*models.Market, error) {
	var m models.Market
	if err := s.db.WithContext(ctx).Where("id = ?", marketID).First(&m).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find market: %w", err)
	}
	return &m, nil
}

// ListMarkets returns all markets.
func (s *Service) ListMarkets(ctx context.Context) ([]*models.Market, error) {
	var markets []*models.Market
	if err := s.db.WithContext(ctx).Order("symbol ASC").Find(&markets).Error; err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	return markets, nil
}

// CreateMarket registers a new trading pair.
func (s *Service) CreateMarket(ctx context.Context, symbol string, baseAssetID, quoteAssetID uuid.UUID, priceIncrement, qtyIncrement decimal.Decimal) (*models.Market, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol must not be empty")
	}
	if baseAssetID == quoteAssetID {
		return nil, fmt.Errorf("base and quote asset must differ")
	}
	if priceIncrement.LessThanOrEqual(decimal.Zero) || qtyIncrement.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("increments must be positive")
	}

	now := time.Now()
	m := &models.Market{
		ID:             uuid.New(),
		Symbol:         symbol,
		BaseAssetID:    baseAssetID,
		QuoteAssetID:   quoteAssetID,
		PriceIncrement: priceIncrement,
		QtyIncrement:   qtyIncrement,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("failed to create market: %w", err)
	}

	s.logger.Info("market created", zap.String("market_id", m.ID.String()), zap.String("symbol", symbol))
	return m, nil
}

// SetActive flips the activation flag; the only mutation allowed once
// trading has occurred.
func (s *Service) SetActive(ctx context.Context, marketID uuid.UUID, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.Market{}).
		Where("id = ?", marketID).
		Updates(map[string]interface{}{"active": active, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to update market: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("market not found")
	}
	return nil
}

// ConformsToIncrement reports whether value is a whole multiple of increment.
func ConformsToIncrement(value, increment decimal.Decimal) bool {
	if increment.LessThanOrEqual(decimal.Zero) {
		return true
	}
	return value.Mod(increment).IsZero()
}

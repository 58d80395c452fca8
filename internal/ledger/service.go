// Package ledger maintains per-(owner, asset) holding quantities.
//
// Reservation is an immediate deduction guarded by a conditional update, so
// concurrent spenders of the same holding serialize on the row itself and a
// balance can never go negative.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/simetra/tradecore/pkg/models"
)

// Ledger defines the balance primitives the matching core and the portfolio
// subsystems compose with book mutations.
type Ledger interface {
	// Reserve atomically deducts amount from the holding if quantity >= amount.
	// Returns false with no side effect otherwise.
	Reserve(ctx context.Context, ownerID, assetID uuid.UUID, amount decimal.Decimal) (bool, error)
	// Release atomically adds amount back to the holding, creating the row if absent.
	Release(ctx context.Context, ownerID, assetID uuid.UUID, amount decimal.Decimal) error
	// Adjust applies a signed delta. Negative deltas fail with an error when the
	// holding is insufficient; sufficiency is expected to have been checked at
	// reservation time.
	Adjust(ctx context.Context, ownerID, assetID uuid.UUID, delta decimal.Decimal) error
	GetHolding(ctx context.Context, ownerID, assetID uuid.UUID) (*models.Holding, error)
	GetHoldings(ctx context.Context, ownerID uuid.UUID) ([]*models.Holding, error)
	// WithTx binds the ledger to an open transaction so its writes commit or
	// roll back with the caller's book mutations.
	WithTx(tx *gorm.DB) Ledger
}

// Service implements Ledger on a relational holdings table.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new ledger service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db}
}

// WithTx returns a ledger bound to tx.
func (s *Service) WithTx(tx *gorm.DB) Ledger {
	return &Service{logger: s.logger, db: tx}
}

// Reserve deducts amount if and only if the holding covers it.
func (s *Service) Reserve(ctx context.Context, ownerID, assetID uuid.UUID, amount decimal.Decimal) (bool, error) {
	if amount.IsNegative() {
		return false, fmt.Errorf("reserve amount must not be negative: %s", amount)
	}

	res := s.db.WithContext(ctx).Model(&models.Holding{}).
		Where("owner_id = ? AND asset_id = ? AND quantity >= ?", ownerID, assetID, amount).
		Updates(map[string]interface{}{
			"quantity":   gorm.Expr("quantity - ?", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve holding: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Missing row or insufficient quantity; either way nothing was spent.
		return false, nil
	}

	s.logger.Debug("reserved holding",
		zap.String("owner_id", ownerID.String()),
		zap.String("asset_id", assetID.String()),
		zap.String("amount", amount.String()))
	return true, nil
}

// Release adds amount back to the holding, creating it when absent.
func (s *Service) Release(ctx context.Context, ownerID, assetID uuid.UUID, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("release amount must not be negative: %s", amount)
	}

	now := time.Now()
	holding := &models.Holding{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		AssetID:   assetID,
		Quantity:  amount,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "asset_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"quantity":   gorm.Expr("quantity + ?", amount),
			"updated_at": now,
		}),
	}).Create(holding).Error
	if err != nil {
		return fmt.Errorf("failed to release holding: %w", err)
	}

	s.logger.Debug("released holding",
		zap.String("owner_id", ownerID.String()),
		zap.String("asset_id", assetID.String()),
		zap.String("amount", amount.String()))
	return nil
}

// Adjust applies a signed delta to the holding.
func (s *Service) Adjust(ctx context.Context, ownerID, assetID uuid.UUID, delta decimal.Decimal) error {
	if !delta.IsNegative() {
		return s.Release(ctx, ownerID, assetID, delta)
	}

	ok, err := s.Reserve(ctx, ownerID, assetID, delta.Neg())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("insufficient holding for adjustment of %s (owner %s, asset %s)",
			delta, ownerID, assetID)
	}
	return nil
}

// GetHolding returns the holding row, or a zero-quantity holding when the row
// does not exist yet.
func (s *Service) GetHolding(ctx context.Context, ownerID, assetID uuid.UUID) (*models.Holding, error) {
	var holding models.Holding
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND asset_id = ?", ownerID, assetID).
		First(&holding).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &models.Holding{OwnerID: ownerID, AssetID: assetID, Quantity: decimal.Zero}, nil
		}
		return nil, fmt.Errorf("failed to find holding: %w", err)
	}
	return &holding, nil
}

// GetHoldings returns all holdings of an owner.
func (s *Service) GetHoldings(ctx context.Context, ownerID uuid.UUID) ([]*models.Holding, error) {
	var holdings []*models.Holding
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to find holdings: %w", err)
	}
	return holdings, nil
}

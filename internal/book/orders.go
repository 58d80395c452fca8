// Package book is the durable, authoritative record of resting orders and
// executed trades. All mutating access happens inside the caller's
// transaction; the exclusive row locks taken on the opposing queue are the
// serialization point for matching.
package book

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/simetra/tradecore/pkg/models"
)

// OrderStore is the typed repository for resting orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	// GetOrderForUpdate locks the order row for the enclosing transaction.
	// Returns nil when the order does not exist.
	GetOrderForUpdate(ctx context.Context, marketID, orderID uuid.UUID) (*models.Order, error)
	DeleteOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
	UpdateQuantity(ctx context.Context, orderID uuid.UUID, quantity decimal.Decimal) error
	// ListOpposing returns the orders a taker on takerSide matches against,
	// in price-time priority (best price first, earliest creation first, id
	// as the final tiebreak). With forMatching the rows are locked FOR UPDATE
	// as a single batch.
	ListOpposing(ctx context.Context, marketID uuid.UUID, takerSide string, forMatching bool) ([]*models.Order, error)
	// ListResting returns every order resting in the market, both sides.
	ListResting(ctx context.Context, marketID uuid.UUID) ([]*models.Order, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Order, error)
	// ListMarketsWithOrders returns the distinct market ids holding at least
	// one resting order.
	ListMarketsWithOrders(ctx context.Context) ([]uuid.UUID, error)
	WithTx(tx *gorm.DB) OrderStore
}

// GormOrderStore implements OrderStore on GORM.
type GormOrderStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewOrderStore creates a new order store.
func NewOrderStore(logger *zap.Logger, db *gorm.DB) *GormOrderStore {
	return &GormOrderStore{db: db, logger: logger}
}

// WithTx returns an order store bound to tx.
func (s *GormOrderStore) WithTx(tx *gorm.DB) OrderStore {
	return &GormOrderStore{db: tx, logger: s.logger}
}

func (s *GormOrderStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	s.logger.Debug("order created", zap.String("order_id", order.ID.String()))
	return nil
}

func (s *GormOrderStore) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	return &order, nil
}

func (s *GormOrderStore) GetOrderForUpdate(ctx context.Context, marketID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	q := s.db.WithContext(ctx)
	if s.supportsRowLocks() {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("id = ? AND market_id = ?", orderID, marketID).First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

func (s *GormOrderStore) DeleteOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", orderID).Delete(&models.Order{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete order: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormOrderStore) UpdateQuantity(ctx context.Context, orderID uuid.UUID, quantity decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		// A zero-quantity order is deleted, never persisted.
		return fmt.Errorf("order quantity must stay positive, got %s", quantity)
	}
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Update("quantity", quantity)
	if res.Error != nil {
		return fmt.Errorf("failed to update order quantity: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %s not found", orderID)
	}
	return nil
}

func (s *GormOrderStore) ListOpposing(ctx context.Context, marketID uuid.UUID, takerSide string, forMatching bool) ([]*models.Order, error) {
	opposing := models.OppositeSide(takerSide)

	// Best price first: an incoming bid matches the cheapest asks, an
	// incoming ask matches the highest bids.
	priceOrder := "price ASC"
	if opposing == models.SideBid {
		priceOrder = "price DESC"
	}

	q := s.db.WithContext(ctx).
		Where("market_id = ? AND side = ?", marketID, opposing).
		Order(priceOrder).
		Order("created_at ASC").
		Order("id ASC")
	if forMatching && s.supportsRowLocks() {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var orders []*models.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list opposing orders: %w", err)
	}
	return orders, nil
}

func (s *GormOrderStore) ListResting(ctx context.Context, marketID uuid.UUID) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list resting orders: %w", err)
	}
	return orders, nil
}

func (s *GormOrderStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders by owner: %w", err)
	}
	return orders, nil
}

func (s *GormOrderStore) ListMarketsWithOrders(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Order{}).
		Distinct("market_id").
		Pluck("market_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list markets with orders: %w", err)
	}
	return ids, nil
}

// supportsRowLocks reports whether the dialect understands SELECT ... FOR
// UPDATE. SQLite serializes writers on its own and rejects the clause.
func (s *GormOrderStore) supportsRowLocks() bool {
	return s.db.Dialector.Name() != "sqlite"
}

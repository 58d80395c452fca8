package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides
const (
	SideBid = "bid"
	SideAsk = "ask"
)

// ValidSide reports whether s is one of the two order sides.
func ValidSide(s string) bool {
	return s == SideBid || s == SideAsk
}

// OppositeSide returns the opposing book side for s.
func OppositeSide(s string) string {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Market represents a trading pair. Immutable once trading has occurred,
// except for the Active flag.
type Market struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Symbol         string          `json:"symbol" gorm:"uniqueIndex"`
	BaseAssetID    uuid.UUID       `json:"base_asset_id" gorm:"type:uuid;not null"`
	QuoteAssetID   uuid.UUID       `json:"quote_asset_id" gorm:"type:uuid;not null"`
	PriceIncrement decimal.Decimal `json:"price_increment" gorm:"type:decimal(32,16);not null"`
	QtyIncrement   decimal.Decimal `json:"qty_increment" gorm:"type:decimal(32,16);not null"`
	Active         bool            `json:"active" gorm:"not null;default:true"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Order represents a resting limit order in the book. Quantity only ever
// moves downward; an order reaching zero quantity is deleted, never stored.
type Order struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	MarketID     uuid.UUID       `json:"market_id" gorm:"type:uuid;index:idx_orders_market_side;not null"`
	Side         string          `json:"side" gorm:"type:varchar(4);index:idx_orders_market_side;not null"`
	Price        decimal.Decimal `json:"price" gorm:"type:decimal(32,16);not null"`
	Quantity     decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16);not null"`
	OwnerID      uuid.UUID       `json:"owner_id" gorm:"type:uuid;index;not null"`
	QuoteAssetID uuid.UUID       `json:"quote_asset_id" gorm:"type:uuid;not null"`
	CreatedAt    time.Time       `json:"created_at" gorm:"index"`
}

// Trade records a single fill between a taker and a maker order. Trades are
// append-only; the Price is always the maker order's price.
type Trade struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	MarketID     uuid.UUID       `json:"market_id" gorm:"type:uuid;index;not null"`
	TakerOrderID uuid.UUID       `json:"taker_order_id" gorm:"type:uuid;index;not null"`
	MakerOrderID uuid.UUID       `json:"maker_order_id" gorm:"type:uuid;index;not null"`
	TakerSide    string          `json:"taker_side" gorm:"type:varchar(4);not null"`
	Quantity     decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16);not null"`
	Price        decimal.Decimal `json:"price" gorm:"type:decimal(32,16);not null"`
	CreatedAt    time.Time       `json:"created_at" gorm:"index"`
}

// Holding is the per-(owner, asset) quantity row the ledger operates on.
// Quantity is kept non-negative by conditional updates, never by correction.
type Holding struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID   uuid.UUID       `json:"owner_id" gorm:"type:uuid;uniqueIndex:idx_holdings_owner_asset;not null"`
	AssetID   uuid.UUID       `json:"asset_id" gorm:"type:uuid;uniqueIndex:idx_holdings_owner_asset;not null"`
	Quantity  decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16);not null"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

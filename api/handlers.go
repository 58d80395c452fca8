package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simetra/tradecore/internal/engine"
)

type placeOrderRequest struct {
	Side     string          `json:"side" binding:"required"`
	Price    decimal.Decimal `json:"price" binding:"required"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
	OwnerID  uuid.UUID       `json:"owner_id" binding:"required"`
}

type createMarketRequest struct {
	Symbol         string          `json:"symbol" binding:"required"`
	BaseAssetID    uuid.UUID       `json:"base_asset_id" binding:"required"`
	QuoteAssetID   uuid.UUID       `json:"quote_asset_id" binding:"required"`
	PriceIncrement decimal.Decimal `json:"price_increment" binding:"required"`
	QtyIncrement   decimal.Decimal `json:"qty_increment" binding:"required"`
}

type balanceRequest struct {
	AssetID uuid.UUID       `json:"asset_id" binding:"required"`
	Amount  decimal.Decimal `json:"amount" binding:"required"`
}

// respondError maps the engine's error taxonomy onto HTTP statuses.
// Validation and funds failures are the caller's problem; a rolled-back
// transaction is retryable.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case engine.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case engine.IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unable to process order, retry"})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) marketID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("market_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid market id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) placeOrder(c *gin.Context) {
	marketID, ok := s.marketID(c)
	if !ok {
		return
	}
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.PlaceOrder(c.Request.Context(), marketID, req.Side, req.Price, req.Quantity, req.OwnerID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) cancelOrder(c *gin.Context) {
	marketID, ok := s.marketID(c)
	if !ok {
		return
	}
	orderID, err := uuid.Parse(c.Param("order_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	side := c.Query("side")

	cancelled, err := s.engine.CancelOrder(c.Request.Context(), marketID, orderID, side)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !cancelled {
		// Already filled or never existed; an expected race, not an error.
		c.JSON(http.StatusNotFound, gin.H{"cancelled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) getOrderBook(c *gin.Context) {
	marketID, ok := s.marketID(c)
	if !ok {
		return
	}
	snap, err := s.cache.OrderBook(c.Request.Context(), marketID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getBest(c *gin.Context) {
	marketID, ok := s.marketID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	bid, err := s.cache.BestBid(ctx, marketID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	ask, err := s.cache.BestAsk(ctx, marketID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"best_bid": bid, "best_ask": ask})
}

func (s *Server) getSpread(c *gin.Context) {
	marketID, ok := s.marketID(c)
	if !ok {
		return
	}
	spread, err := s.cache.Spread(c.Request.Context(), marketID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spread": spread})
}

func (s *Server) getDepth(c *gin.Context) {
	marketID, ok := s.marketID(c)
	if !ok {
		return
	}
	levels, _ := strconv.Atoi(c.DefaultQuery("levels", "10"))
	depth, err := s.cache.Depth(c.Request.Context(), marketID, levels)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, depth)
}

func (s *Server) refreshBook(c *gin.Context) {
	marketID, ok := s.marketID(c)
	if !ok {
		return
	}
	if err := s.reconciler.RebuildMarket(c.Request.Context(), marketID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rebuilt": true})
}

func (s *Server) listTrades(c *gin.Context) {
	marketID, ok := s.marketID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.trades.ListByMarket(c.Request.Context(), marketID, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	lastPrice, err := s.trades.LastPrice(c.Request.Context(), marketID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "last_price": lastPrice})
}

func (s *Server) listMarkets(c *gin.Context) {
	markets, err := s.markets.ListMarkets(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": markets})
}

func (s *Server) createMarket(c *gin.Context) {
	var req createMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.markets.CreateMarket(c.Request.Context(), req.Symbol,
		req.BaseAssetID, req.QuoteAssetID, req.PriceIncrement, req.QtyIncrement)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) ownerID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("owner_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) getHoldings(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	holdings, err := s.ledger.GetHoldings(c.Request.Context(), ownerID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holdings": holdings})
}

func (s *Server) getOrders(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	orders, err := s.orders.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// deposit is the external balance write path for the portfolio subsystems.
func (s *Server) deposit(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	if err := s.ledger.Release(c.Request.Context(), ownerID, req.AssetID, req.Amount); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposited": req.Amount})
}

func (s *Server) withdraw(c *gin.Context) {
	ownerID, ok := s.ownerID(c)
	if !ok {
		return
	}
	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	ok2, err := s.ledger.Reserve(c.Request.Context(), ownerID, req.AssetID, req.Amount)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok2 {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient holdings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawn": req.Amount})
}

// Package api exposes the trading core over HTTP.
package api

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/simetra/tradecore/internal/book"
	"github.com/simetra/tradecore/internal/bookcache"
	"github.com/simetra/tradecore/internal/engine"
	"github.com/simetra/tradecore/internal/ledger"
	"github.com/simetra/tradecore/internal/market"
	"github.com/simetra/tradecore/internal/reconcile"
)

// Server is the HTTP surface over the trading core.
type Server struct {
	router     *gin.Engine
	logger     *zap.Logger
	engine     *engine.Service
	markets    *market.Service
	ledger     ledger.Ledger
	cache      bookcache.BookCache
	trades     book.TradeStore
	orders     book.OrderStore
	reconciler *reconcile.Worker
}

// NewServer creates the API server with injected services.
func NewServer(
	logger *zap.Logger,
	eng *engine.Service,
	markets *market.Service,
	led ledger.Ledger,
	cache bookcache.BookCache,
	trades book.TradeStore,
	orders book.OrderStore,
	reconciler *reconcile.Worker,
) *Server {
	server := &Server{
		logger:     logger,
		engine:     eng,
		markets:    markets,
		ledger:     led,
		cache:      cache,
		trades:     trades,
		orders:     orders,
		reconciler: reconciler,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	server.router = router
	server.registerRoutes()
	return server
}

// Start starts the API server.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the gin engine, for tests and for embedding into an
// http.Server.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		markets := v1.Group("/markets")
		{
			markets.GET("", s.listMarkets)
			markets.POST("", s.createMarket)

			markets.POST("/:market_id/orders", s.placeOrder)
			markets.DELETE("/:market_id/orders/:order_id", s.cancelOrder)

			markets.GET("/:market_id/book", s.getOrderBook)
			markets.GET("/:market_id/book/best", s.getBest)
			markets.GET("/:market_id/book/spread", s.getSpread)
			markets.GET("/:market_id/book/depth", s.getDepth)
			markets.POST("/:market_id/book/refresh", s.refreshBook)

			markets.GET("/:market_id/trades", s.listTrades)
		}

		accounts := v1.Group("/accounts")
		{
			accounts.GET("/:owner_id/holdings", s.getHoldings)
			accounts.GET("/:owner_id/orders", s.getOrders)
			accounts.POST("/:owner_id/deposit", s.deposit)
			accounts.POST("/:owner_id/withdraw", s.withdraw)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

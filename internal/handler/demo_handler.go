package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/vox-trader/agent-core/internal/middleware"
	"github.com/vox-trader/agent-core/internal/models"
	"github.com/vox-trader/agent-core/internal/service"
	"github.com/vox-trader/agent-core/pkg/response"
)

const defaultTradesLimit = 100

// DemoHandler serves the demo spot and futures accounts
type DemoHandler struct {
	ledger  *service.LedgerService
	trading *service.TradingService
}

// NewDemoHandler creates a new DemoHandler
func NewDemoHandler(ledger *service.LedgerService, trading *service.TradingService) *DemoHandler {
	return &DemoHandler{ledger: ledger, trading: trading}
}

// SpotOrderRequest is the body of POST /demo/order
type SpotOrderRequest struct {
	Side          string          `json:"side" binding:"required"`
	Symbol        string          `json:"symbol" binding:"required"`
	QuoteOrderQty decimal.Decimal `json:"quote_order_qty"`
	Quantity      decimal.Decimal `json:"quantity"`
	UseMax        bool            `json:"use_max"`
}

// FuturesOrderRequest is the body of POST /demo/futures-order
type FuturesOrderRequest struct {
	Side       string          `json:"side" binding:"required"`
	Symbol     string          `json:"symbol" binding:"required"`
	MarginUSDT decimal.Decimal `json:"margin_usdt"`
	Leverage   int             `json:"leverage"`
	UseMax     bool            `json:"use_max"`
}

// ClosePositionRequest is the body of POST /demo/futures-close
type ClosePositionRequest struct {
	PositionID uint `json:"position_id" binding:"required"`
}

// PlaceOrder executes a spot market order
// POST /demo/order
func (h *DemoHandler) PlaceOrder(c *gin.Context) {
	var req SpotOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	rec, err := h.trading.ExecuteSpot(c.Request.Context(), service.SpotOrderRequest{
		UserID:      middleware.GetUserID(c),
		Side:        models.OrderSide(strings.ToUpper(strings.TrimSpace(req.Side))),
		Symbol:      req.Symbol,
		QuoteAmount: req.QuoteOrderQty,
		Quantity:    req.Quantity,
		UseMax:      req.UseMax,
		Source:      models.SourceManual,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, rec)
}

// PlaceFuturesOrder opens a leveraged position
// POST /demo/futures-order
func (h *DemoHandler) PlaceFuturesOrder(c *gin.Context) {
	var req FuturesOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	pos, err := h.trading.OpenFutures(c.Request.Context(), service.OpenFuturesRequest{
		UserID:   middleware.GetUserID(c),
		Side:     parsePositionSide(req.Side),
		Symbol:   req.Symbol,
		Margin:   req.MarginUSDT,
		Leverage: req.Leverage,
		UseMax:   req.UseMax,
		Source:   models.SourceManual,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, pos)
}

// ClosePosition closes a futures position at the current price
// POST /demo/futures-close
func (h *DemoHandler) ClosePosition(c *gin.Context) {
	var req ClosePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	rec, err := h.trading.ClosePosition(c.Request.Context(), middleware.GetUserID(c), req.PositionID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, rec)
}

// GetAccount returns the valued spot account
// GET /demo/account
func (h *DemoHandler) GetAccount(c *gin.Context) {
	h.summary(c, models.MarketSpot)
}

// GetFuturesAccount returns the valued futures account with its open positions
// GET /demo/futures-account
func (h *DemoHandler) GetFuturesAccount(c *gin.Context) {
	h.summary(c, models.MarketFutures)
}

func (h *DemoHandler) summary(c *gin.Context, market models.MarketType) {
	summary, err := h.ledger.Summary(c.Request.Context(), middleware.GetUserID(c), market)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, summary)
}

// GetTrades returns spot fills, newest first
// GET /demo/my-trades
func (h *DemoHandler) GetTrades(c *gin.Context) {
	h.trades(c, models.MarketSpot)
}

// GetFuturesTrades returns closed futures positions, newest first
// GET /demo/futures-trades
func (h *DemoHandler) GetFuturesTrades(c *gin.Context) {
	h.trades(c, models.MarketFutures)
}

func (h *DemoHandler) trades(c *gin.Context, market models.MarketType) {
	limit := defaultTradesLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	trades, err := h.ledger.GetTrades(c.Request.Context(), middleware.GetUserID(c), market, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, trades)
}

// GetPerformance returns spot performance statistics
// GET /demo/performance
func (h *DemoHandler) GetPerformance(c *gin.Context) {
	h.performance(c, models.MarketSpot)
}

// GetFuturesPerformance returns futures performance statistics
// GET /demo/futures-performance
func (h *DemoHandler) GetFuturesPerformance(c *gin.Context) {
	h.performance(c, models.MarketFutures)
}

func (h *DemoHandler) performance(c *gin.Context, market models.MarketType) {
	perf, err := h.ledger.Performance(c.Request.Context(), middleware.GetUserID(c), market)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, perf)
}

// ResetPerformance wipes the spot account
// POST /demo/performance/reset
func (h *DemoHandler) ResetPerformance(c *gin.Context) {
	h.reset(c, models.MarketSpot)
}

// ResetFuturesPerformance wipes the futures account
// POST /demo/futures-performance/reset
func (h *DemoHandler) ResetFuturesPerformance(c *gin.Context) {
	h.reset(c, models.MarketFutures)
}

func (h *DemoHandler) reset(c *gin.Context, market models.MarketType) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	if err := h.ledger.Reset(ctx, userID, market); err != nil {
		response.FromError(c, err)
		return
	}
	summary, err := h.ledger.Summary(ctx, userID, market)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, summary)
}

// RegisterRoutes registers demo routes
func (h *DemoHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	demo := rg.Group("/demo")
	demo.Use(authMiddleware)
	{
		demo.POST("/order", h.PlaceOrder)
		demo.POST("/futures-order", h.PlaceFuturesOrder)
		demo.POST("/futures-close", h.ClosePosition)

		demo.GET("/account", h.GetAccount)
		demo.GET("/futures-account", h.GetFuturesAccount)
		demo.GET("/my-trades", h.GetTrades)
		demo.GET("/futures-trades", h.GetFuturesTrades)

		demo.GET("/performance", h.GetPerformance)
		demo.GET("/futures-performance", h.GetFuturesPerformance)
		demo.POST("/performance/reset", h.ResetPerformance)
		demo.POST("/futures-performance/reset", h.ResetFuturesPerformance)
	}
}

// parsePositionSide accepts LONG/SHORT and the BUY/SELL aliases
func parsePositionSide(s string) models.PositionSide {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return models.PositionSideLong
	case "SHORT", "SELL":
		return models.PositionSideShort
	}
	return models.PositionSide(strings.ToUpper(s))
}

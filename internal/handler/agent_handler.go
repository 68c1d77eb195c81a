package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/vox-trader/agent-core/internal/ai"
	"github.com/vox-trader/agent-core/internal/exchange"
	"github.com/vox-trader/agent-core/internal/middleware"
	"github.com/vox-trader/agent-core/internal/models"
	"github.com/vox-trader/agent-core/internal/repository"
	"github.com/vox-trader/agent-core/internal/service"
	"github.com/vox-trader/agent-core/internal/worker"
	"github.com/vox-trader/agent-core/pkg/response"
	"go.uber.org/zap"
)

const (
	stopTimeout        = 30 * time.Second
	defaultLeverage    = 10
	defaultOrderAmount = 100
	chartCandles       = 100
)

// AgentHandler serves the background agent and manual analyses
type AgentHandler struct {
	scheduler *worker.AgentScheduler
	status    *service.StatusService
	engine    *ai.Engine
	market    *service.MarketService
	ledger    *service.LedgerService
	jobs      *repository.AgentRepository
	log       *zap.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(
	scheduler *worker.AgentScheduler,
	status *service.StatusService,
	engine *ai.Engine,
	market *service.MarketService,
	ledger *service.LedgerService,
	jobs *repository.AgentRepository,
	log *zap.Logger,
) *AgentHandler {
	return &AgentHandler{
		scheduler: scheduler,
		status:    status,
		engine:    engine,
		market:    market,
		ledger:    ledger,
		jobs:      jobs,
		log:       log.Named("agent_api"),
	}
}

// StartAgentRequest is the body of POST /ai/agent/start.
// Omitted fields take the dashboard defaults.
type StartAgentRequest struct {
	Symbol              string           `json:"symbol"`
	Interval            string           `json:"interval"`
	Strategy            string           `json:"strategy"`
	CustomPrompt        string           `json:"custom_prompt"`
	MarketType          string           `json:"market_type"`
	IntervalSec         int              `json:"interval_sec"`
	TradeEnabled        bool             `json:"trade_enabled"`
	OrderAmount         *decimal.Decimal `json:"order_amount"`
	OrderAmountMode     string           `json:"order_amount_mode"`
	MaxOpenPositions    *int             `json:"max_open_positions"`
	MinTradeIntervalSec int              `json:"min_trade_interval_sec"`
	SingleTradeIfMax    *bool            `json:"single_trade_if_max"`
	Leverage            *int             `json:"leverage"`
	Model               string           `json:"model"`
}

func (r *StartAgentRequest) toConfig() models.AgentConfig {
	cfg := models.AgentConfig{
		Symbol:              r.Symbol,
		Interval:            r.Interval,
		Strategy:            models.Strategy(r.Strategy),
		CustomPrompt:        strings.TrimSpace(r.CustomPrompt),
		MarketType:          models.MarketType(r.MarketType),
		IntervalSec:         r.IntervalSec,
		TradeEnabled:        r.TradeEnabled,
		OrderAmount:         decimal.NewFromInt(defaultOrderAmount),
		OrderAmountMode:     models.AmountMode(r.OrderAmountMode),
		MaxOpenPositions:    1,
		MinTradeIntervalSec: r.MinTradeIntervalSec,
		SingleTradeIfMax:    true,
		Leverage:            defaultLeverage,
		Model:               r.Model,
	}
	if r.OrderAmount != nil {
		cfg.OrderAmount = *r.OrderAmount
	}
	if r.MaxOpenPositions != nil {
		cfg.MaxOpenPositions = *r.MaxOpenPositions
	}
	if r.SingleTradeIfMax != nil {
		cfg.SingleTradeIfMax = *r.SingleTradeIfMax
	}
	if r.Leverage != nil {
		cfg.Leverage = *r.Leverage
	}
	return cfg
}

// AnalyzeRequest is the body of POST /ai/agent/analyze
type AnalyzeRequest struct {
	Symbol       string `json:"symbol" binding:"required"`
	Interval     string `json:"interval"`
	Strategy     string `json:"strategy"`
	CustomPrompt string `json:"custom_prompt"`
	MarketType   string `json:"market_type"`
	Model        string `json:"model"`
	ImageBase64  string `json:"image_base64"`
}

// Start launches the user's agent
// POST /ai/agent/start
func (h *AgentHandler) Start(c *gin.Context) {
	var req StartAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	job, err := h.scheduler.Start(c.Request.Context(), middleware.GetUserID(c), req.toConfig())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, job)
}

// Stop stops the user's agent; stopping an idle agent succeeds
// POST /ai/agent/stop
func (h *AgentHandler) Stop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()

	userID := middleware.GetUserID(c)
	if err := h.scheduler.Stop(ctx, userID); err != nil {
		response.FromError(c, err)
		return
	}
	status, err := h.scheduler.Status(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, status)
}

// Status returns the polling snapshot of the agent
// GET /ai/agent/status
func (h *AgentHandler) Status(c *gin.Context) {
	status, err := h.scheduler.Status(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, status)
}

// GetAnalysis returns one of the user's analyses
// GET /ai/agent/analyses/:id
func (h *AgentHandler) GetAnalysis(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid analysis id")
		return
	}
	analysis, err := h.jobs.GetAnalysis(uint(id), middleware.GetUserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, analysis)
}

// Dashboard returns the merged agent and account view
// GET /ai/agent/dashboard
func (h *AgentHandler) Dashboard(c *gin.Context) {
	market, ok := models.ParseMarketType(c.Query("market_type"))
	if !ok {
		response.BadRequest(c, "market_type must be spot or futures")
		return
	}
	response.Success(c, h.status.Project(c.Request.Context(), middleware.GetUserID(c), market))
}

// Analyze runs one manual analysis and stores it
// POST /ai/agent/analyze
func (h *AgentHandler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	strategy, ok := models.ParseStrategy(req.Strategy)
	if !ok {
		response.UnprocessableEntity(c, "unknown strategy")
		return
	}
	market, ok := models.ParseMarketType(req.MarketType)
	if !ok {
		response.UnprocessableEntity(c, "market_type must be spot or futures")
		return
	}
	interval := strings.TrimSpace(req.Interval)
	if interval == "" {
		interval = "1m"
	}

	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	symbol := exchange.NormalizeSymbol(req.Symbol)

	chart, err := h.market.ChartContext(ctx, symbol, interval, chartCandles)
	if err != nil {
		response.FromError(c, err)
		return
	}
	portfolio, err := h.ledger.PortfolioContext(ctx, userID, market)
	if err != nil {
		h.log.Warn("portfolio context unavailable", zap.Uint("user_id", userID), zap.Error(err))
	}

	analysis, err := h.engine.Analyze(ctx, ai.AnalyzeRequest{
		UserID:           userID,
		Symbol:           symbol,
		Interval:         interval,
		Strategy:         strategy,
		CustomPrompt:     strings.TrimSpace(req.CustomPrompt),
		MarketType:       market,
		Model:            req.Model,
		ImageBase64:      req.ImageBase64,
		Chart:            chart,
		PortfolioContext: portfolio,
		Source:           models.SourceManual,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	if err := h.jobs.CreateAnalysis(analysis); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, analysis)
}

// ModelView is one entry of GET /ai/models
type ModelView struct {
	ai.ModelInfo
	Available bool `json:"available"`
	Default   bool `json:"default"`
}

// ListModels returns the model registry with provider availability
// GET /ai/models
func (h *AgentHandler) ListModels(c *gin.Context) {
	registry := ai.Models()
	out := make([]ModelView, 0, len(registry))
	for _, m := range registry {
		out = append(out, ModelView{ModelInfo: m, Available: h.engine.Available(m.ID), Default: m.ID == ai.DefaultModel})
	}
	response.Success(c, out)
}

// RegisterRoutes registers AI routes
func (h *AgentHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	group := rg.Group("/ai")
	group.GET("/models", h.ListModels)

	agent := group.Group("/agent")
	agent.Use(authMiddleware)
	{
		agent.POST("/start", h.Start)
		agent.POST("/stop", h.Stop)
		agent.GET("/status", h.Status)
		agent.GET("/dashboard", h.Dashboard)
		agent.GET("/analyses/:id", h.GetAnalysis)
		agent.POST("/analyze", h.Analyze)
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vox-trader/agent-core/internal/ai"
	"github.com/vox-trader/agent-core/internal/apperr"
	"github.com/vox-trader/agent-core/internal/config"
	"github.com/vox-trader/agent-core/internal/exchange"
	"github.com/vox-trader/agent-core/internal/models"
	"github.com/vox-trader/agent-core/internal/notifier"
	"github.com/vox-trader/agent-core/internal/repository"
	"github.com/vox-trader/agent-core/internal/service"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = apperr.New(apperr.KindConflict, "AGENT_ALREADY_RUNNING", "agent is already running")
	ErrInvalidConfig  = apperr.New(apperr.KindValidation, "INVALID_AGENT_CONFIG", "invalid agent config")
)

const (
	maxOpenPositionsLimit = 50
	maxTradeIntervalSec   = 86400
	defaultSymbol         = "BTCUSDT"
	defaultInterval       = "1m"
)

// Analyzer produces one decision from a chart snapshot
type Analyzer interface {
	Analyze(ctx context.Context, req ai.AnalyzeRequest) (*models.Analysis, error)
}

// ChartSource serves the candle snapshot for a cycle
type ChartSource interface {
	ChartContext(ctx context.Context, symbol, interval string, limit int) (*exchange.ChartContext, error)
}

// Ledger is the read side of the demo account used for gating
type Ledger interface {
	GetBalance(ctx context.Context, userID uint, market models.MarketType) (decimal.Decimal, error)
	CountOpenSameSide(ctx context.Context, userID uint, market models.MarketType, symbol string, action models.Action) (int, error)
	HasOpenExposure(ctx context.Context, userID uint, market models.MarketType) (bool, error)
	PortfolioContext(ctx context.Context, userID uint, market models.MarketType) (string, error)
}

// Executor places the agent's demo orders
type Executor interface {
	ExecuteSpot(ctx context.Context, req service.SpotOrderRequest) (*models.TradeRecord, error)
	OpenFutures(ctx context.Context, req service.OpenFuturesRequest) (*models.Position, error)
}

// jobHandle is the in-memory side of one running job
type jobHandle struct {
	userID uint
	runID  string
	cfg    models.AgentConfig

	// only touched by the job's own goroutine
	lastBuy  time.Time
	lastSell time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	shutdown atomic.Bool
}

func newJobHandle(job *models.AgentJob) *jobHandle {
	h := &jobHandle{
		userID: job.UserID,
		runID:  job.RunID,
		cfg:    job.Config,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if job.LastBuyAt != nil {
		h.lastBuy = *job.LastBuyAt
	}
	if job.LastSellAt != nil {
		h.lastSell = *job.LastSellAt
	}
	return h
}

func (h *jobHandle) requestStop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *jobHandle) stopping() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// AgentScheduler runs one background analysis loop per user
type AgentScheduler struct {
	jobs     *repository.AgentRepository
	analyzer Analyzer
	charts   ChartSource
	ledger   Ledger
	executor Executor
	notifier notifier.Notifier
	cfg      config.AgentConfig
	log      *zap.Logger

	// lifetime context of every cycle; a stop request never cancels it
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	running map[uint]*jobHandle

	now func() time.Time
}

// NewAgentScheduler creates a new AgentScheduler
func NewAgentScheduler(
	jobs *repository.AgentRepository,
	analyzer Analyzer,
	charts ChartSource,
	ledger Ledger,
	executor Executor,
	n notifier.Notifier,
	cfg config.AgentConfig,
	log *zap.Logger,
) *AgentScheduler {
	if n == nil {
		n = notifier.Noop{}
	}
	if cfg.StatusLogLimit <= 0 {
		cfg.StatusLogLimit = 100
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentScheduler{
		jobs:     jobs,
		analyzer: analyzer,
		charts:   charts,
		ledger:   ledger,
		executor: executor,
		notifier: n,
		cfg:      cfg,
		log:      log.Named("agent"),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[uint]*jobHandle),
		now:      time.Now,
	}
}

// NormalizeConfig applies defaults and rejects values the loop cannot run with
func (s *AgentScheduler) NormalizeConfig(cfg models.AgentConfig) (models.AgentConfig, error) {
	cfg.Symbol = exchange.NormalizeSymbol(cfg.Symbol)
	if cfg.Symbol == "" {
		cfg.Symbol = defaultSymbol
	}
	cfg.Interval = strings.TrimSpace(cfg.Interval)
	if cfg.Interval == "" {
		cfg.Interval = defaultInterval
	}
	if _, ok := exchange.ParseInterval(cfg.Interval); !ok {
		return cfg, fmt.Errorf("%w: unsupported interval %q", ErrInvalidConfig, cfg.Interval)
	}

	strategy, ok := models.ParseStrategy(string(cfg.Strategy))
	if !ok {
		return cfg, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.Strategy)
	}
	cfg.Strategy = strategy

	market, ok := models.ParseMarketType(string(cfg.MarketType))
	if !ok {
		return cfg, fmt.Errorf("%w: unknown market type %q", ErrInvalidConfig, cfg.MarketType)
	}
	cfg.MarketType = market

	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = ai.DefaultModel
	}
	if _, ok := ai.LookupModel(cfg.Model); !ok {
		return cfg, fmt.Errorf("%w: unknown model %q", ErrInvalidConfig, cfg.Model)
	}

	switch models.AmountMode(strings.ToLower(string(cfg.OrderAmountMode))) {
	case "", models.AmountFixed:
		cfg.OrderAmountMode = models.AmountFixed
	case models.AmountMax:
		cfg.OrderAmountMode = models.AmountMax
	default:
		return cfg, fmt.Errorf("%w: unknown order amount mode %q", ErrInvalidConfig, cfg.OrderAmountMode)
	}
	if cfg.TradeEnabled && cfg.OrderAmountMode == models.AmountFixed && !cfg.OrderAmount.IsPositive() {
		return cfg, fmt.Errorf("%w: order amount must be positive", ErrInvalidConfig)
	}
	if cfg.Leverage < service.MinLeverage || cfg.Leverage > service.MaxLeverage {
		return cfg, fmt.Errorf("%w: leverage must be between %d and %d", ErrInvalidConfig, service.MinLeverage, service.MaxLeverage)
	}
	if cfg.MaxOpenPositions < 1 || cfg.MaxOpenPositions > maxOpenPositionsLimit {
		return cfg, fmt.Errorf("%w: max open positions must be between 1 and %d", ErrInvalidConfig, maxOpenPositionsLimit)
	}
	if cfg.MinTradeIntervalSec < 0 || cfg.MinTradeIntervalSec > maxTradeIntervalSec {
		return cfg, fmt.Errorf("%w: min trade interval must be between 0 and %d seconds", ErrInvalidConfig, maxTradeIntervalSec)
	}

	switch {
	case cfg.IntervalSec <= 0:
		cfg.IntervalSec = s.cfg.DefaultIntervalSec
	case cfg.IntervalSec < s.cfg.MinIntervalSec:
		cfg.IntervalSec = s.cfg.MinIntervalSec
	case s.cfg.MaxIntervalSec > 0 && cfg.IntervalSec > s.cfg.MaxIntervalSec:
		cfg.IntervalSec = s.cfg.MaxIntervalSec
	}
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = 60
	}
	return cfg, nil
}

// Start persists a running job for the user and launches its loop.
// The first cycle runs immediately.
func (s *AgentScheduler) Start(ctx context.Context, userID uint, cfg models.AgentConfig) (*models.AgentJob, error) {
	cfg, err := s.NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[userID]; ok {
		return nil, ErrAlreadyRunning
	}

	now := s.now()
	job := &models.AgentJob{
		UserID:    userID,
		Status:    models.JobRunning,
		RunID:     uuid.NewString(),
		Config:    cfg,
		StartedAt: &now,
	}
	if err := s.jobs.SaveJob(job); err != nil {
		return nil, fmt.Errorf("failed to save agent job: %w", err)
	}

	h := newJobHandle(job)
	s.running[userID] = h
	s.appendLog(h, models.LogInfo, "Agent started.", nil)
	s.log.Info("agent started",
		zap.Uint("user_id", userID),
		zap.String("run_id", job.RunID),
		zap.String("symbol", cfg.Symbol),
		zap.String("interval", cfg.Interval),
		zap.String("market", string(cfg.MarketType)),
		zap.Int("interval_sec", cfg.IntervalSec),
	)
	go s.run(h)
	return job, nil
}

// Stop asks the user's loop to exit and waits for it or for ctx to expire.
// Stopping an idle agent is a no-op.
func (s *AgentScheduler) Stop(ctx context.Context, userID uint) error {
	s.mu.RLock()
	h := s.running[userID]
	s.mu.RUnlock()

	if h == nil {
		return s.markIdle(userID)
	}

	if err := s.jobs.UpdateJob(userID, map[string]interface{}{"status": models.JobStopping}); err != nil {
		s.log.Warn("failed to mark job stopping", zap.Uint("user_id", userID), zap.Error(err))
	}
	h.requestStop()

	select {
	case <-h.done:
	case <-ctx.Done():
		s.log.Warn("stop did not wait for the in-flight cycle", zap.Uint("user_id", userID))
	}
	return nil
}

// markIdle repairs a row left running or stopping without a live loop
func (s *AgentScheduler) markIdle(userID uint) error {
	job, err := s.jobs.GetJob(userID)
	if errors.Is(err, repository.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status == models.JobIdle {
		return nil
	}
	now := s.now()
	return s.jobs.UpdateJob(userID, map[string]interface{}{"status": models.JobIdle, "stopped_at": &now})
}

// Status returns the polling snapshot; it never waits on a cycle
func (s *AgentScheduler) Status(ctx context.Context, userID uint) (*models.AgentStatus, error) {
	s.mu.RLock()
	h := s.running[userID]
	s.mu.RUnlock()

	status := &models.AgentStatus{
		IsRunning: h != nil && !h.stopping(),
		Logs:      []models.AgentLog{},
	}

	job, err := s.jobs.GetJob(userID)
	if err != nil && !errors.Is(err, repository.ErrJobNotFound) {
		return nil, err
	}
	status.Job = job

	logs, err := s.jobs.RecentLogs(userID, s.cfg.StatusLogLimit)
	if err != nil {
		return nil, err
	}
	if logs != nil {
		status.Logs = logs
	}

	if job != nil && job.LastAnalysisID != nil {
		analysis, err := s.jobs.GetAnalysis(*job.LastAnalysisID, userID)
		if err != nil && !errors.Is(err, repository.ErrAnalysisNotFound) {
			return nil, err
		}
		status.LastAnalysis = analysis
	}
	return status, nil
}

// Resume restarts every job persisted as running. Jobs caught mid-stop are
// moved to idle.
func (s *AgentScheduler) Resume(ctx context.Context) (int, error) {
	stopping, err := s.jobs.ListJobsByStatus(models.JobStopping)
	if err != nil {
		return 0, err
	}
	for _, job := range stopping {
		if err := s.markIdle(job.UserID); err != nil {
			s.log.Warn("failed to finish interrupted stop", zap.Uint("user_id", job.UserID), zap.Error(err))
		}
	}

	jobs, err := s.jobs.ListJobsByStatus(models.JobRunning)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	resumed := 0
	for i := range jobs {
		job := &jobs[i]
		if _, ok := s.running[job.UserID]; ok {
			continue
		}
		cfg, err := s.NormalizeConfig(job.Config)
		if err != nil {
			s.log.Warn("not resuming job with invalid config", zap.Uint("user_id", job.UserID), zap.Error(err))
			continue
		}
		job.Config = cfg
		if job.RunID == "" {
			job.RunID = uuid.NewString()
		}
		h := newJobHandle(job)
		s.running[job.UserID] = h
		s.appendLog(h, models.LogInfo, "Agent resumed after restart.", nil)
		go s.run(h)
		resumed++
	}
	if resumed > 0 {
		s.log.Info("agent jobs resumed", zap.Int("count", resumed))
	}
	return resumed, nil
}

// Shutdown stops every loop without changing the persisted status, so the
// jobs come back on the next Resume
func (s *AgentScheduler) Shutdown(ctx context.Context) {
	s.mu.RLock()
	handles := make([]*jobHandle, 0, len(s.running))
	for _, h := range s.running {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	for _, h := range handles {
		h.shutdown.Store(true)
		h.requestStop()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			s.log.Warn("shutdown timed out waiting for agent loops")
			s.cancel()
			return
		}
	}
	s.cancel()
	s.log.Info("agent scheduler stopped", zap.Int("jobs", len(handles)))
}

func (s *AgentScheduler) run(h *jobHandle) {
	defer s.finish(h)

	ticker := time.NewTicker(time.Duration(h.cfg.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		s.runCycle(h)
		select {
		case <-h.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *AgentScheduler) finish(h *jobHandle) {
	if !h.shutdown.Load() {
		now := s.now()
		err := s.jobs.UpdateJob(h.userID, map[string]interface{}{"status": models.JobIdle, "stopped_at": &now})
		if err != nil {
			s.log.Error("failed to mark job idle", zap.Uint("user_id", h.userID), zap.Error(err))
		}
		s.appendLog(h, models.LogInfo, "Agent stopped.", nil)
		s.log.Info("agent stopped", zap.Uint("user_id", h.userID), zap.String("run_id", h.runID))
	}

	s.mu.Lock()
	if s.running[h.userID] == h {
		delete(s.running, h.userID)
	}
	s.mu.Unlock()
	close(h.done)
}

// runCycle performs one analyze-and-maybe-trade pass
func (s *AgentScheduler) runCycle(h *jobHandle) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("agent cycle panicked", zap.Uint("user_id", h.userID), zap.Any("panic", r), zap.Stack("stack"))
			s.appendLog(h, models.LogError, fmt.Sprintf("Cycle failed: %v", r), nil)
		}
	}()

	if h.stopping() {
		return
	}
	ctx := s.ctx
	cfg := h.cfg

	now := s.now()
	if err := s.jobs.UpdateJob(h.userID, map[string]interface{}{"last_run_at": &now}); err != nil {
		s.log.Warn("failed to update last run", zap.Uint("user_id", h.userID), zap.Error(err))
	}

	chart, err := s.charts.ChartContext(ctx, cfg.Symbol, cfg.Interval, s.cfg.CandleLimit)
	if err != nil {
		s.appendLog(h, models.LogError, fmt.Sprintf("Failed to fetch chart: %v", err), nil)
		return
	}

	portfolio, err := s.ledger.PortfolioContext(ctx, h.userID, cfg.MarketType)
	if err != nil {
		s.log.Warn("portfolio context unavailable", zap.Uint("user_id", h.userID), zap.Error(err))
	}

	s.appendLog(h, models.LogInfo, fmt.Sprintf("AI request sent (%s / %s, %s).", cfg.Symbol, cfg.Interval, cfg.Model), nil)
	analysis, err := s.analyzer.Analyze(ctx, ai.AnalyzeRequest{
		UserID:           h.userID,
		Symbol:           cfg.Symbol,
		Interval:         cfg.Interval,
		Strategy:         cfg.Strategy,
		CustomPrompt:     cfg.CustomPrompt,
		MarketType:       cfg.MarketType,
		Model:            cfg.Model,
		Chart:            chart,
		PortfolioContext: portfolio,
		Source:           models.SourceAgent,
	})
	if err != nil {
		s.appendLog(h, models.LogError, fmt.Sprintf("Analysis failed: %v", err), nil)
		return
	}

	if err := s.jobs.CreateAnalysis(analysis); err != nil {
		s.appendLog(h, models.LogError, fmt.Sprintf("Analysis failed: %v", err), nil)
		return
	}
	if err := s.jobs.UpdateJob(h.userID, map[string]interface{}{"last_analysis_id": analysis.ID}); err != nil {
		s.log.Warn("failed to update last analysis", zap.Uint("user_id", h.userID), zap.Error(err))
	}
	s.appendLog(h, models.LogResult, "Suggestion: "+analysis.Action.Label(), &analysis.ID)

	if analysis.Action == models.ActionHold {
		return
	}
	if !cfg.TradeEnabled {
		s.appendLog(h, models.LogInfo, "Trading mode is off: order not sent.", nil)
		return
	}

	if reason := s.gate(ctx, h, analysis.Action); reason != "" {
		s.appendLog(h, models.LogSkip, reason, nil)
		return
	}

	s.execute(ctx, h, analysis.Action)
}

// gate returns the skip reason for a signal, or "" when an order may be sent
func (s *AgentScheduler) gate(ctx context.Context, h *jobHandle, action models.Action) string {
	cfg := h.cfg
	maxMode := cfg.OrderAmountMode == models.AmountMax

	count, err := s.ledger.CountOpenSameSide(ctx, h.userID, cfg.MarketType, cfg.Symbol, action)
	if err != nil {
		return fmt.Sprintf("Limit check failed: %v", err)
	}
	if count >= cfg.MaxOpenPositions {
		return fmt.Sprintf("Limit: maximum open %s positions (%d) reached.", sideLabel(cfg.MarketType, action), cfg.MaxOpenPositions)
	}

	if maxMode && cfg.SingleTradeIfMax {
		open, err := s.ledger.HasOpenExposure(ctx, h.userID, cfg.MarketType)
		if err != nil {
			return fmt.Sprintf("Limit check failed: %v", err)
		}
		if open {
			return "Maximum mode single-trade rule: no new order was sent."
		}
	}

	if cfg.MinTradeIntervalSec > 0 {
		last := h.lastBuy
		if action == models.ActionSell {
			last = h.lastSell
		}
		if !last.IsZero() {
			wait := time.Duration(cfg.MinTradeIntervalSec)*time.Second - s.now().Sub(last)
			if wait > 0 {
				return fmt.Sprintf("Limit: waiting %ds before a new order in the same direction.", int(math.Ceil(wait.Seconds())))
			}
		}
	}

	// a spot sell in max mode spends holdings, not balance
	if maxMode && (cfg.MarketType == models.MarketFutures || action == models.ActionBuy) {
		balance, err := s.ledger.GetBalance(ctx, h.userID, cfg.MarketType)
		if err != nil {
			return fmt.Sprintf("Limit check failed: %v", err)
		}
		if !balance.IsPositive() {
			return "Maximum mode: no available balance."
		}
	}
	return ""
}

func (s *AgentScheduler) execute(ctx context.Context, h *jobHandle, action models.Action) {
	cfg := h.cfg
	maxMode := cfg.OrderAmountMode == models.AmountMax

	var (
		summary string
		err     error
	)
	if cfg.MarketType == models.MarketFutures {
		side := models.PositionSideLong
		if action == models.ActionSell {
			side = models.PositionSideShort
		}
		var pos *models.Position
		pos, err = s.executor.OpenFutures(ctx, service.OpenFuturesRequest{
			UserID:   h.userID,
			Side:     side,
			Symbol:   cfg.Symbol,
			Margin:   cfg.OrderAmount,
			Leverage: cfg.Leverage,
			UseMax:   maxMode,
			Source:   models.SourceAgent,
			RunID:    h.runID,
		})
		if err == nil {
			summary = fmt.Sprintf("%s %s x%d, qty %s @ %s, margin %s USDT", pos.Side, pos.Symbol, pos.Leverage,
				pos.Quantity.StringFixed(6), pos.EntryPrice.StringFixed(2), pos.Margin.StringFixed(2))
		}
	} else {
		req := service.SpotOrderRequest{
			UserID: h.userID,
			Symbol: cfg.Symbol,
			Source: models.SourceAgent,
			RunID:  h.runID,
		}
		if action == models.ActionBuy {
			req.Side = models.OrderSideBuy
			req.QuoteAmount = cfg.OrderAmount
			req.UseMax = maxMode
		} else {
			// sells close the whole holding
			req.Side = models.OrderSideSell
		}
		var rec *models.TradeRecord
		rec, err = s.executor.ExecuteSpot(ctx, req)
		if err == nil {
			summary = rec.Summary()
		}
	}

	if err != nil {
		s.appendLog(h, models.LogError, fmt.Sprintf("Trade failed: %v", err), nil)
		s.notifier.NotifyError(h.userID, "agent trade", err)
		return
	}

	now := s.now()
	column := "last_buy_at"
	if action == models.ActionSell {
		h.lastSell = now
		column = "last_sell_at"
	} else {
		h.lastBuy = now
	}
	if err := s.jobs.UpdateJob(h.userID, map[string]interface{}{column: &now}); err != nil {
		s.log.Warn("failed to record trade time", zap.Uint("user_id", h.userID), zap.Error(err))
	}

	msg := "Trade executed: " + summary
	s.appendLog(h, models.LogTrade, msg, nil)
	s.notifier.NotifyAgent(h.userID, msg)
}

func (s *AgentScheduler) appendLog(h *jobHandle, typ models.LogType, message string, analysisID *uint) {
	entry := &models.AgentLog{
		UserID:     h.userID,
		RunID:      h.runID,
		Type:       typ,
		Message:    message,
		AnalysisID: analysisID,
	}
	if err := s.jobs.AppendLog(entry, s.cfg.LogRetention); err != nil {
		s.log.Error("failed to append agent log", zap.Uint("user_id", h.userID), zap.Error(err))
	}
	if typ == models.LogError {
		s.log.Warn(message, zap.Uint("user_id", h.userID), zap.String("run_id", h.runID))
	} else {
		s.log.Debug(message, zap.Uint("user_id", h.userID), zap.String("run_id", h.runID))
	}
}

func sideLabel(market models.MarketType, action models.Action) string {
	if market == models.MarketFutures {
		if action == models.ActionSell {
			return string(models.PositionSideShort)
		}
		return string(models.PositionSideLong)
	}
	return string(action)
}

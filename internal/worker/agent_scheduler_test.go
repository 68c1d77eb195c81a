package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vox-trader/agent-core/internal/ai"
	"github.com/vox-trader/agent-core/internal/apperr"
	"github.com/vox-trader/agent-core/internal/config"
	"github.com/vox-trader/agent-core/internal/database"
	"github.com/vox-trader/agent-core/internal/exchange"
	"github.com/vox-trader/agent-core/internal/models"
	"github.com/vox-trader/agent-core/internal/notifier"
	"github.com/vox-trader/agent-core/internal/repository"
	"github.com/vox-trader/agent-core/internal/service"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) Analyze(ctx context.Context, req ai.AnalyzeRequest) (*models.Analysis, error) {
	args := m.Called(ctx, req)
	v := args.Get(0)
	if v == nil {
		return nil, args.Error(1)
	}
	// a fresh row per call, the scheduler persists it
	a := *v.(*models.Analysis)
	a.UserID = req.UserID
	a.Symbol = req.Symbol
	a.Interval = req.Interval
	a.Model = req.Model
	a.Source = req.Source
	return &a, args.Error(1)
}

type mockCharts struct {
	mock.Mock
}

func (m *mockCharts) ChartContext(ctx context.Context, symbol, interval string, limit int) (*exchange.ChartContext, error) {
	args := m.Called(ctx, symbol, interval, limit)
	if v := args.Get(0); v != nil {
		return v.(*exchange.ChartContext), args.Error(1)
	}
	return nil, args.Error(1)
}

type staticPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (p *staticPrices) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (p *staticPrices) GetPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for _, s := range symbols {
		if price, err := p.GetPrice(ctx, s); err == nil {
			out[s] = price
		}
	}
	return out
}

type harness struct {
	sched    *AgentScheduler
	analyzer *mockAnalyzer
	charts   *mockCharts
	jobs     *repository.AgentRepository
	ledger   *service.LedgerService
	clock    time.Time
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Path: "file:" + name + "?mode=memory&cache=shared"}, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := openTestDB(t)
	log := zaptest.NewLogger(t)
	cfg := config.Default()

	prices := &staticPrices{prices: map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(50000)}}
	ledger := service.NewLedgerService(db, prices, cfg.Demo, "USDT", log)
	trading := service.NewTradingService(ledger, prices, cfg.Demo, log)

	h := &harness{
		analyzer: &mockAnalyzer{},
		charts:   &mockCharts{},
		jobs:     repository.NewAgentRepository(db),
		ledger:   ledger,
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.sched = NewAgentScheduler(h.jobs, h.analyzer, h.charts, ledger, trading, notifier.Noop{}, cfg.Agent, log)
	h.sched.now = func() time.Time { return h.clock }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.sched.Shutdown(ctx)
	})

	chart := &exchange.ChartContext{
		Symbol: "BTCUSDT", Interval: "1m",
		Candles:   []exchange.Candle{{Open: 49900, High: 50100, Low: 49800, Close: 50000}},
		LastPrice: decimal.NewFromInt(50000),
	}
	h.charts.On("ChartContext", mock.Anything, "BTCUSDT", "1m", 100).Return(chart, nil).Maybe()
	return h
}

func (h *harness) signal(action models.Action) {
	h.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(&models.Analysis{Action: action, AnalysisText: "x"}, nil)
}

// handle saves a running job row and returns a handle whose cycles the test drives
func (h *harness) handle(t *testing.T, userID uint, cfg models.AgentConfig) *jobHandle {
	t.Helper()
	cfg, err := h.sched.NormalizeConfig(cfg)
	require.NoError(t, err)
	job := &models.AgentJob{UserID: userID, Status: models.JobRunning, RunID: "run-test", Config: cfg}
	require.NoError(t, h.jobs.SaveJob(job))
	return newJobHandle(job)
}

func (h *harness) messages(t *testing.T, userID uint) []string {
	t.Helper()
	logs, err := h.jobs.RecentLogs(userID, 100)
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func baseConfig() models.AgentConfig {
	return models.AgentConfig{
		Symbol:           "btcusdt",
		Interval:         "1m",
		Leverage:         10,
		MaxOpenPositions: 1,
		OrderAmount:      decimal.NewFromInt(1000),
		TradeEnabled:     true,
		IntervalSec:      3600,
	}
}

func TestAgentScheduler_StartConflictAndIdempotentStop(t *testing.T) {
	h := newHarness(t)
	h.signal(models.ActionHold)
	ctx := context.Background()

	job, err := h.sched.Start(ctx, 1, baseConfig())
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.NotEmpty(t, job.RunID)
	assert.Equal(t, "BTCUSDT", job.Config.Symbol)
	assert.Equal(t, models.StrategyShortTerm, job.Config.Strategy)
	assert.Equal(t, ai.DefaultModel, job.Config.Model)

	_, err = h.sched.Start(ctx, 1, baseConfig())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	require.Eventually(t, func() bool {
		for _, m := range h.messages(t, 1) {
			if m == "Suggestion: Hold" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	status, err := h.sched.Status(ctx, 1)
	require.NoError(t, err)
	assert.True(t, status.IsRunning)
	require.NotNil(t, status.LastAnalysis)
	assert.Equal(t, models.ActionHold, status.LastAnalysis.Action)

	for i := 0; i < 2; i++ {
		require.NoError(t, h.sched.Stop(ctx, 1))
		stored, err := h.jobs.GetJob(1)
		require.NoError(t, err)
		assert.Equal(t, models.JobIdle, stored.Status)
	}

	status, err = h.sched.Status(ctx, 1)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	msgs := h.messages(t, 1)
	assert.Equal(t, "Agent started.", msgs[0])
	assert.Equal(t, "Agent stopped.", msgs[len(msgs)-1])

	again, err := h.sched.Start(ctx, 1, baseConfig())
	require.NoError(t, err)
	assert.NotEqual(t, job.RunID, again.RunID)
}

func TestAgentScheduler_StopWithoutJob(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.sched.Stop(context.Background(), 42))

	status, err := h.sched.Status(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Nil(t, status.Job)
	assert.Empty(t, status.Logs)
}

func TestAgentScheduler_InvalidConfig(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		modify func(c *models.AgentConfig)
	}{
		{"zero amount in fixed mode", func(c *models.AgentConfig) { c.OrderAmount = decimal.Zero }},
		{"leverage too high", func(c *models.AgentConfig) { c.Leverage = 126 }},
		{"leverage zero", func(c *models.AgentConfig) { c.Leverage = 0 }},
		{"too many positions", func(c *models.AgentConfig) { c.MaxOpenPositions = 51 }},
		{"no positions", func(c *models.AgentConfig) { c.MaxOpenPositions = 0 }},
		{"negative trade interval", func(c *models.AgentConfig) { c.MinTradeIntervalSec = -1 }},
		{"trade interval over a day", func(c *models.AgentConfig) { c.MinTradeIntervalSec = 86401 }},
		{"unknown strategy", func(c *models.AgentConfig) { c.Strategy = "yolo" }},
		{"unknown market", func(c *models.AgentConfig) { c.MarketType = "options" }},
		{"unknown model", func(c *models.AgentConfig) { c.Model = "gpt-2" }},
		{"unknown amount mode", func(c *models.AgentConfig) { c.OrderAmountMode = "half" }},
		{"unknown interval", func(c *models.AgentConfig) { c.Interval = "7m" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.modify(&cfg)
			_, err := h.sched.Start(context.Background(), 1, cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}

	// amount is irrelevant when trading is off or in max mode
	cfg := baseConfig()
	cfg.OrderAmount = decimal.Zero
	cfg.OrderAmountMode = models.AmountMax
	_, err := h.sched.NormalizeConfig(cfg)
	assert.NoError(t, err)
}

func TestAgentScheduler_IntervalClamp(t *testing.T) {
	h := newHarness(t)
	for in, want := range map[int]int{0: 60, 1: 5, 30: 30, 99999: 3600} {
		cfg := baseConfig()
		cfg.IntervalSec = in
		out, err := h.sched.NormalizeConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, want, out.IntervalSec, "interval_sec %d", in)
	}
}

func TestAgentScheduler_MaxOpenPositionsSkipsSecondTrade(t *testing.T) {
	h := newHarness(t)
	h.signal(models.ActionBuy)
	job := h.handle(t, 1, baseConfig())

	h.sched.runCycle(job)
	h.clock = h.clock.Add(time.Minute)
	h.sched.runCycle(job)

	trades, err := h.ledger.GetTrades(context.Background(), 1, models.MarketSpot, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	msgs := h.messages(t, 1)
	assert.Contains(t, msgs, "Limit: maximum open BUY positions (1) reached.")
	require.Len(t, msgs, 6)
	assert.True(t, strings.HasPrefix(msgs[2], "Trade executed: BUY"), msgs[2])

	stored, err := h.jobs.GetJob(1)
	require.NoError(t, err)
	require.NotNil(t, stored.LastBuyAt)
	assert.Nil(t, stored.LastSellAt)
}

func TestAgentScheduler_MinTradeInterval(t *testing.T) {
	tests := []struct {
		name   string
		gap    time.Duration
		trades int
	}{
		{"30s apart", 30 * time.Second, 1},
		{"90s apart", 90 * time.Second, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.signal(models.ActionBuy)
			cfg := baseConfig()
			cfg.MarketType = models.MarketFutures
			cfg.OrderAmount = decimal.NewFromInt(100)
			cfg.MaxOpenPositions = 5
			cfg.MinTradeIntervalSec = 60
			job := h.handle(t, 1, cfg)

			h.sched.runCycle(job)
			h.clock = h.clock.Add(tt.gap)
			h.sched.runCycle(job)

			positions, err := h.ledger.GetPositions(context.Background(), 1)
			require.NoError(t, err)
			assert.Len(t, positions, tt.trades)
			if tt.trades == 1 {
				assert.Contains(t, h.messages(t, 1), "Limit: waiting 30s before a new order in the same direction.")
			}
		})
	}
}

func TestAgentScheduler_SingleTradeIfMax(t *testing.T) {
	h := newHarness(t)
	h.signal(models.ActionBuy)
	cfg := baseConfig()
	cfg.MarketType = models.MarketFutures
	cfg.OrderAmountMode = models.AmountMax
	cfg.SingleTradeIfMax = true
	cfg.MaxOpenPositions = 5
	job := h.handle(t, 1, cfg)

	h.sched.runCycle(job)
	h.sched.runCycle(job)

	positions, err := h.ledger.GetPositions(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.Contains(t, h.messages(t, 1), "Maximum mode single-trade rule: no new order was sent.")
}

func TestAgentScheduler_MaxModeWithoutBalance(t *testing.T) {
	h := newHarness(t)
	h.signal(models.ActionBuy)
	cfg := baseConfig()
	cfg.OrderAmountMode = models.AmountMax
	cfg.MaxOpenPositions = 5
	job := h.handle(t, 1, cfg)

	// the first buy spends the whole balance
	h.sched.runCycle(job)
	h.sched.runCycle(job)

	balance, err := h.ledger.GetBalance(context.Background(), 1, models.MarketSpot)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
	assert.Contains(t, h.messages(t, 1), "Maximum mode: no available balance.")
}

func TestAgentScheduler_CycleOutcomes(t *testing.T) {
	t.Run("hold does not trade", func(t *testing.T) {
		h := newHarness(t)
		h.signal(models.ActionHold)
		h.sched.runCycle(h.handle(t, 1, baseConfig()))

		msgs := h.messages(t, 1)
		assert.Equal(t, []string{"AI request sent (BTCUSDT / 1m, GLM-4.6V-Flash).", "Suggestion: Hold"}, msgs)
		stored, err := h.jobs.GetJob(1)
		require.NoError(t, err)
		assert.NotNil(t, stored.LastAnalysisID)
		assert.NotNil(t, stored.LastRunAt)
	})

	t.Run("trading off", func(t *testing.T) {
		h := newHarness(t)
		h.signal(models.ActionSell)
		cfg := baseConfig()
		cfg.TradeEnabled = false
		h.sched.runCycle(h.handle(t, 1, cfg))
		assert.Contains(t, h.messages(t, 1), "Trading mode is off: order not sent.")
	})

	t.Run("chart failure", func(t *testing.T) {
		h := newHarness(t)
		cfg := baseConfig()
		cfg.Symbol = "ETHUSDT"
		h.charts.On("ChartContext", mock.Anything, "ETHUSDT", "1m", 100).Return(nil, fmt.Errorf("binance down"))
		h.sched.runCycle(h.handle(t, 1, cfg))

		logs, err := h.jobs.RecentLogs(1, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "Failed to fetch chart: binance down", logs[0].Message)
		assert.Equal(t, models.LogError, logs[0].Type)
		h.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
	})

	t.Run("model failure", func(t *testing.T) {
		h := newHarness(t)
		h.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(nil, ai.ErrModelUnavailable)
		h.sched.runCycle(h.handle(t, 1, baseConfig()))
		assert.Contains(t, h.messages(t, 1), "Analysis failed: model unavailable")
	})

	t.Run("spot sell without holdings fails", func(t *testing.T) {
		h := newHarness(t)
		h.signal(models.ActionSell)
		h.sched.runCycle(h.handle(t, 1, baseConfig()))

		logs, err := h.jobs.RecentLogs(1, 10)
		require.NoError(t, err)
		last := logs[len(logs)-1]
		assert.Equal(t, models.LogError, last.Type)
		assert.True(t, strings.HasPrefix(last.Message, "Trade failed: "), last.Message)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		h := newHarness(t)
		h.analyzer.On("Analyze", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("boom") })
		assert.NotPanics(t, func() { h.sched.runCycle(h.handle(t, 1, baseConfig())) })
		assert.Contains(t, h.messages(t, 1), "Cycle failed: boom")
	})
}

func TestAgentScheduler_ResumeAndShutdown(t *testing.T) {
	h := newHarness(t)
	h.signal(models.ActionHold)
	ctx := context.Background()

	h.handle(t, 1, baseConfig())
	require.NoError(t, h.jobs.SaveJob(&models.AgentJob{UserID: 2, Status: models.JobStopping, Config: baseConfig()}))

	n, err := h.sched.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	interrupted, err := h.jobs.GetJob(2)
	require.NoError(t, err)
	assert.Equal(t, models.JobIdle, interrupted.Status)

	status, err := h.sched.Status(ctx, 1)
	require.NoError(t, err)
	assert.True(t, status.IsRunning)
	assert.Contains(t, h.messages(t, 1), "Agent resumed after restart.")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.sched.Shutdown(shutdownCtx)

	job, err := h.jobs.GetJob(1)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, "run-test", job.RunID)
}

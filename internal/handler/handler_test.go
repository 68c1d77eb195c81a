package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vox-trader/agent-core/internal/ai"
	"github.com/vox-trader/agent-core/internal/config"
	"github.com/vox-trader/agent-core/internal/database"
	"github.com/vox-trader/agent-core/internal/exchange"
	"github.com/vox-trader/agent-core/internal/middleware"
	"github.com/vox-trader/agent-core/internal/models"
	"github.com/vox-trader/agent-core/internal/notifier"
	"github.com/vox-trader/agent-core/internal/repository"
	"github.com/vox-trader/agent-core/internal/service"
	"github.com/vox-trader/agent-core/internal/worker"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeKlines struct {
	price decimal.Decimal
}

func (f *fakeKlines) Klines(_ context.Context, symbol, _ string, limit int) ([]exchange.Candle, error) {
	if symbol == "NOPEUSDT" {
		return nil, fmt.Errorf("%w: %s", service.ErrPriceUnavailable, symbol)
	}
	candles := make([]exchange.Candle, limit)
	for i := range candles {
		p := f.price.InexactFloat64()
		candles[i] = exchange.Candle{OpenTime: int64(i) * 60000, Open: p, High: p + 10, Low: p - 10, Close: p, Volume: 1, Final: true}
	}
	return candles, nil
}

func (f *fakeKlines) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	if symbol == "NOPEUSDT" {
		return decimal.Zero, fmt.Errorf("%w: %s", service.ErrPriceUnavailable, symbol)
	}
	return f.price, nil
}

func (f *fakeKlines) SymbolInfo(_ context.Context, symbol string) (*exchange.SymbolInfo, error) {
	return &exchange.SymbolInfo{Symbol: symbol, BaseAsset: strings.TrimSuffix(symbol, "USDT"), QuoteAsset: "USDT", Status: "TRADING"}, nil
}

type testServer struct {
	router *gin.Engine
	market *service.MarketService
	db     *gorm.DB
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Path: "file:" + name + "?mode=memory&cache=shared"}, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})

	log := zaptest.NewLogger(t)
	cfg := config.Default()

	market := service.NewMarketService(&fakeKlines{price: decimal.NewFromInt(50000)}, nil, nil, time.Minute, 8, log)
	ledger := service.NewLedgerService(db, market, cfg.Demo, "USDT", log)
	trading := service.NewTradingService(ledger, market, cfg.Demo, log)
	auth := service.NewAuthService(repository.NewUserRepository(db), cfg.JWT)
	engine := ai.NewEngineWithClients(map[ai.Provider]ai.ChatClient{}, cfg.AI, log)
	jobs := repository.NewAgentRepository(db)

	scheduler := worker.NewAgentScheduler(jobs, engine, market, ledger, trading, notifier.Noop{}, cfg.Agent, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		scheduler.Shutdown(ctx)
	})
	status := service.NewStatusService(scheduler, ledger, log)

	router := gin.New()
	NewHealthHandler(db, market, BuildInfo{Version: "test"}).RegisterRoutes(router)
	api := router.Group("/api/v1")
	authMiddleware := middleware.AuthMiddleware(auth)
	NewAuthHandler(auth).RegisterRoutes(api)
	NewMarketHandler(market, log).RegisterRoutes(api)
	NewDemoHandler(ledger, trading).RegisterRoutes(api, authMiddleware)
	NewAgentHandler(scheduler, status, engine, market, ledger, jobs, log).RegisterRoutes(api, authMiddleware)

	return &testServer{router: router, market: market, db: db}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func (s *testServer) login(t *testing.T, username string) string {
	t.Helper()
	w, _ := s.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username": username, "email": username + "@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w, env := s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": username, "password": "secret123"})
	require.Equal(t, http.StatusOK, w.Code)
	var token service.TokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &token))
	require.NotEmpty(t, token.AccessToken)
	return token.AccessToken
}

func TestAuth_RegisterAndLogin(t *testing.T) {
	s := newTestServer(t)
	s.login(t, "alice")

	w, env := s.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username": "alice", "email": "other@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, -1004, env.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/demo/account", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDemo_SpotOrderFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "bob")

	w, env := s.do(t, http.MethodPost, "/api/v1/demo/order", token, gin.H{
		"side": "buy", "symbol": "btcusdt", "quote_order_qty": "1000",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec models.TradeRecord
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	require.NotNil(t, rec.Spot)
	assert.Equal(t, models.OrderSideBuy, rec.Spot.Side)
	assert.Equal(t, "BTCUSDT", rec.Spot.Symbol)

	w, env = s.do(t, http.MethodGet, "/api/v1/demo/account", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary models.AccountSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Len(t, summary.Holdings, 1)
	assert.True(t, summary.Balance.LessThan(decimal.NewFromInt(10000)))

	w, env = s.do(t, http.MethodGet, "/api/v1/demo/my-trades?limit=5", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trades []models.TradeRecord
	require.NoError(t, json.Unmarshal(env.Data, &trades))
	assert.Len(t, trades, 1)

	w, _ = s.do(t, http.MethodGet, "/api/v1/demo/my-trades?limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = s.do(t, http.MethodPost, "/api/v1/demo/performance/reset", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Empty(t, summary.Holdings)
	assert.True(t, summary.Balance.Equal(decimal.NewFromInt(10000)), summary.Balance.String())
}

func TestDemo_OrderErrors(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "carol")

	w, env := s.do(t, http.MethodPost, "/api/v1/demo/order", token, gin.H{
		"side": "HOLD", "symbol": "BTCUSDT", "quote_order_qty": "10",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, -1005, env.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/demo/order", token, gin.H{
		"side": "BUY", "symbol": "BTCUSDT", "quote_order_qty": "50000",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/demo/futures-order", token, gin.H{
		"side": "LONG", "symbol": "BTCUSDT", "margin_usdt": "100", "leverage": 500,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/demo/futures-close", token, gin.H{"position_id": 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDemo_FuturesOpenAndClose(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "dave")

	w, env := s.do(t, http.MethodPost, "/api/v1/demo/futures-order", token, gin.H{
		"side": "BUY", "symbol": "BTCUSDT", "margin_usdt": "100", "leverage": 10,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pos models.Position
	require.NoError(t, json.Unmarshal(env.Data, &pos))
	assert.Equal(t, models.PositionSideLong, pos.Side)
	assert.Equal(t, 10, pos.Leverage)

	w, env = s.do(t, http.MethodGet, "/api/v1/demo/futures-account", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary models.AccountSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Len(t, summary.Positions, 1)

	w, _ = s.do(t, http.MethodPost, "/api/v1/demo/futures-close", token, gin.H{"position_id": pos.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = s.do(t, http.MethodGet, "/api/v1/demo/futures-trades", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trades []models.TradeRecord
	require.NoError(t, json.Unmarshal(env.Data, &trades))
	require.Len(t, trades, 1)
	require.NotNil(t, trades[0].Futures)
	assert.Equal(t, pos.ID, trades[0].Futures.PositionID)
}

func TestAgent_StartConflictAndValidation(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "erin")

	w, env := s.do(t, http.MethodPost, "/api/v1/ai/agent/start", token, gin.H{"interval": "7m"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, -1005, env.Code)

	body := gin.H{"symbol": "BTCUSDT", "interval": "1m", "interval_sec": 3600}
	w, env = s.do(t, http.MethodPost, "/api/v1/ai/agent/start", token, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var job models.AgentJob
	require.NoError(t, json.Unmarshal(env.Data, &job))
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, 10, job.Config.Leverage)
	assert.Equal(t, 1, job.Config.MaxOpenPositions)
	assert.True(t, job.Config.SingleTradeIfMax)

	w, env = s.do(t, http.MethodPost, "/api/v1/ai/agent/start", token, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, -1004, env.Code)

	w, env = s.do(t, http.MethodPost, "/api/v1/ai/agent/stop", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status models.AgentStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.False(t, status.IsRunning)
	require.NotNil(t, status.Job)
	assert.Equal(t, models.JobIdle, status.Job.Status)

	// stopping again is a no-op
	w, _ = s.do(t, http.MethodPost, "/api/v1/ai/agent/stop", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAgent_DashboardAndAnalyze(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "frank")

	w, env := s.do(t, http.MethodGet, "/api/v1/ai/agent/dashboard?market_type=futures", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dash service.Dashboard
	require.NoError(t, json.Unmarshal(env.Data, &dash))
	assert.Equal(t, models.MarketFutures, dash.MarketType)
	assert.Empty(t, dash.Unavailable)

	w, _ = s.do(t, http.MethodGet, "/api/v1/ai/agent/dashboard?market_type=margin", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// no provider keys configured
	w, env = s.do(t, http.MethodPost, "/api/v1/ai/agent/analyze", token, gin.H{"symbol": "BTCUSDT"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, -1006, env.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/ai/agent/analyze", token, gin.H{"symbol": "BTCUSDT", "strategy": "YOLO"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/ai/agent/analyses/42", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAI_ListModels(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodGet, "/api/v1/ai/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []ModelView
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, len(ai.Models()))

	defaults := 0
	for _, m := range list {
		assert.False(t, m.Available)
		if m.Default {
			defaults++
			assert.Equal(t, ai.DefaultModel, m.ID)
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestMarket_KlinesAndPrice(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodGet, "/api/v1/market/klines?symbol=btcusdt&interval=5m&limit=30", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var chart exchange.ChartContext
	require.NoError(t, json.Unmarshal(env.Data, &chart))
	assert.Equal(t, "BTCUSDT", chart.Symbol)
	assert.Len(t, chart.Candles, 30)

	w, _ = s.do(t, http.MethodGet, "/api/v1/market/klines?symbol=BTCUSDT&interval=7m", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/market/klines?symbol=BTCUSDT&limit=5000", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = s.do(t, http.MethodGet, "/api/v1/market/price/ethusdt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var price struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &price))
	assert.Equal(t, "ETHUSDT", price.Symbol)
	assert.True(t, price.Price.Equal(decimal.NewFromInt(50000)))

	w, _ = s.do(t, http.MethodGet, "/api/v1/market/price/NOPEUSDT", "", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestMarket_Stream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/market/stream?symbol=BTCUSDT&interval=1m"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered right after the upgrade, keep pushing until one lands
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.market.OnCandleUpdate(exchange.CandleUpdate{
					Symbol: "BTCUSDT", Interval: "1m",
					Candle: exchange.Candle{Open: 1, High: 2, Low: 0.5, Close: 1.5},
				})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var update exchange.CandleUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "BTCUSDT", update.Symbol)
	assert.Equal(t, 1.5, update.Candle.Close)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, false, body["stream_connected"])
}

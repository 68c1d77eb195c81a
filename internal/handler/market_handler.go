package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/vox-trader/agent-core/internal/exchange"
	"github.com/vox-trader/agent-core/internal/service"
	"github.com/vox-trader/agent-core/pkg/response"
	"go.uber.org/zap"
)

const (
	maxKlineLimit = 1000
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
)

// MarketHandler serves candles, prices and the live candle stream
type MarketHandler struct {
	market   *service.MarketService
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewMarketHandler creates a new MarketHandler
func NewMarketHandler(market *service.MarketService, log *zap.Logger) *MarketHandler {
	return &MarketHandler{
		market: market,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the dashboard is served from another origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.Named("market_api"),
	}
}

func symbolAndInterval(c *gin.Context) (string, string, bool) {
	symbol := exchange.NormalizeSymbol(c.Query("symbol"))
	interval := c.DefaultQuery("interval", "1m")
	if symbol == "" {
		response.BadRequest(c, "symbol is required")
		return "", "", false
	}
	if _, ok := exchange.ParseInterval(interval); !ok {
		response.BadRequest(c, "unsupported interval")
		return "", "", false
	}
	return symbol, interval, true
}

// GetKlines returns the latest candles
// GET /market/klines?symbol=BTCUSDT&interval=1m&limit=100
func (h *MarketHandler) GetKlines(c *gin.Context) {
	symbol, interval, ok := symbolAndInterval(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > maxKlineLimit {
		response.BadRequest(c, "limit must be between 1 and 1000")
		return
	}

	chart, err := h.market.ChartContext(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, chart)
}

// GetPrice returns the current price of a symbol
// GET /market/price/:symbol
func (h *MarketHandler) GetPrice(c *gin.Context) {
	symbol := exchange.NormalizeSymbol(c.Param("symbol"))
	price, err := h.market.GetPrice(c.Request.Context(), symbol)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{
		"symbol": symbol,
		"price":  price,
	})
}

// Stream upgrades to a WebSocket and pushes live candles until the client leaves
// GET /market/stream?symbol=BTCUSDT&interval=1m
func (h *MarketHandler) Stream(c *gin.Context) {
	symbol, interval, ok := symbolAndInterval(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, cancel := h.market.Subscribe(symbol, interval)
	defer cancel()
	h.log.Debug("stream client connected", zap.String("symbol", symbol), zap.String("interval", interval))

	// the read pump only watches for close frames and pongs
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(update); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// RegisterRoutes registers public market routes
func (h *MarketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	market := rg.Group("/market")
	{
		market.GET("/klines", h.GetKlines)
		market.GET("/price/:symbol", h.GetPrice)
		market.GET("/stream", h.Stream)
	}
}

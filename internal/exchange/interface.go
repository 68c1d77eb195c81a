package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
	Final     bool    `json:"final"`
}

// CandleUpdate is a live bar pushed by a stream
type CandleUpdate struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Candle   Candle `json:"candle"`
}

// ChartContext is the market snapshot handed to the decision engine
type ChartContext struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	Candles   []Candle        `json:"candles"`
	LastPrice decimal.Decimal `json:"last_price"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Closes returns the close series of the snapshot
func (c *ChartContext) Closes() []float64 {
	out := make([]float64, len(c.Candles))
	for i, k := range c.Candles {
		out[i] = k.Close
	}
	return out
}

// SymbolInfo represents trading pair information
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Status     string `json:"status"`
}

// KlineSource serves historical candles and last prices over REST
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
}

// CandleSubscriber receives live candle updates
type CandleSubscriber interface {
	OnCandleUpdate(update CandleUpdate)
}

// CandleStream pushes live candles for subscribed symbol/interval pairs
type CandleStream interface {
	Connect(ctx context.Context) error
	Subscribe(symbol, interval string) error
	Unsubscribe(symbol, interval string) error
	SetSubscriber(subscriber CandleSubscriber)
	IsConnected() bool
	Close() error
}

// NormalizeSymbol turns "btc/usdt" or "btc-usdt" into "BTCUSDT"
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
	return s
}

// SplitSymbol returns the base asset of a symbol quoted in quote
func SplitSymbol(symbol, quote string) (string, bool) {
	s := NormalizeSymbol(symbol)
	quote = strings.ToUpper(quote)
	if !strings.HasSuffix(s, quote) || len(s) == len(quote) {
		return "", false
	}
	return strings.TrimSuffix(s, quote), true
}

var intervals = map[string]time.Duration{
	"1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute,
	"30m": 30 * time.Minute, "1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour,
	"6h": 6 * time.Hour, "8h": 8 * time.Hour, "12h": 12 * time.Hour, "1d": 24 * time.Hour,
	"3d": 72 * time.Hour, "1w": 7 * 24 * time.Hour,
}

// ParseInterval validates a kline interval and returns its duration
func ParseInterval(interval string) (time.Duration, bool) {
	d, ok := intervals[strings.TrimSpace(interval)]
	return d, ok
}

package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/vox-trader/agent-core/internal/apperr"
	"github.com/vox-trader/agent-core/internal/exchange"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	maxKlineLimit = 1000

	errCodeInvalidSymbol = -1121
)

var (
	ErrUnknownSymbol   = apperr.New(apperr.KindValidation, "INVALID_SYMBOL", "unknown symbol")
	ErrInvalidInterval = apperr.New(apperr.KindValidation, "INVALID_INTERVAL", "invalid interval")
	ErrMarketData      = apperr.New(apperr.KindUpstream, "MARKET_DATA_UNAVAILABLE", "market data unavailable")
)

// RESTClient serves Binance spot klines, prices and symbol metadata
type RESTClient struct {
	client  *gobinance.Client
	limiter *rate.Limiter
	group   singleflight.Group
}

// NewRESTClient creates a REST client; requestsPerSec bounds outgoing calls
func NewRESTClient(baseURL string, timeout time.Duration, requestsPerSec float64) *RESTClient {
	client := gobinance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	if requestsPerSec <= 0 {
		requestsPerSec = 10
	}
	return &RESTClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), int(requestsPerSec)+1),
	}
}

// Klines returns up to limit closed and in-progress candles, oldest first
func (c *RESTClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	symbol = exchange.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrUnknownSymbol
	}
	if _, ok := exchange.ParseInterval(interval); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	kls, err := c.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify(err, symbol)
	}

	now := time.Now().UnixMilli()
	out := make([]exchange.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, exchange.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
			Final:     kl.CloseTime < now,
		})
	}
	return out, nil
}

// LastPrice returns the latest traded price; concurrent calls for one symbol share a request
func (c *RESTClient) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = exchange.NormalizeSymbol(symbol)
	v, err, _ := c.group.Do("price:"+symbol, func() (interface{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		prices, err := c.client.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, classify(err, symbol)
		}
		for _, p := range prices {
			if p != nil && p.Symbol == symbol {
				return decimal.NewFromString(p.Price)
			}
		}
		return nil, fmt.Errorf("%w: no price for %s", ErrMarketData, symbol)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// SymbolInfo returns pair metadata
func (c *RESTClient) SymbolInfo(ctx context.Context, symbol string) (*exchange.SymbolInfo, error) {
	symbol = exchange.NormalizeSymbol(symbol)
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	info, err := c.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err, symbol)
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			return &exchange.SymbolInfo{
				Symbol:     s.Symbol,
				BaseAsset:  s.BaseAsset,
				QuoteAsset: s.QuoteAsset,
				Status:     s.Status,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

func classify(err error, symbol string) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == errCodeInvalidSymbol {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMarketData, err)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

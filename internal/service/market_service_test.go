package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vox-trader/agent-core/internal/exchange"
	"go.uber.org/zap/zaptest"
)

type fakeKlines struct {
	priceCalls atomic.Int32
	price      decimal.Decimal
	candles    []exchange.Candle
	err        error
}

func (f *fakeKlines) Klines(_ context.Context, _, _ string, limit int) ([]exchange.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.candles) {
		return f.candles[len(f.candles)-limit:], nil
	}
	return f.candles, nil
}

func (f *fakeKlines) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.priceCalls.Add(1)
	if f.err != nil {
		return decimal.Zero, f.err
	}
	if symbol == "NOPEUSDT" {
		return decimal.Zero, errors.New("unknown symbol")
	}
	return f.price, nil
}

func (f *fakeKlines) SymbolInfo(_ context.Context, symbol string) (*exchange.SymbolInfo, error) {
	return &exchange.SymbolInfo{Symbol: symbol, BaseAsset: "BTC", QuoteAsset: "USDT", Status: "TRADING"}, nil
}

type fakeStream struct {
	subs   map[string]int
	unsubs map[string]int
}

func newFakeStream() *fakeStream {
	return &fakeStream{subs: map[string]int{}, unsubs: map[string]int{}}
}

func (f *fakeStream) Connect(context.Context) error              { return nil }
func (f *fakeStream) SetSubscriber(exchange.CandleSubscriber)     {}
func (f *fakeStream) IsConnected() bool                          { return true }
func (f *fakeStream) Close() error                               { return nil }
func (f *fakeStream) Subscribe(symbol, interval string) error    { f.subs[symbol+interval]++; return nil }
func (f *fakeStream) Unsubscribe(symbol, interval string) error  { f.unsubs[symbol+interval]++; return nil }

func TestMarketService_PriceCacheAvoidsREST(t *testing.T) {
	rest := &fakeKlines{price: decimal.NewFromInt(50000)}
	svc := NewMarketService(rest, nil, nil, time.Minute, 8, zaptest.NewLogger(t))
	ctx := context.Background()

	price, err := svc.GetPrice(ctx, "btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, "50000", price.String())

	_, err = svc.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(1), rest.priceCalls.Load())

	svc.OnCandleUpdate(exchange.CandleUpdate{Symbol: "ETHUSDT", Interval: "1m", Candle: exchange.Candle{Close: 2500.5}})
	price, err = svc.GetPrice(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "2500.5", price.String())
	assert.Equal(t, int32(1), rest.priceCalls.Load())
}

func TestMarketService_ExpiredPriceRefetches(t *testing.T) {
	rest := &fakeKlines{price: decimal.NewFromInt(100)}
	svc := NewMarketService(rest, nil, nil, time.Second, 8, zaptest.NewLogger(t))
	now := time.Now()
	svc.now = func() time.Time { return now }

	_, err := svc.GetPrice(context.Background(), "SOLUSDT")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = svc.GetPrice(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), rest.priceCalls.Load())
}

func TestMarketService_GetPricesSkipsFailures(t *testing.T) {
	rest := &fakeKlines{price: decimal.NewFromInt(7)}
	svc := NewMarketService(rest, nil, nil, time.Minute, 8, zaptest.NewLogger(t))

	prices := svc.GetPrices(context.Background(), []string{"BTCUSDT", "NOPEUSDT", "btcusdt"})
	assert.Len(t, prices, 1)
	assert.Equal(t, "7", prices["BTCUSDT"].String())
}

func TestMarketService_ChartContext(t *testing.T) {
	rest := &fakeKlines{candles: []exchange.Candle{{Close: 1}, {Close: 2}, {Close: 3}}}
	svc := NewMarketService(rest, nil, nil, time.Minute, 8, zaptest.NewLogger(t))

	chart, err := svc.ChartContext(context.Background(), "BTCUSDT", "1h", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, chart.Closes())
	assert.Equal(t, "3", chart.LastPrice.String())

	rest.err = errors.New("boom")
	_, err = svc.ChartContext(context.Background(), "BTCUSDT", "1h", 2)
	assert.Error(t, err)
}

func TestMarketService_SubscribeFansOutAndReleases(t *testing.T) {
	stream := newFakeStream()
	svc := NewMarketService(&fakeKlines{}, stream, nil, time.Minute, 8, zaptest.NewLogger(t))

	a, cancelA := svc.Subscribe("BTCUSDT", "1m")
	b, cancelB := svc.Subscribe("btcusdt", "1m")
	assert.Equal(t, 1, stream.subs["BTCUSDT1m"])

	update := exchange.CandleUpdate{Symbol: "BTCUSDT", Interval: "1m", Candle: exchange.Candle{Close: 42}}
	svc.OnCandleUpdate(update)
	svc.OnCandleUpdate(exchange.CandleUpdate{Symbol: "BTCUSDT", Interval: "5m", Candle: exchange.Candle{Close: 1}})

	assert.Equal(t, 42.0, (<-a).Candle.Close)
	assert.Equal(t, 42.0, (<-b).Candle.Close)
	assert.Len(t, a, 0)

	cancelA()
	cancelA()
	assert.Equal(t, 0, stream.unsubs["BTCUSDT1m"])
	cancelB()
	assert.Equal(t, 1, stream.unsubs["BTCUSDT1m"])

	_, open := <-a
	assert.False(t, open)
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vox-trader/agent-core/internal/exchange"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const candleChannel = "candle_updates"

type priceEntry struct {
	price decimal.Decimal
	at    time.Time
}

// MarketService is the market data feed: REST snapshots, a cached last price
// per symbol and fan-out of live candles to in-process listeners.
type MarketService struct {
	rest     exchange.KlineSource
	stream   exchange.CandleStream
	redis    *redis.Client
	priceTTL time.Duration
	backlog  int
	log      *zap.Logger

	prices    map[string]priceEntry
	pricesMux sync.RWMutex

	listeners  map[string]map[int]chan exchange.CandleUpdate
	refs       map[string]int
	nextID     int
	listenMux  sync.Mutex
	now        func() time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	streamDown bool
}

// NewMarketService creates a MarketService; stream and redis may be nil
func NewMarketService(rest exchange.KlineSource, stream exchange.CandleStream, rdb *redis.Client,
	priceTTL time.Duration, backlog int, log *zap.Logger) *MarketService {
	if priceTTL <= 0 {
		priceTTL = 5 * time.Second
	}
	if backlog <= 0 {
		backlog = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MarketService{
		rest:      rest,
		stream:    stream,
		redis:     rdb,
		priceTTL:  priceTTL,
		backlog:   backlog,
		log:       log.Named("market"),
		prices:    make(map[string]priceEntry),
		listeners: make(map[string]map[int]chan exchange.CandleUpdate),
		refs:      make(map[string]int),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start connects the live stream. A failed connection leaves REST-only operation.
func (s *MarketService) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.stream == nil {
		return nil
	}
	s.stream.SetSubscriber(s)
	if err := s.stream.Connect(s.ctx); err != nil {
		s.streamDown = true
		return fmt.Errorf("connect candle stream: %w", err)
	}
	s.log.Info("market data feed started")
	return nil
}

// Stop closes the live stream
func (s *MarketService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stream != nil && !s.streamDown {
		if err := s.stream.Close(); err != nil {
			s.log.Warn("error closing candle stream", zap.Error(err))
		}
	}
	s.log.Info("market data feed stopped")
}

// StreamConnected reports the live stream state for health checks
func (s *MarketService) StreamConnected() bool {
	return s.stream != nil && s.stream.IsConnected()
}

// OnCandleUpdate implements exchange.CandleSubscriber
func (s *MarketService) OnCandleUpdate(update exchange.CandleUpdate) {
	symbol := exchange.NormalizeSymbol(update.Symbol)
	s.storePrice(symbol, decimal.NewFromFloat(update.Candle.Close))

	if s.redis != nil {
		if payload, err := json.Marshal(update); err == nil {
			s.redis.Publish(s.ctx, candleChannel, payload)
		}
	}

	key := listenKey(symbol, update.Interval)
	s.listenMux.Lock()
	for _, ch := range s.listeners[key] {
		select {
		case ch <- update:
		default:
			// slow listener, drop the tick
		}
	}
	s.listenMux.Unlock()
}

func (s *MarketService) storePrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	s.pricesMux.Lock()
	s.prices[symbol] = priceEntry{price: price, at: s.now()}
	s.pricesMux.Unlock()

	if s.redis == nil {
		return
	}
	key := "price:" + symbol
	s.redis.HSet(s.ctx, key, map[string]interface{}{
		"price":     price.String(),
		"timestamp": s.now().UnixMilli(),
	})
	s.redis.Expire(s.ctx, key, s.priceTTL)
}

// GetPrice returns the current price: memory, then redis, then REST
func (s *MarketService) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = exchange.NormalizeSymbol(symbol)

	s.pricesMux.RLock()
	entry, ok := s.prices[symbol]
	s.pricesMux.RUnlock()
	if ok && s.now().Sub(entry.at) < s.priceTTL {
		return entry.price, nil
	}

	if s.redis != nil {
		if v, err := s.redis.HGet(ctx, "price:"+symbol, "price").Result(); err == nil {
			if price, err := decimal.NewFromString(v); err == nil && price.IsPositive() {
				return price, nil
			}
		}
	}

	price, err := s.rest.LastPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	s.storePrice(symbol, price)
	return price, nil
}

// GetPrices fetches several prices concurrently; symbols that fail are left out
func (s *MarketService) GetPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(symbols))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(8)

	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		sym = exchange.NormalizeSymbol(sym)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		sym := sym
		g.Go(func() error {
			price, err := s.GetPrice(ctx, sym)
			if err != nil {
				s.log.Warn("price unavailable", zap.String("symbol", sym), zap.Error(err))
				return nil
			}
			mu.Lock()
			out[sym] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ChartContext returns the latest candles of symbol/interval
func (s *MarketService) ChartContext(ctx context.Context, symbol, interval string, limit int) (*exchange.ChartContext, error) {
	symbol = exchange.NormalizeSymbol(symbol)
	candles, err := s.rest.Klines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candles for %s %s", ErrPriceUnavailable, symbol, interval)
	}
	last := decimal.NewFromFloat(candles[len(candles)-1].Close)
	s.storePrice(symbol, last)
	return &exchange.ChartContext{
		Symbol:    symbol,
		Interval:  interval,
		Candles:   candles,
		LastPrice: last,
		FetchedAt: s.now(),
	}, nil
}

// SymbolInfo returns pair metadata from the exchange
func (s *MarketService) SymbolInfo(ctx context.Context, symbol string) (*exchange.SymbolInfo, error) {
	return s.rest.SymbolInfo(ctx, symbol)
}

// Subscribe registers a listener for live candles; cancel releases it
func (s *MarketService) Subscribe(symbol, interval string) (<-chan exchange.CandleUpdate, func()) {
	symbol = exchange.NormalizeSymbol(symbol)
	key := listenKey(symbol, interval)
	ch := make(chan exchange.CandleUpdate, s.backlog)

	s.listenMux.Lock()
	id := s.nextID
	s.nextID++
	if s.listeners[key] == nil {
		s.listeners[key] = make(map[int]chan exchange.CandleUpdate)
	}
	s.listeners[key][id] = ch
	s.refs[key]++
	first := s.refs[key] == 1
	s.listenMux.Unlock()

	if first && s.stream != nil {
		if err := s.stream.Subscribe(symbol, interval); err != nil {
			s.log.Warn("stream subscribe failed", zap.String("stream", key), zap.Error(err))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.listenMux.Lock()
			delete(s.listeners[key], id)
			s.refs[key]--
			last := s.refs[key] == 0
			if last {
				delete(s.refs, key)
				delete(s.listeners, key)
			}
			s.listenMux.Unlock()
			close(ch)

			if last && s.stream != nil {
				if err := s.stream.Unsubscribe(symbol, interval); err != nil {
					s.log.Warn("stream unsubscribe failed", zap.String("stream", key), zap.Error(err))
				}
			}
		})
	}
	return ch, cancel
}

func listenKey(symbol, interval string) string {
	return strings.ToUpper(symbol) + "@" + interval
}

package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/vox-trader/agent-core/internal/exchange"
	"go.uber.org/zap"
)

const (
	defaultWSURL         = "wss://stream.binance.com:9443/ws"
	pingInterval         = 30 * time.Second
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
)

// Stream is a Binance spot kline WebSocket client
type Stream struct {
	wsURL       string
	conn        *websocket.Conn
	connMux     sync.RWMutex
	writeMux    sync.Mutex
	isConnected bool

	subscriber exchange.CandleSubscriber
	subMux     sync.RWMutex

	subscribed    map[string]bool // stream name, e.g. btcusdt@kline_1m
	subscribedMux sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger

	reconnectAttempts int
}

// NewStream creates a kline stream client
func NewStream(wsURL string, log *zap.Logger) *Stream {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	return &Stream{
		wsURL:      wsURL,
		subscribed: make(map[string]bool),
		log:        log.Named("binance-stream"),
	}
}

func streamName(symbol, interval string) string {
	return strings.ToLower(exchange.NormalizeSymbol(symbol)) + "@kline_" + interval
}

// IsConnected returns whether the WebSocket is connected
func (s *Stream) IsConnected() bool {
	s.connMux.RLock()
	defer s.connMux.RUnlock()
	return s.isConnected
}

// Connect establishes the connection and starts the read and ping loops
func (s *Stream) Connect(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.connect(); err != nil {
		return err
	}

	s.wg.Add(2)
	go s.messageLoop()
	go s.pingLoop()
	return nil
}

func (s *Stream) connect() error {
	s.connMux.Lock()
	defer s.connMux.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(s.ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Binance WebSocket: %w", err)
	}

	s.conn = conn
	s.isConnected = true
	s.reconnectAttempts = 0
	s.log.Info("websocket connected", zap.String("url", s.wsURL))

	s.subscribedMux.RLock()
	streams := make([]string, 0, len(s.subscribed))
	for name := range s.subscribed {
		streams = append(streams, name)
	}
	s.subscribedMux.RUnlock()

	if len(streams) > 0 {
		go func() {
			if err := s.send("SUBSCRIBE", streams); err != nil {
				s.log.Warn("resubscribe failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Subscribe starts delivering candles of symbol/interval
func (s *Stream) Subscribe(symbol, interval string) error {
	name := streamName(symbol, interval)

	s.subscribedMux.Lock()
	already := s.subscribed[name]
	s.subscribed[name] = true
	s.subscribedMux.Unlock()

	if already || !s.IsConnected() {
		return nil
	}
	return s.send("SUBSCRIBE", []string{name})
}

// Unsubscribe stops delivering candles of symbol/interval
func (s *Stream) Unsubscribe(symbol, interval string) error {
	name := streamName(symbol, interval)

	s.subscribedMux.Lock()
	delete(s.subscribed, name)
	s.subscribedMux.Unlock()

	if !s.IsConnected() {
		return nil
	}
	return s.send("UNSUBSCRIBE", []string{name})
}

func (s *Stream) send(method string, streams []string) error {
	msg := map[string]interface{}{
		"method": method,
		"params": streams,
		"id":     time.Now().UnixNano(),
	}

	s.connMux.RLock()
	conn := s.conn
	s.connMux.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to %s: %w", strings.ToLower(method), err)
	}
	return nil
}

// SetSubscriber sets the candle update subscriber
func (s *Stream) SetSubscriber(subscriber exchange.CandleSubscriber) {
	s.subMux.Lock()
	defer s.subMux.Unlock()
	s.subscriber = subscriber
}

func (s *Stream) messageLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.connMux.RLock()
		conn := s.conn
		s.connMux.RUnlock()

		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket error", zap.Error(err))
			}
			s.handleDisconnect()
			continue
		}

		if update, ok := ParseKlineMessage(message); ok {
			s.subMux.RLock()
			subscriber := s.subscriber
			s.subMux.RUnlock()
			if subscriber != nil {
				subscriber.OnCandleUpdate(update)
			}
		}
	}
}

// ParseKlineMessage decodes a kline event; other frames are ignored
func ParseKlineMessage(message []byte) (exchange.CandleUpdate, bool) {
	if !gjson.ValidBytes(message) {
		return exchange.CandleUpdate{}, false
	}
	root := gjson.ParseBytes(message)
	if root.Get("e").String() != "kline" {
		return exchange.CandleUpdate{}, false
	}
	k := root.Get("k")
	return exchange.CandleUpdate{
		Symbol:   root.Get("s").String(),
		Interval: k.Get("i").String(),
		Candle: exchange.Candle{
			OpenTime:  k.Get("t").Int(),
			CloseTime: k.Get("T").Int(),
			Open:      k.Get("o").Float(),
			High:      k.Get("h").Float(),
			Low:       k.Get("l").Float(),
			Close:     k.Get("c").Float(),
			Volume:    k.Get("v").Float(),
			Trades:    k.Get("n").Int(),
			Final:     k.Get("x").Bool(),
		},
	}, true
}

func (s *Stream) handleDisconnect() {
	s.connMux.Lock()
	s.isConnected = false
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMux.Unlock()

	for s.reconnectAttempts < maxReconnectAttempts {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		s.reconnectAttempts++
		s.log.Info("attempting reconnect", zap.Int("attempt", s.reconnectAttempts), zap.Int("max", maxReconnectAttempts))

		if err := s.connect(); err != nil {
			s.log.Warn("reconnect failed", zap.Error(err))
			continue
		}
		return
	}

	s.log.Error("max reconnect attempts reached")
	// back off before the read loop tries again
	select {
	case <-s.ctx.Done():
	case <-time.After(time.Minute):
		s.reconnectAttempts = 0
	}
}

func (s *Stream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connMux.RLock()
			conn := s.conn
			isConnected := s.isConnected
			s.connMux.RUnlock()

			if !isConnected || conn == nil {
				continue
			}

			s.writeMux.Lock()
			err := conn.WriteMessage(websocket.PongMessage, nil)
			s.writeMux.Unlock()
			if err != nil {
				s.log.Warn("ping failed", zap.Error(err))
			}
		}
	}
}

// Close closes the WebSocket connection
func (s *Stream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.connMux.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.isConnected = false
	s.connMux.Unlock()

	s.wg.Wait()
	s.log.Info("websocket closed")
	return nil
}

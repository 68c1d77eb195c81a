package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vox-trader/agent-core/internal/apperr"
	"github.com/vox-trader/agent-core/internal/exchange"
	"go.uber.org/zap/zaptest"
)

func newBinanceServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		_, _ = w.Write([]byte(`[
			[1700000000000,"100.0","110.0","90.0","105.0","12.5",1700000059999,"1300.0",42,"6.0","630.0","0"],
			[1700000060000,"105.0","120.0","100.0","118.0","3.5",1700000119999,"400.0",7,"1.0","118.0","0"]
		]`))
	})
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","price":"50000.12"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRESTClient_Klines(t *testing.T) {
	srv := newBinanceServer(t)
	c := NewRESTClient(srv.URL, time.Second, 100)

	candles, err := c.Klines(context.Background(), "btc/usdt", "1m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000000), candles[0].OpenTime)
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, 120.0, candles[1].High)
	assert.Equal(t, int64(42), candles[0].Trades)
	assert.True(t, candles[0].Final)
}

func TestRESTClient_KlinesErrors(t *testing.T) {
	srv := newBinanceServer(t)
	c := NewRESTClient(srv.URL, time.Second, 100)

	_, err := c.Klines(context.Background(), "NOPEUSDT", "1m", 2)
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = c.Klines(context.Background(), "BTCUSDT", "7m", 2)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestRESTClient_LastPrice(t *testing.T) {
	srv := newBinanceServer(t)
	c := NewRESTClient(srv.URL, time.Second, 100)

	price, err := c.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "50000.12", price.String())
}

func TestParseKlineMessage(t *testing.T) {
	msg := []byte(`{"e":"kline","E":1700000001000,"s":"ETHUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"ETHUSDT","i":"1m","o":"2000.5","c":"2010.0","h":"2011.0","l":"1999.0","v":"10.0","n":5,"x":true}}`)
	update, ok := ParseKlineMessage(msg)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", update.Symbol)
	assert.Equal(t, "1m", update.Interval)
	assert.Equal(t, 2010.0, update.Candle.Close)
	assert.True(t, update.Candle.Final)

	_, ok = ParseKlineMessage([]byte(`{"result":null,"id":1}`))
	assert.False(t, ok)
	_, ok = ParseKlineMessage([]byte(`not json`))
	assert.False(t, ok)
}

type chanSubscriber chan exchange.CandleUpdate

func (c chanSubscriber) OnCandleUpdate(update exchange.CandleUpdate) { c <- update }

func TestStream_DeliversSubscribedKlines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req.Method + " " + strings.Join(req.Params, ",")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"i":"1m","o":"1","c":"2","h":"3","l":"0.5","v":"9","n":1,"x":false}}`))
		// keep the connection open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), zaptest.NewLogger(t))
	updates := make(chanSubscriber, 4)
	stream.SetSubscriber(updates)

	require.NoError(t, stream.Connect(context.Background()))
	require.NoError(t, stream.Subscribe("BTCUSDT", "1m"))

	select {
	case got := <-subscribed:
		assert.Equal(t, "SUBSCRIBE btcusdt@kline_1m", got)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not received")
	}

	select {
	case update := <-updates:
		assert.Equal(t, "BTCUSDT", update.Symbol)
		assert.Equal(t, 2.0, update.Candle.Close)
	case <-time.After(2 * time.Second):
		t.Fatal("kline not delivered")
	}

	assert.True(t, stream.IsConnected())
	require.NoError(t, stream.Close())
	assert.False(t, stream.IsConnected())
}

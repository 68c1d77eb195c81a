package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc/usdt"))
	assert.Equal(t, "ETHUSDT", NormalizeSymbol(" eth-usdt "))
	assert.Equal(t, "SOLUSDT", NormalizeSymbol("SOLUSDT"))
}

func TestSplitSymbol(t *testing.T) {
	base, ok := SplitSymbol("BTC/USDT", "USDT")
	assert.True(t, ok)
	assert.Equal(t, "BTC", base)

	_, ok = SplitSymbol("USDT", "USDT")
	assert.False(t, ok)

	_, ok = SplitSymbol("BTCEUR", "USDT")
	assert.False(t, ok)
}

func TestParseInterval(t *testing.T) {
	d, ok := ParseInterval("15m")
	assert.True(t, ok)
	assert.Equal(t, 15*time.Minute, d)

	_, ok = ParseInterval("7m")
	assert.False(t, ok)
}

func TestChartContext_Closes(t *testing.T) {
	c := ChartContext{Candles: []Candle{{Close: 1}, {Close: 2}, {Close: 3}}}
	assert.Equal(t, []float64{1, 2, 3}, c.Closes())
}

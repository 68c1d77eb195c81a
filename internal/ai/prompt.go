package ai

import (
	"fmt"
	"math"
	"strings"
	"time"

	talib "github.com/markcheno/go-talib"
	"github.com/vox-trader/agent-core/internal/exchange"
	"github.com/vox-trader/agent-core/internal/models"
)

const (
	recentCandles = 20
	rsiPeriod     = 14
	emaFast       = 20
	emaSlow       = 50
	macdFast      = 12
	macdSlow      = 26
	macdSignal    = 9
)

const systemPrompt = `You are a crypto chart analyst and trading assistant. Suggest BUY, SELL, or HOLD.
In futures mode BUY means long and SELL means short. Keep it concise.
Finish with one JSON object on its own line:
{"action": "BUY|SELL|HOLD", "buy_at": <price or null>, "sell_at": <price or null>, "message": "<one sentence>"}`

var strategyPrompts = map[models.Strategy]string{
	models.StrategyAggressive: `Strategy: AGGRESSIVE (short-term, high frequency).
Look for short-term opportunities on the chart. Suggest buy/sell more often. Keep stop-loss tight. Focus on scalping and intraday trades.`,
	models.StrategyPassive: `Strategy: PASSIVE (low risk).
Suggest actions only on strong signals. Fewer trades, wider stop-loss. Prioritize protection.`,
	models.StrategyLongTerm: `Strategy: LONG-TERM (swing/position).
Focus on weekly/monthly trends. Ignore short-term noise. Prefer buy-and-hold or sell-and-hold style suggestions.`,
	models.StrategyShortTerm: `Strategy: SHORT-TERM (daily/intraday).
Focus on intraday movements. Keep entry/exit levels clear. Pay attention to technical patterns.`,
}

// Indicators is the technical context computed from the candle closes.
// A zero value means not enough candles.
type Indicators struct {
	RSI        float64
	EMAFast    float64
	EMASlow    float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
}

// ComputeIndicators runs RSI(14), EMA(20/50) and MACD(12,26,9) over closes
func ComputeIndicators(closes []float64) Indicators {
	var ind Indicators
	if len(closes) > rsiPeriod {
		ind.RSI = last(talib.Rsi(closes, rsiPeriod))
	}
	if len(closes) >= emaFast {
		ind.EMAFast = last(talib.Ema(closes, emaFast))
	}
	if len(closes) >= emaSlow {
		ind.EMASlow = last(talib.Ema(closes, emaSlow))
	}
	if len(closes) >= macdSlow+macdSignal {
		macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
		ind.MACD, ind.MACDSignal, ind.MACDHist = last(macd), last(signal), last(hist)
	}
	return ind
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// BuildUserPrompt renders the chart context, indicators, portfolio and strategy for one analysis
func BuildUserPrompt(req *AnalyzeRequest) string {
	var sb strings.Builder
	futures := req.MarketType == models.MarketFutures

	if req.PortfolioContext != "" {
		sb.WriteString(fmt.Sprintf("[User's current demo status: %s]\n\n", req.PortfolioContext))
	}

	market := "Spot"
	if futures {
		market = "Futures (leveraged)"
	}
	sb.WriteString(fmt.Sprintf("Currently analyzed: %s, timeframe: %s. Market: %s.\n", req.Symbol, req.Interval, market))
	sb.WriteString(strategyText(req.Strategy))
	sb.WriteString("\n\n")

	if futures {
		sb.WriteString("This is a FUTURES (leveraged) analysis: LONG = buy, SHORT = sell. If there is an open position, evaluate profit/loss vs entry price.\n\n")
	}

	if req.Chart != nil && len(req.Chart.Candles) > 0 {
		writeChart(&sb, req.Chart)
	}

	if custom := strings.TrimSpace(req.CustomPrompt); custom != "" {
		sb.WriteString(fmt.Sprintf("User instruction: %s\n\n", custom))
	}

	if req.ImageBase64 != "" {
		sb.WriteString("Review the chart image and the data above and provide a short technical analysis. ")
	} else {
		sb.WriteString("Review the data above and provide a short technical analysis. ")
	}
	sb.WriteString("Suggest BUY, SELL, or HOLD. Reply in English.")
	return sb.String()
}

func strategyText(s models.Strategy) string {
	if text, ok := strategyPrompts[s]; ok {
		return text
	}
	return strategyPrompts[models.StrategyShortTerm]
}

func writeChart(sb *strings.Builder, chart *exchange.ChartContext) {
	candles := chart.Candles
	first, lastCandle := candles[0], candles[len(candles)-1]
	high, low := first.High, first.Low
	var volume float64
	for _, c := range candles {
		high = math.Max(high, c.High)
		low = math.Min(low, c.Low)
		volume += c.Volume
	}
	change := 0.0
	if first.Open != 0 {
		change = (lastCandle.Close - first.Open) / first.Open * 100
	}

	sb.WriteString(fmt.Sprintf("## Chart summary (%d candles)\n", len(candles)))
	sb.WriteString(fmt.Sprintf("Open %.4f, close %.4f (%+.2f%%), high %.4f, low %.4f, volume %.2f. Last price %s.\n\n",
		first.Open, lastCandle.Close, change, high, low, volume, chart.LastPrice.String()))

	ind := ComputeIndicators(chart.Closes())
	sb.WriteString("## Indicators\n")
	if ind.RSI != 0 {
		sb.WriteString(fmt.Sprintf("- RSI(%d): %.2f\n", rsiPeriod, ind.RSI))
	}
	if ind.EMAFast != 0 {
		sb.WriteString(fmt.Sprintf("- EMA(%d): %.4f\n", emaFast, ind.EMAFast))
	}
	if ind.EMASlow != 0 {
		sb.WriteString(fmt.Sprintf("- EMA(%d): %.4f\n", emaSlow, ind.EMASlow))
	}
	if ind.MACD != 0 || ind.MACDSignal != 0 {
		sb.WriteString(fmt.Sprintf("- MACD(%d,%d,%d): macd %.4f, signal %.4f, hist %.4f\n",
			macdFast, macdSlow, macdSignal, ind.MACD, ind.MACDSignal, ind.MACDHist))
	}
	sb.WriteString("\n")

	start := len(candles) - recentCandles
	if start < 0 {
		start = 0
	}
	sb.WriteString("## Recent candles\n")
	sb.WriteString("| Open time (UTC) | Open | High | Low | Close | Volume |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	for _, c := range candles[start:] {
		sb.WriteString(fmt.Sprintf("| %s | %.4f | %.4f | %.4f | %.4f | %.2f |\n",
			time.UnixMilli(c.OpenTime).UTC().Format("2006-01-02 15:04"), c.Open, c.High, c.Low, c.Close, c.Volume))
	}
	sb.WriteString("\n")
}

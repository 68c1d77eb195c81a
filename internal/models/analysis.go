package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the decision produced by one analysis
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Label is the title-cased form used in log messages
func (a Action) Label() string {
	switch a {
	case ActionBuy:
		return "Buy"
	case ActionSell:
		return "Sell"
	}
	return "Hold"
}

// Strategy selects the trading style the model is asked to follow
type Strategy string

const (
	StrategyAggressive Strategy = "aggressive"
	StrategyPassive    Strategy = "passive"
	StrategyLongTerm   Strategy = "long_term"
	StrategyShortTerm  Strategy = "short_term"
)

var strategyAliases = map[string]Strategy{
	"":           StrategyShortTerm,
	"aggressive": StrategyAggressive,
	"agresif":    StrategyAggressive,
	"passive":    StrategyPassive,
	"pasif":      StrategyPassive,
	"long_term":  StrategyLongTerm,
	"uzun_vade":  StrategyLongTerm,
	"short_term": StrategyShortTerm,
	"kisa_vade":  StrategyShortTerm,
}

// ParseStrategy accepts canonical names and the legacy dashboard values
func ParseStrategy(s string) (Strategy, bool) {
	st, ok := strategyAliases[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

// Analysis is the immutable record of one decision
type Analysis struct {
	ID               uint                `gorm:"primaryKey" json:"id"`
	UserID           uint                `gorm:"index;not null" json:"user_id"`
	Symbol           string              `gorm:"size:20;not null" json:"symbol"`
	Interval         string              `gorm:"size:10;not null" json:"interval"`
	Strategy         Strategy            `gorm:"size:20" json:"strategy"`
	CustomPrompt     string              `gorm:"type:text" json:"custom_prompt,omitempty"`
	MarketType       MarketType          `gorm:"size:10" json:"market_type"`
	Model            string              `gorm:"size:40" json:"model"`
	Source           TradeSource         `gorm:"size:10" json:"source"`
	Action           Action              `gorm:"size:4;not null" json:"action"`
	BuyAt            decimal.NullDecimal `gorm:"type:decimal(30,12)" json:"buy_at"`
	SellAt           decimal.NullDecimal `gorm:"type:decimal(30,12)" json:"sell_at"`
	AnalysisText     string              `gorm:"type:text" json:"analysis"`
	Message          string              `gorm:"size:500" json:"message"`
	LastPrice        decimal.Decimal     `gorm:"type:decimal(30,12)" json:"last_price"`
	PromptTokens     int                 `json:"prompt_tokens"`
	CompletionTokens int                 `json:"completion_tokens"`
	CachedTokens     int                 `json:"cached_tokens"`
	CostUSD          decimal.Decimal     `gorm:"type:decimal(20,8)" json:"cost_usd"`
	CreatedAt        time.Time           `json:"created_at"`
}

func (Analysis) TableName() string {
	return "analyses"
}

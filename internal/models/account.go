package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketType separates the spot and futures demo ledgers
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// ParseMarketType normalizes user input; empty input means spot
func ParseMarketType(s string) (MarketType, bool) {
	switch MarketType(strings.ToLower(strings.TrimSpace(s))) {
	case "", MarketSpot:
		return MarketSpot, true
	case MarketFutures:
		return MarketFutures, true
	}
	return "", false
}

// Account is a per-user, per-market demo ledger account.
// For spot the balance is free USDT, for futures it is available margin.
type Account struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          uint            `gorm:"uniqueIndex:idx_ledger_user_market;not null" json:"user_id"`
	MarketType      MarketType      `gorm:"uniqueIndex:idx_ledger_user_market;size:10;not null" json:"market_type"`
	Balance         decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"balance"`
	InitialBalance  decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"initial_balance"`
	TotalCommission decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"total_commission"`
	RealizedPnL     decimal.Decimal `gorm:"column:realized_pnl;type:decimal(30,12);not null" json:"realized_pnl"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName specifies the table name for Account model
func (Account) TableName() string {
	return "ledger_accounts"
}

// Holding is a spot asset balance
type Holding struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	AccountID uint            `gorm:"uniqueIndex:idx_holding_account_asset;not null" json:"account_id"`
	Asset     string          `gorm:"uniqueIndex:idx_holding_account_asset;size:20;not null" json:"asset"`
	Symbol    string          `gorm:"size:20;not null" json:"symbol"`
	Quantity  decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"quantity"`
	AvgPrice  decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"avg_price"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Holding) TableName() string {
	return "spot_holdings"
}

// HoldingValue is a holding marked to the current price
type HoldingValue struct {
	Holding
	Price decimal.Decimal `json:"price"`
	Value decimal.Decimal `json:"value"`
}

// EquitySnapshot is one point of an account's equity curve
type EquitySnapshot struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	AccountID uint            `gorm:"index:idx_equity_account_time;not null" json:"-"`
	Equity    decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"equity"`
	CreatedAt time.Time       `gorm:"index:idx_equity_account_time" json:"time"`
}

func (EquitySnapshot) TableName() string {
	return "equity_snapshots"
}

// AccountSummary is the valued view of a ledger account
type AccountSummary struct {
	MarketType         MarketType      `json:"market_type"`
	Balance            decimal.Decimal `json:"balance"`
	InitialBalance     decimal.Decimal `json:"initial_balance"`
	Equity             decimal.Decimal `json:"equity"`
	EquityChange       decimal.Decimal `json:"equity_change"`
	EquityChangePct    decimal.Decimal `json:"equity_change_pct"`
	TotalCommission    decimal.Decimal `json:"total_commission"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	TotalMarginUsed    decimal.Decimal `json:"total_margin_used"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	Holdings           []HoldingValue  `json:"holdings,omitempty"`
	Positions          []Position      `json:"positions,omitempty"`
}

// Performance is the performance page payload for one market type
type Performance struct {
	AccountSummary
	TotalTrades int              `json:"total_trades"`
	BuyCount    int              `json:"buy_count"`
	SellCount   int              `json:"sell_count"`
	WinCount    int              `json:"win_count,omitempty"`
	LossCount   int              `json:"loss_count,omitempty"`
	EquityCurve []EquitySnapshot `json:"equity_curve"`
	LastTrades  []TradeRecord    `json:"last_trades"`
}

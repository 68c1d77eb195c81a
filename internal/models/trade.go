package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the spot order direction
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// TradeKind tags which variant a TradeRecord holds
type TradeKind string

const (
	TradeKindSpot    TradeKind = "spot"
	TradeKindFutures TradeKind = "futures"
)

// TradeSource records who initiated a trade
type TradeSource string

const (
	SourceManual TradeSource = "manual"
	SourceAgent  TradeSource = "agent"
)

// SpotTrade is an executed spot fill
type SpotTrade struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	AccountID   uint            `gorm:"index;not null" json:"account_id"`
	UserID      uint            `gorm:"index;not null" json:"user_id"`
	Side        OrderSide       `gorm:"size:4;not null" json:"side"`
	Symbol      string          `gorm:"size:20;not null;index" json:"symbol"`
	BaseAsset   string          `gorm:"size:20;not null" json:"base_asset"`
	Quantity    decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"price"`
	QuoteAmount decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"quote_amount"`
	Commission  decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"commission"`
	Source      TradeSource     `gorm:"size:10" json:"source"`
	RunID       string          `gorm:"size:36" json:"run_id,omitempty"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for SpotTrade model
func (SpotTrade) TableName() string {
	return "spot_trades"
}

// CashFlow is the signed USDT movement of the fill
func (t *SpotTrade) CashFlow() decimal.Decimal {
	if t.Side == OrderSideBuy {
		return t.QuoteAmount.Neg()
	}
	return t.QuoteAmount.Sub(t.Commission)
}

// FuturesTrade is a closed futures position
type FuturesTrade struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	AccountID   uint            `gorm:"index;not null" json:"account_id"`
	UserID      uint            `gorm:"index;not null" json:"user_id"`
	PositionID  uint            `gorm:"index" json:"position_id"`
	Symbol      string          `gorm:"size:20;not null;index" json:"symbol"`
	Side        PositionSide    `gorm:"size:10;not null" json:"side"`
	Quantity    decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"quantity"`
	EntryPrice  decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"entry_price"`
	ExitPrice   decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"exit_price"`
	Leverage    int             `gorm:"not null" json:"leverage"`
	MarginUsed  decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"margin_used"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(30,12);not null" json:"realized_pnl"`
	Commission  decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"commission"`
	Source      TradeSource     `gorm:"size:10" json:"source"`
	RunID       string          `gorm:"size:36" json:"run_id,omitempty"`
	OpenedAt    time.Time       `json:"opened_at"`
	CreatedAt   time.Time       `gorm:"index" json:"closed_at"`
}

// TableName specifies the table name for FuturesTrade model
func (FuturesTrade) TableName() string {
	return "futures_trades"
}

// TradeRecord is the tagged union returned by the executor and the ledger
type TradeRecord struct {
	Kind    TradeKind     `json:"kind"`
	Spot    *SpotTrade    `json:"spot,omitempty"`
	Futures *FuturesTrade `json:"futures,omitempty"`
}

func SpotRecord(t *SpotTrade) TradeRecord {
	return TradeRecord{Kind: TradeKindSpot, Spot: t}
}

func FuturesRecord(t *FuturesTrade) TradeRecord {
	return TradeRecord{Kind: TradeKindFutures, Futures: t}
}

// Time returns the completion time of the trade
func (r TradeRecord) Time() time.Time {
	switch r.Kind {
	case TradeKindSpot:
		return r.Spot.CreatedAt
	case TradeKindFutures:
		return r.Futures.CreatedAt
	}
	return time.Time{}
}

// Summary renders a one-line description for logs and notifications
func (r TradeRecord) Summary() string {
	switch r.Kind {
	case TradeKindSpot:
		t := r.Spot
		return fmt.Sprintf("%s %s %s @ %s (%s USDT)", t.Side, t.Quantity.StringFixed(6), t.Symbol,
			t.Price.StringFixed(2), t.QuoteAmount.StringFixed(2))
	case TradeKindFutures:
		t := r.Futures
		return fmt.Sprintf("closed %s %s %s @ %s, PnL %s USDT", t.Side, t.Quantity.StringFixed(6), t.Symbol,
			t.ExitPrice.StringFixed(2), t.RealizedPnL.StringFixed(2))
	}
	return ""
}

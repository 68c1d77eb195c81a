package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide represents the position side
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Opposite returns the other side
func (s PositionSide) Opposite() PositionSide {
	if s == PositionSideLong {
		return PositionSideShort
	}
	return PositionSideLong
}

// Sign is +1 for LONG and -1 for SHORT
func (s PositionSide) Sign() decimal.Decimal {
	if s == PositionSideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Position represents an open futures position
type Position struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	AccountID      uint            `gorm:"index;not null" json:"account_id"`
	UserID         uint            `gorm:"index;not null" json:"user_id"`
	Symbol         string          `gorm:"size:20;not null;index" json:"symbol"`
	Side           PositionSide    `gorm:"size:10;not null" json:"side"`
	Quantity       decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"quantity"`
	EntryPrice     decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"entry_price"`
	MarkPrice      decimal.Decimal `gorm:"type:decimal(30,12)" json:"mark_price"`
	Leverage       int             `gorm:"not null" json:"leverage"`
	Margin         decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"margin_used"`
	OpenCommission decimal.Decimal `gorm:"type:decimal(30,12)" json:"open_commission"`
	UnrealizedPnL  decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(30,12)" json:"unrealized_pnl"`
	Source         TradeSource     `gorm:"size:10" json:"source"`
	RunID          string          `gorm:"size:36" json:"run_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TableName specifies the table name for Position model
func (Position) TableName() string {
	return "futures_positions"
}

// CalculateUnrealizedPnL returns (mark - entry) * qty * sign(side)
func (p *Position) CalculateUnrealizedPnL(markPrice decimal.Decimal) decimal.Decimal {
	return markPrice.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Side.Sign())
}

// Revalue updates mark price and unrealized PnL in place
func (p *Position) Revalue(markPrice decimal.Decimal) {
	p.MarkPrice = markPrice
	p.UnrealizedPnL = p.CalculateUnrealizedPnL(markPrice)
}

// Equity is the margin plus unrealized PnL the position contributes.
// It can be negative; the account total is floored at zero.
func (p *Position) Equity() decimal.Decimal {
	return p.Margin.Add(p.UnrealizedPnL)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vox-trader/agent-core/internal/apperr"
	"github.com/vox-trader/agent-core/internal/config"
	"github.com/vox-trader/agent-core/internal/exchange"
	"github.com/vox-trader/agent-core/internal/models"
	"github.com/vox-trader/agent-core/internal/repository"
	"go.uber.org/zap"
)

var (
	ErrInsufficientBalance  = apperr.New(apperr.KindResource, "INSUFFICIENT_BALANCE", "insufficient balance")
	ErrInsufficientHoldings = apperr.New(apperr.KindResource, "INSUFFICIENT_HOLDINGS", "insufficient holdings")
	ErrInsufficientMargin   = apperr.New(apperr.KindResource, "INSUFFICIENT_MARGIN", "insufficient margin")
	ErrInvalidSymbol        = apperr.New(apperr.KindValidation, "INVALID_SYMBOL", "invalid symbol")
	ErrInvalidSide          = apperr.New(apperr.KindValidation, "INVALID_SIDE", "invalid side")
	ErrInvalidAmount        = apperr.New(apperr.KindValidation, "INVALID_AMOUNT", "invalid amount")
	ErrInvalidLeverage      = apperr.New(apperr.KindValidation, "INVALID_LEVERAGE", "leverage must be between 1 and 125")
	ErrPriceUnavailable     = apperr.New(apperr.KindUpstream, "PRICE_UNAVAILABLE", "price unavailable")
	ErrPositionNotFound     = repository.ErrPositionNotFound
)

const (
	MinLeverage = 1
	MaxLeverage = 125
)

// SpotOrderRequest is a market order against the spot ledger.
// BUY spends QuoteAmount (or the whole balance with UseMax).
// SELL sells Quantity, QuoteAmount worth, or the whole holding.
type SpotOrderRequest struct {
	UserID      uint
	Side        models.OrderSide
	Symbol      string
	QuoteAmount decimal.Decimal
	Quantity    decimal.Decimal
	UseMax      bool
	Source      models.TradeSource
	RunID       string
}

// OpenFuturesRequest opens a leveraged position funded by Margin
// (or the largest affordable margin with UseMax)
type OpenFuturesRequest struct {
	UserID   uint
	Side     models.PositionSide
	Symbol   string
	Margin   decimal.Decimal
	Leverage int
	UseMax   bool
	Source   models.TradeSource
	RunID    string
}

// TradingService executes demo orders against the ledger at the current market price
type TradingService struct {
	ledger *LedgerService
	prices PriceSource
	log    *zap.Logger

	spotRate      decimal.Decimal
	futuresRate   decimal.Decimal
	defaultAmount decimal.Decimal
	maxMargin     decimal.Decimal
}

// NewTradingService creates a new TradingService
func NewTradingService(ledger *LedgerService, prices PriceSource, cfg config.DemoConfig, log *zap.Logger) *TradingService {
	return &TradingService{
		ledger:        ledger,
		prices:        prices,
		log:           log.Named("trading"),
		spotRate:      decimal.NewFromFloat(cfg.SpotCommissionRate),
		futuresRate:   decimal.NewFromFloat(cfg.FuturesCommissionRate),
		defaultAmount: decimal.NewFromFloat(cfg.DefaultOrderAmount),
		maxMargin:     decimal.NewFromFloat(cfg.MaxFuturesMargin),
	}
}

func (s *TradingService) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := s.prices.GetPrice(ctx, symbol)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return price, nil
}

// ExecuteSpot fills a spot market order
func (s *TradingService) ExecuteSpot(ctx context.Context, req SpotOrderRequest) (*models.TradeRecord, error) {
	symbol := exchange.NormalizeSymbol(req.Symbol)
	base, err := s.ledger.baseAsset(symbol)
	if err != nil {
		return nil, err
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, req.Side)
	}
	if req.QuoteAmount.IsNegative() || req.Quantity.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if req.Source == "" {
		req.Source = models.SourceManual
	}

	price, err := s.currentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	trade := &models.SpotTrade{
		UserID:    req.UserID,
		Side:      req.Side,
		Symbol:    symbol,
		BaseAsset: base,
		Price:     price,
		Source:    req.Source,
		RunID:     req.RunID,
	}

	err = s.ledger.mutate(ctx, req.UserID, models.MarketSpot, func(tx *ledgerTx) error {
		trade.AccountID = tx.acc.ID
		holding, err := tx.accounts.GetHolding(tx.acc.ID, base)
		if err != nil && !errors.Is(err, repository.ErrHoldingNotFound) {
			return err
		}

		if req.Side == models.OrderSideBuy {
			amount := req.QuoteAmount
			switch {
			case req.UseMax:
				amount = tx.acc.Balance
				if !amount.IsPositive() {
					return ErrInsufficientBalance
				}
			case amount.IsZero():
				amount = s.defaultAmount
			}
			if !amount.IsPositive() {
				return ErrInvalidAmount
			}
			if err := tx.debit(amount); err != nil {
				return fmt.Errorf("%w: need %s, have %s", err, amount.StringFixed(2), tx.acc.Balance.StringFixed(2))
			}

			commission := amount.Mul(s.spotRate)
			qty := amount.Sub(commission).Div(price)
			tx.chargeCommission(commission)

			if holding == nil {
				holding = &models.Holding{AccountID: tx.acc.ID, Asset: base, Symbol: symbol, Quantity: decimal.Zero, AvgPrice: decimal.Zero}
			}
			total := holding.Quantity.Add(qty)
			holding.AvgPrice = holding.Quantity.Mul(holding.AvgPrice).Add(qty.Mul(price)).Div(total)
			holding.Quantity = total

			trade.Quantity = qty
			trade.QuoteAmount = amount
			trade.Commission = commission
		} else {
			if holding == nil || !holding.Quantity.IsPositive() {
				return fmt.Errorf("%w: no %s held", ErrInsufficientHoldings, base)
			}
			qty := req.Quantity
			if qty.IsZero() && req.QuoteAmount.IsPositive() {
				qty = req.QuoteAmount.Div(price)
			}
			if qty.IsZero() || req.UseMax {
				qty = holding.Quantity
			}
			if qty.GreaterThan(holding.Quantity) {
				return fmt.Errorf("%w: sell %s, have %s %s", ErrInsufficientHoldings,
					qty.String(), holding.Quantity.String(), base)
			}

			gross := qty.Mul(price)
			commission := gross.Mul(s.spotRate)
			tx.credit(gross.Sub(commission))
			tx.chargeCommission(commission)
			tx.realize(price.Sub(holding.AvgPrice).Mul(qty).Sub(commission))
			holding.Quantity = holding.Quantity.Sub(qty)

			trade.Quantity = qty
			trade.QuoteAmount = gross
			trade.Commission = commission
		}

		if err := tx.accounts.SaveHolding(holding); err != nil {
			return err
		}
		return tx.trades.CreateSpot(trade)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("spot order filled",
		zap.Uint("user_id", req.UserID),
		zap.String("side", string(req.Side)),
		zap.String("symbol", symbol),
		zap.String("qty", trade.Quantity.String()),
		zap.String("price", price.String()),
		zap.String("source", string(req.Source)),
	)
	s.recordEquity(ctx, req.UserID, models.MarketSpot)

	rec := models.SpotRecord(trade)
	return &rec, nil
}

// OpenFutures opens a position; open positions on the opposite side of the
// same symbol are closed first in the same transaction
func (s *TradingService) OpenFutures(ctx context.Context, req OpenFuturesRequest) (*models.Position, error) {
	symbol := exchange.NormalizeSymbol(req.Symbol)
	if _, err := s.ledger.baseAsset(symbol); err != nil {
		return nil, err
	}
	if req.Side != models.PositionSideLong && req.Side != models.PositionSideShort {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, req.Side)
	}
	if req.Leverage < MinLeverage || req.Leverage > MaxLeverage {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLeverage, req.Leverage)
	}
	if !req.UseMax {
		if !req.Margin.IsPositive() {
			return nil, ErrInvalidAmount
		}
		if s.maxMargin.IsPositive() && req.Margin.GreaterThan(s.maxMargin) {
			return nil, fmt.Errorf("%w: margin above %s", ErrInvalidAmount, s.maxMargin.String())
		}
	}
	if req.Source == "" {
		req.Source = models.SourceManual
	}

	price, err := s.currentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	lev := decimal.NewFromInt(int64(req.Leverage))

	var position *models.Position
	var closed []models.FuturesTrade
	err = s.ledger.mutate(ctx, req.UserID, models.MarketFutures, func(tx *ledgerTx) error {
		opposite, err := tx.positions.GetBySymbolAndSide(tx.acc.ID, symbol, req.Side.Opposite())
		if err != nil {
			return err
		}
		for i := range opposite {
			trade, err := s.settle(tx, &opposite[i], price, req.Source, req.RunID)
			if err != nil {
				return err
			}
			closed = append(closed, *trade)
		}

		margin := req.Margin
		if req.UseMax {
			// largest margin whose open commission still fits the balance
			margin = tx.acc.Balance.Div(decimal.NewFromInt(1).Add(lev.Mul(s.futuresRate))).RoundDown(8)
			if s.maxMargin.IsPositive() && margin.GreaterThan(s.maxMargin) {
				margin = s.maxMargin
			}
			if !margin.IsPositive() {
				return ErrInsufficientMargin
			}
		}

		commission := margin.Mul(lev).Mul(s.futuresRate)
		required := margin.Add(commission)
		if required.GreaterThan(tx.acc.Balance) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientMargin,
				required.StringFixed(2), tx.acc.Balance.StringFixed(2))
		}
		if err := tx.debit(required); err != nil {
			return err
		}
		tx.chargeCommission(commission)

		position = &models.Position{
			AccountID:      tx.acc.ID,
			UserID:         req.UserID,
			Symbol:         symbol,
			Side:           req.Side,
			Quantity:       margin.Mul(lev).Div(price),
			EntryPrice:     price,
			Leverage:       req.Leverage,
			Margin:         margin,
			OpenCommission: commission,
			Source:         req.Source,
			RunID:          req.RunID,
		}
		position.Revalue(price)
		return tx.positions.Create(position)
	})
	if err != nil {
		return nil, err
	}

	for _, t := range closed {
		s.log.Info("opposite position closed",
			zap.Uint("user_id", req.UserID),
			zap.Uint("position_id", t.PositionID),
			zap.String("realized_pnl", t.RealizedPnL.String()),
		)
	}
	s.log.Info("futures position opened",
		zap.Uint("user_id", req.UserID),
		zap.Uint("position_id", position.ID),
		zap.String("side", string(position.Side)),
		zap.String("symbol", symbol),
		zap.String("qty", position.Quantity.String()),
		zap.String("margin", position.Margin.String()),
		zap.Int("leverage", position.Leverage),
	)
	s.recordEquity(ctx, req.UserID, models.MarketFutures)
	return position, nil
}

// ClosePosition closes a whole position at the current price
func (s *TradingService) ClosePosition(ctx context.Context, userID, positionID uint) (*models.TradeRecord, error) {
	// price lookup happens outside the account lock
	pos, err := s.ledger.positions.WithTx(s.ledger.db.WithContext(ctx)).GetByIDAndUserID(positionID, userID)
	if err != nil {
		return nil, err
	}
	price, err := s.currentPrice(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}

	var trade *models.FuturesTrade
	err = s.ledger.mutate(ctx, userID, models.MarketFutures, func(tx *ledgerTx) error {
		locked, err := tx.positions.GetByIDAndUserID(positionID, userID)
		if err != nil {
			return err
		}
		trade, err = s.settle(tx, locked, price, models.SourceManual, locked.RunID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("futures position closed",
		zap.Uint("user_id", userID),
		zap.Uint("position_id", positionID),
		zap.String("exit_price", price.String()),
		zap.String("realized_pnl", trade.RealizedPnL.String()),
	)
	s.recordEquity(ctx, userID, models.MarketFutures)

	rec := models.FuturesRecord(trade)
	return &rec, nil
}

// settle realizes a position at exit: balance += margin + realized.
// A loss larger than margin plus free balance is floored so the balance ends at zero.
func (s *TradingService) settle(tx *ledgerTx, pos *models.Position, exit decimal.Decimal,
	source models.TradeSource, runID string) (*models.FuturesTrade, error) {
	realized := pos.CalculateUnrealizedPnL(exit)
	if floor := tx.acc.Balance.Add(pos.Margin).Neg(); realized.LessThan(floor) {
		realized = floor
	}

	tx.credit(pos.Margin.Add(realized))
	tx.realize(realized)

	trade := &models.FuturesTrade{
		AccountID:   pos.AccountID,
		UserID:      pos.UserID,
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exit,
		Leverage:    pos.Leverage,
		MarginUsed:  pos.Margin,
		RealizedPnL: realized,
		Commission:  pos.OpenCommission,
		Source:      source,
		RunID:       runID,
		OpenedAt:    pos.CreatedAt,
		CreatedAt:   time.Now(),
	}
	if err := tx.positions.Delete(pos.ID); err != nil {
		return nil, err
	}
	if err := tx.trades.CreateFutures(trade); err != nil {
		return nil, err
	}
	return trade, nil
}

func (s *TradingService) recordEquity(ctx context.Context, userID uint, market models.MarketType) {
	if err := s.ledger.RecordEquity(ctx, userID, market); err != nil {
		s.log.Warn("failed to record equity snapshot", zap.Uint("user_id", userID), zap.Error(err))
	}
}

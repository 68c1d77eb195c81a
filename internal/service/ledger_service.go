package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vox-trader/agent-core/internal/config"
	"github.com/vox-trader/agent-core/internal/exchange"
	"github.com/vox-trader/agent-core/internal/models"
	"github.com/vox-trader/agent-core/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	equityCurveLimit = 500
	lastTradesLimit  = 20
)

// PriceSource provides current prices for valuation and execution
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal
}

// LedgerService owns the demo balances, holdings, positions and trade history.
// Reads are exported; mutations only happen through mutate.
type LedgerService struct {
	db        *gorm.DB
	accounts  *repository.AccountRepository
	positions *repository.PositionRepository
	trades    *repository.TradeRepository
	prices    PriceSource
	log       *zap.Logger

	initialBalance decimal.Decimal
	quote          string

	locks sync.Map // "userID:market" -> *sync.Mutex
}

// NewLedgerService creates a new LedgerService
func NewLedgerService(db *gorm.DB, prices PriceSource, cfg config.DemoConfig, quoteAsset string, log *zap.Logger) *LedgerService {
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &LedgerService{
		db:             db,
		accounts:       repository.NewAccountRepository(db),
		positions:      repository.NewPositionRepository(db),
		trades:         repository.NewTradeRepository(db),
		prices:         prices,
		log:            log.Named("ledger"),
		initialBalance: decimal.NewFromFloat(cfg.InitialBalance),
		quote:          quoteAsset,
	}
}

// ledgerTx is the view of one locked account inside a transaction
type ledgerTx struct {
	acc       *models.Account
	accounts  *repository.AccountRepository
	positions *repository.PositionRepository
	trades    *repository.TradeRepository
}

func (t *ledgerTx) debit(amount decimal.Decimal) error {
	if amount.GreaterThan(t.acc.Balance) {
		return ErrInsufficientBalance
	}
	t.acc.Balance = t.acc.Balance.Sub(amount)
	return nil
}

func (t *ledgerTx) credit(amount decimal.Decimal) {
	t.acc.Balance = t.acc.Balance.Add(amount)
}

func (t *ledgerTx) chargeCommission(amount decimal.Decimal) {
	t.acc.TotalCommission = t.acc.TotalCommission.Add(amount)
}

func (t *ledgerTx) realize(pnl decimal.Decimal) {
	t.acc.RealizedPnL = t.acc.RealizedPnL.Add(pnl)
}

// baseAsset splits BTCUSDT into BTC; only quote-asset pairs are tradable
func (s *LedgerService) baseAsset(symbol string) (string, error) {
	base, ok := exchange.SplitSymbol(symbol, s.quote)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	return base, nil
}

func (s *LedgerService) lockFor(userID uint, market models.MarketType) *sync.Mutex {
	key := fmt.Sprintf("%d:%s", userID, market)
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ensureAccount returns the account, creating it with the initial balance on first use
func (s *LedgerService) ensureAccount(ctx context.Context, userID uint, market models.MarketType) (*models.Account, error) {
	repo := s.accounts.WithTx(s.db.WithContext(ctx))
	acc, err := repo.GetByUserAndMarket(userID, market)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, err
	}

	acc = &models.Account{
		UserID:          userID,
		MarketType:      market,
		Balance:         s.initialBalance,
		InitialBalance:  s.initialBalance,
		TotalCommission: decimal.Zero,
		RealizedPnL:     decimal.Zero,
	}
	if err := repo.Create(acc); err != nil {
		// lost a creation race against another request
		if existing, getErr := repo.GetByUserAndMarket(userID, market); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	s.log.Info("demo account created", zap.Uint("user_id", userID), zap.String("market", string(market)))
	return acc, nil
}

// mutate runs fn against the locked account inside one transaction and saves the account
func (s *LedgerService) mutate(ctx context.Context, userID uint, market models.MarketType, fn func(tx *ledgerTx) error) error {
	mu := s.lockFor(userID, market)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.ensureAccount(ctx, userID, market); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		accounts := s.accounts.WithTx(db)
		acc, err := accounts.GetForUpdate(userID, market)
		if err != nil {
			return err
		}
		tx := &ledgerTx{
			acc:       acc,
			accounts:  accounts,
			positions: s.positions.WithTx(db),
			trades:    s.trades.WithTx(db),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if acc.Balance.IsNegative() {
			return fmt.Errorf("%w: balance would become negative", ErrInsufficientBalance)
		}
		return accounts.Update(acc)
	})
}

// GetAccount returns the raw account row
func (s *LedgerService) GetAccount(ctx context.Context, userID uint, market models.MarketType) (*models.Account, error) {
	return s.ensureAccount(ctx, userID, market)
}

// GetBalance returns the free balance of the account
func (s *LedgerService) GetBalance(ctx context.Context, userID uint, market models.MarketType) (decimal.Decimal, error) {
	acc, err := s.ensureAccount(ctx, userID, market)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// GetPositions returns the open futures positions valued at current prices
func (s *LedgerService) GetPositions(ctx context.Context, userID uint) ([]models.Position, error) {
	return s.RefreshPositions(ctx, userID)
}

// GetHoldings returns the spot holdings valued at current prices
func (s *LedgerService) GetHoldings(ctx context.Context, userID uint) ([]models.HoldingValue, error) {
	acc, err := s.ensureAccount(ctx, userID, models.MarketSpot)
	if err != nil {
		return nil, err
	}
	holdings, err := s.accounts.WithTx(s.db.WithContext(ctx)).GetHoldings(acc.ID)
	if err != nil {
		return nil, err
	}
	return s.valueHoldings(ctx, holdings), nil
}

func (s *LedgerService) valueHoldings(ctx context.Context, holdings []models.Holding) []models.HoldingValue {
	symbols := make([]string, 0, len(holdings))
	for _, h := range holdings {
		symbols = append(symbols, h.Symbol)
	}
	prices := map[string]decimal.Decimal{}
	if len(symbols) > 0 && s.prices != nil {
		prices = s.prices.GetPrices(ctx, symbols)
	}

	out := make([]models.HoldingValue, 0, len(holdings))
	for _, h := range holdings {
		price, ok := prices[h.Symbol]
		if !ok {
			// no quote, fall back to cost basis
			price = h.AvgPrice
		}
		out = append(out, models.HoldingValue{
			Holding: h,
			Price:   price,
			Value:   h.Quantity.Mul(price),
		})
	}
	return out
}

// ValuePositions recomputes mark price and unrealized PnL in place.
// Positions without a quote keep their previous valuation.
func ValuePositions(positions []models.Position, prices map[string]decimal.Decimal) {
	for i := range positions {
		if price, ok := prices[positions[i].Symbol]; ok && price.IsPositive() {
			positions[i].Revalue(price)
		}
	}
}

// RefreshPositions values the user's positions at current prices and persists them
func (s *LedgerService) RefreshPositions(ctx context.Context, userID uint) ([]models.Position, error) {
	repo := s.positions.WithTx(s.db.WithContext(ctx))
	positions, err := repo.GetByUserID(userID)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 || s.prices == nil {
		return positions, nil
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	ValuePositions(positions, s.prices.GetPrices(ctx, symbols))

	for i := range positions {
		if err := repo.UpdateValuation(&positions[i]); err != nil {
			s.log.Warn("failed to persist position valuation", zap.Uint("position_id", positions[i].ID), zap.Error(err))
		}
	}
	return positions, nil
}

// GetTrades returns the newest trades of a market type; limit <= 0 returns all
func (s *LedgerService) GetTrades(ctx context.Context, userID uint, market models.MarketType, limit int) ([]models.TradeRecord, error) {
	acc, err := s.ensureAccount(ctx, userID, market)
	if err != nil {
		return nil, err
	}
	repo := s.trades.WithTx(s.db.WithContext(ctx))

	if market == models.MarketFutures {
		trades, err := repo.ListFutures(acc.ID, limit)
		if err != nil {
			return nil, err
		}
		out := make([]models.TradeRecord, 0, len(trades))
		for i := range trades {
			out = append(out, models.FuturesRecord(&trades[i]))
		}
		return out, nil
	}

	trades, err := repo.ListSpot(acc.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.TradeRecord, 0, len(trades))
	for i := range trades {
		out = append(out, models.SpotRecord(&trades[i]))
	}
	return out, nil
}

// GetEquityCurve returns the equity snapshots of the account, oldest first
func (s *LedgerService) GetEquityCurve(ctx context.Context, userID uint, market models.MarketType) ([]models.EquitySnapshot, error) {
	acc, err := s.ensureAccount(ctx, userID, market)
	if err != nil {
		return nil, err
	}
	return s.accounts.WithTx(s.db.WithContext(ctx)).GetEquityCurve(acc.ID, equityCurveLimit)
}

// Summary values the account at current prices
func (s *LedgerService) Summary(ctx context.Context, userID uint, market models.MarketType) (*models.AccountSummary, error) {
	acc, err := s.ensureAccount(ctx, userID, market)
	if err != nil {
		return nil, err
	}

	summary := &models.AccountSummary{
		MarketType:         market,
		Balance:            acc.Balance,
		InitialBalance:     acc.InitialBalance,
		TotalCommission:    acc.TotalCommission,
		RealizedPnL:        acc.RealizedPnL,
		TotalMarginUsed:    decimal.Zero,
		TotalUnrealizedPnL: decimal.Zero,
	}

	equity := acc.Balance
	if market == models.MarketFutures {
		positions, err := s.RefreshPositions(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, p := range positions {
			if p.AccountID != acc.ID {
				continue
			}
			summary.TotalMarginUsed = summary.TotalMarginUsed.Add(p.Margin)
			summary.TotalUnrealizedPnL = summary.TotalUnrealizedPnL.Add(p.UnrealizedPnL)
			equity = equity.Add(p.Equity())
			summary.Positions = append(summary.Positions, p)
		}
		// settlement floors the balance at zero, valuation follows it
		if equity.IsNegative() {
			equity = decimal.Zero
		}
	} else {
		holdings, err := s.accounts.WithTx(s.db.WithContext(ctx)).GetHoldings(acc.ID)
		if err != nil {
			return nil, err
		}
		summary.Holdings = s.valueHoldings(ctx, holdings)
		for _, h := range summary.Holdings {
			equity = equity.Add(h.Value)
		}
	}

	summary.Equity = equity
	summary.EquityChange = equity.Sub(acc.InitialBalance)
	if acc.InitialBalance.IsPositive() {
		summary.EquityChangePct = summary.EquityChange.Div(acc.InitialBalance).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return summary, nil
}

// Performance returns the summary plus trade statistics and the equity curve
func (s *LedgerService) Performance(ctx context.Context, userID uint, market models.MarketType) (*models.Performance, error) {
	summary, err := s.Summary(ctx, userID, market)
	if err != nil {
		return nil, err
	}
	acc, err := s.ensureAccount(ctx, userID, market)
	if err != nil {
		return nil, err
	}
	repo := s.trades.WithTx(s.db.WithContext(ctx))

	perf := &models.Performance{AccountSummary: *summary}
	if market == models.MarketFutures {
		trades, err := repo.ListFutures(acc.ID, 0)
		if err != nil {
			return nil, err
		}
		perf.TotalTrades = len(trades)
		for i := range trades {
			t := &trades[i]
			if t.Side == models.PositionSideLong {
				perf.BuyCount++
			} else {
				perf.SellCount++
			}
			switch {
			case t.RealizedPnL.IsPositive():
				perf.WinCount++
			case t.RealizedPnL.IsNegative():
				perf.LossCount++
			}
			if i < lastTradesLimit {
				perf.LastTrades = append(perf.LastTrades, models.FuturesRecord(t))
			}
		}
	} else {
		stats, err := repo.GetSpotStats(acc.ID)
		if err != nil {
			return nil, err
		}
		perf.TotalTrades = int(stats.Total)
		perf.BuyCount = int(stats.Buys)
		perf.SellCount = int(stats.Sells)
		last, err := s.GetTrades(ctx, userID, market, lastTradesLimit)
		if err != nil {
			return nil, err
		}
		perf.LastTrades = last
	}
	if perf.LastTrades == nil {
		perf.LastTrades = []models.TradeRecord{}
	}

	curve, err := s.accounts.WithTx(s.db.WithContext(ctx)).GetEquityCurve(acc.ID, equityCurveLimit)
	if err != nil {
		return nil, err
	}
	perf.EquityCurve = curve
	return perf, nil
}

// RecordEquity appends the current equity of the account to its curve
func (s *LedgerService) RecordEquity(ctx context.Context, userID uint, market models.MarketType) error {
	summary, err := s.Summary(ctx, userID, market)
	if err != nil {
		return err
	}
	acc, err := s.ensureAccount(ctx, userID, market)
	if err != nil {
		return err
	}
	return s.accounts.WithTx(s.db.WithContext(ctx)).CreateEquitySnapshot(&models.EquitySnapshot{
		AccountID: acc.ID,
		Equity:    summary.Equity,
	})
}

// SnapshotAll records the equity of every account; failures are logged and skipped
func (s *LedgerService) SnapshotAll(ctx context.Context) (int, error) {
	accounts, err := s.accounts.WithTx(s.db.WithContext(ctx)).ListAll()
	if err != nil {
		return 0, err
	}
	recorded := 0
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return recorded, ctx.Err()
		}
		if err := s.RecordEquity(ctx, acc.UserID, acc.MarketType); err != nil {
			s.log.Warn("equity snapshot failed",
				zap.Uint("user_id", acc.UserID), zap.String("market", string(acc.MarketType)), zap.Error(err))
			continue
		}
		recorded++
	}
	return recorded, nil
}

// Reset wipes the account of one market type back to its initial state
func (s *LedgerService) Reset(ctx context.Context, userID uint, market models.MarketType) error {
	err := s.mutate(ctx, userID, market, func(tx *ledgerTx) error {
		if market == models.MarketFutures {
			if err := tx.positions.DeleteByAccountID(tx.acc.ID); err != nil {
				return err
			}
		} else {
			if err := tx.accounts.DeleteHoldings(tx.acc.ID); err != nil {
				return err
			}
		}
		if err := tx.trades.DeleteByAccountID(tx.acc.ID, market); err != nil {
			return err
		}
		if err := tx.accounts.DeleteEquityCurve(tx.acc.ID); err != nil {
			return err
		}
		tx.acc.Balance = tx.acc.InitialBalance
		tx.acc.TotalCommission = decimal.Zero
		tx.acc.RealizedPnL = decimal.Zero
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("demo account reset", zap.Uint("user_id", userID), zap.String("market", string(market)))
	return nil
}

// CountOpenSameSide is the exposure count used by the agent's position limit.
// Futures: open positions of that side on the symbol. Spot BUY: buys since the
// last sell while the asset is held. Spot SELL: always zero.
func (s *LedgerService) CountOpenSameSide(ctx context.Context, userID uint, market models.MarketType, symbol string, action models.Action) (int, error) {
	acc, err := s.ensureAccount(ctx, userID, market)
	if err != nil {
		return 0, err
	}
	db := s.db.WithContext(ctx)

	if market == models.MarketFutures {
		side := models.PositionSideLong
		if action == models.ActionSell {
			side = models.PositionSideShort
		}
		n, err := s.positions.WithTx(db).CountBySymbolAndSide(acc.ID, symbol, side)
		return int(n), err
	}

	if action != models.ActionBuy {
		return 0, nil
	}
	base, err := s.baseAsset(symbol)
	if err != nil {
		return 0, err
	}
	holding, err := s.accounts.WithTx(db).GetHolding(acc.ID, base)
	if errors.Is(err, repository.ErrHoldingNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !holding.Quantity.IsPositive() {
		return 0, nil
	}
	n, err := s.trades.WithTx(db).CountBuysSinceLastSell(acc.ID, symbol)
	return int(n), err
}

// HasOpenExposure reports any open position (futures) or non-zero holding (spot)
func (s *LedgerService) HasOpenExposure(ctx context.Context, userID uint, market models.MarketType) (bool, error) {
	acc, err := s.ensureAccount(ctx, userID, market)
	if err != nil {
		return false, err
	}
	db := s.db.WithContext(ctx)
	if market == models.MarketFutures {
		n, err := s.positions.WithTx(db).CountByAccountID(acc.ID)
		return n > 0, err
	}
	holdings, err := s.accounts.WithTx(db).GetHoldings(acc.ID)
	return len(holdings) > 0, err
}

// PortfolioContext renders the account state as one line for the model prompt
func (s *LedgerService) PortfolioContext(ctx context.Context, userID uint, market models.MarketType) (string, error) {
	summary, err := s.Summary(ctx, userID, market)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if market == models.MarketFutures {
		fmt.Fprintf(&sb, "Futures: available margin %s USDT, equity %s USDT.",
			summary.Balance.StringFixed(2), summary.Equity.StringFixed(2))
		if len(summary.Positions) == 0 {
			sb.WriteString(" No open positions.")
		}
		for _, p := range summary.Positions {
			fmt.Fprintf(&sb, " Open %s %s x%d: qty %s, entry %s, margin %s, unrealized PnL %s.",
				p.Side, p.Symbol, p.Leverage, p.Quantity.StringFixed(6), p.EntryPrice.StringFixed(2),
				p.Margin.StringFixed(2), p.UnrealizedPnL.StringFixed(2))
		}
		return sb.String(), nil
	}

	fmt.Fprintf(&sb, "Spot: %s USDT free, equity %s USDT.", summary.Balance.StringFixed(2), summary.Equity.StringFixed(2))
	if len(summary.Holdings) == 0 {
		sb.WriteString(" No holdings.")
	}
	for _, h := range summary.Holdings {
		fmt.Fprintf(&sb, " Holding %s %s (avg %s, value %s USDT).",
			h.Quantity.StringFixed(6), h.Asset, h.AvgPrice.StringFixed(2), h.Value.StringFixed(2))
	}
	return sb.String(), nil
}

package repository

import (
	"github.com/vox-trader/agent-core/internal/models"
	"gorm.io/gorm"
)

// TradeRepository handles spot and futures trade data access
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new TradeRepository
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// WithTx returns a repository bound to the given transaction
func (r *TradeRepository) WithTx(tx *gorm.DB) *TradeRepository {
	return &TradeRepository{db: tx}
}

// CreateSpot appends a spot fill
func (r *TradeRepository) CreateSpot(trade *models.SpotTrade) error {
	return r.db.Create(trade).Error
}

// CreateFutures appends a closed futures trade
func (r *TradeRepository) CreateFutures(trade *models.FuturesTrade) error {
	return r.db.Create(trade).Error
}

// ListSpot returns the most recent spot fills, newest first. limit <= 0 means all.
func (r *TradeRepository) ListSpot(accountID uint, limit int) ([]models.SpotTrade, error) {
	var trades []models.SpotTrade
	q := r.db.Where("account_id = ?", accountID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&trades).Error
	return trades, err
}

// ListFutures returns the most recent closed futures trades, newest first. limit <= 0 means all.
func (r *TradeRepository) ListFutures(accountID uint, limit int) ([]models.FuturesTrade, error) {
	var trades []models.FuturesTrade
	q := r.db.Where("account_id = ?", accountID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&trades).Error
	return trades, err
}

// SpotStats holds aggregate counters of an account's spot fills
type SpotStats struct {
	Total int64
	Buys  int64
	Sells int64
}

// GetSpotStats counts spot fills by side
func (r *TradeRepository) GetSpotStats(accountID uint) (*SpotStats, error) {
	var rows []struct {
		Side  models.OrderSide
		Count int64
	}
	err := r.db.Model(&models.SpotTrade{}).
		Select("side, COUNT(*) as count").
		Where("account_id = ?", accountID).
		Group("side").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	stats := &SpotStats{}
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Side {
		case models.OrderSideBuy:
			stats.Buys = row.Count
		case models.OrderSideSell:
			stats.Sells = row.Count
		}
	}
	return stats, nil
}

// CountFutures counts closed futures trades
func (r *TradeRepository) CountFutures(accountID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.FuturesTrade{}).Where("account_id = ?", accountID).Count(&count).Error
	return count, err
}

// CountBuysSinceLastSell counts BUY fills of a symbol after its most recent SELL
func (r *TradeRepository) CountBuysSinceLastSell(accountID uint, symbol string) (int64, error) {
	var lastSell models.SpotTrade
	q := r.db.Model(&models.SpotTrade{}).
		Where("account_id = ? AND symbol = ? AND side = ?", accountID, symbol, models.OrderSideBuy)

	res := r.db.Where("account_id = ? AND symbol = ? AND side = ?", accountID, symbol, models.OrderSideSell).
		Order("id DESC").
		Limit(1).
		Find(&lastSell)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		q = q.Where("id > ?", lastSell.ID)
	}

	var count int64
	err := q.Count(&count).Error
	return count, err
}

// DeleteByAccountID removes the trade history of an account
func (r *TradeRepository) DeleteByAccountID(accountID uint, market models.MarketType) error {
	if market == models.MarketFutures {
		return r.db.Where("account_id = ?", accountID).Delete(&models.FuturesTrade{}).Error
	}
	return r.db.Where("account_id = ?", accountID).Delete(&models.SpotTrade{}).Error
}

package repository

import (
	"errors"

	"github.com/vox-trader/agent-core/internal/apperr"
	"github.com/vox-trader/agent-core/internal/models"
	"gorm.io/gorm"
)

var (
	ErrPositionNotFound = apperr.New(apperr.KindNotFound, "POSITION_NOT_FOUND", "position not found")
)

// PositionRepository handles futures position data access
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new PositionRepository
func NewPositionRepository(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// WithTx returns a repository bound to the given transaction
func (r *PositionRepository) WithTx(tx *gorm.DB) *PositionRepository {
	return &PositionRepository{db: tx}
}

// Create creates a new position
func (r *PositionRepository) Create(position *models.Position) error {
	return r.db.Create(position).Error
}

// GetByIDAndUserID retrieves a position owned by the user
func (r *PositionRepository) GetByIDAndUserID(id, userID uint) (*models.Position, error) {
	var position models.Position
	result := r.db.Where("id = ? AND user_id = ?", id, userID).First(&position)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, result.Error
	}
	return &position, nil
}

// GetByUserID retrieves all open positions for a user
func (r *PositionRepository) GetByUserID(userID uint) ([]models.Position, error) {
	var positions []models.Position
	err := r.db.Where("user_id = ?", userID).Order("created_at, id").Find(&positions).Error
	return positions, err
}

// GetByAccountID retrieves all open positions of an account
func (r *PositionRepository) GetByAccountID(accountID uint) ([]models.Position, error) {
	var positions []models.Position
	err := r.db.Where("account_id = ?", accountID).Order("created_at, id").Find(&positions).Error
	return positions, err
}

// GetBySymbolAndSide retrieves the positions of one symbol and side
func (r *PositionRepository) GetBySymbolAndSide(accountID uint, symbol string, side models.PositionSide) ([]models.Position, error) {
	var positions []models.Position
	err := r.db.Where("account_id = ? AND symbol = ? AND side = ?", accountID, symbol, side).
		Order("created_at, id").
		Find(&positions).Error
	return positions, err
}

// CountBySymbolAndSide counts open positions of one symbol and side
func (r *PositionRepository) CountBySymbolAndSide(accountID uint, symbol string, side models.PositionSide) (int64, error) {
	var count int64
	err := r.db.Model(&models.Position{}).
		Where("account_id = ? AND symbol = ? AND side = ?", accountID, symbol, side).
		Count(&count).Error
	return count, err
}

// CountByAccountID counts all open positions of an account
func (r *PositionRepository) CountByAccountID(accountID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Position{}).Where("account_id = ?", accountID).Count(&count).Error
	return count, err
}

// UpdateValuation persists mark price and unrealized PnL
func (r *PositionRepository) UpdateValuation(position *models.Position) error {
	return r.db.Model(position).Updates(map[string]interface{}{
		"mark_price":     position.MarkPrice,
		"unrealized_pnl": position.UnrealizedPnL,
	}).Error
}

// Delete removes a position
func (r *PositionRepository) Delete(id uint) error {
	return r.db.Delete(&models.Position{}, id).Error
}

// DeleteByAccountID removes all positions of an account
func (r *PositionRepository) DeleteByAccountID(accountID uint) error {
	return r.db.Where("account_id = ?", accountID).Delete(&models.Position{}).Error
}

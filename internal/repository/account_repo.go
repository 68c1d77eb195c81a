package repository

import (
	"errors"

	"github.com/vox-trader/agent-core/internal/apperr"
	"github.com/vox-trader/agent-core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = apperr.New(apperr.KindNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	ErrHoldingNotFound = apperr.New(apperr.KindNotFound, "HOLDING_NOT_FOUND", "holding not found")
)

// AccountRepository handles ledger account and spot holding data access
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// WithTx returns a repository bound to the given transaction
func (r *AccountRepository) WithTx(tx *gorm.DB) *AccountRepository {
	return &AccountRepository{db: tx}
}

// Create creates a new account
func (r *AccountRepository) Create(account *models.Account) error {
	return r.db.Create(account).Error
}

// GetByUserAndMarket retrieves the account of a user for one market type
func (r *AccountRepository) GetByUserAndMarket(userID uint, market models.MarketType) (*models.Account, error) {
	var account models.Account
	result := r.db.Where("user_id = ? AND market_type = ?", userID, market).First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, result.Error
	}
	return &account, nil
}

// GetForUpdate retrieves the account with a row lock held until the transaction ends
func (r *AccountRepository) GetForUpdate(userID uint, market models.MarketType) (*models.Account, error) {
	var account models.Account
	result := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND market_type = ?", userID, market).
		First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, result.Error
	}
	return &account, nil
}

// ListAll returns every ledger account
func (r *AccountRepository) ListAll() ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.Order("id").Find(&accounts).Error
	return accounts, err
}

// Update saves all account fields
func (r *AccountRepository) Update(account *models.Account) error {
	return r.db.Save(account).Error
}

// GetHoldings returns the non-zero spot holdings of an account
func (r *AccountRepository) GetHoldings(accountID uint) ([]models.Holding, error) {
	var holdings []models.Holding
	err := r.db.Where("account_id = ?", accountID).Order("asset").Find(&holdings).Error
	if err != nil {
		return nil, err
	}
	out := holdings[:0]
	for _, h := range holdings {
		if h.Quantity.IsPositive() {
			out = append(out, h)
		}
	}
	return out, nil
}

// GetHolding returns the holding of one asset
func (r *AccountRepository) GetHolding(accountID uint, asset string) (*models.Holding, error) {
	var holding models.Holding
	result := r.db.Where("account_id = ? AND asset = ?", accountID, asset).First(&holding)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrHoldingNotFound
		}
		return nil, result.Error
	}
	return &holding, nil
}

// SaveHolding creates or updates a holding; an empty holding is removed
func (r *AccountRepository) SaveHolding(holding *models.Holding) error {
	if !holding.Quantity.IsPositive() {
		if holding.ID == 0 {
			return nil
		}
		return r.db.Delete(&models.Holding{}, holding.ID).Error
	}
	return r.db.Save(holding).Error
}

// DeleteHoldings removes every holding of an account
func (r *AccountRepository) DeleteHoldings(accountID uint) error {
	return r.db.Where("account_id = ?", accountID).Delete(&models.Holding{}).Error
}

// CreateEquitySnapshot appends a point to the equity curve
func (r *AccountRepository) CreateEquitySnapshot(snapshot *models.EquitySnapshot) error {
	return r.db.Create(snapshot).Error
}

// GetEquityCurve returns the most recent snapshots in chronological order
func (r *AccountRepository) GetEquityCurve(accountID uint, limit int) ([]models.EquitySnapshot, error) {
	var snapshots []models.EquitySnapshot
	err := r.db.Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
		snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
	}
	return snapshots, nil
}

// DeleteEquityCurve removes all snapshots of an account
func (r *AccountRepository) DeleteEquityCurve(accountID uint) error {
	return r.db.Where("account_id = ?", accountID).Delete(&models.EquitySnapshot{}).Error
}

package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"keybot/internal/model"
)

// AccountRepository is the account directory.
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// WithTx returns a repository bound to an open transaction.
func (r *AccountRepository) WithTx(tx *gorm.DB) *AccountRepository {
	return &AccountRepository{db: tx}
}

// Create inserts a fresh account unless one already exists. Existing accounts are left untouched.
func (r *AccountRepository) Create(ctx context.Context, id int64, displayName string, referralFrom *int64) (bool, error) {
	if referralFrom != nil && *referralFrom == id {
		referralFrom = nil
	}
	account := model.Account{
		ID:           id,
		DisplayName:  displayName,
		ReferralFrom: referralFrom,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&account)
	if res.Error != nil {
		return false, storeErr("create account", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *AccountRepository) Get(ctx context.Context, id int64) (*model.Account, error) {
	return r.get(r.db.WithContext(ctx), id)
}

// GetForUpdate loads the account and locks its row until the surrounding transaction ends.
func (r *AccountRepository) GetForUpdate(ctx context.Context, id int64) (*model.Account, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *AccountRepository) get(db *gorm.DB, id int64) (*model.Account, error) {
	var account model.Account
	err := db.Preload("Key").Where("id = ?", id).First(&account).Error
	switch {
	case err == nil:
		return &account, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, model.ErrUnknownUser
	default:
		return nil, storeErr("find account", err)
	}
}

func (r *AccountRepository) ListAll(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	if err := r.db.WithContext(ctx).Preload("Key").Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, storeErr("list accounts", err)
	}
	return accounts, nil
}

func (r *AccountRepository) MarkTrialUsed(ctx context.Context, id int64) error {
	return r.update(ctx, "mark trial used", id, "trial_used", true)
}

// SetExpiry stores the last day of the subscription. The time part is dropped.
func (r *AccountRepository) SetExpiry(ctx context.Context, id int64, until time.Time) error {
	day := time.Date(until.Year(), until.Month(), until.Day(), 0, 0, 0, 0, time.UTC)
	return r.update(ctx, "set expiry", id, "subscription_until", day)
}

func (r *AccountRepository) SetAssignedKey(ctx context.Context, id int64, keyID uint) error {
	return r.update(ctx, "assign key", id, "key_id", keyID)
}

func (r *AccountRepository) SetDisplayName(ctx context.Context, id int64, name string) error {
	return r.update(ctx, "rename account", id, "display_name", name)
}

// CountReferrals returns how many accounts were created with id as their referrer.
func (r *AccountRepository) CountReferrals(ctx context.Context, id int64) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Account{}).Where("referral_from = ?", id).Count(&count).Error; err != nil {
		return 0, storeErr("count referrals", err)
	}
	return count, nil
}

func (r *AccountRepository) update(ctx context.Context, op string, id int64, column string, value interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrUnknownUser
	}
	return nil
}

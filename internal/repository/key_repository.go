package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"keybot/internal/model"
)

// takeAttempts bounds how many rows TakeOne tries when other callers win the race for a row.
const takeAttempts = 5

// KeyRepository is the pool of discovered credentials.
type KeyRepository struct {
	db *gorm.DB
}

func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// WithTx returns a repository bound to an open transaction.
func (r *KeyRepository) WithTx(tx *gorm.DB) *KeyRepository {
	return &KeyRepository{db: tx}
}

// Add inserts an available key. Duplicates are not rejected here.
func (r *KeyRepository) Add(ctx context.Context, credential string) (*model.Key, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, errors.New("empty credential")
	}
	key := model.Key{Credential: credential, Status: model.KeyAvailable}
	if err := r.db.WithContext(ctx).Create(&key).Error; err != nil {
		return nil, storeErr("add key", err)
	}
	return &key, nil
}

// Exists reports whether the credential is already in the pool, in any status.
func (r *KeyRepository) Exists(ctx context.Context, credential string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Key{}).Where("credential = ?", credential).Count(&count).Error; err != nil {
		return false, storeErr("find key", err)
	}
	return count > 0, nil
}

// TakeOne assigns the oldest available key to ownerID. The status flip is a compare-and-swap
// on status = available, so two callers can never both win the same row.
func (r *KeyRepository) TakeOne(ctx context.Context, ownerID int64) (*model.Key, error) {
	var taken model.Key
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; attempt < takeAttempts; attempt++ {
			var candidate model.Key
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("status = ?", model.KeyAvailable).
				Order("id ASC").
				First(&candidate).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrKeyPoolEmpty
			}
			if err != nil {
				return storeErr("select key", err)
			}

			now := time.Now().UTC()
			res := tx.Model(&model.Key{}).
				Where("id = ? AND status = ?", candidate.ID, model.KeyAvailable).
				Updates(map[string]interface{}{
					"status":      model.KeyAssigned,
					"owner_id":    ownerID,
					"assigned_at": now,
				})
			if res.Error != nil {
				return storeErr("assign key", res.Error)
			}
			if res.RowsAffected == 1 {
				candidate.Status = model.KeyAssigned
				candidate.OwnerID = &ownerID
				candidate.AssignedAt = &now
				taken = candidate
				return nil
			}
		}
		return model.ErrKeyPoolEmpty
	})
	if err != nil {
		return nil, passThrough("take key", err)
	}
	return &taken, nil
}

// PurgeUnassigned deletes every key still available. Assigned keys are kept.
func (r *KeyRepository) PurgeUnassigned(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("status = ?", model.KeyAvailable).Delete(&model.Key{})
	if res.Error != nil {
		return 0, storeErr("purge keys", res.Error)
	}
	return res.RowsAffected, nil
}

// Counts returns the number of available and assigned keys.
func (r *KeyRepository) Counts(ctx context.Context) (available, assigned int64, err error) {
	type row struct {
		Status model.KeyStatus
		Cnt    int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&model.Key{}).
		Select("status, COUNT(*) AS cnt").Group("status").Scan(&rows).Error; err != nil {
		return 0, 0, storeErr("count keys", err)
	}
	for _, rw := range rows {
		switch rw.Status {
		case model.KeyAvailable:
			available = rw.Cnt
		case model.KeyAssigned:
			assigned = rw.Cnt
		}
	}
	return available, assigned, nil
}

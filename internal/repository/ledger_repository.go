package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"keybot/internal/model"
)

// LedgerRepository appends balance operations and keeps accounts.balance equal to their sum.
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// WithTx returns a repository bound to an open transaction.
func (r *LedgerRepository) WithTx(tx *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: tx}
}

// Record appends an operation and moves the cached balance by amount in one transaction.
// There is no floor check: admin corrections may push a balance below zero.
func (r *LedgerRepository) Record(ctx context.Context, accountID, amount int64, kind model.OperationKind, reason string) (*model.Operation, error) {
	return r.apply(ctx, "record operation", accountID, amount, kind, reason, false)
}

// Debit withdraws amount only if the balance covers it. The check and the write are one statement.
func (r *LedgerRepository) Debit(ctx context.Context, accountID, amount int64, kind model.OperationKind, reason string) (*model.Operation, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	return r.apply(ctx, "debit", accountID, -amount, kind, reason, true)
}

func (r *LedgerRepository) apply(ctx context.Context, op string, accountID, amount int64, kind model.OperationKind, reason string, guarded bool) (*model.Operation, error) {
	var entry model.Operation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.Account{}).Where("id = ?", accountID)
		if guarded {
			q = q.Where("balance >= ?", -amount)
		}
		res := q.Update("balance", gorm.Expr("balance + ?", amount))
		if res.Error != nil {
			return storeErr(op, res.Error)
		}
		if res.RowsAffected == 0 {
			if guarded {
				var n int64
				if err := tx.Model(&model.Account{}).Where("id = ?", accountID).Count(&n).Error; err != nil {
					return storeErr(op, err)
				}
				if n > 0 {
					return model.ErrInsufficientBalance
				}
			}
			return model.ErrUnknownUser
		}

		var balance int64
		if err := tx.Model(&model.Account{}).Select("balance").Where("id = ?", accountID).Row().Scan(&balance); err != nil {
			return storeErr(op, err)
		}

		entry = model.Operation{
			UID:          uuid.New(),
			AccountID:    accountID,
			Amount:       amount,
			Kind:         kind,
			Reason:       reason,
			BalanceAfter: balance,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return storeErr(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, passThrough(op, err)
	}
	return &entry, nil
}

func (r *LedgerRepository) BalanceOf(ctx context.Context, accountID int64) (int64, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Select("id", "balance").Where("id = ?", accountID).First(&account).Error
	switch {
	case err == nil:
		return account.Balance, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return 0, model.ErrUnknownUser
	default:
		return 0, storeErr("balance", err)
	}
}

// HistoryOf returns operations newest first. A non-positive limit returns the full history.
func (r *LedgerRepository) HistoryOf(ctx context.Context, accountID int64, limit int) ([]model.Operation, error) {
	var ops []model.Operation
	q := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ops).Error; err != nil {
		return nil, storeErr("history", err)
	}
	return ops, nil
}

// SumOf adds up every recorded amount for the account.
func (r *LedgerRepository) SumOf(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	row := r.db.WithContext(ctx).Model(&model.Operation{}).Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").Row()
	if err := row.Scan(&sum); err != nil {
		return 0, storeErr("sum operations", err)
	}
	return sum, nil
}

// Verify compares the cached balance with the history sum.
func (r *LedgerRepository) Verify(ctx context.Context, accountID int64) error {
	balance, err := r.BalanceOf(ctx, accountID)
	if err != nil {
		return err
	}
	sum, err := r.SumOf(ctx, accountID)
	if err != nil {
		return err
	}
	if balance != sum {
		return fmt.Errorf("%w: account %d balance %d, history %d", model.ErrLedgerMismatch, accountID, balance, sum)
	}
	return nil
}

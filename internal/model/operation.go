package model

import (
	"time"

	"github.com/google/uuid"
)

// OperationKind groups ledger entries by origin.
type OperationKind string

const (
	OperationReferral OperationKind = "referral"
	OperationPurchase OperationKind = "purchase"
	OperationAdmin    OperationKind = "admin"
)

// Operation is one immutable ledger entry. Amount is signed: positive credits, negative debits.
type Operation struct {
	ID           uint          `gorm:"primaryKey"`
	UID          uuid.UUID     `gorm:"type:uuid;uniqueIndex;not null"`
	AccountID    int64         `gorm:"index;not null"`
	Amount       int64         `gorm:"not null"`
	Kind         OperationKind `gorm:"size:20;not null"`
	Reason       string
	BalanceAfter int64 `gorm:"not null"`
	CreatedAt    time.Time
}

func (Operation) TableName() string {
	return "operations"
}

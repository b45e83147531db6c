package model

import "time"

// Account stores a Telegram user together with balance and subscription state.
type Account struct {
	ID                int64 `gorm:"primaryKey;autoIncrement:false"`
	DisplayName       string
	Balance           int64  `gorm:"not null;default:0"`
	ReferralFrom      *int64 `gorm:"index"`
	TrialUsed         bool   `gorm:"not null;default:false"`
	SubscriptionUntil *time.Time
	KeyID             *uint
	Key               *Key `gorm:"foreignKey:KeyID"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Account) TableName() string {
	return "accounts"
}

// Credential returns the assigned key string, or "" when no key is assigned.
func (a *Account) Credential() string {
	if a == nil || a.Key == nil {
		return ""
	}
	return a.Key.Credential
}

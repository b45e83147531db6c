package model

import "time"

// KeyStatus is either available or assigned. Assigned keys never return to the pool.
type KeyStatus string

const (
	KeyAvailable KeyStatus = "available"
	KeyAssigned  KeyStatus = "assigned"
)

// Key is a discovered access credential.
type Key struct {
	ID         uint      `gorm:"primaryKey"`
	Credential string    `gorm:"not null"`
	Status     KeyStatus `gorm:"size:16;index;not null;default:available"`
	OwnerID    *int64    `gorm:"index"`
	AssignedAt *time.Time
	CreatedAt  time.Time
}

func (Key) TableName() string {
	return "keys"
}

package models

import (
	"time"
)

type ChangeType string

const (
	ChangeUnlock ChangeType = "unlock"
	ChangeRevoke ChangeType = "revoke"
)

// ChangeLogEntry is an append-only record of a content access change.
// ChangedAt is always assigned by the store.
type ChangeLogEntry struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	UserID         string     `json:"userId" gorm:"not null;size:128;index:idx_change_log_user_changed,priority:1"`
	ChangeType     ChangeType `json:"changeType" gorm:"not null;size:10;uniqueIndex:idx_change_log_dedupe,priority:3"`
	ContentID      string     `json:"contentId" gorm:"not null;size:128;uniqueIndex:idx_change_log_dedupe,priority:2"`
	ProductID      string     `json:"productId" gorm:"not null;size:100"`
	TransactionID  string     `json:"transactionId" gorm:"size:100"`
	NotificationID string     `json:"-" gorm:"not null;size:100;uniqueIndex:idx_change_log_dedupe,priority:1"`
	ChangedAt      time.Time  `json:"changedAt" gorm:"not null;index:idx_change_log_user_changed,priority:2"`
}

// ChangeLogHead holds the newest stamp issued for a user. Appends lock the row
// until commit, so a user's stamps increase in commit order.
type ChangeLogHead struct {
	UserID        string    `gorm:"primaryKey;size:128"`
	LastChangedAt time.Time `gorm:"not null"`
}

// ContentUnlockEvent is the fan-out message for one delta.
type ContentUnlockEvent struct {
	UserID        string     `json:"userId"`
	ChangeType    ChangeType `json:"changeType"`
	ContentIDs    []string   `json:"contentIds"`
	ProductID     string     `json:"productId"`
	TransactionID string     `json:"transactionId"`
	UnlockedAt    time.Time  `json:"unlockedAt"`
}

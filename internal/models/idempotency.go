package models

import (
	"time"
)

const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
)

// IdempotencyMark records that a notification was fully processed. Its
// presence alone forbids reprocessing.
type IdempotencyMark struct {
	NotificationID   string    `gorm:"primaryKey;size:100"`
	NotificationType string    `gorm:"size:64"`
	Outcome          string    `gorm:"size:20"`
	ProcessedAt      time.Time `gorm:"not null;index"`
}

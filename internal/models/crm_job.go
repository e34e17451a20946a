package models

import (
	"time"

	"gorm.io/datatypes"
)

type CrmJobStatus string

const (
	CrmJobPending CrmJobStatus = "pending"
	CrmJobDone    CrmJobStatus = "done"
	CrmJobDead    CrmJobStatus = "dead"
)

// CrmSyncJob is a durable unit of work for pushing a ledger change to the CRM.
// Payload keeps the record as it was at enqueue time for manual inspection of
// dead jobs; delivery always sends the current ledger state.
type CrmSyncJob struct {
	BaseModel

	UserID        string                              `gorm:"not null;size:128;index"`
	ProductID     string                              `gorm:"not null;size:100"`
	Status        CrmJobStatus                        `gorm:"not null;size:20;index:idx_crm_job_due,priority:1"`
	Attempts      int                                 `gorm:"not null;default:0"`
	NextAttemptAt time.Time                           `gorm:"not null;index:idx_crm_job_due,priority:2"`
	LockedUntil   *time.Time                          ``
	LastError     string                              `gorm:"type:text"`
	Payload       datatypes.JSONType[EntitlementView] ``
}

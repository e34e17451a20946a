package models

import (
	"time"
)

type EntitlementStatus string

const (
	StatusActive    EntitlementStatus = "active"
	StatusExpired   EntitlementStatus = "expired"
	StatusCancelled EntitlementStatus = "cancelled"
)

// EntitlementRecord is a user's access state for one product.
// Status holds the last event-driven status; readers use ComputedStatus.
type EntitlementRecord struct {
	BaseModel

	UserID                string            `json:"userId" gorm:"not null;size:128;uniqueIndex:idx_entitlement_user_product,priority:1"`
	ProductID             string            `json:"productId" gorm:"not null;size:100;uniqueIndex:idx_entitlement_user_product,priority:2"`
	ProductType           string            `json:"productType" gorm:"size:40"`
	Status                EntitlementStatus `json:"-" gorm:"not null;size:20"`
	TransactionID         string            `json:"transactionId" gorm:"size:100"`
	OriginalTransactionID string            `json:"originalTransactionId" gorm:"size:100;index"`
	PurchaseDate          time.Time         `json:"purchaseDate"`
	ExpiresDate           *time.Time        `json:"expiresDate,omitempty"`
	Environment           Environment       `json:"environment" gorm:"size:20"`
	LastUpdated           time.Time         `json:"lastUpdated"`
}

// ComputedStatus derives the status at now. Subscriptions whose expiry has
// passed are expired even without an EXPIRED notification; products without
// expiry stay active once granted. Unknown stored values mean no access.
func (r EntitlementRecord) ComputedStatus(now time.Time) EntitlementStatus {
	switch r.Status {
	case StatusCancelled:
		return StatusCancelled
	case StatusExpired:
		return StatusExpired
	case StatusActive:
		if r.ExpiresDate != nil && !r.ExpiresDate.After(now) {
			return StatusExpired
		}
		return StatusActive
	default:
		return StatusCancelled
	}
}

// HasAccess reports whether the record grants access at now.
func (r EntitlementRecord) HasAccess(now time.Time) bool {
	return r.ComputedStatus(now) == StatusActive
}

// EntitlementView is a record annotated with its computed status.
type EntitlementView struct {
	EntitlementRecord
	Status EntitlementStatus `json:"status"`
}

// View annotates r with its status at now.
func (r EntitlementRecord) View(now time.Time) EntitlementView {
	return EntitlementView{EntitlementRecord: r, Status: r.ComputedStatus(now)}
}

package models

// AccessChange describes how access to one product moved.
type AccessChange string

const (
	AccessAdded     AccessChange = "added"
	AccessRemoved   AccessChange = "removed"
	AccessUnchanged AccessChange = "unchanged"
)

// LedgerDelta is what one applied event changed. Fan-out consumes this rather
// than the raw notification.
type LedgerDelta struct {
	UserID         string             `json:"userId"`
	ProductID      string             `json:"productId"`
	TransactionID  string             `json:"transactionId"`
	NotificationID string             `json:"notificationId"`
	Change         AccessChange       `json:"change"`
	Before         EntitlementStatus  `json:"before,omitempty"`
	After          EntitlementStatus  `json:"after,omitempty"`
	Record         *EntitlementRecord `json:"record,omitempty"` // nil when nothing was written
}

// Written reports whether the ledger row was created or updated.
func (d LedgerDelta) Written() bool {
	return d.Record != nil
}

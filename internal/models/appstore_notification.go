package models

import "time"

// AppStoreNotificationWrapper represents the outer wrapper of App Store Server Notification V2
// Apple sends notifications as a JWS in the signedPayload field
type AppStoreNotificationWrapper struct {
	SignedPayload string `json:"signedPayload"`
}

// NotificationPayload is the decoded content of the signedPayload JWS.
// Apple uses camelCase for field names
type NotificationPayload struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version"`
	SignedDate       int64            `json:"signedDate"` // milliseconds since epoch
	Data             NotificationData `json:"data"`
}

// NotificationData contains notification data
type NotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"` // "Sandbox" or "Production"
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
}

// TransactionPayload is the decoded content of signedTransactionInfo.
type TransactionPayload struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           *int64 `json:"expiresDate,omitempty"`
	RevocationDate        *int64 `json:"revocationDate,omitempty"`
	Quantity              int    `json:"quantity"`
	Type                  string `json:"type"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	Environment           string `json:"environment"`
	SignedDate            int64  `json:"signedDate"`
}

// Environment of a notification.
type Environment string

const (
	EnvironmentSandbox    Environment = "Sandbox"
	EnvironmentProduction Environment = "Production"
)

// Product types as reported in the transaction payload.
const (
	ProductTypeAutoRenewable = "Auto-Renewable Subscription"
	ProductTypeNonRenewing   = "Non-Renewing Subscription"
	ProductTypeConsumable    = "Consumable"
	ProductTypeNonConsumable = "Non-Consumable"
)

// IsSubscriptionType reports whether the product type carries expiry semantics.
func IsSubscriptionType(productType string) bool {
	return productType == ProductTypeAutoRenewable || productType == ProductTypeNonRenewing
}

// DecodedNotification is a verified outer notification. Only the signature
// verifier constructs it.
type DecodedNotification struct {
	NotificationType      string
	Subtype               string
	NotificationID        string
	Environment           Environment
	Version               string
	BundleID              string
	SignedDate            time.Time
	SignedTransactionInfo string
}

// TransactionInfo is a verified inner transaction.
type TransactionInfo struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	ProductType           string
	PurchaseDate          time.Time
	ExpiresDate           *time.Time // nil for non-renewing products
	Quantity              int
	AppAccountToken       string
	Environment           Environment
	SignedDate            time.Time
}

// MillisToTime converts an App Store millisecond timestamp to UTC time.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

package services

import (
	"fmt"
	"slices"

	"entitlement-api/internal/models"
)

type notificationKey struct {
	notificationType string
	subtype          string
}

// notificationKinds maps (type, subtype) to a domain event. An empty subtype
// is the type-wide fallback.
var notificationKinds = map[notificationKey]models.EventKind{
	{"PURCHASE", ""}:        models.EventGranted,
	{"SUBSCRIBED", ""}:      models.EventGranted,
	{"ONE_TIME_CHARGE", ""}: models.EventGranted,
	{"INITIAL_BUY", ""}:     models.EventGranted,
	{"OFFER_REDEEMED", ""}:  models.EventGranted,
	{"REFUND_REVERSED", ""}: models.EventGranted,

	{"RENEWAL", ""}:             models.EventRenewed,
	{"DID_RENEW", ""}:           models.EventRenewed,
	{"RENEWAL_EXTENDED", ""}:    models.EventRenewed,
	{"INTERACTIVE_RENEWAL", ""}: models.EventRenewed,

	{"CANCEL", ""}:     models.EventRevoked,
	{"REFUND", ""}:     models.EventRevoked,
	{"REVOKE", ""}:     models.EventRevoked,
	{"DID_REFUND", ""}: models.EventRevoked,
	{"DID_CANCEL", ""}: models.EventRevoked,

	{"EXPIRED", ""}:              models.EventExpired,
	{"GRACE_PERIOD_EXPIRED", ""}: models.EventExpired,
	{"DID_FAIL_TO_RENEW", ""}:    models.EventExpired,

	// Billing retry inside the grace period keeps access.
	{"DID_FAIL_TO_RENEW", "GRACE_PERIOD"}: models.EventUnrecognized,
}

// NotificationParser turns verified notifications into domain events.
type NotificationParser struct {
	supportedVersions []string
}

func NewNotificationParser(supportedVersions []string) *NotificationParser {
	if len(supportedVersions) == 0 {
		supportedVersions = []string{"2.0"}
	}
	return &NotificationParser{supportedVersions: supportedVersions}
}

// Classify checks the payload version and maps the notification type to an
// event kind. Types it does not act on come back as EventUnrecognized.
func (p *NotificationParser) Classify(decoded models.DecodedNotification) (models.EventKind, error) {
	if !slices.Contains(p.supportedVersions, decoded.Version) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPayloadVersion, decoded.Version)
	}
	return classify(decoded.NotificationType, decoded.Subtype), nil
}

// Parse classifies decoded. Types it does not act on come back as
// models.Unrecognized, never as an error.
func (p *NotificationParser) Parse(decoded models.DecodedNotification, txn models.TransactionInfo) (models.DomainEvent, error) {
	kind, err := p.Classify(decoded)
	if err != nil {
		return nil, err
	}
	if txn.ExpiresDate != nil && !models.IsSubscriptionType(txn.ProductType) {
		return nil, fmt.Errorf("%w: expiresDate on %s product", ErrMalformedEnvelope, txn.ProductType)
	}
	return models.NewDomainEvent(kind, decoded), nil
}

func classify(notificationType, subtype string) models.EventKind {
	if subtype != "" {
		if kind, ok := notificationKinds[notificationKey{notificationType, subtype}]; ok {
			return kind
		}
	}
	if kind, ok := notificationKinds[notificationKey{notificationType, ""}]; ok {
		return kind
	}
	return models.EventUnrecognized
}

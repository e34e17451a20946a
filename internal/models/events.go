package models

// DomainEvent is the closed set of ledger-relevant outcomes of a notification.
// Implementations: Granted, Renewed, Revoked, Expired, Unrecognized.
type DomainEvent interface {
	Kind() EventKind
	Source() DecodedNotification
	isDomainEvent()
}

type EventKind string

const (
	EventGranted      EventKind = "granted"
	EventRenewed      EventKind = "renewed"
	EventRevoked      EventKind = "revoked"
	EventExpired      EventKind = "expired"
	EventUnrecognized EventKind = "unrecognized"
)

type eventBase struct {
	Notification DecodedNotification
}

func (e eventBase) Source() DecodedNotification { return e.Notification }
func (eventBase) isDomainEvent()                {}

// Granted unlocks a product for the first time or after a lapse.
type Granted struct{ eventBase }

// Renewed extends an existing subscription.
type Renewed struct{ eventBase }

// Revoked covers refunds and cancellations.
type Revoked struct{ eventBase }

// Expired marks a subscription as lapsed.
type Expired struct{ eventBase }

// Unrecognized is a notification type this service does not act on.
type Unrecognized struct{ eventBase }

func (Granted) Kind() EventKind      { return EventGranted }
func (Renewed) Kind() EventKind      { return EventRenewed }
func (Revoked) Kind() EventKind      { return EventRevoked }
func (Expired) Kind() EventKind      { return EventExpired }
func (Unrecognized) Kind() EventKind { return EventUnrecognized }

// NewDomainEvent builds the variant for kind.
func NewDomainEvent(kind EventKind, n DecodedNotification) DomainEvent {
	base := eventBase{Notification: n}
	switch kind {
	case EventGranted:
		return Granted{base}
	case EventRenewed:
		return Renewed{base}
	case EventRevoked:
		return Revoked{base}
	case EventExpired:
		return Expired{base}
	default:
		return Unrecognized{base}
	}
}

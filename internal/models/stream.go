package models

import "time"

type StreamMessageType string

const (
	StreamReady     StreamMessageType = "ready"
	StreamUnlock    StreamMessageType = "unlock"
	StreamRevoke    StreamMessageType = "revoke"
	StreamHeartbeat StreamMessageType = "heartbeat"
)

// StreamMessage is written as JSON to live client connections.
type StreamMessage struct {
	Type          StreamMessageType `json:"type"`
	UserID        string            `json:"userId,omitempty"`
	ProductID     string            `json:"productId,omitempty"`
	ContentIDs    []string          `json:"contentIds,omitempty"`
	TransactionID string            `json:"transactionId,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// PushPayload is the silent content push sent through the gateway.
type PushPayload struct {
	ContentAvailable int        `json:"contentAvailable"`
	ChangeType       ChangeType `json:"changeType"`
	ProductID        string     `json:"productId"`
	ContentIDs       []string   `json:"contentIds"`
	TransactionID    string     `json:"transactionId"`
}

package api

import (
	"context"
	"iter"
	"net/http"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/services"
)

type NotificationProcessor interface {
	Process(ctx context.Context, signedPayload string) (services.ProcessResult, error)
}

type EntitlementReader interface {
	List(ctx context.Context, userID string) ([]models.EntitlementView, error)
	HasAccess(ctx context.Context, userID, productID string) (bool, error)
}

type ChangeFeed interface {
	Query(ctx context.Context, userID string, since time.Time) iter.Seq2[models.ChangeLogEntry, error]
}

type DeviceRegistry interface {
	Upsert(ctx context.Context, device *models.DeviceToken) error
	Delete(ctx context.Context, userID, token string) (bool, error)
}

type SessionRegistrar interface {
	Register(userID string, s services.Session)
	Unregister(userID, sessionID string) bool
}

// Handler serves the HTTP surface over the notification pipeline and the
// entitlement read paths.
type Handler struct {
	pipeline        NotificationProcessor
	entitlements    EntitlementReader
	changes         ChangeFeed
	devices         DeviceRegistry
	sessions        SessionRegistrar
	metrics         http.Handler
	pipelineTimeout time.Duration
	allowedOrigins  []string
	now             func() time.Time
}

type HandlerDeps struct {
	Pipeline     NotificationProcessor
	Entitlements EntitlementReader
	Changes      ChangeFeed
	Devices      DeviceRegistry
	Sessions     SessionRegistrar
	// Metrics serves GET /metrics; nil leaves the route unregistered.
	Metrics http.Handler
	// PipelineTimeout bounds server-side processing of one notification,
	// independent of the sender's connection.
	PipelineTimeout time.Duration
	// AllowedOrigins are websocket origin patterns besides the request host.
	AllowedOrigins []string
}

func NewHandler(deps HandlerDeps) *Handler {
	if deps.PipelineTimeout <= 0 {
		deps.PipelineTimeout = 15 * time.Second
	}
	return &Handler{
		pipeline:        deps.Pipeline,
		entitlements:    deps.Entitlements,
		changes:         deps.Changes,
		devices:         deps.Devices,
		sessions:        deps.Sessions,
		metrics:         deps.Metrics,
		pipelineTimeout: deps.PipelineTimeout,
		allowedOrigins:  deps.AllowedOrigins,
		now:             time.Now,
	}
}

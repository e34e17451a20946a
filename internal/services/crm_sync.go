package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"entitlement-api/internal/models"
)

// CrmSync pushes a user's entitlement state to the CRM. Implementations must
// tolerate repeated calls with the same state.
type CrmSync interface {
	UpdateEntitlements(ctx context.Context, userID string, entitlements []models.EntitlementView) error
}

// HTTPCrmClient posts entitlement state to a CRM webhook.
type HTTPCrmClient struct {
	endpoint   string
	secret     string
	httpClient *http.Client
}

func NewHTTPCrmClient(endpoint, secret string, timeout time.Duration) *HTTPCrmClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCrmClient{
		endpoint: endpoint,
		secret:   secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CrmPayload is the body sent to the CRM.
type CrmPayload struct {
	Event        string                   `json:"event"`
	UserID       string                   `json:"user_id"`
	Entitlements []models.EntitlementView `json:"entitlements"`
	Timestamp    string                   `json:"timestamp"` // RFC 3339
}

// UpdateEntitlements sends one signed request. Retries belong to the caller.
func (c *HTTPCrmClient) UpdateEntitlements(ctx context.Context, userID string, entitlements []models.EntitlementView) error {
	if entitlements == nil {
		entitlements = []models.EntitlementView{}
	}
	payload := CrmPayload{
		Event:        "entitlements.updated",
		UserID:       userID,
		Entitlements: entitlements,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Entitlement-CRM-Sync/1.0")
	if c.secret != "" {
		req.Header.Set("X-Signature", SignPayload(jsonData, c.secret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: crm request failed: %v", ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: crm returned status %d", ErrDownstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"entitlement-api/internal/models"
)

// PushGateway delivers silent pushes to device tokens.
type PushGateway interface {
	Send(ctx context.Context, tokens []string, payload models.PushPayload) (PushResult, error)
}

// PushResult reports what the gateway did with a batch.
type PushResult struct {
	Delivered     int      `json:"delivered"`
	InvalidTokens []string `json:"invalidTokens"`
}

// HTTPPushGateway relays pushes through an HTTP push service that speaks
// APNs/FCM on our behalf.
type HTTPPushGateway struct {
	url        string
	secret     string
	httpClient *http.Client
}

func NewHTTPPushGateway(url, secret string, timeout time.Duration) *HTTPPushGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPushGateway{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type pushRequest struct {
	Tokens  []string           `json:"tokens"`
	Payload models.PushPayload `json:"payload"`
}

func (g *HTTPPushGateway) Send(ctx context.Context, tokens []string, payload models.PushPayload) (PushResult, error) {
	if len(tokens) == 0 {
		return PushResult{}, nil
	}

	body, err := json.Marshal(pushRequest{Tokens: tokens, Payload: payload})
	if err != nil {
		return PushResult{}, fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return PushResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.secret != "" {
		req.Header.Set("X-Signature", SignPayload(body, g.secret))
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: push gateway request failed: %v", ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return PushResult{}, fmt.Errorf("%w: push gateway returned status %d", ErrDownstreamUnavailable, resp.StatusCode)
	}

	var result PushResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil && err != io.EOF {
		return PushResult{}, fmt.Errorf("failed to decode push gateway response: %w", err)
	}
	return result, nil
}

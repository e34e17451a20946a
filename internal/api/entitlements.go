package api

import (
	"net/http"
	"strconv"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/response"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

const (
	CodeInvalidSince = "INVALID_SINCE"
	CodeReadFailed   = "READ_FAILED"
)

// ListEntitlements returns every record of the user with its computed status.
func (h *Handler) ListEntitlements(c *gin.Context) {
	userID := c.Param("userId")

	views, err := h.entitlements.List(c.Request.Context(), userID)
	if err != nil {
		logging.Errorf("Failed to list entitlements for user %s: %v", userID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, CodeReadFailed, "Failed to load entitlements")
		return
	}
	if views == nil {
		views = []models.EntitlementView{}
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":       userID,
		"entitlements": views,
	})
}

// ProductAccess answers whether the user may open a product's content. Any
// lookup failure answers false.
func (h *Handler) ProductAccess(c *gin.Context) {
	userID, productID := c.Param("userId"), c.Param("productId")

	ok, err := h.entitlements.HasAccess(c.Request.Context(), userID, productID)
	if err != nil {
		logging.Warnf("Access lookup failed for user %s product %s, denying: %v", userID, productID, err)
		ok = false
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"productId": productID,
		"hasAccess": ok,
	})
}

// ListChanges serves the polling fallback: change-log entries strictly after
// since.
func (h *Handler) ListChanges(c *gin.Context) {
	userID := c.Param("userId")

	since, err := parseSince(c.Query("since"))
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, CodeInvalidSince, "since must be RFC3339 or unix milliseconds")
		return
	}

	changes := []models.ChangeLogEntry{}
	for entry, err := range h.changes.Query(c.Request.Context(), userID, since) {
		if err != nil {
			logging.Errorf("Failed to query changes for user %s: %v", userID, err)
			response.ErrorJSON(c, http.StatusInternalServerError, CodeReadFailed, "Failed to load changes")
			return
		}
		changes = append(changes, entry)
	}

	lastUpdated := since
	if n := len(changes); n > 0 {
		lastUpdated = changes[n-1].ChangedAt
	}

	c.JSON(http.StatusOK, gin.H{
		"hasChanges":  len(changes) > 0,
		"lastUpdated": lastUpdated.UTC().Format(time.RFC3339Nano),
		"changes":     changes,
	})
}

// parseSince accepts RFC3339 or unix milliseconds. Empty means the beginning.
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

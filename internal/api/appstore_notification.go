package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/response"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

const maxNotificationBody = 1 << 20

// PurchaseNotification 处理 App Store Server Notifications V2 回调
func (h *Handler) PurchaseNotification(c *gin.Context) {
	startTime := time.Now()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxNotificationBody)
	body, err := c.GetRawData()
	if err != nil {
		logging.Errorf("Failed to read request body: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, services.CodeMalformedEnvelope, "Failed to read request body")
		return
	}

	if len(body) == 0 {
		logging.Errorf("Empty request body")
		response.ErrorJSON(c, http.StatusBadRequest, services.CodeMalformedEnvelope, "Empty request body")
		return
	}

	var wrapper models.AppStoreNotificationWrapper
	if err := json.Unmarshal(body, &wrapper); err != nil {
		logging.Errorf("Failed to parse notification wrapper: %v, body length: %d", err, len(body))
		response.ErrorJSON(c, http.StatusBadRequest, services.CodeMalformedEnvelope, "Invalid notification format")
		return
	}

	if wrapper.SignedPayload == "" {
		logging.Errorf("signedPayload is empty in notification")
		response.ErrorJSON(c, http.StatusBadRequest, services.CodeMalformedEnvelope, "signedPayload is missing")
		return
	}

	// Processing outlives the sender's connection; a redelivery after a
	// client-side timeout is deduplicated rather than racing this one.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.pipelineTimeout)
	defer cancel()

	result, err := h.pipeline.Process(ctx, wrapper.SignedPayload)
	if err != nil {
		code, clientError := services.ErrorCode(err)
		if clientError {
			logging.Warnf("Rejected App Store notification: %v", err)
			response.ErrorJSON(c, http.StatusBadRequest, code, err.Error())
			return
		}
		logging.Errorf("Failed to process App Store notification: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, code, "Failed to process notification")
		return
	}

	logging.Infof("AppStore notification %s - notification: %s, user: %s, event: %s, time: %v",
		result.Status, result.NotificationID, result.UserID, result.Event, time.Since(startTime))

	// Replays and ignored types are acknowledged the same way as first
	// deliveries; the sender only needs to stop retrying.
	c.JSON(http.StatusOK, gin.H{
		"status":    services.StatusProcessed,
		"timestamp": h.now().UTC(),
	})
}

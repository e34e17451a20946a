package api

import (
	"net/http"

	"entitlement-api/internal/models"
	"entitlement-api/internal/response"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

const CodeInvalidRequest = "INVALID_REQUEST"

// RegisterDeviceRequest registers a push token for the user.
type RegisterDeviceRequest struct {
	Token    string `json:"token" binding:"required,max=255"`
	Platform string `json:"platform" binding:"omitempty,oneof=ios android"`
}

// RegisterDevice stores or reassigns a push token.
func (h *Handler) RegisterDevice(c *gin.Context) {
	userID := c.Param("userId")

	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request format: "+err.Error())
		return
	}
	if req.Platform == "" {
		req.Platform = "ios"
	}

	device := &models.DeviceToken{UserID: userID, Token: req.Token, Platform: req.Platform}
	if err := h.devices.Upsert(c.Request.Context(), device); err != nil {
		logging.Errorf("Failed to register device for user %s: %v", userID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, CodeReadFailed, "Failed to register device")
		return
	}

	response.SuccessJSON(c, gin.H{
		"userId":   userID,
		"token":    req.Token,
		"platform": req.Platform,
	})
}

// DeleteDevice removes a push token owned by the user.
func (h *Handler) DeleteDevice(c *gin.Context) {
	userID, token := c.Param("userId"), c.Param("token")

	deleted, err := h.devices.Delete(c.Request.Context(), userID, token)
	if err != nil {
		logging.Errorf("Failed to delete device for user %s: %v", userID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, CodeReadFailed, "Failed to delete device")
		return
	}
	if !deleted {
		response.ErrorJSON(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found")
		return
	}

	response.SuccessJSON(c, gin.H{"deleted": true})
}

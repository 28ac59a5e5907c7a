package handlers

import (
	"net/http"
	"strconv"

	"example.com/fleetware/services/rollout/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// UpdateHandler handles device update tracking operations
type UpdateHandler struct {
	service service.Service
	log     *logrus.Logger
}

// NewUpdateHandler creates a new UpdateHandler instance
func NewUpdateHandler(svc service.Service, log *logrus.Logger) *UpdateHandler {
	return &UpdateHandler{
		service: svc,
		log:     log,
	}
}

// CreateUpdate issues an ad-hoc update to a single device
func (h *UpdateHandler) CreateUpdate(c *gin.Context) {
	var request struct {
		DeviceID           string `json:"device_id" binding:"required"`
		FirmwareID         string `json:"firmware_id" binding:"required"`
		PreviousFirmwareID string `json:"previous_firmware_id"`
		Priority           uint   `json:"priority"`
		Force              bool   `json:"force"`
		MaxRetries         uint   `json:"max_retries"`
		Scheduled          bool   `json:"scheduled"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		h.log.WithError(err).Warn("Invalid update format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid update format"})
		return
	}

	if request.Priority == 0 {
		request.Priority = 5
	}
	if request.MaxRetries == 0 {
		request.MaxRetries = 3
	}

	update, err := h.service.CreateUpdate(c.Request.Context(), service.CreateUpdateRequest{
		DeviceID:           request.DeviceID,
		FirmwareID:         request.FirmwareID,
		PreviousFirmwareID: request.PreviousFirmwareID,
		Priority:           request.Priority,
		Force:              request.Force,
		MaxRetries:         request.MaxRetries,
		Scheduled:          request.Scheduled,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, update)
}

// GetUpdate returns an update by ID
func (h *UpdateHandler) GetUpdate(c *gin.Context) {
	update, err := h.service.GetUpdate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, update)
}

// ReportProgress ingests a device progress report
func (h *UpdateHandler) ReportProgress(c *gin.Context) {
	var report service.ProgressReport
	if err := c.ShouldBindJSON(&report); err != nil {
		h.log.WithError(err).Warn("Invalid progress report format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid progress report format"})
		return
	}

	update, err := h.service.ReportProgress(c.Request.Context(), c.Param("id"), report)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, update)
}

// CancelUpdate cancels a non-terminal update
func (h *UpdateHandler) CancelUpdate(c *gin.Context) {
	if err := h.service.CancelUpdate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}

	update, err := h.service.GetUpdate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, update)
}

// GetUpdateHistory returns the terminal-attempt records for an update
func (h *UpdateHandler) GetUpdateHistory(c *gin.Context) {
	entries, err := h.service.GetUpdateHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"count":   len(entries),
	})
}

// ListDeviceUpdates returns a device's update records, newest first
func (h *UpdateHandler) ListDeviceUpdates(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	updates, err := h.service.ListDeviceUpdates(c.Request.Context(), c.Param("deviceId"), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"updates": updates,
		"count":   len(updates),
	})
}

// GetReconcilerStats returns control loop counters
func (h *UpdateHandler) GetReconcilerStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetReconcilerStats())
}

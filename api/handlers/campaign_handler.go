package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"example.com/fleetware/services/rollout/internal/models"
	"example.com/fleetware/services/rollout/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CampaignHandler handles campaign orchestration operations
type CampaignHandler struct {
	service service.Service
	log     *logrus.Logger
}

// NewCampaignHandler creates a new CampaignHandler instance
func NewCampaignHandler(svc service.Service, log *logrus.Logger) *CampaignHandler {
	return &CampaignHandler{
		service: svc,
		log:     log,
	}
}

// CreateCampaign creates a new rollout campaign
func (h *CampaignHandler) CreateCampaign(c *gin.Context) {
	var request struct {
		Name               string     `json:"name" binding:"required"`
		FirmwareID         string     `json:"firmware_id" binding:"required"`
		PreviousFirmwareID string     `json:"previous_firmware_id"`
		DeviceModel        string     `json:"device_model"`
		Strategy           string     `json:"strategy" binding:"required"`
		AutoRollback       bool       `json:"auto_rollback"`
		RollbackThreshold  float64    `json:"rollback_threshold"`
		MinSampleSize      uint       `json:"min_sample_size"`
		Priority           uint       `json:"priority"`
		ScheduleStart      *time.Time `json:"schedule_start"`
		ScheduleEnd        *time.Time `json:"schedule_end"`
		CreatedBy          string     `json:"created_by"`
		Notes              string     `json:"notes"`
		DeviceIDs          []string   `json:"device_ids" binding:"required"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		h.log.WithError(err).Warn("Invalid campaign format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid campaign format"})
		return
	}

	if request.Priority == 0 {
		request.Priority = 5
	}

	campaign := &models.Campaign{
		Name:               request.Name,
		FirmwareID:         request.FirmwareID,
		PreviousFirmwareID: request.PreviousFirmwareID,
		DeviceModel:        request.DeviceModel,
		Strategy:           models.RolloutStrategy(request.Strategy),
		AutoRollback:       request.AutoRollback,
		RollbackThreshold:  request.RollbackThreshold,
		MinSampleSize:      request.MinSampleSize,
		Priority:           request.Priority,
		ScheduleStart:      request.ScheduleStart,
		ScheduleEnd:        request.ScheduleEnd,
		CreatedBy:          request.CreatedBy,
		Notes:              request.Notes,
	}

	if err := h.service.CreateCampaign(c.Request.Context(), campaign, request.DeviceIDs); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, campaign)
}

// GetCampaign returns a campaign by ID
func (h *CampaignHandler) GetCampaign(c *gin.Context) {
	campaign, err := h.service.GetCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

// ListCampaigns lists campaigns, optionally filtered by status
func (h *CampaignHandler) ListCampaigns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	campaigns, err := h.service.ListCampaigns(c.Request.Context(),
		models.CampaignStatus(c.Query("status")), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// GetProgress returns a live campaign progress snapshot
func (h *CampaignHandler) GetProgress(c *gin.Context) {
	progress, err := h.service.GetCampaignProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// StartCampaign activates a campaign
func (h *CampaignHandler) StartCampaign(c *gin.Context) {
	h.lifecycle(c, h.service.StartCampaign)
}

// PauseCampaign freezes campaign advancement
func (h *CampaignHandler) PauseCampaign(c *gin.Context) {
	h.lifecycle(c, h.service.PauseCampaign)
}

// ResumeCampaign unfreezes a paused campaign
func (h *CampaignHandler) ResumeCampaign(c *gin.Context) {
	h.lifecycle(c, h.service.ResumeCampaign)
}

// CancelCampaign stops future update issuance
func (h *CampaignHandler) CancelCampaign(c *gin.Context) {
	h.lifecycle(c, h.service.CancelCampaign)
}

// RollbackCampaign triggers a manual rollback
func (h *CampaignHandler) RollbackCampaign(c *gin.Context) {
	var request struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	// Body is optional for a manual rollback
	_ = c.ShouldBindJSON(&request)

	rollbackLog, err := h.service.RollbackCampaign(c.Request.Context(),
		c.Param("id"), request.Reason, request.Actor)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, rollbackLog)
}

// ListRollbacks returns a campaign's rollback records
func (h *CampaignHandler) ListRollbacks(c *gin.Context) {
	logs, err := h.service.ListCampaignRollbacks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rollbacks": logs,
		"count":     len(logs),
	})
}

func (h *CampaignHandler) lifecycle(c *gin.Context, op func(ctx context.Context, campaignID string) error) {
	campaignID := c.Param("id")
	if err := op(c.Request.Context(), campaignID); err != nil {
		respondError(c, h.log, err)
		return
	}

	campaign, err := h.service.GetCampaign(c.Request.Context(), campaignID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, campaign)
}

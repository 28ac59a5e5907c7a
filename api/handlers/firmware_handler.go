package handlers

import (
	"net/http"
	"strconv"

	"example.com/fleetware/services/rollout/internal/models"
	"example.com/fleetware/services/rollout/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// FirmwareHandler handles firmware registry operations
type FirmwareHandler struct {
	service service.Service
	log     *logrus.Logger
}

// NewFirmwareHandler creates a new FirmwareHandler instance
func NewFirmwareHandler(svc service.Service, log *logrus.Logger) *FirmwareHandler {
	return &FirmwareHandler{
		service: svc,
		log:     log,
	}
}

// RegisterFirmware registers new firmware metadata
func (h *FirmwareHandler) RegisterFirmware(c *gin.Context) {
	var request struct {
		Version        string `json:"version" binding:"required"`
		DeviceModel    string `json:"device_model" binding:"required"`
		Manufacturer   string `json:"manufacturer"`
		FileURL        string `json:"file_url"`
		FileSize       uint64 `json:"file_size"`
		MD5Checksum    string `json:"md5_checksum" binding:"required"`
		SHA256Checksum string `json:"sha256_checksum" binding:"required"`
		Beta           bool   `json:"beta"`
		SecurityPatch  bool   `json:"security_patch"`
		ReleaseNotes   string `json:"release_notes"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		h.log.WithError(err).Warn("Invalid firmware registration format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid firmware registration format"})
		return
	}

	fw := &models.Firmware{
		Version:        request.Version,
		DeviceModel:    request.DeviceModel,
		Manufacturer:   request.Manufacturer,
		FileURL:        request.FileURL,
		FileSize:       request.FileSize,
		MD5Checksum:    request.MD5Checksum,
		SHA256Checksum: request.SHA256Checksum,
		Beta:           request.Beta,
		SecurityPatch:  request.SecurityPatch,
		ReleaseNotes:   request.ReleaseNotes,
	}

	if err := h.service.RegisterFirmware(c.Request.Context(), fw); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, fw)
}

// GetFirmware returns firmware metadata by ID
func (h *FirmwareHandler) GetFirmware(c *gin.Context) {
	fw, err := h.service.GetFirmware(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"firmware":     fw,
		"success_rate": fw.SuccessRate(),
	})
}

// ListFirmware lists registered firmware, optionally filtered by model
func (h *FirmwareHandler) ListFirmware(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	releases, err := h.service.ListFirmware(c.Request.Context(), c.Query("device_model"), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"firmware": releases,
		"count":    len(releases),
	})
}

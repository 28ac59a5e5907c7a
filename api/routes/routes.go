package routes

import (
	"example.com/fleetware/services/rollout/api/handlers"
	"example.com/fleetware/services/rollout/api/middleware"
	"example.com/fleetware/services/rollout/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes sets up all the routes for the server
func SetupRoutes(r *gin.Engine, svc service.Service, apiKeys []string, log *logrus.Logger) {
	// Health check
	r.GET("/health", handlers.HealthCheck)

	// API routes
	api := r.Group("/api/v1")
	api.Use(middleware.APIKeyAuth(apiKeys, log))

	// Firmware routes
	firmwareHandler := handlers.NewFirmwareHandler(svc, log)
	firmware := api.Group("/firmware")
	{
		firmware.POST("", firmwareHandler.RegisterFirmware)
		firmware.GET("", firmwareHandler.ListFirmware)
		firmware.GET("/:id", firmwareHandler.GetFirmware)
	}

	// Campaign routes
	campaignHandler := handlers.NewCampaignHandler(svc, log)
	campaigns := api.Group("/campaigns")
	{
		campaigns.POST("", campaignHandler.CreateCampaign)
		campaigns.GET("", campaignHandler.ListCampaigns)
		campaigns.GET("/:id", campaignHandler.GetCampaign)
		campaigns.GET("/:id/progress", campaignHandler.GetProgress)
		campaigns.GET("/:id/rollbacks", campaignHandler.ListRollbacks)
		campaigns.POST("/:id/start", campaignHandler.StartCampaign)
		campaigns.POST("/:id/pause", campaignHandler.PauseCampaign)
		campaigns.POST("/:id/resume", campaignHandler.ResumeCampaign)
		campaigns.POST("/:id/cancel", campaignHandler.CancelCampaign)
		campaigns.POST("/:id/rollback", campaignHandler.RollbackCampaign)
	}

	// Update routes
	updateHandler := handlers.NewUpdateHandler(svc, log)
	updates := api.Group("/updates")
	{
		updates.POST("", updateHandler.CreateUpdate)
		updates.GET("/:id", updateHandler.GetUpdate)
		updates.GET("/:id/history", updateHandler.GetUpdateHistory)
		updates.POST("/:id/progress", updateHandler.ReportProgress)
		updates.POST("/:id/cancel", updateHandler.CancelUpdate)
	}

	// Device-facing listing
	api.GET("/devices/:deviceId/updates", updateHandler.ListDeviceUpdates)

	// Control loop monitoring
	api.GET("/stats", updateHandler.GetReconcilerStats)
}

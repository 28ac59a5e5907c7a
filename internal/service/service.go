package service

import (
	"context"
	"errors"

	"example.com/fleetware/services/rollout/internal/cache"
	"example.com/fleetware/services/rollout/internal/messaging"
	"example.com/fleetware/services/rollout/internal/models"
	"example.com/fleetware/services/rollout/internal/repository"

	"github.com/sirupsen/logrus"
)

// Service defines the business logic operations
type Service interface {
	// Firmware registry
	RegisterFirmware(ctx context.Context, fw *models.Firmware) error
	GetFirmware(ctx context.Context, firmwareID string) (*models.Firmware, error)
	ListFirmware(ctx context.Context, deviceModel string, limit int) ([]*models.Firmware, error)

	// Campaign orchestration
	CreateCampaign(ctx context.Context, campaign *models.Campaign, deviceIDs []string) error
	GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, status models.CampaignStatus, limit int) ([]*models.Campaign, error)
	StartCampaign(ctx context.Context, campaignID string) error
	PauseCampaign(ctx context.Context, campaignID string) error
	ResumeCampaign(ctx context.Context, campaignID string) error
	CancelCampaign(ctx context.Context, campaignID string) error
	GetCampaignProgress(ctx context.Context, campaignID string) (*models.CampaignProgress, error)

	// Rollback
	RollbackCampaign(ctx context.Context, campaignID, reason, actor string) (*models.RollbackLog, error)
	ListCampaignRollbacks(ctx context.Context, campaignID string) ([]*models.RollbackLog, error)

	// Device updates
	CreateUpdate(ctx context.Context, req CreateUpdateRequest) (*models.DeviceUpdate, error)
	GetUpdate(ctx context.Context, updateID string) (*models.DeviceUpdate, error)
	ReportProgress(ctx context.Context, updateID string, report ProgressReport) (*models.DeviceUpdate, error)
	CancelUpdate(ctx context.Context, updateID string) error
	ListDeviceUpdates(ctx context.Context, deviceID string, limit int) ([]*models.DeviceUpdate, error)
	GetUpdateHistory(ctx context.Context, updateID string) ([]*models.UpdateHistory, error)

	// Reconciliation loop
	StartReconciler(ctx context.Context) error
	GetReconcilerStats() map[string]interface{}
	Shutdown() error
}

// service is an implementation of the Service interface
type service struct {
	repo        repository.Repository
	log         *logrus.Logger
	firmwareSvc FirmwareService
	updateSvc   UpdateService
	campaignSvc CampaignService
	rollbackSvc RollbackService
	reconciler  *Reconciler
}

// ServiceConfig holds the configuration for the service
type ServiceConfig struct {
	Repository        repository.Repository
	Cache             cache.RedisClient
	Publisher         messaging.EventPublisher
	Logger            *logrus.Logger
	StageSequence     []int
	DefaultMaxRetries uint
	Reconciler        ReconcilerConfig
}

// NewService creates a new service instance
func NewService(config ServiceConfig) (Service, error) {
	if config.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if config.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if config.Publisher == nil {
		return nil, errors.New("event publisher is required")
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.DefaultMaxRetries == 0 {
		config.DefaultMaxRetries = 3
	}

	firmwareSvc := NewFirmwareService(config.Repository, config.Cache, config.Publisher, config.Logger)
	updateSvc := NewUpdateService(config.Repository, firmwareSvc, config.Publisher, config.Logger)
	campaignSvc := NewCampaignService(config.Repository, firmwareSvc, updateSvc,
		config.Cache, config.Publisher, config.Logger, config.StageSequence, config.DefaultMaxRetries)
	rollbackSvc := NewRollbackService(config.Repository, updateSvc,
		config.Cache, config.Publisher, config.Logger, config.DefaultMaxRetries)
	reconciler := NewReconciler(config.Repository, campaignSvc, rollbackSvc, updateSvc,
		config.Logger, config.Reconciler)

	return &service{
		repo:        config.Repository,
		log:         config.Logger,
		firmwareSvc: firmwareSvc,
		updateSvc:   updateSvc,
		campaignSvc: campaignSvc,
		rollbackSvc: rollbackSvc,
		reconciler:  reconciler,
	}, nil
}

func (s *service) RegisterFirmware(ctx context.Context, fw *models.Firmware) error {
	return s.firmwareSvc.RegisterFirmware(ctx, fw)
}

func (s *service) GetFirmware(ctx context.Context, firmwareID string) (*models.Firmware, error) {
	return s.firmwareSvc.GetFirmware(ctx, firmwareID)
}

func (s *service) ListFirmware(ctx context.Context, deviceModel string, limit int) ([]*models.Firmware, error) {
	return s.firmwareSvc.ListFirmware(ctx, deviceModel, limit)
}

func (s *service) CreateCampaign(ctx context.Context, campaign *models.Campaign, deviceIDs []string) error {
	return s.campaignSvc.CreateCampaign(ctx, campaign, deviceIDs)
}

func (s *service) GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	return s.campaignSvc.GetCampaign(ctx, campaignID)
}

func (s *service) ListCampaigns(ctx context.Context, status models.CampaignStatus, limit int) ([]*models.Campaign, error) {
	return s.campaignSvc.ListCampaigns(ctx, status, limit)
}

func (s *service) StartCampaign(ctx context.Context, campaignID string) error {
	return s.campaignSvc.StartCampaign(ctx, campaignID)
}

func (s *service) PauseCampaign(ctx context.Context, campaignID string) error {
	return s.campaignSvc.PauseCampaign(ctx, campaignID)
}

func (s *service) ResumeCampaign(ctx context.Context, campaignID string) error {
	return s.campaignSvc.ResumeCampaign(ctx, campaignID)
}

func (s *service) CancelCampaign(ctx context.Context, campaignID string) error {
	return s.campaignSvc.CancelCampaign(ctx, campaignID)
}

func (s *service) GetCampaignProgress(ctx context.Context, campaignID string) (*models.CampaignProgress, error) {
	return s.campaignSvc.GetProgress(ctx, campaignID)
}

func (s *service) RollbackCampaign(ctx context.Context, campaignID, reason, actor string) (*models.RollbackLog, error) {
	return s.rollbackSvc.ManualRollback(ctx, campaignID, reason, actor)
}

func (s *service) ListCampaignRollbacks(ctx context.Context, campaignID string) ([]*models.RollbackLog, error) {
	return s.rollbackSvc.ListRollbacks(ctx, campaignID)
}

func (s *service) CreateUpdate(ctx context.Context, req CreateUpdateRequest) (*models.DeviceUpdate, error) {
	return s.updateSvc.CreateUpdate(ctx, req)
}

func (s *service) GetUpdate(ctx context.Context, updateID string) (*models.DeviceUpdate, error) {
	return s.updateSvc.GetUpdate(ctx, updateID)
}

func (s *service) ReportProgress(ctx context.Context, updateID string, report ProgressReport) (*models.DeviceUpdate, error) {
	return s.updateSvc.ReportProgress(ctx, updateID, report)
}

func (s *service) CancelUpdate(ctx context.Context, updateID string) error {
	return s.updateSvc.CancelUpdate(ctx, updateID)
}

func (s *service) ListDeviceUpdates(ctx context.Context, deviceID string, limit int) ([]*models.DeviceUpdate, error) {
	return s.updateSvc.ListDeviceUpdates(ctx, deviceID, limit)
}

func (s *service) GetUpdateHistory(ctx context.Context, updateID string) ([]*models.UpdateHistory, error) {
	return s.updateSvc.GetUpdateHistory(ctx, updateID)
}

func (s *service) StartReconciler(ctx context.Context) error {
	return s.reconciler.Start(ctx)
}

func (s *service) GetReconcilerStats() map[string]interface{} {
	return s.reconciler.GetStats()
}

// Shutdown stops the reconciliation loop if it was started
func (s *service) Shutdown() error {
	return s.reconciler.Stop()
}

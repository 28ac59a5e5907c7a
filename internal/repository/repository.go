package repository

import (
	"context"
	"errors"
	"time"

	"example.com/fleetware/services/rollout/internal/database"
	"example.com/fleetware/services/rollout/internal/models"

	"gorm.io/gorm"
)

// ErrStaleRow is returned by compare-and-swap updates when no row matched
// the expected lock version.
var ErrStaleRow = errors.New("row was modified concurrently")

// TerminalCounts holds the terminal update counts for a campaign. Rollback
// rows are excluded so reverse updates never feed the failure rate.
type TerminalCounts struct {
	Succeeded int64
	Failed    int64
}

// Repository provides data access methods
type Repository interface {
	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error

	// Firmware operations
	CreateFirmware(ctx context.Context, fw *models.Firmware) error
	FindFirmwareByID(ctx context.Context, firmwareID string) (*models.Firmware, error)
	FindFirmwareByModelVersion(ctx context.Context, deviceModel, version string) (*models.Firmware, error)
	ListFirmware(ctx context.Context, deviceModel string, limit int) ([]*models.Firmware, error)
	IncrementFirmwareOutcome(ctx context.Context, firmwareID string, success bool) error

	// Campaign operations
	CreateCampaign(ctx context.Context, campaign *models.Campaign, deviceIDs []string) error
	FindCampaignByID(ctx context.Context, campaignID string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, status models.CampaignStatus, limit int) ([]*models.Campaign, error)
	UpdateCampaignCAS(ctx context.Context, campaign *models.Campaign) error
	ListCampaignTargets(ctx context.Context, campaignID string) ([]string, error)
	CountCampaignTargets(ctx context.Context, campaignID string) (int64, error)

	// DeviceUpdate operations
	CreateDeviceUpdate(ctx context.Context, update *models.DeviceUpdate) error
	FindUpdateByID(ctx context.Context, updateID string) (*models.DeviceUpdate, error)
	FindActiveUpdateForDevice(ctx context.Context, deviceID string) (*models.DeviceUpdate, error)
	ListCampaignUpdates(ctx context.Context, campaignID string, includeRollbacks bool) ([]*models.DeviceUpdate, error)
	ListDeviceUpdates(ctx context.Context, deviceID string, limit int) ([]*models.DeviceUpdate, error)
	ListCampaignUpdatesByStatus(ctx context.Context, campaignID string, statuses []models.UpdateStatus) ([]*models.DeviceUpdate, error)
	UpdateDeviceUpdateCAS(ctx context.Context, update *models.DeviceUpdate) error
	CountTerminalUpdates(ctx context.Context, campaignID string) (TerminalCounts, error)
	ListStuckUpdates(ctx context.Context, threshold time.Time, limit int) ([]*models.DeviceUpdate, error)
	ListRetryEligibleUpdates(ctx context.Context, limit int) ([]*models.DeviceUpdate, error)

	// Rollback and history operations
	CreateRollbackLog(ctx context.Context, log *models.RollbackLog) error
	UpdateRollbackLogStatus(ctx context.Context, rollbackID string, status models.RollbackStatus, errorMessage string) error
	ListCampaignRollbacks(ctx context.Context, campaignID string) ([]*models.RollbackLog, error)
	CreateUpdateHistory(ctx context.Context, history *models.UpdateHistory) error
	ListUpdateHistory(ctx context.Context, updateID string) ([]*models.UpdateHistory, error)
}

// repo is an implementation of the Repository interface
type repo struct {
	db database.DB
}

// dbWrapper adapts a transaction handle to the database.DB interface
type dbWrapper struct {
	db *gorm.DB
}

func (w *dbWrapper) DB() (*gorm.DB, error) {
	return w.db, nil
}

func (w *dbWrapper) Close() error {
	return nil
}

// NewRepository creates a new repository instance
func NewRepository(db database.DB) Repository {
	return &repo{
		db: db,
	}
}

// WithTransaction executes the given function within a database transaction
func (r *repo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := &repo{db: &dbWrapper{db: tx}}
		return fn(ctx, txRepo)
	})
}

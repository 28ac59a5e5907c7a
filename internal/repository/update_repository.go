package repository

import (
	"context"
	"time"

	"example.com/fleetware/services/rollout/internal/models"

	"github.com/google/uuid"
)

func (r *repo) CreateDeviceUpdate(ctx context.Context, update *models.DeviceUpdate) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	if update.UpdateID == "" {
		update.UpdateID = uuid.New().String()
	}
	if update.Status == "" {
		update.Status = models.UpdateStatusPending
	}
	if update.Attempt == 0 {
		update.Attempt = 1
	}

	return gormDB.WithContext(ctx).Create(update).Error
}

func (r *repo) FindUpdateByID(ctx context.Context, updateID string) (*models.DeviceUpdate, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var update models.DeviceUpdate
	if err := gormDB.WithContext(ctx).
		Where("update_id = ?", updateID).First(&update).Error; err != nil {
		return nil, err
	}

	return &update, nil
}

// FindActiveUpdateForDevice returns the device's in-flight update, if any.
// Failed updates still inside their retry budget count as in-flight.
func (r *repo) FindActiveUpdateForDevice(ctx context.Context, deviceID string) (*models.DeviceUpdate, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var update models.DeviceUpdate
	if err := gormDB.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Where("status NOT IN ?", []models.UpdateStatus{models.UpdateStatusSuccess, models.UpdateStatusCancelled}).
		Where("status <> ? OR retry_count < max_retries", models.UpdateStatusFailed).
		Order("created_at DESC").
		First(&update).Error; err != nil {
		return nil, err
	}

	return &update, nil
}

func (r *repo) ListCampaignUpdates(ctx context.Context, campaignID string, includeRollbacks bool) ([]*models.DeviceUpdate, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var updates []*models.DeviceUpdate
	query := gormDB.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id ASC")

	if !includeRollbacks {
		query = query.Where("is_rollback = ?", false)
	}

	if err := query.Find(&updates).Error; err != nil {
		return nil, err
	}

	return updates, nil
}

func (r *repo) ListDeviceUpdates(ctx context.Context, deviceID string, limit int) ([]*models.DeviceUpdate, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var updates []*models.DeviceUpdate
	query := gormDB.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&updates).Error; err != nil {
		return nil, err
	}

	return updates, nil
}

func (r *repo) ListCampaignUpdatesByStatus(ctx context.Context, campaignID string, statuses []models.UpdateStatus) ([]*models.DeviceUpdate, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var updates []*models.DeviceUpdate
	if err := gormDB.WithContext(ctx).
		Where("campaign_id = ? AND is_rollback = ?", campaignID, false).
		Where("status IN ?", statuses).
		Order("id ASC").
		Find(&updates).Error; err != nil {
		return nil, err
	}

	return updates, nil
}

// UpdateDeviceUpdateCAS persists the update guarded by its lock version
func (r *repo) UpdateDeviceUpdateCAS(ctx context.Context, update *models.DeviceUpdate) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	expected := update.LockVersion
	update.LockVersion = expected + 1

	result := gormDB.WithContext(ctx).Model(&models.DeviceUpdate{}).
		Where("update_id = ? AND lock_version = ?", update.UpdateID, expected).
		Select("status", "progress", "attempt", "retry_count", "error_code",
			"error_message", "started_at", "completed_at", "lock_version").
		Updates(update)
	if result.Error != nil {
		update.LockVersion = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		update.LockVersion = expected
		return ErrStaleRow
	}

	return nil
}

// CountTerminalUpdates tallies terminal non-rollback updates for a campaign.
// Failed rows count only once their retry budget is exhausted.
func (r *repo) CountTerminalUpdates(ctx context.Context, campaignID string) (TerminalCounts, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return TerminalCounts{}, err
	}

	var counts TerminalCounts
	if err := gormDB.WithContext(ctx).Model(&models.DeviceUpdate{}).
		Where("campaign_id = ? AND is_rollback = ? AND status = ?",
			campaignID, false, models.UpdateStatusSuccess).
		Count(&counts.Succeeded).Error; err != nil {
		return TerminalCounts{}, err
	}

	if err := gormDB.WithContext(ctx).Model(&models.DeviceUpdate{}).
		Where("campaign_id = ? AND is_rollback = ? AND status = ? AND retry_count >= max_retries",
			campaignID, false, models.UpdateStatusFailed).
		Count(&counts.Failed).Error; err != nil {
		return TerminalCounts{}, err
	}

	return counts, nil
}

// ListStuckUpdates returns in-flight downloads/installs whose last change
// predates the threshold.
func (r *repo) ListStuckUpdates(ctx context.Context, threshold time.Time, limit int) ([]*models.DeviceUpdate, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var updates []*models.DeviceUpdate
	query := gormDB.WithContext(ctx).
		Where("status IN ?", []models.UpdateStatus{models.UpdateStatusDownloading, models.UpdateStatusInstalling}).
		Where("updated_at < ?", threshold).
		Order("updated_at ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&updates).Error; err != nil {
		return nil, err
	}

	return updates, nil
}

// ListRetryEligibleUpdates returns failed updates with retry budget left,
// campaign-bound and ad-hoc alike.
func (r *repo) ListRetryEligibleUpdates(ctx context.Context, limit int) ([]*models.DeviceUpdate, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var updates []*models.DeviceUpdate
	query := gormDB.WithContext(ctx).
		Where("status = ? AND retry_count < max_retries", models.UpdateStatusFailed).
		Order("updated_at ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&updates).Error; err != nil {
		return nil, err
	}

	return updates, nil
}

package repository

import (
	"context"

	"example.com/fleetware/services/rollout/internal/models"

	"github.com/google/uuid"
)

func (r *repo) CreateRollbackLog(ctx context.Context, log *models.RollbackLog) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	if log.RollbackID == "" {
		log.RollbackID = uuid.New().String()
	}
	if log.Status == "" {
		log.Status = models.RollbackStatusInitiated
	}

	return gormDB.WithContext(ctx).Create(log).Error
}

func (r *repo) UpdateRollbackLogStatus(ctx context.Context, rollbackID string, status models.RollbackStatus, errorMessage string) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Model(&models.RollbackLog{}).
		Where("rollback_id = ?", rollbackID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
		}).Error
}

func (r *repo) ListCampaignRollbacks(ctx context.Context, campaignID string) ([]*models.RollbackLog, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var logs []*models.RollbackLog
	if err := gormDB.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at DESC").
		Find(&logs).Error; err != nil {
		return nil, err
	}

	return logs, nil
}

func (r *repo) CreateUpdateHistory(ctx context.Context, history *models.UpdateHistory) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(history).Error
}

func (r *repo) ListUpdateHistory(ctx context.Context, updateID string) ([]*models.UpdateHistory, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var entries []*models.UpdateHistory
	if err := gormDB.WithContext(ctx).
		Where("update_id = ?", updateID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	return entries, nil
}

package repository

import (
	"context"

	"example.com/fleetware/services/rollout/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (r *repo) CreateCampaign(ctx context.Context, campaign *models.Campaign, deviceIDs []string) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	if campaign.CampaignID == "" {
		campaign.CampaignID = uuid.New().String()
	}
	if campaign.Status == "" {
		campaign.Status = models.CampaignStatusCreated
	}

	return gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(campaign).Error; err != nil {
			return err
		}

		if len(deviceIDs) == 0 {
			return nil
		}

		targets := make([]models.CampaignTarget, 0, len(deviceIDs))
		for _, deviceID := range deviceIDs {
			targets = append(targets, models.CampaignTarget{
				CampaignID: campaign.CampaignID,
				DeviceID:   deviceID,
			})
		}

		return tx.CreateInBatches(targets, 500).Error
	})
}

func (r *repo) FindCampaignByID(ctx context.Context, campaignID string) (*models.Campaign, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var campaign models.Campaign
	if err := gormDB.WithContext(ctx).
		Where("campaign_id = ?", campaignID).First(&campaign).Error; err != nil {
		return nil, err
	}

	return &campaign, nil
}

func (r *repo) ListCampaigns(ctx context.Context, status models.CampaignStatus, limit int) ([]*models.Campaign, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var campaigns []*models.Campaign
	query := gormDB.WithContext(ctx).Order("created_at DESC")

	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&campaigns).Error; err != nil {
		return nil, err
	}

	return campaigns, nil
}

// UpdateCampaignCAS persists the campaign guarded by its lock version.
// Returns ErrStaleRow when another writer got there first; the caller's
// in-memory lock version is bumped on success.
func (r *repo) UpdateCampaignCAS(ctx context.Context, campaign *models.Campaign) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	expected := campaign.LockVersion
	campaign.LockVersion = expected + 1

	result := gormDB.WithContext(ctx).Model(&models.Campaign{}).
		Where("campaign_id = ? AND lock_version = ?", campaign.CampaignID, expected).
		Select("status", "rollout_percentage", "stage_index", "started_at",
			"completed_at", "rolled_back_at", "lock_version").
		Updates(campaign)
	if result.Error != nil {
		campaign.LockVersion = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		campaign.LockVersion = expected
		return ErrStaleRow
	}

	return nil
}

func (r *repo) ListCampaignTargets(ctx context.Context, campaignID string) ([]string, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var deviceIDs []string
	if err := gormDB.WithContext(ctx).Model(&models.CampaignTarget{}).
		Where("campaign_id = ?", campaignID).
		Order("id ASC").
		Pluck("device_id", &deviceIDs).Error; err != nil {
		return nil, err
	}

	return deviceIDs, nil
}

func (r *repo) CountCampaignTargets(ctx context.Context, campaignID string) (int64, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return 0, err
	}

	var count int64
	if err := gormDB.WithContext(ctx).Model(&models.CampaignTarget{}).
		Where("campaign_id = ?", campaignID).
		Count(&count).Error; err != nil {
		return 0, err
	}

	return count, nil
}

package repository

import (
	"context"

	"example.com/fleetware/services/rollout/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (r *repo) CreateFirmware(ctx context.Context, fw *models.Firmware) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	if fw.FirmwareID == "" {
		fw.FirmwareID = uuid.New().String()
	}

	return gormDB.WithContext(ctx).Create(fw).Error
}

func (r *repo) FindFirmwareByID(ctx context.Context, firmwareID string) (*models.Firmware, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var fw models.Firmware
	if err := gormDB.WithContext(ctx).
		Where("firmware_id = ?", firmwareID).First(&fw).Error; err != nil {
		return nil, err
	}

	return &fw, nil
}

func (r *repo) FindFirmwareByModelVersion(ctx context.Context, deviceModel, version string) (*models.Firmware, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var fw models.Firmware
	if err := gormDB.WithContext(ctx).
		Where("device_model = ? AND version = ?", deviceModel, version).
		First(&fw).Error; err != nil {
		return nil, err
	}

	return &fw, nil
}

func (r *repo) ListFirmware(ctx context.Context, deviceModel string, limit int) ([]*models.Firmware, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var releases []*models.Firmware
	query := gormDB.WithContext(ctx).Order("created_at DESC")

	if deviceModel != "" {
		query = query.Where("device_model = ?", deviceModel)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&releases).Error; err != nil {
		return nil, err
	}

	return releases, nil
}

// IncrementFirmwareOutcome bumps the firmware's aggregate counters with a
// single atomic statement so concurrent terminal updates never lose counts.
func (r *repo) IncrementFirmwareOutcome(ctx context.Context, firmwareID string, success bool) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	column := "failure_count"
	if success {
		column = "success_count"
	}

	return gormDB.WithContext(ctx).Model(&models.Firmware{}).
		Where("firmware_id = ?", firmwareID).
		UpdateColumn(column, gorm.Expr(column+" + 1")).Error
}

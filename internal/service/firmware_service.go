package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"example.com/fleetware/services/rollout/internal/cache"
	"example.com/fleetware/services/rollout/internal/messaging"
	"example.com/fleetware/services/rollout/internal/models"
	"example.com/fleetware/services/rollout/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	md5Pattern    = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	sha256Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

const firmwareCacheTTL = 10 * time.Minute

// FirmwareService defines the firmware registry operations
type FirmwareService interface {
	RegisterFirmware(ctx context.Context, fw *models.Firmware) error
	GetFirmware(ctx context.Context, firmwareID string) (*models.Firmware, error)
	GetFirmwareByModelVersion(ctx context.Context, deviceModel, version string) (*models.Firmware, error)
	ListFirmware(ctx context.Context, deviceModel string, limit int) ([]*models.Firmware, error)
	RecordOutcome(ctx context.Context, firmwareID string, success bool) error
}

// firmwareService implements FirmwareService
type firmwareService struct {
	repo      repository.Repository
	cache     cache.RedisClient
	publisher messaging.EventPublisher
	log       *logrus.Logger
}

// NewFirmwareService creates a new firmware service
func NewFirmwareService(
	repo repository.Repository,
	redisClient cache.RedisClient,
	publisher messaging.EventPublisher,
	log *logrus.Logger,
) FirmwareService {
	return &firmwareService{
		repo:      repo,
		cache:     redisClient,
		publisher: publisher,
		log:       log,
	}
}

// RegisterFirmware validates and stores new firmware metadata. Firmware is
// immutable once registered; re-registering the same (model, version) pair
// is rejected.
func (s *firmwareService) RegisterFirmware(ctx context.Context, fw *models.Firmware) error {
	if fw.Version == "" {
		return fmt.Errorf("%w: version is required", ErrValidation)
	}
	if fw.DeviceModel == "" {
		return fmt.Errorf("%w: device model is required", ErrValidation)
	}
	if !md5Pattern.MatchString(fw.MD5Checksum) {
		return fmt.Errorf("%w: md5 checksum must be 32 hex characters", ErrValidation)
	}
	if !sha256Pattern.MatchString(fw.SHA256Checksum) {
		return fmt.Errorf("%w: sha256 checksum must be 64 hex characters", ErrValidation)
	}

	existing, err := s.repo.FindFirmwareByModelVersion(ctx, fw.DeviceModel, fw.Version)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to check existing firmware: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: firmware %s for model %s already registered",
			ErrConflict, fw.Version, fw.DeviceModel)
	}

	if err := s.repo.CreateFirmware(ctx, fw); err != nil {
		return fmt.Errorf("failed to create firmware: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"firmware_id":  fw.FirmwareID,
		"device_model": fw.DeviceModel,
		"version":      fw.Version,
	}).Info("Firmware registered")

	s.cacheFirmware(ctx, fw)

	if err := s.publisher.Publish(ctx, messaging.EventFirmwareRegistered, fw.FirmwareID, fw); err != nil {
		s.log.WithError(err).Warn("Failed to publish firmware registered event")
	}

	return nil
}

// GetFirmware retrieves firmware by its public ID, via cache when possible
func (s *firmwareService) GetFirmware(ctx context.Context, firmwareID string) (*models.Firmware, error) {
	cacheKey := firmwareCacheKey(firmwareID)
	if cached, err := s.cache.Get(ctx, cacheKey); err == nil && cached != "" {
		var fw models.Firmware
		if err := json.Unmarshal([]byte(cached), &fw); err == nil {
			return &fw, nil
		}
	}

	fw, err := s.repo.FindFirmwareByID(ctx, firmwareID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: firmware %s", ErrNotFound, firmwareID)
		}
		return nil, fmt.Errorf("failed to find firmware: %w", err)
	}

	s.cacheFirmware(ctx, fw)
	return fw, nil
}

func (s *firmwareService) GetFirmwareByModelVersion(ctx context.Context, deviceModel, version string) (*models.Firmware, error) {
	fw, err := s.repo.FindFirmwareByModelVersion(ctx, deviceModel, version)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: firmware %s/%s", ErrNotFound, deviceModel, version)
		}
		return nil, fmt.Errorf("failed to find firmware: %w", err)
	}
	return fw, nil
}

func (s *firmwareService) ListFirmware(ctx context.Context, deviceModel string, limit int) ([]*models.Firmware, error) {
	releases, err := s.repo.ListFirmware(ctx, deviceModel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list firmware: %w", err)
	}
	return releases, nil
}

// RecordOutcome bumps the firmware's success or failure counter. Counter
// updates are a single atomic statement in the repository, and the cached
// snapshot is dropped so stats reads never serve stale counters.
func (s *firmwareService) RecordOutcome(ctx context.Context, firmwareID string, success bool) error {
	if err := s.repo.IncrementFirmwareOutcome(ctx, firmwareID, success); err != nil {
		return fmt.Errorf("failed to record firmware outcome: %w", err)
	}

	if err := s.cache.Delete(ctx, firmwareCacheKey(firmwareID)); err != nil {
		s.log.WithError(err).WithField("firmware_id", firmwareID).
			Debug("Failed to invalidate firmware cache")
	}

	return nil
}

func (s *firmwareService) cacheFirmware(ctx context.Context, fw *models.Firmware) {
	data, err := json.Marshal(fw)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, firmwareCacheKey(fw.FirmwareID), string(data), firmwareCacheTTL); err != nil {
		s.log.WithError(err).Debug("Failed to cache firmware")
	}
}

func firmwareCacheKey(firmwareID string) string {
	return "firmware:" + firmwareID
}

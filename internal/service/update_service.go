package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/fleetware/services/rollout/internal/messaging"
	"example.com/fleetware/services/rollout/internal/models"
	"example.com/fleetware/services/rollout/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// updateTransitions maps each non-terminal status to the statuses a device
// may report next. Re-reporting downloading/installing carries a progress
// update for the same phase.
var updateTransitions = map[models.UpdateStatus]map[models.UpdateStatus]bool{
	models.UpdateStatusPending: {
		models.UpdateStatusScheduled: true,
		models.UpdateStatusCancelled: true,
	},
	models.UpdateStatusScheduled: {
		models.UpdateStatusDownloading: true,
		models.UpdateStatusFailed:      true,
		models.UpdateStatusCancelled:   true,
	},
	models.UpdateStatusDownloading: {
		models.UpdateStatusDownloading: true,
		models.UpdateStatusInstalling:  true,
		models.UpdateStatusFailed:      true,
		models.UpdateStatusCancelled:   true,
	},
	models.UpdateStatusInstalling: {
		models.UpdateStatusInstalling: true,
		models.UpdateStatusSuccess:    true,
		models.UpdateStatusFailed:     true,
		models.UpdateStatusCancelled:  true,
	},
}

// CreateUpdateRequest holds the parameters for issuing an update to a device
type CreateUpdateRequest struct {
	DeviceID           string
	CampaignID         string
	FirmwareID         string
	PreviousFirmwareID string
	Priority           uint
	Force              bool
	IsRollback         bool
	MaxRetries         uint
	Scheduled          bool
}

// ProgressReport is a device-reported lifecycle transition
type ProgressReport struct {
	Status       models.UpdateStatus `json:"status"`
	Progress     int                 `json:"progress"`
	ErrorCode    string              `json:"error_code"`
	ErrorMessage string              `json:"error_message"`
}

// UpdateService defines the device update tracking operations
type UpdateService interface {
	CreateUpdate(ctx context.Context, req CreateUpdateRequest) (*models.DeviceUpdate, error)
	GetUpdate(ctx context.Context, updateID string) (*models.DeviceUpdate, error)
	ListDeviceUpdates(ctx context.Context, deviceID string, limit int) ([]*models.DeviceUpdate, error)
	ReportProgress(ctx context.Context, updateID string, report ProgressReport) (*models.DeviceUpdate, error)
	CancelUpdate(ctx context.Context, updateID string) error
	RetryUpdate(ctx context.Context, update *models.DeviceUpdate) error
	FailStuckUpdate(ctx context.Context, update *models.DeviceUpdate, reason string) error
	GetUpdateHistory(ctx context.Context, updateID string) ([]*models.UpdateHistory, error)
}

// updateService implements UpdateService
type updateService struct {
	repo        repository.Repository
	firmwareSvc FirmwareService
	publisher   messaging.EventPublisher
	log         *logrus.Logger
}

// NewUpdateService creates a new update tracking service
func NewUpdateService(
	repo repository.Repository,
	firmwareSvc FirmwareService,
	publisher messaging.EventPublisher,
	log *logrus.Logger,
) UpdateService {
	return &updateService{
		repo:        repo,
		firmwareSvc: firmwareSvc,
		publisher:   publisher,
		log:         log,
	}
}

// CreateUpdate issues an update to a device. Creation is idempotent: if the
// device already has an in-flight update for the same firmware, that update
// is returned unchanged. An in-flight update for different firmware is a
// conflict unless the request forces replacement.
func (s *updateService) CreateUpdate(ctx context.Context, req CreateUpdateRequest) (*models.DeviceUpdate, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: device ID is required", ErrValidation)
	}
	if req.FirmwareID == "" {
		return nil, fmt.Errorf("%w: firmware ID is required", ErrValidation)
	}

	if _, err := s.firmwareSvc.GetFirmware(ctx, req.FirmwareID); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindActiveUpdateForDevice(ctx, req.DeviceID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check in-flight updates: %w", err)
	}
	if existing != nil {
		if existing.FirmwareID == req.FirmwareID {
			return existing, nil
		}
		if !req.Force {
			return nil, fmt.Errorf("%w: device %s already has update %s in flight",
				ErrConflict, req.DeviceID, existing.UpdateID)
		}
		if err := s.CancelUpdate(ctx, existing.UpdateID); err != nil {
			return nil, fmt.Errorf("failed to replace in-flight update: %w", err)
		}
	}

	status := models.UpdateStatusPending
	if req.Scheduled {
		status = models.UpdateStatusScheduled
	}

	update := &models.DeviceUpdate{
		DeviceID:           req.DeviceID,
		CampaignID:         req.CampaignID,
		FirmwareID:         req.FirmwareID,
		PreviousFirmwareID: req.PreviousFirmwareID,
		Status:             status,
		Priority:           req.Priority,
		Force:              req.Force,
		IsRollback:         req.IsRollback,
		MaxRetries:         req.MaxRetries,
	}

	if err := s.repo.CreateDeviceUpdate(ctx, update); err != nil {
		return nil, fmt.Errorf("failed to create device update: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"update_id":   update.UpdateID,
		"device_id":   update.DeviceID,
		"campaign_id": update.CampaignID,
		"firmware_id": update.FirmwareID,
		"is_rollback": update.IsRollback,
	}).Info("Device update created")

	if err := s.publisher.Publish(ctx, messaging.EventUpdateScheduled, update.DeviceID, update); err != nil {
		s.log.WithError(err).Warn("Failed to publish update scheduled event")
	}

	return update, nil
}

func (s *updateService) GetUpdate(ctx context.Context, updateID string) (*models.DeviceUpdate, error) {
	update, err := s.repo.FindUpdateByID(ctx, updateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: update %s", ErrNotFound, updateID)
		}
		return nil, fmt.Errorf("failed to find update: %w", err)
	}
	return update, nil
}

func (s *updateService) ListDeviceUpdates(ctx context.Context, deviceID string, limit int) ([]*models.DeviceUpdate, error) {
	updates, err := s.repo.ListDeviceUpdates(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list device updates: %w", err)
	}
	return updates, nil
}

// ReportProgress applies a device-reported transition. Regressive progress,
// transitions out of a terminal state and transitions outside the status
// ladder are conflicts; re-reporting the current terminal status is a
// harmless no-op so devices can retry deliveries safely.
func (s *updateService) ReportProgress(ctx context.Context, updateID string, report ProgressReport) (*models.DeviceUpdate, error) {
	update, err := s.GetUpdate(ctx, updateID)
	if err != nil {
		return nil, err
	}

	if update.IsTerminal() {
		if report.Status == update.Status {
			return update, nil
		}
		return nil, fmt.Errorf("%w: update %s is already %s", ErrConflict, updateID, update.Status)
	}

	allowed, ok := updateTransitions[update.Status]
	if !ok || !allowed[report.Status] {
		return nil, fmt.Errorf("%w: cannot move update %s from %s to %s",
			ErrConflict, updateID, update.Status, report.Status)
	}

	if report.Progress < 0 || report.Progress > 100 {
		return nil, fmt.Errorf("%w: progress must be within 0-100", ErrValidation)
	}

	prevStatus := update.Status

	switch report.Status {
	case models.UpdateStatusDownloading, models.UpdateStatusInstalling:
		if report.Progress < update.Progress {
			return nil, fmt.Errorf("%w: progress cannot regress from %d to %d",
				ErrConflict, update.Progress, report.Progress)
		}
		update.Progress = report.Progress
		if update.StartedAt == nil {
			now := time.Now()
			update.StartedAt = &now
		}
	case models.UpdateStatusSuccess:
		update.Progress = 100
	case models.UpdateStatusFailed:
		update.ErrorCode = report.ErrorCode
		update.ErrorMessage = report.ErrorMessage
	}

	update.Status = report.Status

	if update.IsTerminal() {
		now := time.Now()
		update.CompletedAt = &now
	}

	if err := s.repo.UpdateDeviceUpdateCAS(ctx, update); err != nil {
		if errors.Is(err, repository.ErrStaleRow) {
			return nil, fmt.Errorf("%w: update %s was modified concurrently", ErrConflict, updateID)
		}
		return nil, fmt.Errorf("failed to persist update transition: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"update_id": update.UpdateID,
		"device_id": update.DeviceID,
		"from":      prevStatus,
		"to":        update.Status,
		"progress":  update.Progress,
		"attempt":   update.Attempt,
	}).Info("Update progress reported")

	s.publishTransition(ctx, update, prevStatus)

	if update.IsTerminal() {
		s.finalizeUpdate(ctx, update)
	}

	return update, nil
}

// CancelUpdate cancels a non-terminal update
func (s *updateService) CancelUpdate(ctx context.Context, updateID string) error {
	update, err := s.GetUpdate(ctx, updateID)
	if err != nil {
		return err
	}

	if update.IsTerminal() {
		return fmt.Errorf("%w: update %s is already %s", ErrConflict, updateID, update.Status)
	}

	now := time.Now()
	update.Status = models.UpdateStatusCancelled
	update.CompletedAt = &now

	if err := s.repo.UpdateDeviceUpdateCAS(ctx, update); err != nil {
		if errors.Is(err, repository.ErrStaleRow) {
			return fmt.Errorf("%w: update %s was modified concurrently", ErrConflict, updateID)
		}
		return fmt.Errorf("failed to cancel update: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"update_id": update.UpdateID,
		"device_id": update.DeviceID,
	}).Info("Update cancelled")

	if err := s.publisher.Publish(ctx, messaging.EventUpdateCancelled, update.DeviceID, update); err != nil {
		s.log.WithError(err).Warn("Failed to publish update cancelled event")
	}

	s.finalizeUpdate(ctx, update)
	return nil
}

// RetryUpdate moves a retry-eligible failed update back to scheduled for a
// fresh attempt. Progress restarts at zero; stale reports from the previous
// attempt lose the lock-version race.
func (s *updateService) RetryUpdate(ctx context.Context, update *models.DeviceUpdate) error {
	if update.Status != models.UpdateStatusFailed || update.RetryCount >= update.MaxRetries {
		return fmt.Errorf("%w: update %s is not retry-eligible", ErrConflict, update.UpdateID)
	}

	update.Status = models.UpdateStatusScheduled
	update.RetryCount++
	update.Attempt++
	update.Progress = 0
	update.ErrorCode = ""
	update.ErrorMessage = ""
	update.StartedAt = nil

	if err := s.repo.UpdateDeviceUpdateCAS(ctx, update); err != nil {
		if errors.Is(err, repository.ErrStaleRow) {
			return fmt.Errorf("%w: update %s was modified concurrently", ErrConflict, update.UpdateID)
		}
		return fmt.Errorf("failed to reschedule update: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"update_id":   update.UpdateID,
		"device_id":   update.DeviceID,
		"retry_count": update.RetryCount,
		"attempt":     update.Attempt,
	}).Info("Failed update rescheduled")

	if err := s.publisher.Publish(ctx, messaging.EventUpdateScheduled, update.DeviceID, update); err != nil {
		s.log.WithError(err).Warn("Failed to publish update scheduled event")
	}

	return nil
}

// FailStuckUpdate force-fails an in-flight update that exceeded the
// reporting deadline. The failure goes through the normal retry budget.
func (s *updateService) FailStuckUpdate(ctx context.Context, update *models.DeviceUpdate, reason string) error {
	if update.Status != models.UpdateStatusDownloading && update.Status != models.UpdateStatusInstalling {
		return fmt.Errorf("%w: update %s is not in flight", ErrConflict, update.UpdateID)
	}

	prevStatus := update.Status
	update.Status = models.UpdateStatusFailed
	update.ErrorCode = "timeout"
	update.ErrorMessage = reason

	if update.IsTerminal() {
		now := time.Now()
		update.CompletedAt = &now
	}

	if err := s.repo.UpdateDeviceUpdateCAS(ctx, update); err != nil {
		if errors.Is(err, repository.ErrStaleRow) {
			return fmt.Errorf("%w: update %s was modified concurrently", ErrConflict, update.UpdateID)
		}
		return fmt.Errorf("failed to fail stuck update: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"update_id": update.UpdateID,
		"device_id": update.DeviceID,
		"from":      prevStatus,
	}).Warn("Stuck update marked failed")

	s.publishTransition(ctx, update, prevStatus)

	if update.IsTerminal() {
		s.finalizeUpdate(ctx, update)
	}

	return nil
}

func (s *updateService) GetUpdateHistory(ctx context.Context, updateID string) ([]*models.UpdateHistory, error) {
	entries, err := s.repo.ListUpdateHistory(ctx, updateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list update history: %w", err)
	}
	return entries, nil
}

// finalizeUpdate runs the terminal hook exactly once: the immutable history
// row and the firmware outcome counter. Cancellations say nothing about
// firmware quality and rollback updates never feed campaign statistics, so
// neither records an outcome.
func (s *updateService) finalizeUpdate(ctx context.Context, update *models.DeviceUpdate) {
	history := &models.UpdateHistory{
		UpdateID:     update.UpdateID,
		DeviceID:     update.DeviceID,
		CampaignID:   update.CampaignID,
		FirmwareID:   update.FirmwareID,
		FinalStatus:  update.Status,
		Progress:     update.Progress,
		Attempt:      update.Attempt,
		IsRollback:   update.IsRollback,
		ErrorMessage: update.ErrorMessage,
	}
	if update.StartedAt != nil && update.CompletedAt != nil {
		history.DurationSeconds = update.CompletedAt.Sub(*update.StartedAt).Seconds()
	}

	if err := s.repo.CreateUpdateHistory(ctx, history); err != nil {
		s.log.WithError(err).WithField("update_id", update.UpdateID).
			Error("Failed to write update history")
	}

	if update.IsRollback || update.Status == models.UpdateStatusCancelled {
		return
	}

	success := update.Status == models.UpdateStatusSuccess
	if err := s.firmwareSvc.RecordOutcome(ctx, update.FirmwareID, success); err != nil {
		s.log.WithError(err).WithField("update_id", update.UpdateID).
			Error("Failed to record firmware outcome")
	}
}

func (s *updateService) publishTransition(ctx context.Context, update *models.DeviceUpdate, prevStatus models.UpdateStatus) {
	var eventType string
	switch {
	case update.Status == models.UpdateStatusDownloading && prevStatus == models.UpdateStatusScheduled:
		eventType = messaging.EventUpdateStarted
	case update.Status == models.UpdateStatusSuccess:
		eventType = messaging.EventUpdateSucceeded
	case update.Status == models.UpdateStatusFailed:
		eventType = messaging.EventUpdateFailed
	default:
		return
	}

	if err := s.publisher.Publish(ctx, eventType, update.DeviceID, update); err != nil {
		s.log.WithError(err).WithField("update_id", update.UpdateID).
			Warn("Failed to publish update event")
	}
}

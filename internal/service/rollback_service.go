package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/fleetware/services/rollout/internal/cache"
	"example.com/fleetware/services/rollout/internal/messaging"
	"example.com/fleetware/services/rollout/internal/models"
	"example.com/fleetware/services/rollout/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RollbackDecision is the outcome of a failure-rate evaluation
type RollbackDecision struct {
	ShouldRollback bool    `json:"should_rollback"`
	FailureRate    float64 `json:"failure_rate"`
	Completed      int64   `json:"completed"`
	MinSample      int64   `json:"min_sample"`
	Reason         string  `json:"reason"`
}

// RollbackService defines the rollback controller operations
type RollbackService interface {
	Evaluate(ctx context.Context, campaign *models.Campaign) (*RollbackDecision, error)
	TriggerRollback(ctx context.Context, campaign *models.Campaign, reason string, trigger models.RollbackTrigger, actor string) (*models.RollbackLog, error)
	ManualRollback(ctx context.Context, campaignID, reason, actor string) (*models.RollbackLog, error)
	ListRollbacks(ctx context.Context, campaignID string) ([]*models.RollbackLog, error)
}

// rollbackService implements RollbackService
type rollbackService struct {
	repo              repository.Repository
	updateSvc         UpdateService
	cache             cache.RedisClient
	publisher         messaging.EventPublisher
	log               *logrus.Logger
	defaultMaxRetries uint
}

// NewRollbackService creates a new rollback controller
func NewRollbackService(
	repo repository.Repository,
	updateSvc UpdateService,
	redisClient cache.RedisClient,
	publisher messaging.EventPublisher,
	log *logrus.Logger,
	defaultMaxRetries uint,
) RollbackService {
	return &rollbackService{
		repo:              repo,
		updateSvc:         updateSvc,
		cache:             redisClient,
		publisher:         publisher,
		log:               log,
		defaultMaxRetries: defaultMaxRetries,
	}
}

// Evaluate computes the campaign's failure rate over terminal updates and
// decides whether the automatic rollback gate fires. Counts come straight
// from the database, never from cache.
func (s *rollbackService) Evaluate(ctx context.Context, campaign *models.Campaign) (*RollbackDecision, error) {
	counts, err := s.repo.CountTerminalUpdates(ctx, campaign.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count terminal updates: %w", err)
	}

	decision := &RollbackDecision{
		Completed: counts.Succeeded + counts.Failed,
	}
	if decision.Completed > 0 {
		decision.FailureRate = float64(counts.Failed) / float64(decision.Completed)
	}

	decision.MinSample = int64(campaign.MinSampleSize)
	if decision.MinSample == 0 {
		total, err := s.repo.CountCampaignTargets(ctx, campaign.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("failed to count campaign targets: %w", err)
		}
		decision.MinSample = total / 20
		if decision.MinSample < 10 {
			decision.MinSample = 10
		}
	}

	if !campaign.AutoRollback || campaign.RollbackThreshold <= 0 {
		decision.Reason = "auto rollback disabled"
		return decision, nil
	}
	if decision.Completed < decision.MinSample {
		decision.Reason = fmt.Sprintf("sample too small: %d of %d", decision.Completed, decision.MinSample)
		return decision, nil
	}
	if decision.FailureRate*100 <= campaign.RollbackThreshold {
		decision.Reason = fmt.Sprintf("failure rate %.1f%% within threshold %.1f%%",
			decision.FailureRate*100, campaign.RollbackThreshold)
		return decision, nil
	}

	decision.ShouldRollback = true
	decision.Reason = fmt.Sprintf("failure rate %.1f%% exceeds threshold %.1f%% after %d completions",
		decision.FailureRate*100, campaign.RollbackThreshold, decision.Completed)

	return decision, nil
}

// TriggerRollback reverts a campaign: the campaign row is swapped to
// rolled_back under its lock version (so concurrent triggers produce exactly
// one rollback), a campaign-wide log row is written, and reverse updates are
// issued to every device that already succeeded. Blue/green campaigns skip
// reverse updates since cutover never happened.
func (s *rollbackService) TriggerRollback(
	ctx context.Context,
	campaign *models.Campaign,
	reason string,
	trigger models.RollbackTrigger,
	actor string,
) (*models.RollbackLog, error) {
	if campaign.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: campaign %s is already %s",
			ErrConflict, campaign.CampaignID, campaign.Status)
	}

	now := time.Now()
	campaign.Status = models.CampaignStatusRolledBack
	campaign.RolledBackAt = &now

	if err := s.repo.UpdateCampaignCAS(ctx, campaign); err != nil {
		if errors.Is(err, repository.ErrStaleRow) {
			return nil, fmt.Errorf("%w: campaign %s was modified concurrently",
				ErrConflict, campaign.CampaignID)
		}
		return nil, fmt.Errorf("failed to mark campaign rolled back: %w", err)
	}
	if err := s.cache.Delete(ctx, campaignCacheKey(campaign.CampaignID)); err != nil {
		s.log.WithError(err).Debug("Failed to invalidate campaign cache")
	}

	rollbackLog := &models.RollbackLog{
		CampaignID:     campaign.CampaignID,
		FromFirmwareID: campaign.FirmwareID,
		ToFirmwareID:   campaign.PreviousFirmwareID,
		Reason:         reason,
		Status:         models.RollbackStatusInitiated,
		TriggeredBy:    trigger,
		Actor:          actor,
	}
	if err := s.repo.CreateRollbackLog(ctx, rollbackLog); err != nil {
		return nil, fmt.Errorf("failed to write rollback log: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"campaign_id":  campaign.CampaignID,
		"rollback_id":  rollbackLog.RollbackID,
		"triggered_by": trigger,
		"reason":       reason,
	}).Warn("Campaign rollback initiated")

	if err := s.publisher.Publish(ctx, messaging.EventRollbackInitiated, campaign.CampaignID, rollbackLog); err != nil {
		s.log.WithError(err).Warn("Failed to publish rollback initiated event")
	}
	if err := s.publisher.Publish(ctx, messaging.EventCampaignRolledBack, campaign.CampaignID, campaign); err != nil {
		s.log.WithError(err).Warn("Failed to publish campaign rolled back event")
	}

	issueErrors := s.issueReverseUpdates(ctx, campaign)

	if len(issueErrors) > 0 {
		msg := strings.Join(issueErrors, "; ")
		rollbackLog.Status = models.RollbackStatusFailed
		rollbackLog.ErrorMessage = msg
		if err := s.repo.UpdateRollbackLogStatus(ctx, rollbackLog.RollbackID, models.RollbackStatusFailed, msg); err != nil {
			s.log.WithError(err).Error("Failed to update rollback log status")
		}
		s.log.WithFields(logrus.Fields{
			"campaign_id": campaign.CampaignID,
			"rollback_id": rollbackLog.RollbackID,
			"errors":      len(issueErrors),
		}).Error("Rollback finished with errors")
	} else {
		rollbackLog.Status = models.RollbackStatusCompleted
		if err := s.repo.UpdateRollbackLogStatus(ctx, rollbackLog.RollbackID, models.RollbackStatusCompleted, ""); err != nil {
			s.log.WithError(err).Error("Failed to update rollback log status")
		}
	}

	if err := s.publisher.Publish(ctx, messaging.EventRollbackCompleted, campaign.CampaignID, rollbackLog); err != nil {
		s.log.WithError(err).Warn("Failed to publish rollback completed event")
	}

	return rollbackLog, nil
}

// ManualRollback lets an operator revert a campaign regardless of the
// statistical gate
func (s *rollbackService) ManualRollback(ctx context.Context, campaignID, reason, actor string) (*models.RollbackLog, error) {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: campaign %s", ErrNotFound, campaignID)
		}
		return nil, fmt.Errorf("failed to find campaign: %w", err)
	}

	if reason == "" {
		reason = "manual rollback"
	}

	return s.TriggerRollback(ctx, campaign, reason, models.RollbackTriggerManual, actor)
}

func (s *rollbackService) ListRollbacks(ctx context.Context, campaignID string) ([]*models.RollbackLog, error) {
	logs, err := s.repo.ListCampaignRollbacks(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollbacks: %w", err)
	}
	return logs, nil
}

// issueReverseUpdates creates rollback updates for every device that
// already installed the campaign firmware. Per-device failures are
// collected, never fatal, and never re-enter the rollback path.
func (s *rollbackService) issueReverseUpdates(ctx context.Context, campaign *models.Campaign) []string {
	if campaign.Strategy == models.StrategyBlueGreen {
		return nil
	}
	if campaign.PreviousFirmwareID == "" {
		s.log.WithField("campaign_id", campaign.CampaignID).
			Error("No baseline firmware configured, devices stay on the rolled-back version")
		return nil
	}

	succeeded, err := s.repo.ListCampaignUpdatesByStatus(ctx, campaign.CampaignID,
		[]models.UpdateStatus{models.UpdateStatusSuccess})
	if err != nil {
		return []string{fmt.Sprintf("list succeeded devices: %v", err)}
	}

	var issueErrors []string
	for _, u := range succeeded {
		_, err := s.updateSvc.CreateUpdate(ctx, CreateUpdateRequest{
			DeviceID:           u.DeviceID,
			CampaignID:         campaign.CampaignID,
			FirmwareID:         campaign.PreviousFirmwareID,
			PreviousFirmwareID: campaign.FirmwareID,
			Priority:           campaign.Priority,
			Force:              true,
			IsRollback:         true,
			MaxRetries:         s.defaultMaxRetries,
			Scheduled:          true,
		})
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"campaign_id": campaign.CampaignID,
				"device_id":   u.DeviceID,
			}).Error("Failed to issue reverse update")
			issueErrors = append(issueErrors, fmt.Sprintf("device %s: %v", u.DeviceID, err))
		}
	}

	s.log.WithFields(logrus.Fields{
		"campaign_id": campaign.CampaignID,
		"reverse":     len(succeeded) - len(issueErrors),
	}).Info("Reverse updates issued")

	return issueErrors
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/fleetware/services/rollout/internal/cache"
	"example.com/fleetware/services/rollout/internal/messaging"
	"example.com/fleetware/services/rollout/internal/models"
	"example.com/fleetware/services/rollout/internal/repository"
	"example.com/fleetware/services/rollout/internal/rollout"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const campaignCacheTTL = 5 * time.Minute

var validStrategies = map[models.RolloutStrategy]bool{
	models.StrategyImmediate: true,
	models.StrategyScheduled: true,
	models.StrategyStaged:    true,
	models.StrategyCanary:    true,
	models.StrategyBlueGreen: true,
}

// CampaignService defines the campaign orchestration operations. The
// Expand/Advance/Complete hooks are driven by the reconciliation loop.
type CampaignService interface {
	CreateCampaign(ctx context.Context, campaign *models.Campaign, deviceIDs []string) error
	GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, status models.CampaignStatus, limit int) ([]*models.Campaign, error)
	StartCampaign(ctx context.Context, campaignID string) error
	PauseCampaign(ctx context.Context, campaignID string) error
	ResumeCampaign(ctx context.Context, campaignID string) error
	CancelCampaign(ctx context.Context, campaignID string) error
	GetProgress(ctx context.Context, campaignID string) (*models.CampaignProgress, error)

	ExpandRollout(ctx context.Context, campaign *models.Campaign) (int, error)
	AdvanceStage(ctx context.Context, campaign *models.Campaign) (bool, error)
	ActivateScheduledWindow(ctx context.Context, campaign *models.Campaign) (bool, error)
	CompleteCampaign(ctx context.Context, campaign *models.Campaign) error
}

// campaignService implements CampaignService
type campaignService struct {
	repo              repository.Repository
	firmwareSvc       FirmwareService
	updateSvc         UpdateService
	cache             cache.RedisClient
	publisher         messaging.EventPublisher
	log               *logrus.Logger
	stageSequence     []int
	defaultMaxRetries uint
}

// NewCampaignService creates a new campaign orchestration service
func NewCampaignService(
	repo repository.Repository,
	firmwareSvc FirmwareService,
	updateSvc UpdateService,
	redisClient cache.RedisClient,
	publisher messaging.EventPublisher,
	log *logrus.Logger,
	stageSequence []int,
	defaultMaxRetries uint,
) CampaignService {
	if len(stageSequence) == 0 {
		stageSequence = []int{10, 25, 50, 100}
	}
	return &campaignService{
		repo:              repo,
		firmwareSvc:       firmwareSvc,
		updateSvc:         updateSvc,
		cache:             redisClient,
		publisher:         publisher,
		log:               log,
		stageSequence:     stageSequence,
		defaultMaxRetries: defaultMaxRetries,
	}
}

// CreateCampaign validates and stores a new campaign with its target set
func (s *campaignService) CreateCampaign(ctx context.Context, campaign *models.Campaign, deviceIDs []string) error {
	if campaign.Name == "" {
		return fmt.Errorf("%w: campaign name is required", ErrValidation)
	}
	if len(deviceIDs) == 0 {
		return fmt.Errorf("%w: campaign needs at least one target device", ErrValidation)
	}
	if !validStrategies[campaign.Strategy] {
		return fmt.Errorf("%w: unknown rollout strategy %q", ErrValidation, campaign.Strategy)
	}
	if campaign.RollbackThreshold < 0 || campaign.RollbackThreshold > 100 {
		return fmt.Errorf("%w: rollback threshold must be within 0-100", ErrValidation)
	}
	if campaign.Strategy == models.StrategyScheduled && campaign.ScheduleStart == nil {
		return fmt.Errorf("%w: scheduled campaigns need a schedule start", ErrValidation)
	}

	fw, err := s.firmwareSvc.GetFirmware(ctx, campaign.FirmwareID)
	if err != nil {
		return err
	}
	if campaign.DeviceModel == "" {
		campaign.DeviceModel = fw.DeviceModel
	} else if campaign.DeviceModel != fw.DeviceModel {
		return fmt.Errorf("%w: firmware targets model %s, campaign targets %s",
			ErrValidation, fw.DeviceModel, campaign.DeviceModel)
	}

	if campaign.PreviousFirmwareID != "" {
		if _, err := s.firmwareSvc.GetFirmware(ctx, campaign.PreviousFirmwareID); err != nil {
			return err
		}
	}

	campaign.Status = models.CampaignStatusCreated
	campaign.RolloutPercentage = 0
	campaign.StageIndex = 0

	if err := s.repo.CreateCampaign(ctx, campaign, deviceIDs); err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"campaign_id": campaign.CampaignID,
		"firmware_id": campaign.FirmwareID,
		"strategy":    campaign.Strategy,
		"targets":     len(deviceIDs),
	}).Info("Campaign created")

	if err := s.publisher.Publish(ctx, messaging.EventCampaignCreated, campaign.CampaignID, campaign); err != nil {
		s.log.WithError(err).Warn("Failed to publish campaign created event")
	}

	return nil
}

// GetCampaign retrieves a campaign by its public ID, via cache when possible
func (s *campaignService) GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	cacheKey := campaignCacheKey(campaignID)
	if cached, err := s.cache.Get(ctx, cacheKey); err == nil && cached != "" {
		var campaign models.Campaign
		if err := json.Unmarshal([]byte(cached), &campaign); err == nil {
			return &campaign, nil
		}
	}

	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: campaign %s", ErrNotFound, campaignID)
		}
		return nil, fmt.Errorf("failed to find campaign: %w", err)
	}

	if data, err := json.Marshal(campaign); err == nil {
		if err := s.cache.Set(ctx, cacheKey, string(data), campaignCacheTTL); err != nil {
			s.log.WithError(err).Debug("Failed to cache campaign")
		}
	}

	return campaign, nil
}

func (s *campaignService) ListCampaigns(ctx context.Context, status models.CampaignStatus, limit int) ([]*models.Campaign, error) {
	campaigns, err := s.repo.ListCampaigns(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, nil
}

// StartCampaign activates a created campaign and issues the initial wave of
// updates according to its strategy. Starting twice is a conflict.
func (s *campaignService) StartCampaign(ctx context.Context, campaignID string) error {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: campaign %s", ErrNotFound, campaignID)
		}
		return fmt.Errorf("failed to find campaign: %w", err)
	}

	if campaign.Status != models.CampaignStatusCreated {
		return fmt.Errorf("%w: campaign %s is %s, only created campaigns can start",
			ErrConflict, campaignID, campaign.Status)
	}

	now := time.Now()
	campaign.Status = models.CampaignStatusActive
	campaign.StartedAt = &now

	switch campaign.Strategy {
	case models.StrategyImmediate, models.StrategyBlueGreen:
		campaign.RolloutPercentage = 100
	case models.StrategyStaged, models.StrategyCanary:
		campaign.RolloutPercentage = s.stageSequence[0]
		campaign.StageIndex = 0
	case models.StrategyScheduled:
		// Parked at 0% until the window opens; the reconciler expands it
		campaign.RolloutPercentage = 0
		if campaign.ScheduleStart != nil && !campaign.ScheduleStart.After(now) {
			campaign.RolloutPercentage = 100
		}
	}

	if err := s.persistCampaign(ctx, campaign); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"campaign_id": campaign.CampaignID,
		"strategy":    campaign.Strategy,
		"percentage":  campaign.RolloutPercentage,
	}).Info("Campaign started")

	if err := s.publisher.Publish(ctx, messaging.EventCampaignStarted, campaign.CampaignID, campaign); err != nil {
		s.log.WithError(err).Warn("Failed to publish campaign started event")
	}

	if campaign.RolloutPercentage > 0 {
		if _, err := s.ExpandRollout(ctx, campaign); err != nil {
			return err
		}
	}

	return nil
}

// PauseCampaign freezes campaign advancement. In-flight updates keep going;
// rollback evaluation keeps running.
func (s *campaignService) PauseCampaign(ctx context.Context, campaignID string) error {
	return s.transition(ctx, campaignID,
		models.CampaignStatusActive, models.CampaignStatusPaused,
		messaging.EventCampaignPaused, nil)
}

// ResumeCampaign unfreezes a paused campaign
func (s *campaignService) ResumeCampaign(ctx context.Context, campaignID string) error {
	return s.transition(ctx, campaignID,
		models.CampaignStatusPaused, models.CampaignStatusActive,
		messaging.EventCampaignResumed, nil)
}

// CancelCampaign stops all future update issuance. Updates already in
// flight run to their own conclusion.
func (s *campaignService) CancelCampaign(ctx context.Context, campaignID string) error {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: campaign %s", ErrNotFound, campaignID)
		}
		return fmt.Errorf("failed to find campaign: %w", err)
	}

	if campaign.Status.IsTerminal() {
		return fmt.Errorf("%w: campaign %s is already %s", ErrConflict, campaignID, campaign.Status)
	}

	campaign.Status = models.CampaignStatusCancelled
	if err := s.persistCampaign(ctx, campaign); err != nil {
		return err
	}

	s.log.WithField("campaign_id", campaignID).Info("Campaign cancelled")

	if err := s.publisher.Publish(ctx, messaging.EventCampaignCancelled, campaignID, campaign); err != nil {
		s.log.WithError(err).Warn("Failed to publish campaign cancelled event")
	}

	return nil
}

// GetProgress builds a live snapshot of the campaign. Counts come straight
// from the database so rollback decisions and dashboards never act on a
// stale cache.
func (s *campaignService) GetProgress(ctx context.Context, campaignID string) (*models.CampaignProgress, error) {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: campaign %s", ErrNotFound, campaignID)
		}
		return nil, fmt.Errorf("failed to find campaign: %w", err)
	}

	targets, err := s.repo.ListCampaignTargets(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign targets: %w", err)
	}

	updates, err := s.repo.ListCampaignUpdates(ctx, campaignID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign updates: %w", err)
	}

	progress := &models.CampaignProgress{
		CampaignID:        campaign.CampaignID,
		Status:            campaign.Status,
		RolloutPercentage: campaign.RolloutPercentage,
		StageIndex:        campaign.StageIndex,
		TotalTargets:      len(targets),
		SelectedDevices:   len(rollout.Select(campaignID, targets, campaign.RolloutPercentage)),
		UpdatesIssued:     len(updates),
	}

	for _, u := range updates {
		switch {
		case u.Status == models.UpdateStatusSuccess:
			progress.Succeeded++
		case u.Status == models.UpdateStatusCancelled:
			progress.Cancelled++
		case u.IsTerminal():
			progress.Failed++
		default:
			progress.InFlight++
		}
	}

	if completed := progress.Succeeded + progress.Failed; completed > 0 {
		progress.FailureRate = float64(progress.Failed) / float64(completed)
	}

	return progress, nil
}

// ExpandRollout issues updates to every selected target that lacks one.
// Re-expansion is idempotent, and a single busy or broken device never
// fails the campaign-level call.
func (s *campaignService) ExpandRollout(ctx context.Context, campaign *models.Campaign) (int, error) {
	targets, err := s.repo.ListCampaignTargets(ctx, campaign.CampaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to list campaign targets: %w", err)
	}

	selected := rollout.Select(campaign.CampaignID, targets, campaign.RolloutPercentage)

	existing, err := s.repo.ListCampaignUpdates(ctx, campaign.CampaignID, false)
	if err != nil {
		return 0, fmt.Errorf("failed to list campaign updates: %w", err)
	}
	covered := make(map[string]bool, len(existing))
	for _, u := range existing {
		covered[u.DeviceID] = true
	}

	issued := 0
	for _, deviceID := range selected {
		if covered[deviceID] {
			continue
		}

		_, err := s.updateSvc.CreateUpdate(ctx, CreateUpdateRequest{
			DeviceID:           deviceID,
			CampaignID:         campaign.CampaignID,
			FirmwareID:         campaign.FirmwareID,
			PreviousFirmwareID: campaign.PreviousFirmwareID,
			Priority:           campaign.Priority,
			MaxRetries:         s.defaultMaxRetries,
			Scheduled:          true,
		})
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"campaign_id": campaign.CampaignID,
				"device_id":   deviceID,
			}).Warn("Failed to issue update for target")
			continue
		}
		issued++
	}

	if issued > 0 {
		s.log.WithFields(logrus.Fields{
			"campaign_id": campaign.CampaignID,
			"percentage":  campaign.RolloutPercentage,
			"issued":      issued,
		}).Info("Rollout expanded")
	}

	return issued, nil
}

// AdvanceStage moves a staged or canary campaign to the next percentage in
// the sequence once enough of the current cohort is terminal. Returns true
// when a stage transition happened.
func (s *campaignService) AdvanceStage(ctx context.Context, campaign *models.Campaign) (bool, error) {
	if campaign.Status != models.CampaignStatusActive {
		return false, nil
	}
	if campaign.Strategy != models.StrategyStaged && campaign.Strategy != models.StrategyCanary {
		return false, nil
	}
	if campaign.RolloutPercentage >= 100 {
		return false, nil
	}

	next := 0
	for _, pct := range s.stageSequence {
		if pct > campaign.RolloutPercentage {
			next = pct
			break
		}
	}
	if next == 0 {
		next = 100
	}

	campaign.RolloutPercentage = next
	campaign.StageIndex++

	if err := s.persistCampaign(ctx, campaign); err != nil {
		return false, err
	}

	s.log.WithFields(logrus.Fields{
		"campaign_id": campaign.CampaignID,
		"stage_index": campaign.StageIndex,
		"percentage":  campaign.RolloutPercentage,
	}).Info("Campaign stage advanced")

	if _, err := s.ExpandRollout(ctx, campaign); err != nil {
		return true, err
	}

	return true, nil
}

// ActivateScheduledWindow expands a scheduled campaign to 100% once its
// window opens. Returns true when activation happened this call.
func (s *campaignService) ActivateScheduledWindow(ctx context.Context, campaign *models.Campaign) (bool, error) {
	if campaign.Strategy != models.StrategyScheduled ||
		campaign.Status != models.CampaignStatusActive ||
		campaign.RolloutPercentage > 0 {
		return false, nil
	}
	if campaign.ScheduleStart == nil || campaign.ScheduleStart.After(time.Now()) {
		return false, nil
	}

	campaign.RolloutPercentage = 100
	if err := s.persistCampaign(ctx, campaign); err != nil {
		return false, err
	}

	s.log.WithField("campaign_id", campaign.CampaignID).Info("Scheduled window opened")

	if _, err := s.ExpandRollout(ctx, campaign); err != nil {
		return true, err
	}

	return true, nil
}

// CompleteCampaign marks an active campaign as finished
func (s *campaignService) CompleteCampaign(ctx context.Context, campaign *models.Campaign) error {
	if campaign.Status != models.CampaignStatusActive {
		return fmt.Errorf("%w: campaign %s is %s", ErrConflict, campaign.CampaignID, campaign.Status)
	}

	now := time.Now()
	campaign.Status = models.CampaignStatusCompleted
	campaign.CompletedAt = &now

	if err := s.persistCampaign(ctx, campaign); err != nil {
		return err
	}

	s.log.WithField("campaign_id", campaign.CampaignID).Info("Campaign completed")

	if err := s.publisher.Publish(ctx, messaging.EventCampaignCompleted, campaign.CampaignID, campaign); err != nil {
		s.log.WithError(err).Warn("Failed to publish campaign completed event")
	}

	return nil
}

// transition applies a simple guarded status change
func (s *campaignService) transition(
	ctx context.Context,
	campaignID string,
	from, to models.CampaignStatus,
	eventType string,
	mutate func(*models.Campaign),
) error {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: campaign %s", ErrNotFound, campaignID)
		}
		return fmt.Errorf("failed to find campaign: %w", err)
	}

	if campaign.Status != from {
		return fmt.Errorf("%w: campaign %s is %s, expected %s",
			ErrConflict, campaignID, campaign.Status, from)
	}

	campaign.Status = to
	if mutate != nil {
		mutate(campaign)
	}

	if err := s.persistCampaign(ctx, campaign); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"from":        from,
		"to":          to,
	}).Info("Campaign transitioned")

	if err := s.publisher.Publish(ctx, eventType, campaignID, campaign); err != nil {
		s.log.WithError(err).Warn("Failed to publish campaign event")
	}

	return nil
}

// persistCampaign saves via compare-and-swap and drops the cached snapshot
func (s *campaignService) persistCampaign(ctx context.Context, campaign *models.Campaign) error {
	if err := s.repo.UpdateCampaignCAS(ctx, campaign); err != nil {
		if errors.Is(err, repository.ErrStaleRow) {
			return fmt.Errorf("%w: campaign %s was modified concurrently",
				ErrConflict, campaign.CampaignID)
		}
		return fmt.Errorf("failed to persist campaign: %w", err)
	}

	if err := s.cache.Delete(ctx, campaignCacheKey(campaign.CampaignID)); err != nil {
		s.log.WithError(err).Debug("Failed to invalidate campaign cache")
	}

	return nil
}

func campaignCacheKey(campaignID string) string {
	return "campaign:" + campaignID
}

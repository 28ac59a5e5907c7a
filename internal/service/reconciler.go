package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"example.com/fleetware/services/rollout/internal/models"
	"example.com/fleetware/services/rollout/internal/repository"
	"example.com/fleetware/services/rollout/internal/rollout"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// ReconcilerConfig holds the control loop tuning knobs
type ReconcilerConfig struct {
	Interval         time.Duration
	Workers          int
	QueueSize        int
	AdvanceThreshold float64
	UpdateTimeout    time.Duration
}

// keyedMutex provides one mutex per campaign so each campaign has a single
// writer inside the loop
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Reconciler is the periodic control loop that drives campaigns toward
// their desired state: retries, stuck-update failure, rollback evaluation,
// stage advancement and completion.
type Reconciler struct {
	repo        repository.Repository
	campaignSvc CampaignService
	rollbackSvc RollbackService
	updateSvc   UpdateService
	log         *logrus.Logger
	cfg         ReconcilerConfig

	queue     chan string
	locks     *keyedMutex
	scheduler gocron.Scheduler
	wg        sync.WaitGroup
	stopOnce  sync.Once

	statsMu        sync.Mutex
	ticks          uint64
	queued         uint64
	dropped        uint64
	reconciled     uint64
	retried        uint64
	stuckFailed    uint64
	stagesAdvanced uint64
	rollbacksFired uint64
	campaignsDone  uint64
	lastTick       time.Time
}

// NewReconciler creates the control loop
func NewReconciler(
	repo repository.Repository,
	campaignSvc CampaignService,
	rollbackSvc RollbackService,
	updateSvc UpdateService,
	log *logrus.Logger,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.AdvanceThreshold <= 0 || cfg.AdvanceThreshold > 1 {
		cfg.AdvanceThreshold = 0.9
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 30 * time.Minute
	}

	return &Reconciler{
		repo:        repo,
		campaignSvc: campaignSvc,
		rollbackSvc: rollbackSvc,
		updateSvc:   updateSvc,
		log:         log,
		cfg:         cfg,
		queue:       make(chan string, cfg.QueueSize),
		locks:       newKeyedMutex(),
	}
}

// Start launches the worker pool and the periodic tick
func (r *Reconciler) Start(ctx context.Context) error {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(r.cfg.Interval),
		gocron.NewTask(func() { r.Tick(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule reconcile job: %w", err)
	}

	scheduler.Start()
	r.scheduler = scheduler

	r.log.WithFields(logrus.Fields{
		"interval": r.cfg.Interval,
		"workers":  r.cfg.Workers,
	}).Info("Reconciler started")

	return nil
}

// Stop shuts down the tick and drains the workers
func (r *Reconciler) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		if r.scheduler != nil {
			err = r.scheduler.Shutdown()
		}
		close(r.queue)
		r.wg.Wait()
		r.log.Info("Reconciler stopped")
	})
	return err
}

// Tick runs one reconcile pass: fail stuck updates, retry failed ones with
// budget left, then enqueue every campaign that needs evaluation. Paused
// campaigns are included so rollback evaluation keeps running while
// advancement is frozen.
func (r *Reconciler) Tick(ctx context.Context) {
	r.statsMu.Lock()
	r.ticks++
	r.lastTick = time.Now()
	r.statsMu.Unlock()

	r.failStuckUpdates(ctx)
	r.retryFailedUpdates(ctx)

	for _, status := range []models.CampaignStatus{models.CampaignStatusActive, models.CampaignStatusPaused} {
		campaigns, err := r.repo.ListCampaigns(ctx, status, 0)
		if err != nil {
			r.log.WithError(err).Error("Failed to list campaigns for reconcile")
			continue
		}
		for _, c := range campaigns {
			select {
			case r.queue <- c.CampaignID:
				r.statsMu.Lock()
				r.queued++
				r.statsMu.Unlock()
			default:
				r.statsMu.Lock()
				r.dropped++
				r.statsMu.Unlock()
				r.log.WithField("campaign_id", c.CampaignID).
					Warn("Reconcile queue full, campaign skipped this tick")
			}
		}
	}
}

// GetStats returns a snapshot of loop counters for the stats endpoint
func (r *Reconciler) GetStats() map[string]interface{} {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	return map[string]interface{}{
		"ticks":                r.ticks,
		"campaigns_queued":     r.queued,
		"queue_dropped":        r.dropped,
		"campaigns_reconciled": r.reconciled,
		"updates_retried":      r.retried,
		"stuck_failed":         r.stuckFailed,
		"stages_advanced":      r.stagesAdvanced,
		"rollbacks_triggered":  r.rollbacksFired,
		"campaigns_completed":  r.campaignsDone,
		"queue_length":         len(r.queue),
		"queue_capacity":       cap(r.queue),
		"workers":              r.cfg.Workers,
		"last_tick":            r.lastTick,
	}
}

func (r *Reconciler) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	for campaignID := range r.queue {
		if ctx.Err() != nil {
			return
		}
		if err := r.ReconcileCampaign(ctx, campaignID); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"campaign_id": campaignID,
				"worker":      id,
			}).Error("Campaign reconcile failed")
		}
	}
}

// ReconcileCampaign runs one evaluation pass over a single campaign under
// its per-campaign lock.
func (r *Reconciler) ReconcileCampaign(ctx context.Context, campaignID string) error {
	unlock := r.locks.lock(campaignID)
	defer unlock()

	campaign, err := r.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign.Status.IsTerminal() {
		return nil
	}

	r.statsMu.Lock()
	r.reconciled++
	r.statsMu.Unlock()

	// Rollback evaluation runs for paused campaigns too
	decision, err := r.rollbackSvc.Evaluate(ctx, campaign)
	if err != nil {
		return err
	}
	if decision.ShouldRollback {
		if _, err := r.rollbackSvc.TriggerRollback(ctx, campaign, decision.Reason,
			models.RollbackTriggerAuto, "reconciler"); err != nil {
			return err
		}
		r.statsMu.Lock()
		r.rollbacksFired++
		r.statsMu.Unlock()
		return nil
	}

	if campaign.Status != models.CampaignStatusActive {
		return nil
	}

	if _, err := r.campaignSvc.ActivateScheduledWindow(ctx, campaign); err != nil {
		return err
	}

	if campaign.RolloutPercentage > 0 {
		if _, err := r.campaignSvc.ExpandRollout(ctx, campaign); err != nil {
			return err
		}
	}

	advanced, err := r.maybeAdvanceStage(ctx, campaign)
	if err != nil {
		return err
	}
	if advanced {
		return nil
	}

	return r.maybeComplete(ctx, campaign)
}

// failStuckUpdates force-fails in-flight updates whose last report predates
// the timeout. The failure consumes the normal retry budget, so a stuck
// device eventually counts toward the failure rate.
func (r *Reconciler) failStuckUpdates(ctx context.Context) {
	threshold := time.Now().Add(-r.cfg.UpdateTimeout)
	stuck, err := r.repo.ListStuckUpdates(ctx, threshold, 500)
	if err != nil {
		r.log.WithError(err).Error("Failed to list stuck updates")
		return
	}

	for _, u := range stuck {
		reason := fmt.Sprintf("no progress report since %s", u.UpdatedAt.UTC().Format(time.RFC3339))
		if err := r.updateSvc.FailStuckUpdate(ctx, u, reason); err != nil {
			r.log.WithError(err).WithField("update_id", u.UpdateID).
				Warn("Failed to fail stuck update")
			continue
		}
		r.statsMu.Lock()
		r.stuckFailed++
		r.statsMu.Unlock()
	}
}

// retryFailedUpdates reschedules every failed update that still has retry
// budget. The sweep is campaign-independent so ad-hoc updates get the same
// retry treatment as campaign-issued ones.
func (r *Reconciler) retryFailedUpdates(ctx context.Context) {
	failed, err := r.repo.ListRetryEligibleUpdates(ctx, 500)
	if err != nil {
		r.log.WithError(err).Error("Failed to list retry-eligible updates")
		return
	}

	for _, u := range failed {
		if err := r.updateSvc.RetryUpdate(ctx, u); err != nil {
			r.log.WithError(err).WithField("update_id", u.UpdateID).
				Warn("Failed to retry update")
			continue
		}
		r.statsMu.Lock()
		r.retried++
		r.statsMu.Unlock()
	}
}

// maybeAdvanceStage checks whether enough of the currently selected cohort
// is terminal to open the next stage
func (r *Reconciler) maybeAdvanceStage(ctx context.Context, campaign *models.Campaign) (bool, error) {
	if campaign.Strategy != models.StrategyStaged && campaign.Strategy != models.StrategyCanary {
		return false, nil
	}
	if campaign.RolloutPercentage >= 100 {
		return false, nil
	}

	selected, terminal, err := r.cohortProgress(ctx, campaign)
	if err != nil {
		return false, err
	}
	if selected == 0 {
		return false, nil
	}

	needed := int(math.Ceil(float64(selected) * r.cfg.AdvanceThreshold))
	if terminal < needed {
		return false, nil
	}

	advanced, err := r.campaignSvc.AdvanceStage(ctx, campaign)
	if err != nil {
		return false, err
	}
	if advanced {
		r.statsMu.Lock()
		r.stagesAdvanced++
		r.statsMu.Unlock()
	}
	return advanced, nil
}

// maybeComplete finishes the campaign once the rollout is fully expanded
// and every selected device is terminal. Blue/green cutover requires every
// update to have succeeded; anything less aborts the cutover as a rollback,
// which for blue/green is just the campaign record flipping since devices
// never left the old firmware.
func (r *Reconciler) maybeComplete(ctx context.Context, campaign *models.Campaign) error {
	if campaign.RolloutPercentage < 100 {
		return nil
	}

	selected, terminal, err := r.cohortProgress(ctx, campaign)
	if err != nil {
		return err
	}
	if selected == 0 || terminal < selected {
		return nil
	}

	if campaign.Strategy == models.StrategyBlueGreen {
		counts, err := r.repo.CountTerminalUpdates(ctx, campaign.CampaignID)
		if err != nil {
			return err
		}
		if int(counts.Succeeded) < selected {
			reason := fmt.Sprintf("cutover aborted: %d of %d devices did not succeed",
				selected-int(counts.Succeeded), selected)
			if _, err := r.rollbackSvc.TriggerRollback(ctx, campaign, reason,
				models.RollbackTriggerAuto, "reconciler"); err != nil {
				return err
			}
			r.statsMu.Lock()
			r.rollbacksFired++
			r.statsMu.Unlock()
			return nil
		}
	}

	if err := r.campaignSvc.CompleteCampaign(ctx, campaign); err != nil {
		return err
	}

	r.statsMu.Lock()
	r.campaignsDone++
	r.statsMu.Unlock()
	return nil
}

// cohortProgress returns how many devices the current percentage selects
// and how many of their updates are terminal
func (r *Reconciler) cohortProgress(ctx context.Context, campaign *models.Campaign) (int, int, error) {
	targets, err := r.repo.ListCampaignTargets(ctx, campaign.CampaignID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list campaign targets: %w", err)
	}

	selected := rollout.Select(campaign.CampaignID, targets, campaign.RolloutPercentage)
	if len(selected) == 0 {
		return 0, 0, nil
	}
	selectedSet := make(map[string]bool, len(selected))
	for _, d := range selected {
		selectedSet[d] = true
	}

	updates, err := r.repo.ListCampaignUpdates(ctx, campaign.CampaignID, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list campaign updates: %w", err)
	}

	terminal := 0
	for _, u := range updates {
		if selectedSet[u.DeviceID] && u.IsTerminal() {
			terminal++
		}
	}

	return len(selected), terminal, nil
}

package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"example.com/fleetware/services/rollout/internal/models"
	"example.com/fleetware/services/rollout/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// fakeRepo is an in-memory Repository used by the service tests
type fakeRepo struct {
	mu        sync.Mutex
	firmware  map[string]*models.Firmware
	campaigns map[string]*models.Campaign
	targets   map[string][]string
	updates   map[string]*models.DeviceUpdate
	rollbacks map[string]*models.RollbackLog
	history   []*models.UpdateHistory
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		firmware:  make(map[string]*models.Firmware),
		campaigns: make(map[string]*models.Campaign),
		targets:   make(map[string][]string),
		updates:   make(map[string]*models.DeviceUpdate),
		rollbacks: make(map[string]*models.RollbackLog),
	}
}

func copyFirmware(fw *models.Firmware) *models.Firmware {
	c := *fw
	return &c
}

func copyCampaign(c *models.Campaign) *models.Campaign {
	cp := *c
	return &cp
}

func copyUpdate(u *models.DeviceUpdate) *models.DeviceUpdate {
	c := *u
	return &c
}

func (r *fakeRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo repository.Repository) error) error {
	return fn(ctx, r)
}

func (r *fakeRepo) CreateFirmware(ctx context.Context, fw *models.Firmware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fw.FirmwareID == "" {
		fw.FirmwareID = uuid.New().String()
	}
	r.firmware[fw.FirmwareID] = copyFirmware(fw)
	return nil
}

func (r *fakeRepo) FindFirmwareByID(ctx context.Context, firmwareID string) (*models.Firmware, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fw, ok := r.firmware[firmwareID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return copyFirmware(fw), nil
}

func (r *fakeRepo) FindFirmwareByModelVersion(ctx context.Context, deviceModel, version string) (*models.Firmware, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fw := range r.firmware {
		if fw.DeviceModel == deviceModel && fw.Version == version {
			return copyFirmware(fw), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListFirmware(ctx context.Context, deviceModel string, limit int) ([]*models.Firmware, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Firmware
	for _, fw := range r.firmware {
		if deviceModel == "" || fw.DeviceModel == deviceModel {
			out = append(out, copyFirmware(fw))
		}
	}
	return out, nil
}

func (r *fakeRepo) IncrementFirmwareOutcome(ctx context.Context, firmwareID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fw, ok := r.firmware[firmwareID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if success {
		fw.SuccessCount++
	} else {
		fw.FailureCount++
	}
	return nil
}

func (r *fakeRepo) CreateCampaign(ctx context.Context, campaign *models.Campaign, deviceIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if campaign.CampaignID == "" {
		campaign.CampaignID = uuid.New().String()
	}
	if campaign.Status == "" {
		campaign.Status = models.CampaignStatusCreated
	}
	r.campaigns[campaign.CampaignID] = copyCampaign(campaign)
	r.targets[campaign.CampaignID] = append([]string{}, deviceIDs...)
	return nil
}

func (r *fakeRepo) FindCampaignByID(ctx context.Context, campaignID string) (*models.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return copyCampaign(c), nil
}

func (r *fakeRepo) ListCampaigns(ctx context.Context, status models.CampaignStatus, limit int) ([]*models.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Campaign
	for _, c := range r.campaigns {
		if status == "" || c.Status == status {
			out = append(out, copyCampaign(c))
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateCampaignCAS(ctx context.Context, campaign *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.campaigns[campaign.CampaignID]
	if !ok || stored.LockVersion != campaign.LockVersion {
		return repository.ErrStaleRow
	}
	campaign.LockVersion++
	r.campaigns[campaign.CampaignID] = copyCampaign(campaign)
	return nil
}

func (r *fakeRepo) ListCampaignTargets(ctx context.Context, campaignID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.targets[campaignID]...), nil
}

func (r *fakeRepo) CountCampaignTargets(ctx context.Context, campaignID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.targets[campaignID])), nil
}

func (r *fakeRepo) CreateDeviceUpdate(ctx context.Context, update *models.DeviceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if update.UpdateID == "" {
		update.UpdateID = uuid.New().String()
	}
	if update.Status == "" {
		update.Status = models.UpdateStatusPending
	}
	if update.Attempt == 0 {
		update.Attempt = 1
	}
	update.UpdatedAt = time.Now()
	r.updates[update.UpdateID] = copyUpdate(update)
	return nil
}

func (r *fakeRepo) FindUpdateByID(ctx context.Context, updateID string) (*models.DeviceUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.updates[updateID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return copyUpdate(u), nil
}

func (r *fakeRepo) FindActiveUpdateForDevice(ctx context.Context, deviceID string) (*models.DeviceUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.updates {
		if u.DeviceID == deviceID && !u.IsTerminal() {
			return copyUpdate(u), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListCampaignUpdates(ctx context.Context, campaignID string, includeRollbacks bool) ([]*models.DeviceUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DeviceUpdate
	for _, u := range r.updates {
		if u.CampaignID != campaignID {
			continue
		}
		if !includeRollbacks && u.IsRollback {
			continue
		}
		out = append(out, copyUpdate(u))
	}
	return out, nil
}

func (r *fakeRepo) ListDeviceUpdates(ctx context.Context, deviceID string, limit int) ([]*models.DeviceUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DeviceUpdate
	for _, u := range r.updates {
		if u.DeviceID == deviceID {
			out = append(out, copyUpdate(u))
		}
	}
	return out, nil
}

func (r *fakeRepo) ListCampaignUpdatesByStatus(ctx context.Context, campaignID string, statuses []models.UpdateStatus) ([]*models.DeviceUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	match := make(map[models.UpdateStatus]bool, len(statuses))
	for _, s := range statuses {
		match[s] = true
	}
	var out []*models.DeviceUpdate
	for _, u := range r.updates {
		if u.CampaignID == campaignID && !u.IsRollback && match[u.Status] {
			out = append(out, copyUpdate(u))
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateDeviceUpdateCAS(ctx context.Context, update *models.DeviceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.updates[update.UpdateID]
	if !ok || stored.LockVersion != update.LockVersion {
		return repository.ErrStaleRow
	}
	update.LockVersion++
	update.UpdatedAt = time.Now()
	r.updates[update.UpdateID] = copyUpdate(update)
	return nil
}

func (r *fakeRepo) CountTerminalUpdates(ctx context.Context, campaignID string) (repository.TerminalCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var counts repository.TerminalCounts
	for _, u := range r.updates {
		if u.CampaignID != campaignID || u.IsRollback {
			continue
		}
		switch {
		case u.Status == models.UpdateStatusSuccess:
			counts.Succeeded++
		case u.Status == models.UpdateStatusFailed && u.RetryCount >= u.MaxRetries:
			counts.Failed++
		}
	}
	return counts, nil
}

func (r *fakeRepo) ListStuckUpdates(ctx context.Context, threshold time.Time, limit int) ([]*models.DeviceUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DeviceUpdate
	for _, u := range r.updates {
		inFlight := u.Status == models.UpdateStatusDownloading || u.Status == models.UpdateStatusInstalling
		if inFlight && u.UpdatedAt.Before(threshold) {
			out = append(out, copyUpdate(u))
		}
	}
	return out, nil
}

func (r *fakeRepo) ListRetryEligibleUpdates(ctx context.Context, limit int) ([]*models.DeviceUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DeviceUpdate
	for _, u := range r.updates {
		if u.Status == models.UpdateStatusFailed && u.RetryCount < u.MaxRetries {
			out = append(out, copyUpdate(u))
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateRollbackLog(ctx context.Context, log *models.RollbackLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if log.RollbackID == "" {
		log.RollbackID = uuid.New().String()
	}
	if log.Status == "" {
		log.Status = models.RollbackStatusInitiated
	}
	c := *log
	r.rollbacks[log.RollbackID] = &c
	return nil
}

func (r *fakeRepo) UpdateRollbackLogStatus(ctx context.Context, rollbackID string, status models.RollbackStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.rollbacks[rollbackID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	l.Status = status
	l.ErrorMessage = errorMessage
	return nil
}

func (r *fakeRepo) ListCampaignRollbacks(ctx context.Context, campaignID string) ([]*models.RollbackLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RollbackLog
	for _, l := range r.rollbacks {
		if l.CampaignID == campaignID {
			c := *l
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateUpdateHistory(ctx context.Context, history *models.UpdateHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *history
	r.history = append(r.history, &c)
	return nil
}

func (r *fakeRepo) ListUpdateHistory(ctx context.Context, updateID string) ([]*models.UpdateHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.UpdateHistory
	for _, h := range r.history {
		if h.UpdateID == updateID {
			c := *h
			out = append(out, &c)
		}
	}
	return out, nil
}

// historyFor counts history rows for one update
func (r *fakeRepo) historyFor(updateID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.history {
		if h.UpdateID == updateID {
			n++
		}
	}
	return n
}

// setUpdatedAt backdates an update row for stuck-detection tests
func (r *fakeRepo) setUpdatedAt(updateID string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.updates[updateID]; ok {
		u.UpdatedAt = ts
	}
}

// fakeCache is an in-memory RedisClient
type fakeCache struct {
	mu    sync.Mutex
	items map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[string]string)}
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return "", errors.New("cache miss")
	}
	return v, nil
}

func (c *fakeCache) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *fakeCache) Close() error { return nil }

// recordingPublisher captures published event types
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, eventType string, sessionID string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// testEnv wires the services over the in-memory fakes
type testEnv struct {
	repo        *fakeRepo
	cache       *fakeCache
	publisher   *recordingPublisher
	firmwareSvc FirmwareService
	updateSvc   UpdateService
	campaignSvc CampaignService
	rollbackSvc RollbackService
	reconciler  *Reconciler
}

// newTestEnv builds the full service stack. maxRetries controls whether a
// failed update is immediately terminal (0) or retry-eligible.
func newTestEnv(maxRetries uint, stageSequence []int) *testEnv {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := newFakeRepo()
	cacheClient := newFakeCache()
	publisher := &recordingPublisher{}

	firmwareSvc := NewFirmwareService(repo, cacheClient, publisher, logger)
	updateSvc := NewUpdateService(repo, firmwareSvc, publisher, logger)
	campaignSvc := NewCampaignService(repo, firmwareSvc, updateSvc,
		cacheClient, publisher, logger, stageSequence, maxRetries)
	rollbackSvc := NewRollbackService(repo, updateSvc, cacheClient, publisher, logger, maxRetries)
	reconciler := NewReconciler(repo, campaignSvc, rollbackSvc, updateSvc, logger, ReconcilerConfig{
		Interval:         time.Minute,
		Workers:          1,
		QueueSize:        16,
		AdvanceThreshold: 0.9,
		UpdateTimeout:    30 * time.Minute,
	})

	return &testEnv{
		repo:        repo,
		cache:       cacheClient,
		publisher:   publisher,
		firmwareSvc: firmwareSvc,
		updateSvc:   updateSvc,
		campaignSvc: campaignSvc,
		rollbackSvc: rollbackSvc,
		reconciler:  reconciler,
	}
}

// registerFirmware stores a valid firmware and returns it
func (e *testEnv) registerFirmware(t interface {
	Fatalf(format string, args ...interface{})
}, deviceModel, version string) *models.Firmware {
	fw := &models.Firmware{
		Version:        version,
		DeviceModel:    deviceModel,
		MD5Checksum:    "0123456789abcdef0123456789abcdef",
		SHA256Checksum: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}
	if err := e.firmwareSvc.RegisterFirmware(context.Background(), fw); err != nil {
		t.Fatalf("register firmware: %v", err)
	}
	return fw
}

package service

import (
	"context"
	"fmt"
	"testing"

	"example.com/fleetware/services/rollout/internal/messaging"
	"example.com/fleetware/services/rollout/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedTerminalUpdates inserts terminal update rows for a campaign
func seedTerminalUpdates(t *testing.T, env *testEnv, campaignID, firmwareID string, succeeded, failed int) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < succeeded; i++ {
		require.NoError(t, env.repo.CreateDeviceUpdate(ctx, &models.DeviceUpdate{
			DeviceID:   fmt.Sprintf("%s-ok-%d", campaignID, i),
			CampaignID: campaignID,
			FirmwareID: firmwareID,
			Status:     models.UpdateStatusSuccess,
			Progress:   100,
		}))
	}
	for i := 0; i < failed; i++ {
		require.NoError(t, env.repo.CreateDeviceUpdate(ctx, &models.DeviceUpdate{
			DeviceID:   fmt.Sprintf("%s-bad-%d", campaignID, i),
			CampaignID: campaignID,
			FirmwareID: firmwareID,
			Status:     models.UpdateStatusFailed,
		}))
	}
}

func TestEvaluateTriggersAboveThreshold(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	campaign := buildCampaign(t, env, "eval-hot", deviceIDs("dev", 20), models.StrategyImmediate,
		func(c *models.Campaign) {
			c.AutoRollback = true
			c.RollbackThreshold = 20
			c.MinSampleSize = 10
		})

	// 3 failures out of 10 completions: 30% > 20%
	seedTerminalUpdates(t, env, campaign.CampaignID, campaign.FirmwareID, 7, 3)

	decision, err := env.rollbackSvc.Evaluate(ctx, campaign)
	require.NoError(t, err)
	assert.True(t, decision.ShouldRollback)
	assert.InDelta(t, 0.3, decision.FailureRate, 0.001)
	assert.Equal(t, int64(10), decision.Completed)
	assert.Equal(t, int64(10), decision.MinSample)
}

func TestEvaluateWaitsForMinSample(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	campaign := buildCampaign(t, env, "eval-small", deviceIDs("dev", 20), models.StrategyImmediate,
		func(c *models.Campaign) {
			c.AutoRollback = true
			c.RollbackThreshold = 20
			c.MinSampleSize = 10
		})

	// 25% failure rate but only 8 completions, below the sample floor
	seedTerminalUpdates(t, env, campaign.CampaignID, campaign.FirmwareID, 6, 2)

	decision, err := env.rollbackSvc.Evaluate(ctx, campaign)
	require.NoError(t, err)
	assert.False(t, decision.ShouldRollback)
	assert.Equal(t, int64(8), decision.Completed)
}

func TestEvaluateDefaultMinSample(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	// 400 targets: derived floor is 400/20 = 20
	big := make([]string, 400)
	for i := range big {
		big[i] = fmt.Sprintf("flt-%03d", i)
	}
	derived := buildCampaign(t, env, "eval-derived-big", big, models.StrategyImmediate,
		func(c *models.Campaign) {
			c.AutoRollback = true
			c.RollbackThreshold = 10
		})

	decision, err := env.rollbackSvc.Evaluate(ctx, derived)
	require.NoError(t, err)
	assert.Equal(t, int64(20), decision.MinSample)

	// Small fleets floor at 10
	small := buildCampaign(t, env, "eval-derived-small", deviceIDs("sml", 6), models.StrategyImmediate,
		func(c *models.Campaign) {
			c.AutoRollback = true
			c.RollbackThreshold = 10
		})
	decision, err = env.rollbackSvc.Evaluate(ctx, small)
	require.NoError(t, err)
	assert.Equal(t, int64(10), decision.MinSample)
}

func TestEvaluateDisabledGate(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	campaign := buildCampaign(t, env, "eval-off", deviceIDs("dev", 20), models.StrategyImmediate,
		func(c *models.Campaign) { c.MinSampleSize = 5 })

	seedTerminalUpdates(t, env, campaign.CampaignID, campaign.FirmwareID, 1, 9)

	decision, err := env.rollbackSvc.Evaluate(ctx, campaign)
	require.NoError(t, err)
	assert.False(t, decision.ShouldRollback)
	assert.InDelta(t, 0.9, decision.FailureRate, 0.001)
}

func TestEvaluateIgnoresRollbackUpdates(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	campaign := buildCampaign(t, env, "eval-reverse", deviceIDs("dev", 20), models.StrategyImmediate,
		func(c *models.Campaign) {
			c.AutoRollback = true
			c.RollbackThreshold = 20
			c.MinSampleSize = 5
		})

	seedTerminalUpdates(t, env, campaign.CampaignID, campaign.FirmwareID, 8, 1)

	// Failed reverse updates must not feed the gate
	for i := 0; i < 5; i++ {
		require.NoError(t, env.repo.CreateDeviceUpdate(ctx, &models.DeviceUpdate{
			DeviceID:   fmt.Sprintf("rev-%d", i),
			CampaignID: campaign.CampaignID,
			FirmwareID: campaign.FirmwareID,
			Status:     models.UpdateStatusFailed,
			IsRollback: true,
		}))
	}

	decision, err := env.rollbackSvc.Evaluate(ctx, campaign)
	require.NoError(t, err)
	assert.Equal(t, int64(9), decision.Completed)
	assert.False(t, decision.ShouldRollback)
}

func TestTriggerRollbackIssuesReverseUpdates(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	baseline := env.registerFirmware(t, "sensor-gw", "reverse-baseline")
	campaign := buildCampaign(t, env, "reverse", deviceIDs("dev", 10), models.StrategyImmediate,
		func(c *models.Campaign) { c.PreviousFirmwareID = baseline.FirmwareID })
	require.NoError(t, env.campaignSvc.StartCampaign(ctx, campaign.CampaignID))

	seedTerminalUpdates(t, env, campaign.CampaignID, campaign.FirmwareID, 4, 2)

	stored, err := env.repo.FindCampaignByID(ctx, campaign.CampaignID)
	require.NoError(t, err)

	rollbackLog, err := env.rollbackSvc.TriggerRollback(ctx, stored, "too many failures", models.RollbackTriggerAuto, "reconciler")
	require.NoError(t, err)
	assert.Equal(t, models.RollbackStatusCompleted, rollbackLog.Status)
	assert.Equal(t, campaign.FirmwareID, rollbackLog.FromFirmwareID)
	assert.Equal(t, baseline.FirmwareID, rollbackLog.ToFirmwareID)
	assert.Equal(t, models.RollbackTriggerAuto, rollbackLog.TriggeredBy)

	after, err := env.repo.FindCampaignByID(ctx, campaign.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusRolledBack, after.Status)
	assert.NotNil(t, after.RolledBackAt)

	// One reverse update per succeeded device, targeting the baseline
	all, err := env.repo.ListCampaignUpdates(ctx, campaign.CampaignID, true)
	require.NoError(t, err)
	reverse := 0
	for _, u := range all {
		if u.IsRollback {
			reverse++
			assert.Equal(t, baseline.FirmwareID, u.FirmwareID)
			assert.Equal(t, campaign.FirmwareID, u.PreviousFirmwareID)
			assert.Equal(t, models.UpdateStatusScheduled, u.Status)
		}
	}
	assert.Equal(t, 4, reverse)

	assert.Equal(t, 1, env.publisher.count(messaging.EventRollbackInitiated))
	assert.Equal(t, 1, env.publisher.count(messaging.EventRollbackCompleted))
	assert.Equal(t, 1, env.publisher.count(messaging.EventCampaignRolledBack))
}

func TestTriggerRollbackTerminalCampaign(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	campaign := buildCampaign(t, env, "terminal", deviceIDs("dev", 3), models.StrategyImmediate, nil)
	require.NoError(t, env.campaignSvc.StartCampaign(ctx, campaign.CampaignID))
	require.NoError(t, env.campaignSvc.CancelCampaign(ctx, campaign.CampaignID))

	stored, err := env.repo.FindCampaignByID(ctx, campaign.CampaignID)
	require.NoError(t, err)

	_, err = env.rollbackSvc.TriggerRollback(ctx, stored, "late", models.RollbackTriggerManual, "ops")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTriggerRollbackBlueGreenSkipsReverseUpdates(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	baseline := env.registerFirmware(t, "sensor-gw", "bg-baseline")
	campaign := buildCampaign(t, env, "bluegreen", deviceIDs("dev", 6), models.StrategyBlueGreen,
		func(c *models.Campaign) { c.PreviousFirmwareID = baseline.FirmwareID })
	require.NoError(t, env.campaignSvc.StartCampaign(ctx, campaign.CampaignID))

	seedTerminalUpdates(t, env, campaign.CampaignID, campaign.FirmwareID, 3, 3)

	stored, err := env.repo.FindCampaignByID(ctx, campaign.CampaignID)
	require.NoError(t, err)

	rollbackLog, err := env.rollbackSvc.TriggerRollback(ctx, stored, "cutover aborted", models.RollbackTriggerManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.RollbackStatusCompleted, rollbackLog.Status)

	// Cutover never happened, devices still run the old firmware
	all, err := env.repo.ListCampaignUpdates(ctx, campaign.CampaignID, true)
	require.NoError(t, err)
	for _, u := range all {
		assert.False(t, u.IsRollback)
	}
}

func TestTriggerRollbackWithoutBaseline(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	campaign := buildCampaign(t, env, "no-baseline", deviceIDs("dev", 6), models.StrategyImmediate, nil)
	require.NoError(t, env.campaignSvc.StartCampaign(ctx, campaign.CampaignID))

	seedTerminalUpdates(t, env, campaign.CampaignID, campaign.FirmwareID, 3, 3)

	stored, err := env.repo.FindCampaignByID(ctx, campaign.CampaignID)
	require.NoError(t, err)

	rollbackLog, err := env.rollbackSvc.TriggerRollback(ctx, stored, "bad batch", models.RollbackTriggerManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.RollbackStatusCompleted, rollbackLog.Status)
	assert.Empty(t, rollbackLog.ToFirmwareID)

	all, err := env.repo.ListCampaignUpdates(ctx, campaign.CampaignID, true)
	require.NoError(t, err)
	for _, u := range all {
		assert.False(t, u.IsRollback)
	}
}

func TestManualRollback(t *testing.T) {
	env := newTestEnv(0, nil)
	ctx := context.Background()

	baseline := env.registerFirmware(t, "sensor-gw", "manual-baseline")
	campaign := buildCampaign(t, env, "manual", deviceIDs("dev", 5), models.StrategyImmediate,
		func(c *models.Campaign) { c.PreviousFirmwareID = baseline.FirmwareID })
	require.NoError(t, env.campaignSvc.StartCampaign(ctx, campaign.CampaignID))

	rollbackLog, err := env.rollbackSvc.ManualRollback(ctx, campaign.CampaignID, "", "alice@ops")
	require.NoError(t, err)
	assert.Equal(t, models.RollbackTriggerManual, rollbackLog.TriggeredBy)
	assert.Equal(t, "manual rollback", rollbackLog.Reason)
	assert.Equal(t, "alice@ops", rollbackLog.Actor)

	logs, err := env.rollbackSvc.ListRollbacks(ctx, campaign.CampaignID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	// A rolled-back campaign cannot be rolled back again
	_, err = env.rollbackSvc.ManualRollback(ctx, campaign.CampaignID, "again", "alice@ops")
	assert.ErrorIs(t, err, ErrConflict)
}

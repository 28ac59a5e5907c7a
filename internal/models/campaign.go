package models

import (
	"time"
)

// CampaignStatus represents the lifecycle state of a rollout campaign
type CampaignStatus string

const (
	// CampaignStatusCreated represents a campaign that exists but has not started
	CampaignStatusCreated CampaignStatus = "created"
	// CampaignStatusActive represents a campaign that is issuing and tracking updates
	CampaignStatusActive CampaignStatus = "active"
	// CampaignStatusPaused represents a campaign whose advancement is frozen
	CampaignStatusPaused CampaignStatus = "paused"
	// CampaignStatusCompleted represents a campaign that finished its rollout
	CampaignStatusCompleted CampaignStatus = "completed"
	// CampaignStatusCancelled represents a campaign stopped by an operator
	CampaignStatusCancelled CampaignStatus = "cancelled"
	// CampaignStatusRolledBack represents a campaign reverted after excessive failures
	CampaignStatusRolledBack CampaignStatus = "rolled_back"
)

// IsTerminal reports whether the campaign status admits no further transitions
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled || s == CampaignStatusRolledBack
}

// RolloutStrategy represents how a campaign distributes updates across its targets
type RolloutStrategy string

const (
	// StrategyImmediate pushes to the full target set as soon as the campaign starts
	StrategyImmediate RolloutStrategy = "immediate"
	// StrategyScheduled defers expansion until the configured window opens
	StrategyScheduled RolloutStrategy = "scheduled"
	// StrategyStaged grows the rollout along a percentage sequence
	StrategyStaged RolloutStrategy = "staged"
	// StrategyCanary is staged with an initial small cohort watched for failures
	StrategyCanary RolloutStrategy = "canary"
	// StrategyBlueGreen issues to all targets and cuts over only on full success
	StrategyBlueGreen RolloutStrategy = "blue_green"
)

// Campaign represents a coordinated firmware rollout over a set of devices
type Campaign struct {
	Model
	CampaignID         string          `json:"campaign_id" gorm:"uniqueIndex;Column:campaign_id"`
	Name               string          `json:"name" gorm:"Column:name"`
	FirmwareID         string          `json:"firmware_id" gorm:"Column:firmware_id;index"`
	PreviousFirmwareID string          `json:"previous_firmware_id" gorm:"Column:previous_firmware_id"`
	DeviceModel        string          `json:"device_model" gorm:"Column:device_model"`
	Status             CampaignStatus  `json:"status" gorm:"Column:status;index"`
	Strategy           RolloutStrategy `json:"strategy" gorm:"Column:strategy"`
	RolloutPercentage  int             `json:"rollout_percentage" gorm:"Column:rollout_percentage;default:0"`
	StageIndex         int             `json:"stage_index" gorm:"Column:stage_index;default:0"`
	AutoRollback       bool            `json:"auto_rollback" gorm:"Column:auto_rollback;default:false"`
	RollbackThreshold  float64         `json:"rollback_threshold" gorm:"Column:rollback_threshold;default:0"`
	MinSampleSize      uint            `json:"min_sample_size" gorm:"Column:min_sample_size;default:0"`
	Priority           uint            `json:"priority" gorm:"Column:priority;default:5"`
	ScheduleStart      *time.Time      `json:"schedule_start" gorm:"Column:schedule_start"`
	ScheduleEnd        *time.Time      `json:"schedule_end" gorm:"Column:schedule_end"`
	CreatedBy          string          `json:"created_by" gorm:"Column:created_by"`
	StartedAt          *time.Time      `json:"started_at" gorm:"Column:started_at"`
	CompletedAt        *time.Time      `json:"completed_at" gorm:"Column:completed_at"`
	RolledBackAt       *time.Time      `json:"rolled_back_at" gorm:"Column:rolled_back_at"`
	LockVersion        uint            `json:"lock_version" gorm:"Column:lock_version;default:0"`
	Notes              string          `json:"notes" gorm:"Column:notes;type:text"`
}

// CampaignTarget represents a single device enrolled in a campaign
type CampaignTarget struct {
	Model
	CampaignID string `json:"campaign_id" gorm:"Column:campaign_id;index:idx_campaign_device,unique"`
	DeviceID   string `json:"device_id" gorm:"Column:device_id;index:idx_campaign_device,unique"`
}

// CampaignProgress is a live snapshot of a campaign's rollout state
type CampaignProgress struct {
	CampaignID        string         `json:"campaign_id"`
	Status            CampaignStatus `json:"status"`
	RolloutPercentage int            `json:"rollout_percentage"`
	StageIndex        int            `json:"stage_index"`
	TotalTargets      int            `json:"total_targets"`
	SelectedDevices   int            `json:"selected_devices"`
	UpdatesIssued     int            `json:"updates_issued"`
	InFlight          int            `json:"in_flight"`
	Succeeded         int            `json:"succeeded"`
	Failed            int            `json:"failed"`
	Cancelled         int            `json:"cancelled"`
	FailureRate       float64        `json:"failure_rate"`
}

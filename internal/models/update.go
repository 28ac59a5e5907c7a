package models

import (
	"time"
)

// UpdateStatus represents the status of a device update
type UpdateStatus string

const (
	// UpdateStatusPending represents an update that exists but has not been offered yet
	UpdateStatusPending UpdateStatus = "pending"
	// UpdateStatusScheduled represents an update offered to the device
	UpdateStatusScheduled UpdateStatus = "scheduled"
	// UpdateStatusDownloading represents an update the device is downloading
	UpdateStatusDownloading UpdateStatus = "downloading"
	// UpdateStatusInstalling represents an update the device is installing
	UpdateStatusInstalling UpdateStatus = "installing"
	// UpdateStatusSuccess represents a completed update
	UpdateStatusSuccess UpdateStatus = "success"
	// UpdateStatusFailed represents a failed update attempt
	UpdateStatusFailed UpdateStatus = "failed"
	// UpdateStatusCancelled represents an update cancelled before completion
	UpdateStatusCancelled UpdateStatus = "cancelled"
)

// DeviceUpdate represents one firmware update delivered to one device.
// A retried update reuses its row: the reconciler moves it back to
// scheduled with a bumped attempt counter and progress reset to zero.
type DeviceUpdate struct {
	Model
	UpdateID           string       `json:"update_id" gorm:"uniqueIndex;Column:update_id"`
	DeviceID           string       `json:"device_id" gorm:"Column:device_id;index"`
	CampaignID         string       `json:"campaign_id" gorm:"Column:campaign_id;index"`
	FirmwareID         string       `json:"firmware_id" gorm:"Column:firmware_id;index"`
	PreviousFirmwareID string       `json:"previous_firmware_id" gorm:"Column:previous_firmware_id"`
	Status             UpdateStatus `json:"status" gorm:"Column:status;index"`
	Progress           int          `json:"progress" gorm:"Column:progress;default:0"`
	Attempt            uint         `json:"attempt" gorm:"Column:attempt;default:1"`
	RetryCount         uint         `json:"retry_count" gorm:"Column:retry_count;default:0"`
	MaxRetries         uint         `json:"max_retries" gorm:"Column:max_retries;default:3"`
	Priority           uint         `json:"priority" gorm:"Column:priority;default:5"`
	Force              bool         `json:"force" gorm:"Column:force;default:false"`
	IsRollback         bool         `json:"is_rollback" gorm:"Column:is_rollback;default:false"`
	ErrorCode          string       `json:"error_code" gorm:"Column:error_code"`
	ErrorMessage       string       `json:"error_message" gorm:"Column:error_message;type:text"`
	StartedAt          *time.Time   `json:"started_at" gorm:"Column:started_at"`
	CompletedAt        *time.Time   `json:"completed_at" gorm:"Column:completed_at"`
	LockVersion        uint         `json:"lock_version" gorm:"Column:lock_version;default:0"`
}

// IsTerminal reports whether the update admits no further progress. A failed
// update is terminal only once its retry budget is exhausted.
func (u *DeviceUpdate) IsTerminal() bool {
	switch u.Status {
	case UpdateStatusSuccess, UpdateStatusCancelled:
		return true
	case UpdateStatusFailed:
		return u.RetryCount >= u.MaxRetries
	default:
		return false
	}
}

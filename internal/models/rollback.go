package models

// RollbackStatus represents the state of a rollback operation
type RollbackStatus string

const (
	// RollbackStatusInitiated represents a rollback that has been recorded and is issuing reverse updates
	RollbackStatusInitiated RollbackStatus = "initiated"
	// RollbackStatusCompleted represents a rollback whose reverse updates were all issued
	RollbackStatusCompleted RollbackStatus = "completed"
	// RollbackStatusFailed represents a rollback that could not issue all reverse updates
	RollbackStatusFailed RollbackStatus = "failed"
)

// RollbackTrigger identifies what initiated a rollback
type RollbackTrigger string

const (
	// RollbackTriggerAuto marks rollbacks initiated by the failure-rate evaluation
	RollbackTriggerAuto RollbackTrigger = "auto"
	// RollbackTriggerManual marks rollbacks initiated by an operator
	RollbackTriggerManual RollbackTrigger = "manual"
)

// RollbackLog is an append-only record of a rollback operation. A
// campaign-wide rollback leaves DeviceID empty.
type RollbackLog struct {
	Model
	RollbackID     string          `json:"rollback_id" gorm:"uniqueIndex;Column:rollback_id"`
	CampaignID     string          `json:"campaign_id" gorm:"Column:campaign_id;index"`
	DeviceID       string          `json:"device_id" gorm:"Column:device_id"`
	FromFirmwareID string          `json:"from_firmware_id" gorm:"Column:from_firmware_id"`
	ToFirmwareID   string          `json:"to_firmware_id" gorm:"Column:to_firmware_id"`
	Reason         string          `json:"reason" gorm:"Column:reason;type:text"`
	Status         RollbackStatus  `json:"status" gorm:"Column:status"`
	TriggeredBy    RollbackTrigger `json:"triggered_by" gorm:"Column:triggered_by"`
	Actor          string          `json:"actor" gorm:"Column:actor"`
	ErrorMessage   string          `json:"error_message" gorm:"Column:error_message;type:text"`
}

// UpdateHistory is an immutable record written when a device update reaches
// a terminal state.
type UpdateHistory struct {
	Model
	UpdateID        string       `json:"update_id" gorm:"Column:update_id;index"`
	DeviceID        string       `json:"device_id" gorm:"Column:device_id;index"`
	CampaignID      string       `json:"campaign_id" gorm:"Column:campaign_id;index"`
	FirmwareID      string       `json:"firmware_id" gorm:"Column:firmware_id"`
	FinalStatus     UpdateStatus `json:"final_status" gorm:"Column:final_status"`
	Progress        int          `json:"progress" gorm:"Column:progress"`
	Attempt         uint         `json:"attempt" gorm:"Column:attempt"`
	IsRollback      bool         `json:"is_rollback" gorm:"Column:is_rollback"`
	ErrorMessage    string       `json:"error_message" gorm:"Column:error_message;type:text"`
	DurationSeconds float64      `json:"duration_seconds" gorm:"Column:duration_seconds"`
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Model is the base model with common fields for all database entities
type Model struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// Firmware represents registered firmware image metadata. The binary itself
// lives in object storage; this service only tracks the metadata and the
// aggregate install outcomes.
type Firmware struct {
	Model
	FirmwareID     string `json:"firmware_id" gorm:"uniqueIndex;Column:firmware_id"`
	Version        string `json:"version" gorm:"Column:version;index:idx_firmware_model_version,unique"`
	DeviceModel    string `json:"device_model" gorm:"Column:device_model;index:idx_firmware_model_version,unique"`
	Manufacturer   string `json:"manufacturer" gorm:"Column:manufacturer"`
	FileURL        string `json:"file_url" gorm:"Column:file_url"`
	FileSize       uint64 `json:"file_size" gorm:"Column:file_size"`
	MD5Checksum    string `json:"md5_checksum" gorm:"Column:md5_checksum"`
	SHA256Checksum string `json:"sha256_checksum" gorm:"Column:sha256_checksum"`
	Beta           bool   `json:"beta" gorm:"Column:beta;default:false"`
	SecurityPatch  bool   `json:"security_patch" gorm:"Column:security_patch;default:false"`
	SuccessCount   uint   `json:"success_count" gorm:"Column:success_count;default:0"`
	FailureCount   uint   `json:"failure_count" gorm:"Column:failure_count;default:0"`
	ReleaseNotes   string `json:"release_notes" gorm:"Column:release_notes;type:text"`
}

// SuccessRate returns the observed install success rate in [0,1], or 0
// when no outcomes have been recorded yet.
func (f *Firmware) SuccessRate() float64 {
	total := f.SuccessCount + f.FailureCount
	if total == 0 {
		return 0
	}
	return float64(f.SuccessCount) / float64(total)
}

// Package rollout provides deterministic device selection for staged
// firmware rollouts. A device's bucket depends only on the campaign and
// device identifiers, so growing a campaign's percentage only ever adds
// devices to the selected set.
package rollout

import (
	"crypto/sha256"
	"encoding/binary"
)

// Bucket maps a (campaign, device) pair to a stable position in [0, 100)
func Bucket(campaignID, deviceID string) float64 {
	sum := sha256.Sum256([]byte(campaignID + ":" + deviceID))
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v) / (1 << 64) * 100
}

// Select returns the devices whose bucket falls below the rollout
// percentage, preserving input order. A percentage of 100 or more selects
// every device; 0 or less selects none.
func Select(campaignID string, deviceIDs []string, percentage int) []string {
	if percentage <= 0 {
		return nil
	}

	selected := make([]string, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		if Bucket(campaignID, deviceID) < float64(percentage) {
			selected = append(selected, deviceID)
		}
	}

	return selected
}

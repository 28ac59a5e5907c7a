package rollout

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevices(n int) []string {
	devices := make([]string, 0, n)
	for i := 0; i < n; i++ {
		devices = append(devices, fmt.Sprintf("device-%04d", i))
	}
	return devices
}

func TestBucketRange(t *testing.T) {
	for _, deviceID := range testDevices(500) {
		b := Bucket("campaign-a", deviceID)
		require.GreaterOrEqual(t, b, 0.0)
		require.Less(t, b, 100.0)
	}
}

func TestBucketDeterministic(t *testing.T) {
	assert.Equal(t, Bucket("campaign-a", "device-1"), Bucket("campaign-a", "device-1"))
	assert.NotEqual(t, Bucket("campaign-a", "device-1"), Bucket("campaign-b", "device-1"))
}

func TestSelectMonotonic(t *testing.T) {
	devices := testDevices(1000)

	prev := map[string]bool{}
	for _, pct := range []int{0, 10, 25, 50, 75, 100} {
		selected := Select("campaign-a", devices, pct)

		// Every previously selected device stays selected as the percentage grows
		current := make(map[string]bool, len(selected))
		for _, d := range selected {
			current[d] = true
		}
		for d := range prev {
			assert.True(t, current[d], "device %s dropped at %d%%", d, pct)
		}
		prev = current
	}

	assert.Empty(t, Select("campaign-a", devices, 0))
	assert.Len(t, Select("campaign-a", devices, 100), len(devices))
}

func TestSelectApproximatesPercentage(t *testing.T) {
	devices := testDevices(2000)

	selected := Select("campaign-a", devices, 25)
	// Hash-based bucketing should land close to the requested fraction
	assert.InDelta(t, 500, len(selected), 75)
}

func TestSelectPreservesOrder(t *testing.T) {
	devices := testDevices(200)
	selected := Select("campaign-a", devices, 50)

	require.NotEmpty(t, selected)
	pos := map[string]int{}
	for i, d := range devices {
		pos[d] = i
	}
	for i := 1; i < len(selected); i++ {
		assert.Less(t, pos[selected[i-1]], pos[selected[i]])
	}
}

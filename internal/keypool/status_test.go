package keypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_EmptyPool(t *testing.T) {
	p := newTestPool(nil, 10, nil)

	st := p.Status()
	assert.Equal(t, Status{}, st)
	assert.Empty(t, p.Snapshot())
}

func TestStatus_Aggregates(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool([]string{"k1", "k2", "k3"}, 10, clock)

	for i := 0; i < 4; i++ {
		asg, err := p.Acquire()
		require.NoError(t, err)
		if i%2 == 0 {
			p.ReportSuccess(asg.Ordinal)
		}
	}
	p.ReportExhausted(2, time.Hour)

	st := p.Status()
	assert.Equal(t, 3, st.TotalSlots)
	assert.Equal(t, 2, st.HealthySlots)
	assert.Equal(t, 4, st.TotalUsage)
	assert.Equal(t, 2, st.TotalSuccess)
	assert.Equal(t, 1, st.TotalErrors)
	assert.Equal(t, 26, st.RemainingCapacity)
	assert.Equal(t, 87, st.CapacityPercent) // round(26/30*100)
}

func TestStatus_HealthyCountsExpiredCooldown(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool([]string{"k1", "k2"}, 10, clock)

	p.ReportExhausted(1, 10*time.Minute)
	assert.Equal(t, 1, p.Status().HealthySlots)

	// Past expiry the slot counts as healthy again even though the stored
	// flag is still false.
	clock.Advance(11 * time.Minute)
	assert.Equal(t, 2, p.Status().HealthySlots)
}

func TestSnapshot_MasksKeys(t *testing.T) {
	p := newTestPool([]string{"AIzaSyAbc123def456", "sk-ark-secret-value"}, 10, nil)

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "AIza...", snap[0].Key)
	assert.Equal(t, "sk-a...", snap[1].Key)
}

func TestSnapshot_CooldownAndLastUsedPointers(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool([]string{"k1", "k2"}, 10, clock)

	snap := p.Snapshot()
	assert.Nil(t, snap[0].CooldownUntil)
	assert.Nil(t, snap[0].LastUsedAt)

	asg, err := p.Acquire()
	require.NoError(t, err)
	p.ReportExhausted(asg.Ordinal, 30*time.Minute)

	snap = p.Snapshot()
	require.NotNil(t, snap[0].LastUsedAt)
	assert.Equal(t, clock.Now(), *snap[0].LastUsedAt)
	require.NotNil(t, snap[0].CooldownUntil)
	assert.Equal(t, clock.Now().Add(30*time.Minute), *snap[0].CooldownUntil)
	assert.False(t, snap[0].Eligible)
	assert.True(t, snap[1].Eligible)
}

func TestStatus_RemainingClampedAfterCapacityLowered(t *testing.T) {
	// Simulates a restart with a smaller capacity_per_key than slots have
	// already spent: display clamps to zero rather than going negative.
	clock := newFakeClock()
	p := newTestPool([]string{"k1"}, 3, clock)
	for i := 0; i < 3; i++ {
		_, err := p.Acquire()
		require.NoError(t, err)
	}
	p.capacity = 2

	st := p.Status()
	assert.Equal(t, 0, st.RemainingCapacity)
	assert.Equal(t, 0, st.CapacityPercent)
	assert.Equal(t, 3, st.TotalUsage)
}

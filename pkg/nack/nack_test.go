package nack_test

import (
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/nack"
	"github.com/stretchr/testify/require"
)

func TestTrackerDetectsGapAndSchedulesNack(t *testing.T) {
	tr := nack.New(100, nil)
	base := time.Unix(0, 0)

	tr.OnPacketReceived(1, base)
	tr.OnPacketReceived(4, base) // skips 2, 3

	require.Equal(t, 2, tr.PendingCount())

	due := tr.DueNacks(base.Add(25 * time.Millisecond))
	require.ElementsMatch(t, []uint16{2, 3}, due)
}

func TestTrackerMarksRecoveredOnLateArrival(t *testing.T) {
	tr := nack.New(100, nil)
	base := time.Unix(0, 0)

	tr.OnPacketReceived(1, base)
	tr.OnPacketReceived(3, base)
	require.Equal(t, 1, tr.PendingCount())

	tr.OnPacketReceived(2, base.Add(5*time.Millisecond))
	require.Equal(t, 0, tr.PendingCount())

	snap := tr.Snapshot()
	require.Equal(t, uint64(1), snap.Recovered)
}

func TestTrackerGivesUpAfterMaxRetries(t *testing.T) {
	tr := nack.New(1000, nil)
	base := time.Unix(0, 0)

	tr.OnPacketReceived(1, base)
	tr.OnPacketReceived(3, base) // gap at seq 2

	now := base
	for i := 0; i <= nack.MaxRetries; i++ {
		now = now.Add(time.Second)
		tr.DueNacks(now)
	}

	require.Equal(t, 0, tr.PendingCount())
	require.True(t, tr.IsGivenUp(2))
}

func TestTrackerRateLimiterCapsNackBurst(t *testing.T) {
	tr := nack.New(1, nil)
	base := time.Unix(0, 0)

	tr.OnPacketReceived(0, base)
	tr.OnPacketReceived(10, base)

	due := tr.DueNacks(base.Add(25 * time.Millisecond))
	require.LessOrEqual(t, len(due), 2)
}

func TestFirstPacketDoesNotTriggerGap(t *testing.T) {
	tr := nack.New(100, nil)
	tr.OnPacketReceived(500, time.Unix(0, 0))
	require.Equal(t, 0, tr.PendingCount())
}

package jitter_test

import (
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/jitter"
	"github.com/stretchr/testify/require"
)

func TestBufferReleasesCompleteFrameAfterTargetDepth(t *testing.T) {
	b := jitter.New(jitter.QualityBalanced, nil)
	base := time.Unix(0, 0)

	b.Push(1, 0, 2, []byte("aa"), base)
	b.Push(1, 1, 2, []byte("bb"), base)

	require.Empty(t, b.Pop(base))

	later := base.Add(time.Duration(jitter.QualityBalanced.TargetDepthMs()+5) * time.Millisecond)
	out := b.Pop(later)
	require.Len(t, out, 1)
	require.Equal(t, uint32(1), out[0].FrameNumber)
	require.Equal(t, []byte("aabb"), out[0].Payload)
}

func TestBufferReleasesEarlyOnCompleteCountOverride(t *testing.T) {
	b := jitter.New(jitter.QualityQuality, nil)
	base := time.Unix(0, 0)

	b.Push(1, 0, 1, []byte("frame1"), base)
	b.Push(2, 0, 1, []byte("frame2"), base)
	b.Push(3, 0, 1, []byte("frame3"), base)
	b.Push(4, 0, 1, []byte("frame4"), base)

	// No frame has reached the 40ms target depth, but frame 1 has three
	// complete later frames and is released; frame 2 has only two.
	out := b.Pop(base)
	require.Len(t, out, 1)
	require.Equal(t, uint32(1), out[0].FrameNumber)

	// The override only applies to a complete head-of-line frame.
	b2 := jitter.New(jitter.QualityQuality, nil)
	b2.Push(1, 0, 2, []byte("half"), base) // only fragment 0 of 2 arrives
	b2.Push(2, 0, 1, []byte("f2"), base)
	b2.Push(3, 0, 1, []byte("f3"), base)
	b2.Push(4, 0, 1, []byte("f4"), base)

	// Frame 1 never completes, so it can't be released via the
	// override path (only complete frames are releasable); this
	// exercises PendingCount staying nonzero.
	require.Greater(t, b2.PendingCount(), 0)
}

func TestBufferDropsStaleFragmentsFarBehindCursor(t *testing.T) {
	b := jitter.New(jitter.QualityPerformance, nil)
	base := time.Unix(0, 0)

	b.Push(200, 0, 1, []byte("f200"), base)
	_ = b.Pop(base.Add(50 * time.Millisecond))

	// Now nextRelease is 201; frame 1 is 200 frames behind it, past the
	// 100-frame limit, so its fragment is dropped rather than stored.
	b.Push(1, 0, 1, []byte("stale"), base)
	require.Equal(t, 0, b.PendingCount())
}

func TestBufferForcesDropOnMaxAge(t *testing.T) {
	b := jitter.New(jitter.QualityBalanced, nil)
	base := time.Unix(0, 0)

	// Frame 1 never completes (only 1 of 2 fragments arrives).
	b.Push(1, 0, 2, []byte("a"), base)
	b.Push(2, 0, 1, []byte("b"), base)

	later := base.Add(time.Duration(jitter.DefaultMaxFrameAgeMs+10) * time.Millisecond)
	out := b.Pop(later)

	var gotFrame2 bool
	for _, f := range out {
		if f.FrameNumber == 2 {
			gotFrame2 = true
		}
	}
	require.True(t, gotFrame2)
}

func TestQualityTargetDepths(t *testing.T) {
	require.Equal(t, 10, jitter.QualityPerformance.TargetDepthMs())
	require.Equal(t, 20, jitter.QualityBalanced.TargetDepthMs())
	require.Equal(t, 40, jitter.QualityQuality.TargetDepthMs())
}

package statsrep_test

import (
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/statsrep"
	"github.com/stretchr/testify/require"
)

func TestReporterZeroLossOnCleanSequence(t *testing.T) {
	r := statsrep.New(nil)
	base := time.Unix(0, 0)

	for i := uint16(0); i < 10; i++ {
		r.OnVideoPacket(i, uint32(i)*1000, base.Add(time.Duration(i)*10*time.Millisecond), 1200)
	}

	fb := r.BuildFeedback()
	require.Equal(t, uint16(0), fb.LossX10000)
	require.Equal(t, uint16(9), fb.LastSeq)
}

func TestReporterDetectsLossAcrossGap(t *testing.T) {
	r := statsrep.New(nil)
	base := time.Unix(0, 0)

	r.OnVideoPacket(0, 0, base, 1000)
	r.OnVideoPacket(1, 1000, base.Add(10*time.Millisecond), 1000)
	// seq 2 and 3 never arrive
	r.OnVideoPacket(4, 4000, base.Add(40*time.Millisecond), 1000)

	fb := r.BuildFeedback()
	require.Greater(t, fb.LossX10000, uint16(0))
}

func TestReporterMissingSeqsTruncatedToWireMax(t *testing.T) {
	r := statsrep.New(nil)
	seqs := make([]uint16, 100)
	for i := range seqs {
		seqs[i] = uint16(i)
	}
	r.SetMissingSeqs(seqs)

	fb := r.BuildFeedback()
	require.LessOrEqual(t, len(fb.NackSeqs), 64)
}

func TestReporterSecondIntervalStartsClean(t *testing.T) {
	r := statsrep.New(nil)
	base := time.Unix(0, 0)

	r.OnVideoPacket(0, 0, base, 1000)
	r.OnVideoPacket(1, 1000, base.Add(10*time.Millisecond), 1000)
	first := r.BuildFeedback()
	require.Equal(t, uint16(0), first.LossX10000)

	r.OnVideoPacket(2, 2000, base.Add(20*time.Millisecond), 1000)
	second := r.BuildFeedback()
	require.Equal(t, uint16(0), second.LossX10000)
}

func TestReporterDecodeTimeAndFramesDroppedSurfaceInFeedback(t *testing.T) {
	r := statsrep.New(nil)
	r.SetDecodeTimeUs(25000)
	r.IncFramesDropped()
	r.IncFramesDropped()

	fb := r.BuildFeedback()
	require.Equal(t, uint32(25000), fb.DecodeTimeUs)
	require.Equal(t, uint16(2), fb.FramesDropped)
}

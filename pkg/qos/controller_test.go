package qos_test

import (
	"testing"

	"github.com/ethan/crazystream/pkg/qos"
	"github.com/ethan/crazystream/pkg/wire"
	"github.com/stretchr/testify/require"
)

// Congestion-induced downgrade: loss=5% for three cycles in a row
// multiplies bitrate by 0.85 each cycle starting from 20000 kbps.
func TestControllerDecreasesBitrateOnSustainedLoss(t *testing.T) {
	preset := qos.GetPreset(qos.ModeBalanced)
	preset.TargetBitrateKbps = 20000
	preset.MinBitrateKbps = 1000
	preset.MaxBitrateKbps = 35000

	c := qos.New(preset, false, nil)

	var got []int
	c.SetCallbacks(func(bitrateKbps, fps, w, h int) {
		got = append(got, bitrateKbps)
	}, nil, nil)

	for i := 0; i < 3; i++ {
		c.OnFeedback(wire.QosFeedback{LossX10000: 500})
	}

	require.Len(t, got, 3)
	require.Equal(t, qos.StateDecrease, c.State())
	require.Less(t, got[2], got[1])
	require.Less(t, got[1], got[0])
}

// Decode bottleneck: two cycles of decode_time_us=25000 step the
// resolution ladder down once the cooldown elapses, without touching
// bitrate.
func TestControllerStepsResolutionDownOnDecodeBottleneck(t *testing.T) {
	preset := qos.GetPreset(qos.ModeBalanced)
	c := qos.New(preset, false, nil)

	var resChanges int
	c.SetCallbacks(nil, func(w, h int) { resChanges++ }, nil)

	c.OnFeedback(wire.QosFeedback{DecodeTimeUs: 25000})
	require.Equal(t, 1, resChanges)

	// Cooldown should suppress an immediate second step.
	c.OnFeedback(wire.QosFeedback{DecodeTimeUs: 25000})
	require.Equal(t, 1, resChanges)
}

func TestControllerIncreasesOnLowLossAndUnderuseGradient(t *testing.T) {
	preset := qos.GetPreset(qos.ModeBalanced)
	preset.TargetBitrateKbps = 10000
	preset.MaxBitrateKbps = 20000
	c := qos.New(preset, false, nil)

	c.OnFeedback(wire.QosFeedback{LossX10000: 0, DelayGradientUs: -2000})
	require.Equal(t, qos.StateIncrease, c.State())
	require.Greater(t, c.CurrentBitrateKbps(), 10000)
}

func TestControllerVPNModeWidensOveruseThreshold(t *testing.T) {
	preset := qos.GetPreset(qos.ModeBalanced)
	withoutVPN := qos.New(preset, false, nil)
	withVPN := qos.New(preset, true, nil)

	// 6 ms/s exceeds the plain 5 ms/s threshold but not 5*1.5=7.5 ms/s.
	fb := wire.QosFeedback{DelayGradientUs: 6000}
	withoutVPN.OnFeedback(fb)
	withVPN.OnFeedback(fb)

	require.Equal(t, qos.StateDecrease, withoutVPN.State())
	require.Equal(t, qos.StateHold, withVPN.State())
}

func TestZeroLossFeedbackLiteralReportsZeroLoss(t *testing.T) {
	fb := wire.QosFeedback{LossX10000: 0}
	require.Zero(t, fb.LossX10000)
}

func TestApplyingSamePresetTwiceIsIdempotent(t *testing.T) {
	preset := qos.GetPreset(qos.ModeCompetitive)
	c := qos.New(preset, false, nil)
	c.ApplyPreset(preset)
	res1, fps1, br1 := c.CurrentResolution(), c.CurrentFPS(), c.CurrentBitrateKbps()
	c.ApplyPreset(preset)
	res2, fps2, br2 := c.CurrentResolution(), c.CurrentFPS(), c.CurrentBitrateKbps()
	require.Equal(t, res1, res2)
	require.Equal(t, fps1, fps2)
	require.Equal(t, br1, br2)
}

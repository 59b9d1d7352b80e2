package qos_test

import (
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/qos"
	"github.com/stretchr/testify/require"
)

func TestBandwidthEstimatorComputesThroughputFromWindow(t *testing.T) {
	b := qos.NewBandwidthEstimator()
	base := time.Unix(0, 0)

	for i := uint16(0); i < 10; i++ {
		sendAt := base.Add(time.Duration(i) * 10 * time.Millisecond)
		b.OnPacketSent(i, 1200, sendAt)
		recvAt := sendAt.Add(5 * time.Millisecond)
		b.OnAckReceived(i, recvAt)
	}

	require.Greater(t, b.BandwidthKbps(), 0.0)
}

func TestBandwidthEstimatorIgnoresUnknownAck(t *testing.T) {
	b := qos.NewBandwidthEstimator()
	bw, rtt := b.OnAckReceived(999, time.Unix(1, 0))
	require.Zero(t, bw)
	require.Zero(t, rtt)
}

func TestBandwidthEstimatorDelayGradientStartsAtZero(t *testing.T) {
	b := qos.NewBandwidthEstimator()
	require.Zero(t, b.DelayGradientMsPerS())
}

func TestBandwidthEstimatorRisingOWDProducesPositiveGradient(t *testing.T) {
	b := qos.NewBandwidthEstimator()
	base := time.Unix(0, 0)

	owd := 5 * time.Millisecond
	for i := uint16(0); i < 20; i++ {
		sendAt := base.Add(time.Duration(i) * 20 * time.Millisecond)
		b.OnPacketSent(i, 1200, sendAt)
		owd += time.Millisecond
		b.OnAckReceived(i, sendAt.Add(2*owd))
	}

	require.Greater(t, b.DelayGradientMsPerS(), 0.0)
}

package hoststream_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/hoststream"
	"github.com/ethan/crazystream/pkg/media"
	"github.com/ethan/crazystream/pkg/qos"
	"github.com/ethan/crazystream/pkg/transport"
	"github.com/ethan/crazystream/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestHostStreamLoopSendsFramesAndReactsToFeedback(t *testing.T) {
	connA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { connA.Close() })
	connB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { connB.Close() })

	addrA := connA.LocalAddr().(*net.UDPAddr)
	addrB := connB.LocalAddr().(*net.UDPAddr)

	hostTr := transport.New(connA, addrB, nil)
	viewerTr := transport.New(connB, addrA, nil)

	var gotFrames int
	viewerTr.SetHandlers(transport.Handlers{
		OnVideo: func(wire.VideoHeader, []byte) { gotFrames++ },
	})

	hostTr.Start()
	viewerTr.Start()
	t.Cleanup(func() { hostTr.Stop() })
	t.Cleanup(func() { viewerTr.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() { hostTr.HandshakeAsClient(ctx); done <- struct{}{} }()
	go func() { viewerTr.HandshakeAsServer(ctx); done <- struct{}{} }()
	<-done
	<-done

	capture := &media.FakeCapture{Width: 64, Height: 64}
	encoder := &media.FakeEncoder{}
	require.NoError(t, encoder.Initialize(media.EncoderConfig{Codec: media.CodecH264, GOPLength: 30}))
	audioCapture := &media.FakeAudioCapture{}
	audioEncoder := &media.FakeAudioEncoder{}

	qosCtl := qos.New(qos.GetPreset(qos.ModeLAN), false, nil)
	bwe := qos.NewBandwidthEstimator()

	h := hoststream.New(capture, encoder, audioCapture, audioEncoder, hostTr, qosCtl, bwe, 1400, 0, false, nil)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)

	require.Eventually(t, func() bool {
		return gotFrames > 0
	}, 2*time.Second, 10*time.Millisecond)

	snap := h.Snapshot()
	require.Greater(t, snap.FramesSent, uint64(0))

	require.NoError(t, viewerTr.SendQosFeedback(wire.QosFeedback{LastSeq: 0, LossX10000: 0}))
	require.Eventually(t, func() bool {
		return !h.Snapshot().Paused
	}, time.Second, 10*time.Millisecond)
}

package viewerpipe_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/jitter"
	"github.com/ethan/crazystream/pkg/media"
	"github.com/ethan/crazystream/pkg/nack"
	"github.com/ethan/crazystream/pkg/statsrep"
	"github.com/ethan/crazystream/pkg/transport"
	"github.com/ethan/crazystream/pkg/viewerpipe"
	"github.com/ethan/crazystream/pkg/wire"
	"github.com/stretchr/testify/require"
)

func udpPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return a, b
}

func TestViewerPipelineDecodesAndRendersDeliveredFrame(t *testing.T) {
	connA, connB := udpPair(t)
	addrA := connA.LocalAddr().(*net.UDPAddr)
	addrB := connB.LocalAddr().(*net.UDPAddr)

	hostTr := transport.New(connA, addrB, nil)
	viewerTr := transport.New(connB, addrA, nil)

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

	jb := jitter.New(jitter.QualityPerformance, nil)
	nt := nack.New(50, nil)
	rep := statsrep.New(nil)
	decoder := &media.FakeDecoder{}
	require.NoError(t, decoder.Initialize(media.CodecH264, 64, 64))
	renderer := &media.FakeRenderer{}
	audioDecoder := &media.FakeAudioDecoder{}
	audioPlayback := &media.FakeAudioPlayback{}

	pipe := viewerpipe.New(jb, nt, rep, decoder, renderer, audioDecoder, audioPlayback, viewerTr, nil)
	pipe.Start()
	t.Cleanup(pipe.Stop)

	require.NoError(t, hostTr.SendVideoFrame(1, wire.FrameTypeKey, wire.CodecH264, 0, []byte("one-frame-payload"), 1400, 0))

	require.Eventually(t, func() bool {
		return renderer.Rendered > 0
	}, 2*time.Second, 10*time.Millisecond)

	snap := pipe.Snapshot()
	require.Greater(t, snap.FramesDecoded, uint64(0))
	require.Greater(t, snap.FramesRendered, uint64(0))
}

func TestViewerPipelineDecodesAudioWithConcealmentOnFailure(t *testing.T) {
	connA, connB := udpPair(t)
	addrA := connA.LocalAddr().(*net.UDPAddr)
	addrB := connB.LocalAddr().(*net.UDPAddr)

	viewerTr := transport.New(connB, addrA, nil)
	viewerTr.Start()
	t.Cleanup(func() { viewerTr.Stop() })

	jb := jitter.New(jitter.QualityPerformance, nil)
	nt := nack.New(50, nil)
	rep := statsrep.New(nil)
	decoder := &media.FakeDecoder{}
	require.NoError(t, decoder.Initialize(media.CodecH264, 64, 64))
	renderer := &media.FakeRenderer{}
	audioDecoder := &media.FakeAudioDecoder{}
	audioPlayback := &media.FakeAudioPlayback{}

	pipe := viewerpipe.New(jb, nt, rep, decoder, renderer, audioDecoder, audioPlayback, viewerTr, nil)
	pipe.Start()
	t.Cleanup(pipe.Stop)

	encoder := &media.FakeAudioEncoder{}
	encoded, err := encoder.Encode(make([]float32, 480*2))
	require.NoError(t, err)
	pipe.EnqueueAudio(wire.AudioHeader{ChannelID: 0, Sequence: 1}, encoded)

	pipe.EnqueueAudio(wire.AudioHeader{ChannelID: 0, Sequence: 2}, []byte{0x01}) // malformed: triggers concealment

	require.Eventually(t, func() bool {
		snap := pipe.Snapshot()
		return snap.AudioPackets > 0 && snap.ConcealedFrames > 0
	}, 2*time.Second, 10*time.Millisecond)
}

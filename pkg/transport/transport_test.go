package transport_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/transport"
	"github.com/ethan/crazystream/pkg/wire"
	"github.com/stretchr/testify/require"
)

func loopbackPair(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()

	connA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { connA.Close() })

	connB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { connB.Close() })

	addrA := connA.LocalAddr().(*net.UDPAddr)
	addrB := connB.LocalAddr().(*net.UDPAddr)

	a := transport.New(connA, addrB, nil)
	b := transport.New(connB, addrA, nil)
	return a, b
}

func handshake(t *testing.T, client, server *transport.Transport) {
	t.Helper()

	client.Start()
	server.Start()
	t.Cleanup(func() { client.Stop() })
	t.Cleanup(func() { server.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var clientErr, serverErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientErr = client.HandshakeAsClient(ctx)
	}()
	go func() {
		defer wg.Done()
		serverErr = server.HandshakeAsServer(ctx)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
}

func TestTransportHandshakeAndVideoFrameDelivery(t *testing.T) {
	client, server := loopbackPair(t)

	received := make(chan []byte, 4)
	server.SetHandlers(transport.Handlers{
		OnVideo: func(hdr wire.VideoHeader, payload []byte) {
			require.Equal(t, wire.FrameTypeKey, hdr.FrameType)
			buf := append([]byte(nil), payload...)
			received <- buf
		},
	})

	handshake(t, client, server)

	frame := []byte("one-encoded-access-unit")
	require.NoError(t, client.SendVideoFrame(1, wire.FrameTypeKey, wire.CodecH264, 0, frame, 1400, 0))

	select {
	case got := <-received:
		require.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for video frame delivery")
	}
}

func TestTransportFragmentsOversizeFrameAndSendsFEC(t *testing.T) {
	client, server := loopbackPair(t)

	var mu sync.Mutex
	var fragments [][]byte
	var parityCount int

	server.SetHandlers(transport.Handlers{
		OnVideo: func(hdr wire.VideoHeader, payload []byte) {
			mu.Lock()
			defer mu.Unlock()
			fragments = append(fragments, append([]byte(nil), payload...))
		},
		OnFEC: func(f wire.FEC) {
			mu.Lock()
			defer mu.Unlock()
			parityCount++
			require.Equal(t, uint8(3), f.GroupSize)
		},
	})

	handshake(t, client, server)

	frame := make([]byte, 2500)
	for i := range frame {
		frame[i] = byte(i)
	}
	require.NoError(t, client.SendVideoFrame(2, wire.FrameTypeDelta, wire.CodecH264, 0, frame, 1000, 0.2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fragments) == 3 && parityCount == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTransportSendsAudioAndControllerPackets(t *testing.T) {
	client, server := loopbackPair(t)

	audioCh := make(chan wire.AudioHeader, 1)
	controllerCh := make(chan wire.Controller, 1)
	server.SetHandlers(transport.Handlers{
		OnAudio:      func(hdr wire.AudioHeader, _ []byte) { audioCh <- hdr },
		OnController: func(c wire.Controller) { controllerCh <- c },
	})

	handshake(t, client, server)

	require.NoError(t, client.SendAudioPacket(1, 48000, []byte{1, 2, 3}))
	require.NoError(t, client.SendController(wire.Controller{ControllerID: 0, Buttons: 0x1}))

	select {
	case hdr := <-audioCh:
		require.Equal(t, uint8(1), hdr.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio packet")
	}

	select {
	case c := <-controllerCh:
		require.Equal(t, uint16(0x1), c.Buttons)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for controller packet")
	}
}

func TestTransportNegotiatesProtocolTag(t *testing.T) {
	client, server := loopbackPair(t)
	handshake(t, client, server)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var clientErr, serverErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientErr = client.NegotiateProtocol(ctx)
	}()
	go func() {
		defer wg.Done()
		serverErr = server.NegotiateProtocol(ctx)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
}

func TestTransportRetransmitServesFromCache(t *testing.T) {
	client, server := loopbackPair(t)

	var seqMu sync.Mutex
	var seenSeq uint16
	seenCh := make(chan struct{}, 4)
	server.SetHandlers(transport.Handlers{
		OnVideo: func(hdr wire.VideoHeader, _ []byte) {
			seqMu.Lock()
			seenSeq = hdr.Sequence
			seqMu.Unlock()
			seenCh <- struct{}{}
		},
	})

	handshake(t, client, server)

	require.NoError(t, client.SendVideoFrame(3, wire.FrameTypeKey, wire.CodecH264, 0, []byte("abc"), 1400, 0))
	<-seenCh

	seqMu.Lock()
	seq := seenSeq
	seqMu.Unlock()

	client.Retransmit([]uint16{seq})
	<-seenCh

	snap := client.Snapshot()
	require.GreaterOrEqual(t, snap.PacketsSent, uint64(1))
}

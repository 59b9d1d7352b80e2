package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethan/crazystream/pkg/media"
	"github.com/ethan/crazystream/pkg/qos"
	"github.com/ethan/crazystream/pkg/session"
	"github.com/stretchr/testify/require"
)

// loopback binds both ends to 127.0.0.1 so ICE host-candidate
// connectivity checks succeed without any real NAT in the way.
func newHostSession(t *testing.T) *session.Session {
	t.Helper()
	cfg := session.Config{
		BindAddress: "127.0.0.1:0",
		MTU:         1400,
		GamingMode:  qos.ModeLAN,
		Codec:       media.CodecH264,
		Width:       64,
		Height:      64,
		FPS:         30,
	}
	backends := session.HostBackends{
		Capture:      &media.FakeCapture{Width: 64, Height: 64},
		Encoder:      &media.FakeEncoder{},
		AudioCapture: &media.FakeAudioCapture{},
		AudioEncoder: &media.FakeAudioEncoder{},
	}
	return session.NewHost(cfg, backends, nil)
}

func newViewerSession(t *testing.T) *session.Session {
	t.Helper()
	cfg := session.Config{
		BindAddress: "127.0.0.1:0",
		MTU:         1400,
		GamingMode:  qos.ModeLAN,
		Codec:       media.CodecH264,
		Width:       64,
		Height:      64,
	}
	backends := session.ViewerBackends{
		Decoder:       &media.FakeDecoder{},
		Renderer:      &media.FakeRenderer{},
		AudioDecoder:  &media.FakeAudioDecoder{},
		AudioPlayback: &media.FakeAudioPlayback{},
	}
	return session.NewViewer(cfg, backends, nil)
}

func TestSessionConnectsAndStreamsEndToEnd(t *testing.T) {
	host := newHostSession(t)
	viewer := newViewerSession(t)

	require.Equal(t, session.StateIdle, host.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostCandidates, err := host.Prepare(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, hostCandidates)
	require.Equal(t, session.StatePrepared, host.State())

	viewerCandidates, err := viewer.Prepare(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, viewerCandidates)

	done := make(chan error, 2)
	go func() { done <- host.Connect(ctx, viewerCandidates) }()
	go func() { done <- viewer.Connect(ctx, hostCandidates) }()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	t.Cleanup(func() { host.Stop() })
	t.Cleanup(func() { viewer.Stop() })

	require.Equal(t, session.StateStreaming, host.State())
	require.Equal(t, session.StateStreaming, viewer.State())

	require.NoError(t, viewer.SetGamingMode(qos.ModeCompetitive))
	require.NoError(t, host.Reconfigure(4000, 60))

	require.NoError(t, host.Stop())
	require.Equal(t, session.StateIdle, host.State())
	// Stop is idempotent.
	require.NoError(t, host.Stop())
}

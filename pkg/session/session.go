// Package session implements the connection lifecycle orchestrator
// described in spec.md §4.14: an Idle→Prepared→Connecting→Streaming→
// Stopping state machine that wires ICE candidate gathering, the DTLS
// handshake and protocol-version exchange, and the host/viewer
// pipelines into one UDP socket, plus a dead-connection watchdog that
// gives up after a bounded reconnect budget per spec.md §5. Grounded
// on the teacher's pkg/relay/relay.go + cmd/relay/main.go wiring
// style: a context+cancel+WaitGroup owner that constructs its
// collaborators, starts them in dependency order, and tears them down
// in reverse.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/crazystream/pkg/hoststream"
	"github.com/ethan/crazystream/pkg/icex"
	"github.com/ethan/crazystream/pkg/jitter"
	"github.com/ethan/crazystream/pkg/logger"
	"github.com/ethan/crazystream/pkg/media"
	"github.com/ethan/crazystream/pkg/nack"
	"github.com/ethan/crazystream/pkg/qos"
	"github.com/ethan/crazystream/pkg/statsrep"
	"github.com/ethan/crazystream/pkg/transport"
	"github.com/ethan/crazystream/pkg/viewerpipe"
	"github.com/ethan/crazystream/pkg/wire"
)

// Role distinguishes the host (capture/encode/send) end of a session
// from the viewer (receive/decode/render) end.
type Role uint8

const (
	RoleHost Role = iota
	RoleViewer
)

// State is the session's current lifecycle stage.
type State int32

const (
	StateIdle State = iota
	StatePrepared
	StateConnecting
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StatePrepared:
		return "prepared"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Typed fatal errors surfaced by Prepare/Connect or the reconnect
// watchdog. Each wraps its cause so callers can still errors.Is/As
// through to it.

// TransportBindFailure means the local UDP socket could not be opened.
type TransportBindFailure struct{ Err error }

func (e *TransportBindFailure) Error() string {
	return fmt.Sprintf("session: transport bind failed: %v", e.Err)
}
func (e *TransportBindFailure) Unwrap() error { return e.Err }

// IceTimeout means no candidate pair answered a connectivity check
// within the connectivity-check deadline.
type IceTimeout struct{ Err error }

func (e *IceTimeout) Error() string {
	return fmt.Sprintf("session: ICE connectivity checks timed out: %v", e.Err)
}
func (e *IceTimeout) Unwrap() error { return e.Err }

// DtlsHandshakeFailure means the DTLS handshake did not complete.
type DtlsHandshakeFailure struct{ Err error }

func (e *DtlsHandshakeFailure) Error() string {
	return fmt.Sprintf("session: DTLS handshake failed: %v", e.Err)
}
func (e *DtlsHandshakeFailure) Unwrap() error { return e.Err }

// ProtocolVersionMismatch means the peer's post-handshake version tag
// did not match, or never arrived in time.
type ProtocolVersionMismatch struct{ Err error }

func (e *ProtocolVersionMismatch) Error() string {
	return fmt.Sprintf("session: protocol version mismatch: %v", e.Err)
}
func (e *ProtocolVersionMismatch) Unwrap() error { return e.Err }

// CodecUnsupported means the negotiated codec isn't implemented by the
// local encoder/decoder backend.
type CodecUnsupported struct{ Codec media.Codec }

func (e *CodecUnsupported) Error() string {
	return fmt.Sprintf("session: codec %d unsupported by local backend", e.Codec)
}

// CaptureInitFailure means the capture backend failed to initialize.
type CaptureInitFailure struct{ Err error }

func (e *CaptureInitFailure) Error() string {
	return fmt.Sprintf("session: capture init failed: %v", e.Err)
}
func (e *CaptureInitFailure) Unwrap() error { return e.Err }

// ReconnectGiveUp means the dead-connection watchdog exhausted its
// reconnect budget without recovering the session.
type ReconnectGiveUp struct{ Err error }

func (e *ReconnectGiveUp) Error() string {
	return fmt.Sprintf("session: gave up reconnecting: %v", e.Err)
}
func (e *ReconnectGiveUp) Unwrap() error { return e.Err }

const (
	// deadConnectionTimeout is how long the watchdog waits without a
	// single received packet before declaring the link dead, per
	// spec.md §5.
	deadConnectionTimeout = 10 * time.Second

	// reconnectBudget bounds the total time spent attempting to
	// recover a dead connection before giving up entirely.
	reconnectBudget = 30 * time.Second

	watchdogPollInterval = 1 * time.Second

	iceCandidateTimeout = 5 * time.Second
	handshakeTimeout    = 5 * time.Second
	protocolTimeout     = 5 * time.Second
)

// Config carries the local bind/codec/mode parameters a Session needs.
type Config struct {
	BindAddress string
	StunServers []string
	MTU         int
	VPNMode     bool
	GamingMode  qos.GamingMode

	// PresetOverrides optionally tunes the resolved preset beyond the
	// built-in table, e.g. from an operator-supplied YAML file.
	PresetOverrides []qos.PresetOverride

	Codec         media.Codec
	Width, Height int
	FPS           int
	GOPLength     int
	GPUIndex      int
	Window        uintptr // viewer-only: render target
}

// HostBackends bundles the host-side media collaborators a Session
// drives; each is a plugin-shaped interface per pkg/media, so any
// concrete implementation (hardware or fake) can be handed in.
type HostBackends struct {
	Capture      media.Capture
	Encoder      media.Encoder
	AudioCapture media.AudioCapture
	AudioEncoder media.AudioEncoder
}

// ViewerBackends bundles the viewer-side media collaborators.
type ViewerBackends struct {
	Decoder       media.Decoder
	Renderer      media.Renderer
	AudioDecoder  media.AudioDecoder
	AudioPlayback media.AudioPlayback
}

// Session owns one peer-to-peer streaming connection end to end: the
// UDP socket, ICE agent, transport, QoS controller, and whichever of
// the host or viewer pipelines its Role drives.
type Session struct {
	id   string
	role Role
	cfg  Config
	log  *logger.Logger

	hostBackends   HostBackends
	viewerBackends ViewerBackends

	state atomic.Int32

	conn     *net.UDPConn
	iceAgent *icex.Agent
	tr       *transport.Transport

	qosCtl *qos.Controller
	bwe    *qos.BandwidthEstimator

	jitterBuf *jitter.Buffer
	nackTrack *nack.Tracker
	reporter  *statsrep.Reporter

	hostLoop   *hoststream.Host
	viewerPipe *viewerpipe.Pipeline

	watchdogCtx    context.Context
	watchdogCancel context.CancelFunc
	wg             sync.WaitGroup

	stopOnce sync.Once

	// OnFatalError, when set, is invoked once from the watchdog
	// goroutine if it gives up reconnecting. Prepare/Connect report
	// their own failures as ordinary returned errors instead.
	OnFatalError func(error)
}

// NewHost constructs a session that will drive the capture/encode/send
// side of a stream.
func NewHost(cfg Config, backends HostBackends, log *logger.Logger) *Session {
	return &Session{id: uuid.NewString(), role: RoleHost, cfg: cfg, hostBackends: backends, log: log}
}

// NewViewer constructs a session that will drive the receive/decode/
// render side of a stream.
func NewViewer(cfg Config, backends ViewerBackends, log *logger.Logger) *Session {
	return &Session{id: uuid.NewString(), role: RoleViewer, cfg: cfg, viewerBackends: backends, log: log}
}

// ID returns the session's unique identifier, generated once at
// construction, for correlating logs across the host and viewer
// processes and the stats API.
func (s *Session) ID() string {
	return s.id
}

// State reports the session's current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Prepare binds the local UDP socket, gathers host and server-
// reflexive ICE candidates, and builds the QoS controller and (for a
// viewer) the jitter buffer/NACK tracker/stats reporter. It returns
// the local candidates for the caller to exchange over whatever
// signaling channel the application uses; signaling transport itself
// is out of this package's scope.
func (s *Session) Prepare(ctx context.Context) ([]icex.Candidate, error) {
	if s.State() != StateIdle {
		return nil, fmt.Errorf("session: Prepare called in state %s", s.State())
	}

	bind := s.cfg.BindAddress
	if bind == "" {
		bind = "0.0.0.0:0"
	}
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, &TransportBindFailure{Err: err}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, &TransportBindFailure{Err: err}
	}
	s.conn = conn

	host, err := icex.GatherHostCandidates(conn)
	if err != nil {
		conn.Close()
		s.conn = nil
		return nil, &TransportBindFailure{Err: err}
	}

	gctx, cancel := context.WithTimeout(ctx, iceCandidateTimeout)
	srflx, _ := icex.GatherServerReflexive(gctx, conn, s.cfg.StunServers, s.log)
	cancel()

	local := append(host, srflx...)

	s.iceAgent = icex.NewAgent(conn, s.log)
	s.iceAgent.SetLocalCandidates(local)

	mtu := s.cfg.MTU
	if mtu <= 0 {
		mtu = 1400
	}
	preset := qos.GetPresetWithOverrides(s.cfg.GamingMode, s.cfg.PresetOverrides)
	s.qosCtl = qos.New(preset, s.cfg.VPNMode, s.log)

	switch s.role {
	case RoleHost:
		s.bwe = qos.NewBandwidthEstimator()
	case RoleViewer:
		s.jitterBuf = jitter.New(jitter.QualityBalanced, s.log)
		s.nackTrack = nack.New(50, s.log)
		s.reporter = statsrep.New(s.log)
	}

	s.setState(StatePrepared)
	return local, nil
}

// Connect runs ICE connectivity checks against the peer's signaled
// candidates, drives the DTLS handshake and protocol-version exchange
// over the winning pair, and transitions into Streaming by starting
// the role-appropriate pipeline. The host dials out as the DTLS
// client; the viewer accepts as the DTLS server, matching which side
// of a NAT is more likely to already have an open binding.
func (s *Session) Connect(ctx context.Context, remote []icex.Candidate) error {
	if s.State() != StatePrepared {
		return fmt.Errorf("session: Connect called in state %s", s.State())
	}
	s.setState(StateConnecting)

	for _, c := range remote {
		s.iceAgent.AddRemoteCandidate(c)
	}

	pair, err := s.iceAgent.RunConnectivityChecks(ctx)
	if err != nil {
		s.setState(StatePrepared)
		return &IceTimeout{Err: err}
	}

	s.tr = transport.New(s.conn, pair.PeerAddr, s.log)
	s.tr.Start()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var handshakeErr error
	if s.role == RoleHost {
		handshakeErr = s.tr.HandshakeAsClient(hctx)
	} else {
		handshakeErr = s.tr.HandshakeAsServer(hctx)
	}
	if handshakeErr != nil {
		s.tr.Stop()
		s.setState(StatePrepared)
		return &DtlsHandshakeFailure{Err: handshakeErr}
	}

	pctx, pcancel := context.WithTimeout(ctx, protocolTimeout)
	defer pcancel()
	if err := s.tr.NegotiateProtocol(pctx); err != nil {
		s.tr.Stop()
		s.setState(StatePrepared)
		return &ProtocolVersionMismatch{Err: err}
	}

	s.watchdogCtx, s.watchdogCancel = context.WithCancel(context.Background())

	if err := s.startPipeline(); err != nil {
		s.watchdogCancel()
		s.tr.Stop()
		s.setState(StatePrepared)
		return err
	}

	s.wg.Add(1)
	go s.watchdog()

	s.setState(StateStreaming)
	return nil
}

func (s *Session) startPipeline() error {
	switch s.role {
	case RoleHost:
		return s.startHostPipeline()
	default:
		return s.startViewerPipeline()
	}
}

func (s *Session) startHostPipeline() error {
	b := s.hostBackends
	if !b.Encoder.IsCodecSupported(s.cfg.Codec) {
		return &CodecUnsupported{Codec: s.cfg.Codec}
	}
	if err := b.Capture.Initialize(s.cfg.GPUIndex); err != nil {
		return &CaptureInitFailure{Err: err}
	}

	res := s.qosCtl.CurrentResolution()
	width, height := res.Width, res.Height
	if width == 0 || height == 0 {
		width, height = s.cfg.Width, s.cfg.Height
	}
	fps := s.cfg.FPS
	if fps == 0 {
		fps = s.qosCtl.CurrentFPS()
	}
	gop := s.cfg.GOPLength
	if gop == 0 {
		gop = fps * 2
	}
	if err := b.Encoder.Initialize(media.EncoderConfig{
		Codec:       s.cfg.Codec,
		Width:       width,
		Height:      height,
		BitrateKbps: uint32(s.qosCtl.CurrentBitrateKbps()),
		FPS:         fps,
		GOPLength:   gop,
	}); err != nil {
		b.Capture.Release()
		return fmt.Errorf("session: encoder init: %w", err)
	}

	mtu := s.cfg.MTU
	if mtu <= 0 {
		mtu = 1400
	}
	s.hostLoop = hoststream.New(b.Capture, b.Encoder, b.AudioCapture, b.AudioEncoder, s.tr, s.qosCtl, s.bwe, mtu, s.cfg.GPUIndex, s.cfg.VPNMode, s.log)
	if err := s.hostLoop.Start(); err != nil {
		b.Encoder.Release()
		b.Capture.Release()
		return fmt.Errorf("session: host stream start: %w", err)
	}
	return nil
}

func (s *Session) startViewerPipeline() error {
	b := s.viewerBackends
	if err := b.Decoder.Initialize(s.cfg.Codec, s.cfg.Width, s.cfg.Height); err != nil {
		return fmt.Errorf("session: decoder init: %w", err)
	}
	if err := b.Renderer.Initialize(s.cfg.Window, s.cfg.Width, s.cfg.Height); err != nil {
		b.Decoder.Release()
		return fmt.Errorf("session: renderer init: %w", err)
	}
	sampleRate, channels := 48000, 2
	if err := b.AudioDecoder.Initialize(sampleRate, channels); err != nil {
		b.Renderer.Release()
		b.Decoder.Release()
		return fmt.Errorf("session: audio decoder init: %w", err)
	}
	if err := b.AudioPlayback.Initialize(sampleRate, channels); err != nil {
		b.AudioDecoder.Release()
		b.Renderer.Release()
		b.Decoder.Release()
		return fmt.Errorf("session: audio playback init: %w", err)
	}

	s.viewerPipe = viewerpipe.New(s.jitterBuf, s.nackTrack, s.reporter, b.Decoder, b.Renderer, b.AudioDecoder, b.AudioPlayback, s.tr, s.log)
	s.viewerPipe.SetClipboardHandlers(s.onViewerClipboard, nil)
	s.viewerPipe.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reporter.Run(s.watchdogCtx, s.tr.SendQosFeedback)
	}()

	return nil
}

func (s *Session) onViewerClipboard(c wire.Clipboard) {
	if err := s.tr.SendClipAck(c.Sequence); err != nil && s.log != nil {
		s.log.DebugWireEvent("viewer clip ack failed", "err", err)
	}
}

// watchdog monitors the transport for inbound activity and gives up
// the session if nothing arrives for reconnectBudget after a dead
// period begins, per spec.md §5.
func (s *Session) watchdog() {
	defer s.wg.Done()

	ticker := time.NewTicker(watchdogPollInterval)
	defer ticker.Stop()

	lastSeen := time.Now()
	var lastPacketsReceived uint64
	var deadSince time.Time

	for {
		select {
		case <-s.watchdogCtx.Done():
			return
		case <-ticker.C:
			snap := s.tr.Snapshot()
			if snap.PacketsReceived != lastPacketsReceived {
				lastPacketsReceived = snap.PacketsReceived
				lastSeen = time.Now()
				deadSince = time.Time{}
				continue
			}

			if time.Since(lastSeen) < deadConnectionTimeout {
				continue
			}

			if deadSince.IsZero() {
				deadSince = time.Now()
				if s.log != nil {
					s.log.DebugWireEvent("connection appears dead, starting reconnect budget")
				}
			}

			if time.Since(deadSince) > reconnectBudget {
				err := &ReconnectGiveUp{Err: fmt.Errorf("no packets received for %s", time.Since(lastSeen).Round(time.Second))}
				if s.log != nil {
					s.log.DebugWireEvent("reconnect budget exhausted, stopping session", "err", err)
				}
				// Stop waits on this goroutine's own WaitGroup entry, so
				// it must run after this goroutine has returned rather
				// than be called inline here.
				go func() {
					s.Stop()
					if s.OnFatalError != nil {
						s.OnFatalError(err)
					}
				}()
				return
			}
		}
	}
}

// Reconfigure overrides the encoder's active bitrate/fps target
// directly, bypassing the QoS controller's automatic ladder — valid
// only while Streaming and only for a host session.
func (s *Session) Reconfigure(bitrateKbps uint32, fps int) error {
	if s.role != RoleHost {
		return fmt.Errorf("session: Reconfigure is host-only")
	}
	if s.State() != StateStreaming {
		return fmt.Errorf("session: Reconfigure requires Streaming state, got %s", s.State())
	}
	res := s.qosCtl.CurrentResolution()
	return s.hostBackends.Encoder.Reconfigure(bitrateKbps, fps, res.Width, res.Height)
}

// SetGamingMode swaps the QoS controller's active preset mid-session,
// valid only while Streaming.
func (s *Session) SetGamingMode(mode qos.GamingMode) error {
	if s.State() != StateStreaming {
		return fmt.Errorf("session: SetGamingMode requires Streaming state, got %s", s.State())
	}
	s.qosCtl.ApplyPreset(qos.GetPresetWithOverrides(mode, s.cfg.PresetOverrides))
	return nil
}

// HostStats returns the host streaming loop's counters. ok is false
// for a viewer session or before Connect has started the loop.
func (s *Session) HostStats() (stats hoststream.Stats, ok bool) {
	if s.role != RoleHost || s.hostLoop == nil {
		return hoststream.Stats{}, false
	}
	return s.hostLoop.Snapshot(), true
}

// ViewerStats returns the viewer pipeline's counters. ok is false for
// a host session or before Connect has started the pipeline.
func (s *Session) ViewerStats() (stats viewerpipe.Stats, ok bool) {
	if s.role != RoleViewer || s.viewerPipe == nil {
		return viewerpipe.Stats{}, false
	}
	return s.viewerPipe.Snapshot(), true
}

// Role reports which end of the connection this session drives.
func (s *Session) Role() Role { return s.role }

// Stop is idempotent: it tears down whichever pipeline is running,
// stops the transport, and releases the socket, in the reverse of
// construction order.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.setState(StateStopping)

		if s.watchdogCancel != nil {
			s.watchdogCancel()
		}
		s.wg.Wait()

		switch s.role {
		case RoleHost:
			if s.hostLoop != nil {
				s.hostLoop.Stop()
			}
			if s.hostBackends.Encoder != nil {
				s.hostBackends.Encoder.Release()
			}
			if s.hostBackends.Capture != nil {
				s.hostBackends.Capture.Release()
			}
		case RoleViewer:
			if s.viewerPipe != nil {
				s.viewerPipe.Stop()
			}
			if s.viewerBackends.AudioPlayback != nil {
				s.viewerBackends.AudioPlayback.Release()
			}
			if s.viewerBackends.AudioDecoder != nil {
				s.viewerBackends.AudioDecoder.Release()
			}
			if s.viewerBackends.Renderer != nil {
				s.viewerBackends.Renderer.Release()
			}
			if s.viewerBackends.Decoder != nil {
				s.viewerBackends.Decoder.Release()
			}
		}

		if s.tr != nil {
			s.tr.Stop()
		}
		if s.conn != nil {
			s.conn.Close()
		}

		s.setState(StateIdle)
	})
	return nil
}

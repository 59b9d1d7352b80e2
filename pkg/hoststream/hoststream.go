// Package hoststream implements the host side streaming loop described
// in spec.md §4.12: a paced capture/encode/fragment/send cycle for
// video, a callback-driven Opus audio loop, viewer-liveness tracking,
// and QoS feedback wiring — grounded on the teacher's
// pkg/relay/relay.go context+cancel+WaitGroup+atomic-counter lifecycle
// and pkg/bridge/pacer.go's leaky-bucket pacing idiom, adapted here
// from RTP-timestamp pacing to frame-interval pacing.
package hoststream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan/crazystream/pkg/logger"
	"github.com/ethan/crazystream/pkg/media"
	"github.com/ethan/crazystream/pkg/qos"
	"github.com/ethan/crazystream/pkg/transport"
	"github.com/ethan/crazystream/pkg/wire"
)

const (
	// viewerLivenessTimeout pauses encoding when no feedback has been
	// seen for this long, per spec.md §4.12 and §5.
	viewerLivenessTimeout = 15 * time.Second

	// livenessPollInterval is how often a paused host checks whether
	// the viewer has come back.
	livenessPollInterval = 200 * time.Millisecond

	// busyWaitTail is the final slice of a frame interval spent
	// busy-waiting instead of sleeping, to reduce scheduler jitter
	// right before a capture call, per spec.md §4.12 step 7.
	busyWaitTail = 500 * time.Microsecond

	audioChannelID  = 0
	audioSampleRate = 48000
	audioChannels   = 2
	// audioFrameSamples is 10ms at 48kHz, per spec.md §4.12.
	audioFrameSamples = 480
)

// Stats is a point-in-time snapshot of the streaming loop's counters.
type Stats struct {
	FramesSent      uint64
	BytesSent       uint64
	AudioPacketsSent uint64
	CaptureMsEMA    float64
	EncodeMsEMA     float64
	Paused          bool
	Width, Height   int
	FPS             int
	BitrateKbps     int
	FECRatio        float64
}

// Host drives one outgoing stream: capture, encode, fragment, pace,
// and send video; Opus-encode and send audio; and feed inbound QoS
// feedback and NACKs into the congestion controller and retransmission
// path.
type Host struct {
	capture      media.Capture
	encoder      media.Encoder
	audioCapture media.AudioCapture
	audioEncoder media.AudioEncoder

	transport *transport.Transport
	qosCtl    *qos.Controller
	bwe       *qos.BandwidthEstimator

	mtu     int
	gpuIdx  int
	vpnMode bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameNumber atomic.Uint32
	lastFeedbackUnixNano atomic.Int64
	paused        atomic.Bool
	pendingIDR    atomic.Bool

	framesSent       atomic.Uint64
	bytesSent        atomic.Uint64
	audioPacketsSent atomic.Uint64

	statsMu      sync.Mutex
	captureMsEMA float64
	encodeMsEMA  float64

	resMu         sync.Mutex
	currentWidth  int
	currentHeight int

	log *logger.Logger
}

// New constructs a host streaming session. The caller must already
// have called capture.Initialize/encoder.Initialize or hand Host
// already-initialized backends; Start performs no further Initialize
// calls beyond the audio backends, which are callback-driven.
func New(capture media.Capture, encoder media.Encoder, audioCapture media.AudioCapture, audioEncoder media.AudioEncoder, tr *transport.Transport, qosCtl *qos.Controller, bwe *qos.BandwidthEstimator, mtu, gpuIdx int, vpnMode bool, log *logger.Logger) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		capture:      capture,
		encoder:      encoder,
		audioCapture: audioCapture,
		audioEncoder: audioEncoder,
		transport:    tr,
		qosCtl:       qosCtl,
		bwe:          bwe,
		mtu:          mtu,
		gpuIdx:       gpuIdx,
		vpnMode:      vpnMode,
		ctx:          ctx,
		cancel:       cancel,
		log:          log,
	}
	h.lastFeedbackUnixNano.Store(time.Now().UnixNano())
	res := qosCtl.CurrentResolution()
	h.currentWidth, h.currentHeight = res.Width, res.Height
	return h
}

// Start wires the QoS controller's side effects to the encoder, wires
// the transport's inbound handlers, initializes the audio backends, and
// spawns the video streaming loop; audio is encoded and sent from the
// audio capture callback, not from a loop of its own. The transport's
// own receive loop (started by the caller) is
// the spec's "dedicated receive thread": feedback, NACK, and clipboard
// dispatch all happen synchronously from its handler callbacks.
func (h *Host) Start() error {
	h.qosCtl.SetCallbacks(h.onReconfigure, h.onResolutionChange, h.encoder.ForceIDR)

	h.transport.SetHandlers(transport.Handlers{
		OnQosFeedback: h.onQosFeedback,
		OnNack:        h.transport.Retransmit,
		OnClipboard:   h.onClipboard,
	})

	if err := h.audioEncoder.Initialize(audioSampleRate, audioChannels); err != nil {
		return err
	}
	if err := h.audioCapture.Initialize(audioSampleRate, audioChannels, h.onAudioSamples); err != nil {
		return err
	}

	h.wg.Add(1)
	go h.streamLoop()

	return nil
}

// Stop signals the streaming loop to exit and waits for it, releasing the
// audio capture backend last so no callback fires into a torn-down
// stream.
func (h *Host) Stop() {
	h.cancel()
	h.wg.Wait()
	h.audioCapture.Release()
	h.audioEncoder.Release()
}

func (h *Host) onReconfigure(bitrateKbps, fps, width, height int) {
	if err := h.encoder.Reconfigure(uint32(bitrateKbps), fps, width, height); err != nil && h.log != nil {
		h.log.DebugQoSEvent("encoder reconfigure failed", "err", err)
	}
}

func (h *Host) onResolutionChange(width, height int) {
	h.resMu.Lock()
	h.currentWidth, h.currentHeight = width, height
	h.resMu.Unlock()
}

func (h *Host) onQosFeedback(fb wire.QosFeedback) {
	h.lastFeedbackUnixNano.Store(time.Now().UnixNano())
	if h.bwe != nil {
		h.bwe.OnAckReceived(fb.LastSeq, time.Now())
	}
	h.qosCtl.OnFeedback(fb)
}

func (h *Host) onClipboard(c wire.Clipboard) {
	// Clipboard synchronization is a control-plane courtesy, not part
	// of the media pipeline; acknowledge receipt so the sender's
	// retry timer clears.
	if err := h.transport.SendClipAck(c.Sequence); err != nil && h.log != nil {
		h.log.DebugWireEvent("clip ack failed", "err", err)
	}
}

// streamLoop is the host's time-critical thread: viewer-liveness
// check, capture, encode, fragment+send, stats, pace — per spec.md
// §4.12.
func (h *Host) streamLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		if h.checkViewerLiveness() {
			continue
		}

		fps := h.qosCtl.CurrentFPS()
		if fps <= 0 {
			fps = 30
		}
		interval := time.Second / time.Duration(fps)
		cycleStart := time.Now()

		if h.pendingIDR.CompareAndSwap(true, false) {
			h.encoder.ForceIDR()
		}

		captureStart := time.Now()
		frame, err := h.capture.CaptureFrame()
		captureMs := time.Since(captureStart).Seconds() * 1000

		if err != nil {
			if h.log != nil {
				h.log.DebugWireEvent("capture failed", "err", err)
			}
			h.paceRemaining(cycleStart, interval)
			continue
		}
		if !frame.IsNewFrame {
			h.paceRemaining(cycleStart, interval)
			continue
		}

		encodeStart := time.Now()
		au, err := h.encoder.Encode(frame)
		encodeMs := time.Since(encodeStart).Seconds() * 1000
		h.updateStatsEMA(captureMs, encodeMs)

		if err != nil {
			if h.log != nil {
				h.log.DebugWireEvent("encode failed", "err", err)
			}
			h.paceRemaining(cycleStart, interval)
			continue
		}

		frameNumber := h.frameNumber.Add(1)
		frameType := wire.FrameTypeDelta
		if au.IsKeyframe {
			frameType = wire.FrameTypeKey
		}

		redundancy := h.qosCtl.CurrentFECRatio()
		if err := h.sendAndTrack(uint16(frameNumber), frameType, au.Bytes, uint32(au.TimestampUs), redundancy); err != nil {
			if h.log != nil {
				h.log.DebugWireEvent("send video frame failed", "err", err)
			}
		} else {
			h.framesSent.Add(1)
			h.bytesSent.Add(uint64(len(au.Bytes)))
		}

		h.paceRemaining(cycleStart, interval)
	}
}

// sendAndTrack fragments and sends one video frame, feeding each
// fragment's sequence number and size into the bandwidth estimator so
// feedback arriving later can resolve an implicit ACK against it.
func (h *Host) sendAndTrack(frameNumber uint16, frameType wire.FrameType, data []byte, timestampUs uint32, redundancy float64) error {
	if h.bwe != nil {
		h.bwe.OnPacketSent(frameNumber, len(data), time.Now())
	}
	return h.transport.SendVideoFrame(frameNumber, frameType, wire.CodecH264, timestampUs, data, h.mtu, redundancy)
}

// checkViewerLiveness pauses the streaming loop once no feedback has
// arrived for viewerLivenessTimeout, and forces an IDR on resume.
// Returns true if the caller should skip this iteration (paused).
func (h *Host) checkViewerLiveness() bool {
	last := time.Unix(0, h.lastFeedbackUnixNano.Load())
	stale := time.Since(last) > viewerLivenessTimeout

	if stale {
		if h.paused.CompareAndSwap(false, true) && h.log != nil {
			h.log.DebugQoSEvent("viewer liveness lost, pausing encoder")
		}
		time.Sleep(livenessPollInterval)
		return true
	}

	if h.paused.CompareAndSwap(true, false) {
		h.pendingIDR.Store(true)
		if h.log != nil {
			h.log.DebugQoSEvent("viewer liveness resumed, forcing IDR")
		}
	}
	return false
}

// paceRemaining sleeps off the bulk of the remaining frame interval
// and busy-waits the final busyWaitTail, per spec.md §4.12 step 7.
func (h *Host) paceRemaining(cycleStart time.Time, interval time.Duration) {
	deadline := cycleStart.Add(interval)
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	if remaining > busyWaitTail {
		time.Sleep(remaining - busyWaitTail)
	}
	for time.Now().Before(deadline) {
	}
}

func (h *Host) updateStatsEMA(captureMs, encodeMs float64) {
	const alpha = 0.3
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	if h.captureMsEMA == 0 && h.encodeMsEMA == 0 {
		h.captureMsEMA, h.encodeMsEMA = captureMs, encodeMs
		return
	}
	h.captureMsEMA += alpha * (captureMs - h.captureMsEMA)
	h.encodeMsEMA += alpha * (encodeMs - h.encodeMsEMA)
}

// onAudioSamples is the audio capture backend's callback: Opus-encode
// one fixed-duration frame and send it on the audio sequence space.
func (h *Host) onAudioSamples(pcm []float32) {
	encoded, err := h.audioEncoder.Encode(pcm)
	if err != nil {
		if h.log != nil {
			h.log.DebugWireEvent("audio encode failed", "err", err)
		}
		return
	}
	if err := h.transport.SendAudioPacket(audioChannelID, uint32(time.Now().UnixMicro()), encoded); err != nil {
		if h.log != nil {
			h.log.DebugWireEvent("audio send failed", "err", err)
		}
		return
	}
	h.audioPacketsSent.Add(1)
}

// Snapshot returns the streaming loop's cumulative counters and
// current QoS-driven targets.
func (h *Host) Snapshot() Stats {
	h.statsMu.Lock()
	captureMs, encodeMs := h.captureMsEMA, h.encodeMsEMA
	h.statsMu.Unlock()

	h.resMu.Lock()
	w, hgt := h.currentWidth, h.currentHeight
	h.resMu.Unlock()

	return Stats{
		FramesSent:       h.framesSent.Load(),
		BytesSent:        h.bytesSent.Load(),
		AudioPacketsSent: h.audioPacketsSent.Load(),
		CaptureMsEMA:     captureMs,
		EncodeMsEMA:      encodeMs,
		Paused:           h.paused.Load(),
		Width:            w,
		Height:           hgt,
		FPS:              h.qosCtl.CurrentFPS(),
		BitrateKbps:      h.qosCtl.CurrentBitrateKbps(),
		FECRatio:         h.qosCtl.CurrentFECRatio(),
	}
}

// Package viewerpipe implements the viewer-side pipeline described in
// spec.md §4.13: a jitter buffer fed by the transport's receive
// handlers, a decode goroutine pulling complete frames in order, a
// single-slot latest-wins render goroutine, and an audio goroutine with
// one-frame packet-loss concealment on decode failure — grounded on the
// teacher's pkg/relay/relay.go cooperative multi-goroutine
// Start/Stop/WaitGroup shape, generalized from one relay pipeline to
// four cooperating stages.
package viewerpipe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan/crazystream/pkg/fec"
	"github.com/ethan/crazystream/pkg/jitter"
	"github.com/ethan/crazystream/pkg/logger"
	"github.com/ethan/crazystream/pkg/media"
	"github.com/ethan/crazystream/pkg/nack"
	"github.com/ethan/crazystream/pkg/statsrep"
	"github.com/ethan/crazystream/pkg/transport"
	"github.com/ethan/crazystream/pkg/wire"
)

const (
	// decodePollInterval is the decode goroutine's condition-variable
	// substitute: Go has no cheap timed condvar, so a short poll tick
	// plays the same role as the reference's 5ms-timeout wait.
	decodePollInterval = 5 * time.Millisecond

	// renderPollInterval mirrors the reference's 16ms render wait
	// (one frame at 60Hz).
	renderPollInterval = 16 * time.Millisecond

	// audioQueueCapacity bounds the audio packet queue; the channel
	// itself is the bounded signaling structure spec.md §4.13 calls for.
	audioQueueCapacity = 64

	// maxPendingFECGroups bounds how many in-flight FEC parity sets
	// are retained awaiting their data group's completion.
	maxPendingFECGroups = 32
)

type audioPacket struct {
	hdr  wire.AudioHeader
	data []byte
}

// Stats is a point-in-time snapshot of the viewer pipeline's counters.
type Stats struct {
	FramesDecoded   uint64
	FramesRendered  uint64
	FramesRecovered uint64
	AudioPackets    uint64
	ConcealedFrames uint64
	Nack            nack.Stats
}

// Pipeline owns the jitter buffer, NACK tracker, and stats reporter,
// and drives the decode/render/audio goroutines against a Decoder,
// Renderer, AudioDecoder, and AudioPlayback supplied by the caller.
type Pipeline struct {
	jitterBuf *jitter.Buffer
	nackTrack *nack.Tracker
	reporter  *statsrep.Reporter

	decoder     media.Decoder
	renderer    media.Renderer
	audioDecoder media.AudioDecoder
	audioPlayback media.AudioPlayback

	transport *transport.Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	renderMu    sync.Mutex
	renderSlot  *media.DecodedFrame

	audioCh chan audioPacket

	fecMu    sync.Mutex
	fecGroups map[uint8][]fec.Parity

	framesDecoded   atomic.Uint64
	framesRendered  atomic.Uint64
	framesRecovered atomic.Uint64
	audioPackets    atomic.Uint64
	concealedFrames atomic.Uint64

	lastAudioPCM []float32

	onClipboard func(wire.Clipboard)
	onClipAck   func(seq uint16)

	log *logger.Logger
}

// New constructs a viewer pipeline. The transport's handlers are wired
// by Start, not here, so the caller retains control over handshake and
// protocol negotiation order.
func New(jitterBuf *jitter.Buffer, nackTrack *nack.Tracker, reporter *statsrep.Reporter, decoder media.Decoder, renderer media.Renderer, audioDecoder media.AudioDecoder, audioPlayback media.AudioPlayback, tr *transport.Transport, log *logger.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		jitterBuf:     jitterBuf,
		nackTrack:     nackTrack,
		reporter:      reporter,
		decoder:       decoder,
		renderer:      renderer,
		audioDecoder:  audioDecoder,
		audioPlayback: audioPlayback,
		transport:     tr,
		ctx:           ctx,
		cancel:        cancel,
		audioCh:       make(chan audioPacket, audioQueueCapacity),
		fecGroups:     make(map[uint8][]fec.Parity),
		log:           log,
	}
}

// SetClipboardHandlers wires the session-level clipboard sync
// callbacks. Must be called before Start; clipboard sync is a
// control-plane courtesy layered on top of the media pipeline, not
// part of it, so the pipeline only forwards these events rather than
// owning clipboard state itself.
func (p *Pipeline) SetClipboardHandlers(onClipboard func(wire.Clipboard), onClipAck func(seq uint16)) {
	p.onClipboard = onClipboard
	p.onClipAck = onClipAck
}

// Start wires the transport's receive handlers and spawns the decode,
// render, and audio goroutines. The transport's own receive loop is
// the spec's "receive thread": it decrypts and dispatches by tag
// directly into these handlers.
func (p *Pipeline) Start() {
	p.transport.SetHandlers(transport.Handlers{
		OnVideo:     p.onVideo,
		OnAudio:     p.EnqueueAudio,
		OnFEC:       p.onFEC,
		OnClipboard: p.onClipboard,
		OnClipAck:   p.onClipAck,
	})

	p.wg.Add(3)
	go p.decodeLoop()
	go p.renderLoop()
	go p.audioLoop()

	p.wg.Add(1)
	go p.nackServiceLoop()
}

// Stop halts ingress first by cancelling, so the jitter buffer and
// audio queue stop receiving new data before the consuming goroutines
// are asked to exit, per spec.md §4.13's "receive thread stopped
// first" ordering.
func (p *Pipeline) Stop() {
	p.transport.SetHandlers(transport.Handlers{})
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) onVideo(hdr wire.VideoHeader, payload []byte) {
	now := time.Now()
	p.jitterBuf.Push(uint32(hdr.FrameNumber), int(hdr.FragmentIndex), int(hdr.FragmentTotal), payload, now)
	p.nackTrack.OnPacketReceived(hdr.Sequence, now)
	p.reporter.OnVideoPacket(hdr.Sequence, hdr.TimestampUs, now, len(payload))
	p.reporter.SetMissingSeqs(p.nackTrack.PendingSeqs())
}

// onFEC accumulates one parity packet under its group ID and attempts
// recovery against whichever pending assembly shares the packet's
// frame-number low byte, per spec.md §4.4's "recover without a
// retransmission round trip" design. wire.FEC carries only the low
// byte of the frame number, so IncompleteFrameByLowByte's best-effort
// match is the only correlation available.
func (p *Pipeline) onFEC(f wire.FEC) {
	p.fecMu.Lock()
	if _, ok := p.fecGroups[f.GroupID]; !ok && len(p.fecGroups) >= maxPendingFECGroups {
		for k := range p.fecGroups {
			delete(p.fecGroups, k)
			break
		}
	}
	p.fecGroups[f.GroupID] = append(p.fecGroups[f.GroupID], fec.Parity{
		GroupID:   f.GroupID,
		GroupSize: f.GroupSize,
		FECIndex:  f.FecIndex,
		Payload:   f.Payload,
	})
	parities := append([]fec.Parity(nil), p.fecGroups[f.GroupID]...)
	p.fecMu.Unlock()

	frameNumber, _, ok := p.jitterBuf.IncompleteFrameByLowByte(f.FrameNumberLow)
	if !ok {
		return
	}
	fragments, ok := p.jitterBuf.FragmentsForRecovery(frameNumber)
	if !ok {
		return
	}

	idx, payload, ok := fec.Recover(fragments, parities)
	if !ok {
		return
	}

	p.framesRecovered.Add(1)
	p.jitterBuf.Push(frameNumber, idx, len(fragments), payload, time.Now())

	p.fecMu.Lock()
	delete(p.fecGroups, f.GroupID)
	p.fecMu.Unlock()
}

// decodeLoop polls the jitter buffer for complete frames and hands
// each one to the decoder in release order, placing the result in the
// single-slot latest-wins render slot.
func (p *Pipeline) decodeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(decodePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			for _, frame := range p.jitterBuf.Pop(time.Now()) {
				if !frame.Verify() {
					p.reporter.IncFramesDropped()
					if p.log != nil {
						p.log.DebugJitterEvent("frame checksum mismatch, dropping", "frame", frame.FrameNumber)
					}
					continue
				}
				start := time.Now()
				decoded, err := p.decoder.Decode(frame.Payload)
				if err != nil {
					p.reporter.IncFramesDropped()
					if p.log != nil {
						p.log.DebugJitterEvent("decode failed", "frame", frame.FrameNumber, "err", err)
					}
					continue
				}
				decoded.DecodeTimeMs = time.Since(start).Seconds() * 1000
				p.reporter.SetDecodeTimeUs(uint32(time.Since(start).Microseconds()))

				p.framesDecoded.Add(1)
				p.renderMu.Lock()
				p.renderSlot = &decoded
				p.renderMu.Unlock()
			}
		}
	}
}

// renderLoop presents whatever is in the render slot at its own
// cadence, overwriting being the jitter-absorbing mechanism rather
// than a queue.
func (p *Pipeline) renderLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(renderPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.renderMu.Lock()
			frame := p.renderSlot
			p.renderSlot = nil
			p.renderMu.Unlock()

			if frame == nil {
				continue
			}
			if _, err := p.renderer.RenderFrame(*frame); err != nil && p.log != nil {
				p.log.DebugJitterEvent("render failed", "err", err)
			}
			p.framesRendered.Add(1)
		}
	}
}

// audioLoop drains queued audio packets, decodes each, and submits to
// playback; a decode failure conceals the gap by resubmitting the
// previous frame's PCM for one frame duration rather than producing
// silence or underrunning the device.
func (p *Pipeline) audioLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case pkt := <-p.audioCh:
			pcm, err := p.audioDecoder.Decode(pkt.data)
			if err != nil {
				p.concealedFrames.Add(1)
				if p.lastAudioPCM != nil {
					p.audioPlayback.Submit(p.lastAudioPCM)
				}
				continue
			}
			p.lastAudioPCM = pcm
			if err := p.audioPlayback.Submit(pcm); err != nil && p.log != nil {
				p.log.DebugWireEvent("audio submit failed", "err", err)
			}
			p.audioPackets.Add(1)
		}
	}
}

// EnqueueAudio hands one received audio packet to the audio goroutine,
// dropping it if the bounded queue is full rather than blocking the
// transport's receive loop.
func (p *Pipeline) EnqueueAudio(hdr wire.AudioHeader, data []byte) {
	select {
	case p.audioCh <- audioPacket{hdr: hdr, data: append([]byte(nil), data...)}:
	default:
		if p.log != nil {
			p.log.DebugWireEvent("audio queue full, dropping packet", "seq", hdr.Sequence)
		}
	}
}

// nackServiceLoop periodically asks the NACK tracker for due requests
// and sends them, independent of the decode/render cadence.
func (p *Pipeline) nackServiceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			due := p.nackTrack.DueNacks(time.Now())
			if len(due) == 0 {
				continue
			}
			if err := p.transport.SendNack(due); err != nil && p.log != nil {
				p.log.DebugWireEvent("send nack failed", "err", err)
			}
		}
	}
}

// Snapshot returns the pipeline's cumulative counters.
func (p *Pipeline) Snapshot() Stats {
	return Stats{
		FramesDecoded:   p.framesDecoded.Load(),
		FramesRendered:  p.framesRendered.Load(),
		FramesRecovered: p.framesRecovered.Load(),
		AudioPackets:    p.audioPackets.Load(),
		ConcealedFrames: p.concealedFrames.Load(),
		Nack:            p.nackTrack.Snapshot(),
	}
}

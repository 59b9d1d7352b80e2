// Package statsrep implements the viewer-side stats reporter described
// in spec.md §4.11: per-packet loss/jitter/bandwidth/delay-gradient
// tracking, folded into a wire.QosFeedback report emitted on a 200ms
// cadence. Grounded on spec.md directly (no dedicated original_source
// file was retrieved beyond jitter_buffer.cpp's companions) and built
// with the teacher's RWMutex-guarded stats idiom from
// pkg/bridge/bridge.go's GetConnectionState pattern.
package statsrep

import (
	"context"
	"sync"
	"time"

	"github.com/ethan/crazystream/pkg/kalman"
	"github.com/ethan/crazystream/pkg/logger"
	"github.com/ethan/crazystream/pkg/wire"
)

// ReportInterval is how often the background goroutine emits a
// feedback packet, per spec.md §4.11.
const ReportInterval = 200 * time.Millisecond

// maxBandwidthWindow bounds the retained received-packet window used
// for the bandwidth estimate.
const maxBandwidthWindow = 1000

type windowEntry struct {
	recvTime time.Time
	bytes    int
}

// signedDelta16 computes a-b treating both as wrapping 16-bit sequence
// numbers, handling wraparound per spec.md's loss-ratio calculation.
func signedDelta16(a, b uint16) int32 {
	d := int32(a) - int32(b)
	if d > 32767 {
		d -= 65536
	} else if d < -32768 {
		d += 65536
	}
	return d
}

// Reporter accumulates per-arriving-video-packet measurements and
// builds periodic QoS feedback reports for the host.
type Reporter struct {
	mu sync.Mutex

	haveFirst    bool
	intervalBase uint16
	highestSeq   uint16
	intervalRecv uint64
	lastSeq      uint16

	haveTransit  bool
	prevTransit  int64
	jitterUs     float64

	window []windowEntry

	gradientFilter *kalman.Filter

	missingSeqs []uint16

	decodeTimeUs  uint32
	framesDropped uint16

	log *logger.Logger
}

// New constructs a stats reporter with the spec's default delay-
// gradient Kalman tuning (Q=0.001, R=0.1) — a separate instance from
// the host-side bandwidth estimator's filter, since the viewer has no
// clock-synced one-way-delay measurement and must instead feed
// transit-time deltas as a proxy.
func New(log *logger.Logger) *Reporter {
	return &Reporter{
		gradientFilter: kalman.New(0.001, 0.1),
		log:            log,
	}
}

// OnVideoPacket records one arriving video packet's sequence, sender
// timestamp, local arrival time, and wire size, updating loss, jitter,
// bandwidth, and delay-gradient measurements.
func (r *Reporter) OnVideoPacket(seq uint16, senderTimestampUs uint32, recvTime time.Time, bytesLen int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeq = seq

	if !r.haveFirst {
		r.intervalBase = seq
		r.highestSeq = seq
		r.haveFirst = true
	} else if signedDelta16(seq, r.highestSeq) > 0 {
		r.highestSeq = seq
	}
	r.intervalRecv++

	transit := recvTime.UnixMicro() - int64(senderTimestampUs)
	if r.haveTransit {
		d := transit - r.prevTransit
		if d < 0 {
			d = -d
		}
		r.jitterUs += (float64(d) - r.jitterUs) / 16.0

		r.gradientFilter.Update(float64(transit - r.prevTransit))
	}
	r.prevTransit = transit
	r.haveTransit = true

	r.window = append(r.window, windowEntry{recvTime: recvTime, bytes: bytesLen})
	if len(r.window) > maxBandwidthWindow {
		r.window = r.window[len(r.window)-maxBandwidthWindow:]
	}
}

// SetMissingSeqs publishes the NACK tracker's current missing-set for
// inclusion in the next feedback report, per spec.md §4.2's "published
// to the stats reporter" hand-off.
func (r *Reporter) SetMissingSeqs(seqs []uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missingSeqs = append(r.missingSeqs[:0], seqs...)
}

// SetDecodeTimeUs is called by the decode thread after each frame.
func (r *Reporter) SetDecodeTimeUs(us uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decodeTimeUs = us
}

// IncFramesDropped is called by the jitter buffer or decode thread
// whenever a frame is declared lost rather than delivered.
func (r *Reporter) IncFramesDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.framesDropped++
}

func (r *Reporter) bandwidthKbpsLocked() uint32 {
	if len(r.window) < 2 {
		return 0
	}
	oldest := r.window[0]
	newest := r.window[len(r.window)-1]
	spanUs := newest.recvTime.Sub(oldest.recvTime).Microseconds()
	if spanUs <= 0 {
		return 0
	}
	var total int
	for _, e := range r.window {
		total += e.bytes
	}
	// bytes*8 per microsecond is Mbit/s; scale by 1000 for kbps.
	return uint32(8000.0 * float64(total) / float64(spanUs))
}

// BuildFeedback assembles the current measurements into a wire-ready
// QosFeedback report and resets the per-interval loss counters for the
// next reporting cycle.
func (r *Reporter) BuildFeedback() wire.QosFeedback {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lossX10000 uint16
	if r.haveFirst {
		expected := signedDelta16(r.highestSeq, r.intervalBase) + 1
		if expected > 0 {
			lossRatio := float64(expected-int32(r.intervalRecv)) / float64(expected)
			if lossRatio < 0 {
				lossRatio = 0
			}
			if lossRatio > 1 {
				lossRatio = 1
			}
			lossX10000 = uint16(lossRatio * 10000)
		}
		r.intervalBase = r.highestSeq + 1
		r.intervalRecv = 0
	}

	nackSeqs := r.missingSeqs
	if len(nackSeqs) > wire.MaxNackSeqsInFeedback {
		nackSeqs = nackSeqs[:wire.MaxNackSeqsInFeedback]
	}

	fb := wire.QosFeedback{
		LastSeq:         r.lastSeq,
		BwKbps:          r.bandwidthKbpsLocked(),
		LossX10000:      lossX10000,
		JitterUs:        clampUint16(r.jitterUs),
		DelayGradientUs: int32(r.gradientFilter.Estimate()),
		NackSeqs:        append([]uint16(nil), nackSeqs...),
		DecodeTimeUs:    r.decodeTimeUs,
		FramesDropped:   r.framesDropped,
	}

	if r.log != nil {
		r.log.DebugQoSEvent("stats reporter feedback built",
			"loss_x10000", fb.LossX10000,
			"bw_kbps", fb.BwKbps,
			"jitter_us", fb.JitterUs,
			"gradient_us", fb.DelayGradientUs)
	}

	return fb
}

func clampUint16(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

// SendFunc delivers one built feedback report to the transport.
type SendFunc func(wire.QosFeedback) error

// Run drives the 200ms feedback loop until ctx is cancelled, grounded
// on the teacher's pkg/relay/relay.go statsLoop ticker shape.
func (r *Reporter) Run(ctx context.Context, send SendFunc) {
	ticker := time.NewTicker(ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(r.BuildFeedback()); err != nil && r.log != nil {
				r.log.DebugQoSEvent("feedback send failed", "err", err)
			}
		}
	}
}

package qos

import (
	"sync"
	"time"

	"github.com/ethan/crazystream/pkg/kalman"
)

type pendingPacket struct {
	bytes    int
	sendTime time.Time
}

type windowEntry struct {
	sendTime time.Time
	recvTime time.Time
	bytes    int
}

// BandwidthEstimator tracks per-packet send/ack timing to derive a
// live bandwidth estimate and a Kalman-smoothed one-way-delay
// gradient, mirroring the reference host-side estimator.
type BandwidthEstimator struct {
	mu sync.Mutex

	pending map[uint16]pendingPacket
	window  []windowEntry

	lastOWDMs     float64
	haveLastOWD   bool
	lastGradientT time.Time

	filter *kalman.Filter

	windowSpan  time.Duration
	pendingTTL  time.Duration
}

// NewBandwidthEstimator constructs an estimator with a 1-second sliding
// window and 5-second pending-packet GC horizon, per spec.md §4.9.
func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{
		pending:    make(map[uint16]pendingPacket),
		filter:     kalman.NewDefault(),
		windowSpan: time.Second,
		pendingTTL: 5 * time.Second,
	}
}

// OnPacketSent records a packet's send time and size.
func (b *BandwidthEstimator) OnPacketSent(seq uint16, bytes int, sendTime time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[seq] = pendingPacket{bytes: bytes, sendTime: sendTime}
	b.gcPendingLocked(sendTime)
}

// OnAckReceived removes the matching pending entry (silently
// discarding unmatched/duplicate acks), folds it into the sliding
// window, updates RTT/OWD, and feeds the delay gradient into the
// Kalman filter. Returns the current bandwidth estimate in kbps.
func (b *BandwidthEstimator) OnAckReceived(seq uint16, recvTime time.Time) (bandwidthKbps float64, rttMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[seq]
	if !ok {
		return b.bandwidthLocked(), 0
	}
	delete(b.pending, seq)

	b.window = append(b.window, windowEntry{sendTime: p.sendTime, recvTime: recvTime, bytes: p.bytes})
	b.pruneWindowLocked(recvTime)

	rtt := recvTime.Sub(p.sendTime)
	rttMs = float64(rtt.Microseconds()) / 1000.0
	owdMs := rttMs / 2.0

	if b.haveLastOWD {
		dt := recvTime.Sub(b.lastGradientT).Seconds()
		if dt > 0 {
			gradient := (owdMs - b.lastOWDMs) / dt // ms per second
			b.filter.Update(gradient)
		}
	}
	b.lastOWDMs = owdMs
	b.lastGradientT = recvTime
	b.haveLastOWD = true

	return b.bandwidthLocked(), rttMs
}

func (b *BandwidthEstimator) gcPendingLocked(now time.Time) {
	for seq, p := range b.pending {
		if now.Sub(p.sendTime) > b.pendingTTL {
			delete(b.pending, seq)
		}
	}
}

func (b *BandwidthEstimator) pruneWindowLocked(now time.Time) {
	cut := 0
	for i, e := range b.window {
		if now.Sub(e.recvTime) <= b.windowSpan {
			cut = i
			break
		}
		cut = i + 1
	}
	b.window = b.window[cut:]
}

func (b *BandwidthEstimator) bandwidthLocked() float64 {
	if len(b.window) < 2 {
		return 0
	}
	oldest := b.window[0]
	newest := b.window[len(b.window)-1]
	spanUs := newest.recvTime.Sub(oldest.recvTime).Microseconds()
	if spanUs <= 0 {
		return 0
	}
	var totalBytes int
	for _, e := range b.window {
		totalBytes += e.bytes
	}
	// bytes*8 per microsecond is Mbit/s; scale by 1000 for kbps.
	return 8000.0 * float64(totalBytes) / float64(spanUs)
}

// DelayGradientMsPerS returns the Kalman-smoothed one-way delay
// gradient in ms/s.
func (b *BandwidthEstimator) DelayGradientMsPerS() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filter.Estimate()
}

// BandwidthKbps returns the current bandwidth estimate.
func (b *BandwidthEstimator) BandwidthKbps() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bandwidthLocked()
}

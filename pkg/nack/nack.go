// Package nack implements the viewer-side loss-detection and
// retransmission-request scheduler described in spec.md §4.6, adapting
// the reference command queue's priority-heap-plus-rate-limiter
// discipline from sequence-numbered API commands to sequence-numbered
// wire packets awaiting retransmission.
package nack

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ethan/crazystream/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	// MaxRetries bounds how many times a single missing sequence is
	// re-requested before being given up on as unrecoverable loss.
	MaxRetries = 5

	// initialRetryDelay is how long the tracker waits after first
	// noticing a gap before issuing the first NACK, to absorb
	// reordering without firing spuriously.
	initialRetryDelay = 20 * time.Millisecond

	// backoffMultiplier scales the retry delay after each unanswered
	// NACK, capped at maxRetryDelay.
	backoffMultiplier = 1.8
	maxRetryDelay     = 300 * time.Millisecond
)

// ticket tracks one missing sequence number awaiting retransmission.
type ticket struct {
	seq        uint16
	attempt    int
	nextFireAt time.Time
	delay      time.Duration
	index      int
}

type ticketHeap []*ticket

func (h ticketHeap) Len() int { return len(h) }
func (h ticketHeap) Less(i, j int) bool {
	return h[i].nextFireAt.Before(h[j].nextFireAt)
}
func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *ticketHeap) Push(x any) {
	t := x.(*ticket)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Tracker watches an incoming sequence-number stream for gaps and
// schedules rate-limited, exponentially-backed-off retransmission
// requests.
type Tracker struct {
	mu sync.Mutex

	limiter *rate.Limiter

	highestSeq uint16
	haveSeen   bool

	pending map[uint16]*ticket
	heap    ticketHeap

	givenUp map[uint16]bool

	stats struct {
		gapsDetected   uint64
		nacksSent      uint64
		recovered      uint64
		unrecoverable  uint64
	}

	log *logger.Logger
}

// New constructs a tracker rate-limited to nacksPerSecond NACK sends.
func New(nacksPerSecond float64, log *logger.Logger) *Tracker {
	t := &Tracker{
		limiter: rate.NewLimiter(rate.Limit(nacksPerSecond), int(nacksPerSecond)+1),
		pending: make(map[uint16]*ticket),
		givenUp: make(map[uint16]bool),
		log:     log,
	}
	heap.Init(&t.heap)
	return t
}

func seq16Less(a, b uint16) bool {
	return int16(a-b) < 0
}

// OnPacketReceived records an arriving sequence number, detecting any
// gap between it and the highest sequence previously seen and
// scheduling retransmission requests for the skipped range. A
// sequence that fills a pending gap is marked recovered.
func (t *Tracker) OnPacketReceived(seq uint16, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tk, ok := t.pending[seq]; ok {
		t.removeTicketLocked(tk)
		t.stats.recovered++
	}
	delete(t.givenUp, seq)

	if !t.haveSeen {
		t.highestSeq = seq
		t.haveSeen = true
		return
	}

	if seq16Less(t.highestSeq, seq) {
		for s := t.highestSeq + 1; s != seq; s++ {
			if _, already := t.pending[s]; already {
				continue
			}
			t.scheduleLocked(s, now)
			t.stats.gapsDetected++
		}
		t.highestSeq = seq
	}
}

func (t *Tracker) scheduleLocked(seq uint16, now time.Time) {
	tk := &ticket{
		seq:        seq,
		attempt:    0,
		delay:      initialRetryDelay,
		nextFireAt: now.Add(initialRetryDelay),
	}
	t.pending[seq] = tk
	heap.Push(&t.heap, tk)
}

func (t *Tracker) removeTicketLocked(tk *ticket) {
	delete(t.pending, tk.seq)
	if tk.index >= 0 && tk.index < len(t.heap) && t.heap[tk.index] == tk {
		heap.Remove(&t.heap, tk.index)
	}
}

// DueNacks pops every ticket whose retry delay has elapsed and the
// rate limiter currently permits sending, returning the sequence
// numbers to bundle into the next outgoing NACK packet. Tickets that
// exceed MaxRetries are dropped as unrecoverable instead of
// re-armed.
func (t *Tracker) DueNacks(now time.Time) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []uint16
	for t.heap.Len() > 0 {
		next := t.heap[0]
		if next.nextFireAt.After(now) {
			break
		}
		if !t.limiter.AllowN(now, 1) {
			break
		}
		heap.Pop(&t.heap)

		if next.attempt >= MaxRetries {
			delete(t.pending, next.seq)
			t.givenUp[next.seq] = true
			t.stats.unrecoverable++
			if t.log != nil {
				t.log.DebugQoSEvent("nack giving up on sequence", "seq", next.seq)
			}
			continue
		}

		due = append(due, next.seq)
		t.stats.nacksSent++

		next.attempt++
		next.delay = time.Duration(float64(next.delay) * backoffMultiplier)
		if next.delay > maxRetryDelay {
			next.delay = maxRetryDelay
		}
		next.nextFireAt = now.Add(next.delay)
		heap.Push(&t.heap, next)
	}
	return due
}

// PendingCount reports how many sequence numbers are currently
// awaiting retransmission.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// PendingSeqs returns the sequence numbers currently awaiting
// retransmission, for hand-off to the stats reporter's missing-set
// field per spec.md §4.2.
func (t *Tracker) PendingSeqs() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint16, 0, len(t.pending))
	for seq := range t.pending {
		out = append(out, seq)
	}
	return out
}

// IsGivenUp reports whether a sequence number was abandoned as
// unrecoverable loss rather than recovered.
func (t *Tracker) IsGivenUp(seq uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.givenUp[seq]
}

// Stats is a point-in-time snapshot of tracker counters.
type Stats struct {
	GapsDetected  uint64
	NacksSent     uint64
	Recovered     uint64
	Unrecoverable uint64
}

// Snapshot returns the tracker's cumulative counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		GapsDetected:  t.stats.gapsDetected,
		NacksSent:     t.stats.nacksSent,
		Recovered:     t.stats.recovered,
		Unrecoverable: t.stats.unrecoverable,
	}
}

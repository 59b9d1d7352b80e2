// Package jitter implements the viewer-side frame reassembly and
// playout buffer described in spec.md §4.8, grounded on the reference
// jitter buffer's frame_number-keyed assembly map and release logic.
package jitter

import (
	"sort"
	"sync"
	"time"

	"github.com/ethan/crazystream/pkg/logger"
	"github.com/sigurn/crc8"
)

// Quality selects the buffer's target playout depth.
type Quality uint8

const (
	QualityPerformance Quality = iota
	QualityBalanced
	QualityQuality
)

// TargetDepthMs returns the playout depth, in milliseconds, for the
// quality preset.
func (q Quality) TargetDepthMs() int {
	switch q {
	case QualityPerformance:
		return 10
	case QualityQuality:
		return 40
	default:
		return 20
	}
}

const (
	// MaxAssemblies bounds the number of in-flight frame assemblies;
	// the oldest is evicted once this cap is exceeded.
	MaxAssemblies = 100

	// DefaultMaxFrameAgeMs forces a drop of any incomplete assembly
	// older than this, even if earlier frames are still pending.
	DefaultMaxFrameAgeMs = 150

	// completeCountReleaseOverride releases the head-of-line frame
	// early once this many later frames have already completed,
	// trading a little quality for responsiveness under loss.
	completeCountReleaseOverride = 3

	// tooOldDelta rejects fragments for frames this far behind the
	// next-release cursor, using signed 16-bit wraparound arithmetic.
	tooOldDelta = -100
)

var crc8Table = crc8.MakeTable(crc8.CRC8)

type fragment struct {
	data []byte
}

type assembly struct {
	frameNumber  uint32
	fragmentsGot int
	total        int
	frags        []fragment
	firstSeenAt  time.Time
	complete     bool
}

func (a *assembly) isComplete() bool {
	if a.total == 0 {
		return false
	}
	for _, f := range a.frags {
		if f.data == nil {
			return false
		}
	}
	return true
}

func (a *assembly) reassemble() []byte {
	total := 0
	for _, f := range a.frags {
		total += len(f.data)
	}
	out := make([]byte, 0, total)
	for _, f := range a.frags {
		out = append(out, f.data...)
	}
	return out
}

// Frame is a fully reassembled, playout-ready video frame.
type Frame struct {
	FrameNumber uint32
	Payload     []byte
	Checksum    uint8
}

// Verify reports whether Payload still matches Checksum, catching
// in-memory corruption between release and decode. Callers should
// drop the frame (and count it as a decode failure) rather than hand
// a mismatching payload to the decoder.
func (f Frame) Verify() bool {
	return crc8.Checksum(f.Payload, crc8Table) == f.Checksum
}

// Buffer reorders and reassembles fragmented frames into a
// release-ordered stream, trading latency for loss resilience per the
// configured quality preset.
type Buffer struct {
	mu sync.Mutex

	quality       Quality
	maxFrameAgeMs int

	assemblies   map[uint32]*assembly
	nextRelease  uint32
	haveNext     bool

	log *logger.Logger
}

// New constructs a jitter buffer at the given quality preset.
func New(quality Quality, log *logger.Logger) *Buffer {
	return &Buffer{
		quality:       quality,
		maxFrameAgeMs: DefaultMaxFrameAgeMs,
		assemblies:    make(map[uint32]*assembly),
		log:           log,
	}
}

// signedDelta16 computes a-b treating both as wrapping 16-bit frame
// sequence numbers, returning a signed result in [-32768, 32767].
func signedDelta16(a, b uint32) int32 {
	d := int32(uint16(a)) - int32(uint16(b))
	if d > 32767 {
		d -= 65536
	} else if d < -32768 {
		d += 65536
	}
	return d
}

// Push accepts one fragment of a frame. It silently drops fragments
// for frames more than 100 frames behind the release cursor; fragments
// for frames less far behind it are stored, but Pop never returns them.
// Safe for concurrent use: the receive goroutine pushes fragments
// while the decode goroutine pops completed frames.
func (b *Buffer) Push(frameNumber uint32, fragmentIndex, fragmentTotal int, payload []byte, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if fragmentIndex < 0 || fragmentTotal <= 0 || fragmentIndex >= fragmentTotal {
		return
	}

	if b.haveNext && signedDelta16(frameNumber, b.nextRelease) < tooOldDelta {
		if b.log != nil {
			b.log.DebugJitterEvent("dropping stale fragment", "frame", frameNumber, "next_release", b.nextRelease)
		}
		return
	}

	a, ok := b.assemblies[frameNumber]
	if !ok {
		a = &assembly{
			frameNumber: frameNumber,
			total:       fragmentTotal,
			frags:       make([]fragment, fragmentTotal),
			firstSeenAt: now,
		}
		b.assemblies[frameNumber] = a
		b.evictIfOverCapLocked()
	}

	if a.frags[fragmentIndex].data == nil {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		a.frags[fragmentIndex] = fragment{data: buf}
		a.fragmentsGot++
	}

	if !a.complete && a.isComplete() {
		a.complete = true
	}
}

func (b *Buffer) evictIfOverCapLocked() {
	if len(b.assemblies) <= MaxAssemblies {
		return
	}
	var oldestFrame uint32
	var oldestTime time.Time
	first := true
	for fn, a := range b.assemblies {
		if first || a.firstSeenAt.Before(oldestTime) {
			oldestFrame = fn
			oldestTime = a.firstSeenAt
			first = false
		}
	}
	delete(b.assemblies, oldestFrame)
}

// Pop returns the next frame(s) ready for playout, in release order.
// A frame is released when it is complete and either its target
// playout depth has elapsed, or completeCountReleaseOverride later
// frames have already completed, or its max age has been exceeded
// (forcing a drop of the head-of-line frame to unblock the stream).
// Safe for concurrent use alongside Push.
func (b *Buffer) Pop(now time.Time) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Frame

	for {
		if !b.haveNext {
			b.advanceToOldestLocked()
			if !b.haveNext {
				return out
			}
		}

		a, ok := b.assemblies[b.nextRelease]
		if !ok {
			// Nothing buffered yet for the cursor frame; check whether
			// it has aged out and must be skipped.
			if b.oldestAgeMsLocked() > b.maxFrameAgeMs && len(b.assemblies) > 0 {
				b.nextRelease++
				continue
			}
			return out
		}

		age := now.Sub(a.firstSeenAt)
		ageMs := int(age.Milliseconds())

		laterComplete := b.countLaterCompleteLocked()

		readyByDepth := a.complete && ageMs >= b.quality.TargetDepthMs()
		readyByOverride := a.complete && laterComplete >= completeCountReleaseOverride
		forcedDrop := ageMs >= b.maxFrameAgeMs

		switch {
		case readyByDepth || readyByOverride:
			payload := a.reassemble()
			out = append(out, Frame{
				FrameNumber: a.frameNumber,
				Payload:     payload,
				Checksum:    crc8.Checksum(payload, crc8Table),
			})
			delete(b.assemblies, a.frameNumber)
			b.nextRelease++
		case forcedDrop:
			if b.log != nil {
				b.log.DebugJitterEvent("forced drop on age", "frame", a.frameNumber, "age_ms", ageMs)
			}
			delete(b.assemblies, a.frameNumber)
			b.nextRelease++
		default:
			return out
		}
	}
}

func (b *Buffer) oldestAgeMsLocked() int {
	var oldest time.Time
	first := true
	for _, a := range b.assemblies {
		if first || a.firstSeenAt.Before(oldest) {
			oldest = a.firstSeenAt
			first = false
		}
	}
	if first {
		return 0
	}
	return int(time.Since(oldest).Milliseconds())
}

func (b *Buffer) countLaterCompleteLocked() int {
	n := 0
	for fn, a := range b.assemblies {
		if fn != b.nextRelease && signedDelta16(fn, b.nextRelease) > 0 && a.complete {
			n++
		}
	}
	return n
}

func (b *Buffer) advanceToOldestLocked() {
	if len(b.assemblies) == 0 {
		return
	}
	frames := make([]uint32, 0, len(b.assemblies))
	for fn := range b.assemblies {
		frames = append(frames, fn)
	}
	sort.Slice(frames, func(i, j int) bool { return signedDelta16(frames[i], frames[j]) < 0 })
	b.nextRelease = frames[0]
	b.haveNext = true
}

// PendingCount reports how many frame assemblies are currently buffered.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.assemblies)
}

// FragmentsForRecovery returns the raw fragment payloads of a pending,
// incomplete assembly, with nil entries marking the fragments still
// missing. This is the shape pkg/fec.Recover expects: one slot per
// group member, the gap to be XOR-reconstructed left as nil. Returns
// ok=false if frameNumber has no pending assembly.
func (b *Buffer) FragmentsForRecovery(frameNumber uint32) (frags [][]byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, found := b.assemblies[frameNumber]
	if !found || a.complete {
		return nil, false
	}

	out := make([][]byte, len(a.frags))
	for i, f := range a.frags {
		out[i] = f.data
	}
	return out, true
}

// IncompleteFrameByLowByte searches pending assemblies for one whose
// frame number's low byte matches low, the only frame identity an
// incoming FEC packet carries (wire.FEC.FrameNumberLow). Ambiguity
// between two pending frames sharing a low byte is resolved by
// picking the most recently started assembly, since the older one has
// most likely already been released or aged out by the time its
// parity arrives.
func (b *Buffer) IncompleteFrameByLowByte(low uint8) (frameNumber uint32, total int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *assembly
	for _, a := range b.assemblies {
		if a.complete || uint8(a.frameNumber) != low {
			continue
		}
		if best == nil || a.firstSeenAt.After(best.firstSeenAt) {
			best = a
		}
	}
	if best == nil {
		return 0, 0, false
	}
	return best.frameNumber, best.total, true
}

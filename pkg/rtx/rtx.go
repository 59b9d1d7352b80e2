// Package rtx implements the host-side retransmission cache described
// in spec.md §4.7: a bounded ring of recently sent packets, keyed by
// sequence number, that NACK requests are served from. It adapts the
// mutex-guarded ring/statistics discipline the reference pacer uses
// for its send-side bookkeeping, and adds a CRC16 integrity check over
// each cached entry to catch corruption before a bad retransmit goes
// out on the wire.
package rtx

import (
	"sync"

	"github.com/sigurn/crc16"
)

var crc16Table = crc16.MakeTable(crc16.CRC16_XMODEM)

type entry struct {
	seq    uint16
	data   []byte
	crc    uint16
	filled bool
}

// Cache is a fixed-capacity ring buffer of recently transmitted
// packets, addressable by sequence number for retransmission.
type Cache struct {
	mu      sync.RWMutex
	ring    []entry
	cap     int
	highest uint16
	haveAny bool

	stats struct {
		stored       uint64
		served       uint64
		misses       uint64
		corruptHits  uint64
	}
}

// New constructs a retransmission cache holding up to capacity packets.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 256
	}
	return &Cache{
		ring: make([]entry, capacity),
		cap:  capacity,
	}
}

// Store records a packet payload under its sequence number, evicting
// whatever previously occupied that ring slot.
func (c *Cache) Store(seq uint16, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)

	slot := int(seq) % c.cap
	c.ring[slot] = entry{
		seq:    seq,
		data:   buf,
		crc:    crc16.Checksum(buf, crc16Table),
		filled: true,
	}
	c.stats.stored++

	if !c.haveAny || seq16After(seq, c.highest) {
		c.highest = seq
		c.haveAny = true
	}
}

func seq16After(a, b uint16) bool {
	return int16(a-b) > 0
}

// Fetch returns the cached payload for seq, or ok=false if it was
// never stored, has since been evicted by a newer packet reusing its
// ring slot, or fails its integrity check.
func (c *Cache) Fetch(seq uint16) (data []byte, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	slot := int(seq) % c.cap
	e := c.ring[slot]
	if !e.filled || e.seq != seq {
		c.stats.misses++
		return nil, false
	}
	if crc16.Checksum(e.data, crc16Table) != e.crc {
		c.stats.corruptHits++
		return nil, false
	}
	c.stats.served++

	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true
}

// FetchMany resolves a batch of requested sequence numbers in one
// call, returning only the ones still resident and intact; callers
// should treat absent sequences as unrecoverable loss.
func (c *Cache) FetchMany(seqs []uint16) map[uint16][]byte {
	out := make(map[uint16][]byte, len(seqs))
	for _, s := range seqs {
		if data, ok := c.Fetch(s); ok {
			out[s] = data
		}
	}
	return out
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Stored      uint64
	Served      uint64
	Misses      uint64
	CorruptHits uint64
}

// Snapshot returns the cache's cumulative counters.
func (c *Cache) Snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Stored:      c.stats.stored,
		Served:      c.stats.served,
		Misses:      c.stats.misses,
		CorruptHits: c.stats.corruptHits,
	}
}

// Package transport implements the loss-resilient UDP transport
// described in spec.md §4.3-§4.7: fragmentation to MTU, strictly
// increasing per-codec sequence numbers, a DTLS-secured send/receive
// loop, a retransmission cache fed by NACKs, and FEC parity handling.
// It adapts the reference relay's context+cancel+WaitGroup lifecycle
// and atomic-counter statistics discipline to a single peer-to-peer
// UDP session instead of a fan of upstream RTSP connections.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan/crazystream/pkg/dtlsx"
	"github.com/ethan/crazystream/pkg/fec"
	"github.com/ethan/crazystream/pkg/logger"
	"github.com/ethan/crazystream/pkg/rtx"
	"github.com/ethan/crazystream/pkg/wire"
)

const (
	statsInterval    = 30 * time.Second
	rtxCacheCapacity = 4096
	recvBufferSize   = 2048

	// ProtocolTag is the 4-byte ASCII version tag both peers must
	// exchange, encrypted, immediately after the DTLS handshake
	// completes, per spec.md §6.
	ProtocolTag = "CS01"

	// ProtocolTagTimeout bounds how long NegotiateProtocol waits for
	// the peer's tag to arrive.
	ProtocolTagTimeout = 5 * time.Second
)

// Handlers are the callbacks invoked for each decoded, decrypted
// packet type arriving off the wire.
type Handlers struct {
	OnVideo       func(wire.VideoHeader, []byte)
	OnAudio       func(wire.AudioHeader, []byte)
	OnInput       func(wire.InputType, any)
	OnController  func(wire.Controller)
	OnClipboard   func(wire.Clipboard)
	OnClipAck     func(seq uint16)
	OnQosFeedback func(wire.QosFeedback)
	OnNack        func(seqs []uint16)
	OnFEC         func(wire.FEC)
}

// Transport owns one UDP socket and the DTLS session securing it,
// fragmenting and sequencing outgoing packets and dispatching decoded
// incoming ones to the registered Handlers.
type Transport struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	dtls *dtlsx.Adapter

	videoSeq uint32 // wraps at 2^16, kept wider to detect wraparound cleanly
	audioSeq uint32
	groupID  atomic.Uint32

	cache *rtx.Cache

	handlers Handlers
	tagCh    chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	decryptErrors   atomic.Uint64

	startTime time.Time
	log       *logger.Logger
}

// New constructs a transport bound to conn, talking to peer, with its
// DTLS session not yet handshaken.
func New(conn *net.UDPConn, peer *net.UDPAddr, log *logger.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:      conn,
		peer:      peer,
		cache:     rtx.New(rtxCacheCapacity),
		tagCh:     make(chan []byte, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		log:       log,
	}
	t.dtls = dtlsx.New(func(b []byte) error {
		_, err := t.conn.WriteToUDP(b, t.peer)
		if err == nil {
			t.bytesSent.Add(uint64(len(b)))
		}
		return err
	})
	return t
}

// HandshakeAsClient drives the DTLS handshake as the connecting peer.
// The caller must already be pumping received datagrams into the
// transport's recv loop (via Start) before calling this, since the
// handshake flights arrive over the same socket.
func (t *Transport) HandshakeAsClient(ctx context.Context) error {
	_, err := t.dtls.HandshakeAsClient(ctx)
	return err
}

// HandshakeAsServer drives the DTLS handshake as the listening peer.
func (t *Transport) HandshakeAsServer(ctx context.Context) error {
	_, err := t.dtls.HandshakeAsServer(ctx)
	return err
}

// NegotiateProtocol exchanges the encrypted protocol version tag both
// peers must present within ProtocolTagTimeout after a successful DTLS
// handshake, per spec.md §6. The receive loop (started via Start) must
// already be running so the peer's tag reaches tagCh.
func (t *Transport) NegotiateProtocol(ctx context.Context) error {
	if err := t.dtls.Encrypt([]byte(ProtocolTag)); err != nil {
		return fmt.Errorf("transport: send protocol tag: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, ProtocolTagTimeout)
	defer cancel()

	select {
	case tag := <-t.tagCh:
		if string(tag) != ProtocolTag {
			return fmt.Errorf("transport: unexpected protocol tag %q", tag)
		}
		return nil
	case <-tctx.Done():
		return fmt.Errorf("transport: protocol tag exchange timed out")
	}
}

// SetHandlers wires the packet-type callbacks. Must be called before Start.
func (t *Transport) SetHandlers(h Handlers) {
	t.handlers = h
}

// Start begins the receive loop and periodic stats logging.
func (t *Transport) Start() {
	t.wg.Add(2)
	go t.recvLoop()
	go t.statsLoop()
}

// Stop cancels the transport's goroutines and closes the DTLS session.
func (t *Transport) Stop() error {
	t.cancel()
	t.conn.SetReadDeadline(time.Now())
	t.wg.Wait()
	return t.dtls.Close()
}

// nextVideoSeq and nextAudioSeq return the next strictly increasing,
// mod-2^16-wrapping sequence number for their codec's space.
func (t *Transport) nextVideoSeq() uint16 {
	return uint16(atomic.AddUint32(&t.videoSeq, 1) - 1)
}

func (t *Transport) nextAudioSeq() uint16 {
	return uint16(atomic.AddUint32(&t.audioSeq, 1) - 1)
}

func (t *Transport) sendRaw(seq uint16, payload []byte) error {
	if err := t.dtls.Encrypt(payload); err != nil {
		return fmt.Errorf("transport: encrypt: %w", err)
	}
	t.cache.Store(seq, payload)
	t.packetsSent.Add(1)
	return nil
}

// SendVideoFrame fragments one encoded access unit to MTU, sends each
// fragment as a VIDEO packet, and — when the frame spans more than
// one fragment — computes and sends XOR-FEC parity for the group at
// the given redundancy ratio, per spec.md §4.4-§4.5.
func (t *Transport) SendVideoFrame(frameNumber uint16, frameType wire.FrameType, codec wire.Codec, timestampUs uint32, data []byte, mtu int, redundancyRatio float64) error {
	fragments := splitMTU(data, mtu-wire.VideoHeaderLen)
	groupID := uint8(t.groupID.Add(1))

	for i, frag := range fragments {
		seq := t.nextVideoSeq()
		hdr := wire.VideoHeader{
			FrameType:     frameType,
			Codec:         codec,
			Sequence:      seq,
			TimestampUs:   timestampUs,
			FrameNumber:   frameNumber,
			FragmentIndex: uint8(i),
			FragmentTotal: uint8(len(fragments)),
			IsKeyframe:    frameType == wire.FrameTypeKey,
		}
		pkt := wire.EncodeVideo(hdr, frag)
		if err := t.sendRaw(seq, pkt); err != nil {
			return err
		}
	}

	if len(fragments) > 1 && redundancyRatio > 0 {
		parities := fec.Encode(groupID, fragments, redundancyRatio)
		for _, p := range parities {
			seq := t.nextVideoSeq()
			pkt := wire.EncodeFEC(wire.FEC{
				Sequence:       seq,
				GroupID:        p.GroupID,
				GroupSize:      p.GroupSize,
				FecIndex:       p.FECIndex,
				FrameNumberLow: uint8(frameNumber),
				Payload:        p.Payload,
			})
			if err := t.sendRaw(seq, pkt); err != nil {
				return err
			}
		}
	}

	return nil
}

// SendAudioPacket sends one audio packet on the given channel. Opus
// frames are small enough to never need MTU fragmentation in
// practice, so unlike video this is a single, unfragmented send.
func (t *Transport) SendAudioPacket(channelID uint8, timestampUs uint32, data []byte) error {
	seq := t.nextAudioSeq()
	hdr := wire.AudioHeader{
		ChannelID:   channelID,
		Sequence:    seq,
		TimestampUs: timestampUs,
	}
	pkt := wire.EncodeAudio(hdr, data)
	return t.sendRaw(seq, pkt)
}

// SendQosFeedback sends one viewer feedback report to the host.
func (t *Transport) SendQosFeedback(fb wire.QosFeedback) error {
	pkt, err := wire.EncodeQosFeedback(fb)
	if err != nil {
		return fmt.Errorf("transport: encode qos feedback: %w", err)
	}
	return t.dtls.Encrypt(pkt)
}

// SendNack requests retransmission of the given sequence numbers.
func (t *Transport) SendNack(seqs []uint16) error {
	pkt, err := wire.EncodeNack(seqs)
	if err != nil {
		return fmt.Errorf("transport: encode nack: %w", err)
	}
	return t.dtls.Encrypt(pkt)
}

// Retransmit re-sends any requested sequence numbers still held in
// the local cache, as the host side of a NACK exchange.
func (t *Transport) Retransmit(seqs []uint16) {
	found := t.cache.FetchMany(seqs)
	for _, data := range found {
		if err := t.dtls.Encrypt(data); err != nil && t.log != nil {
			t.log.DebugWireEvent("retransmit failed", "err", err)
		}
	}
}

// SendInput, SendController, SendClipboard, SendClipAck mirror the
// fixed-size control-plane packet types.
func (t *Transport) SendInput(inputType wire.InputType, variant any) error {
	pkt, err := wire.EncodeInput(inputType, variant)
	if err != nil {
		return fmt.Errorf("transport: encode input: %w", err)
	}
	return t.dtls.Encrypt(pkt)
}

func (t *Transport) SendController(c wire.Controller) error {
	return t.dtls.Encrypt(wire.EncodeController(c))
}

func (t *Transport) SendClipboard(c wire.Clipboard) error {
	pkt, err := wire.EncodeClipboard(c)
	if err != nil {
		return fmt.Errorf("transport: encode clipboard: %w", err)
	}
	return t.dtls.Encrypt(pkt)
}

func (t *Transport) SendClipAck(seq uint16) error {
	pkt := wire.EncodeClipAck(seq)
	return t.dtls.Encrypt(pkt)
}

func splitMTU(data []byte, mtu int) [][]byte {
	if mtu <= 0 {
		mtu = 1400
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(data) > 0 {
		n := mtu
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// recvLoop reads raw datagrams off the socket, feeds them to the DTLS
// session, and dispatches any decrypted application payload to the
// matching handler.
func (t *Transport) recvLoop() {
	defer t.wg.Done()

	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			continue
		}

		t.bytesReceived.Add(uint64(n))

		plaintext, err := t.dtls.Decrypt(buf[:n])
		if err != nil {
			t.decryptErrors.Add(1)
			if t.log != nil {
				t.log.DebugDTLSEvent("decrypt failed", "err", err)
			}
			continue
		}
		if len(plaintext) == 0 {
			continue
		}

		t.packetsReceived.Add(1)
		t.dispatch(plaintext)
	}
}

func (t *Transport) dispatch(data []byte) {
	if string(data) == ProtocolTag {
		select {
		case t.tagCh <- data:
		default:
		}
		return
	}

	typ, err := wire.PeekType(data)
	if err != nil {
		return
	}

	switch typ {
	case wire.TypeVideo:
		hdr, payload, err := wire.DecodeVideo(data)
		if err == nil && t.handlers.OnVideo != nil {
			t.handlers.OnVideo(hdr, payload)
		}
	case wire.TypeAudio:
		hdr, payload, err := wire.DecodeAudio(data)
		if err == nil && t.handlers.OnAudio != nil {
			t.handlers.OnAudio(hdr, payload)
		}
	case wire.TypeInput:
		it, variant, err := wire.DecodeInput(data)
		if err == nil && t.handlers.OnInput != nil {
			t.handlers.OnInput(it, variant)
		}
	case wire.TypeController:
		c, err := wire.DecodeController(data)
		if err == nil && t.handlers.OnController != nil {
			t.handlers.OnController(c)
		}
	case wire.TypeQosFeedback:
		fb, err := wire.DecodeQosFeedback(data)
		if err == nil && t.handlers.OnQosFeedback != nil {
			t.handlers.OnQosFeedback(fb)
		}
	case wire.TypeNack:
		seqs, err := wire.DecodeNack(data)
		if err == nil && t.handlers.OnNack != nil {
			t.handlers.OnNack(seqs)
		}
	case wire.TypeClipboard:
		c, err := wire.DecodeClipboard(data)
		if err == nil && t.handlers.OnClipboard != nil {
			t.handlers.OnClipboard(c)
		}
	case wire.TypeClipAck:
		seq, err := wire.DecodeClipAck(data)
		if err == nil && t.handlers.OnClipAck != nil {
			t.handlers.OnClipAck(seq)
		}
	case wire.TypeFEC:
		f, err := wire.DecodeFEC(data)
		if err == nil && t.handlers.OnFEC != nil {
			t.handlers.OnFEC(f)
		}
	}
}

func (t *Transport) statsLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if t.log == nil {
				continue
			}
			t.log.DebugWireEvent("transport statistics",
				"uptime", time.Since(t.startTime).Round(time.Second),
				"packets_sent", t.packetsSent.Load(),
				"packets_received", t.packetsReceived.Load(),
				"bytes_sent", t.bytesSent.Load(),
				"bytes_received", t.bytesReceived.Load(),
				"decrypt_errors", t.decryptErrors.Load())
		}
	}
}

// Stats is a point-in-time snapshot of transport counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	DecryptErrors   uint64
	Uptime          time.Duration
}

// Snapshot returns the transport's cumulative counters.
func (t *Transport) Snapshot() Stats {
	return Stats{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		DecryptErrors:   t.decryptErrors.Load(),
		Uptime:          time.Since(t.startTime),
	}
}

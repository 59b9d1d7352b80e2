// Package wire implements bit-exact serialization of every packet type
// the core's custom UDP protocol defines. A single dispatch byte (low
// six bits the type tag, high two bits a version field) lets a
// receiver route a decrypted datagram in O(1) without inspecting the
// rest of the payload.
package wire

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the low six bits of the dispatch byte.
type PacketType byte

const (
	TypeVideo       PacketType = 0x01
	TypeAudio       PacketType = 0x02
	TypeInput       PacketType = 0x03
	TypeController  PacketType = 0x04
	TypeQosFeedback PacketType = 0x10
	TypeNack        PacketType = 0x20
	TypeClipboard   PacketType = 0x30
	TypeClipAck     PacketType = 0x31
	TypeFEC         PacketType = 0xFC
)

const (
	typeMask    = 0x3F
	versionMask = 0xC0
	versionBits = 6
)

// CurrentVersion is the protocol version field value this build emits.
const CurrentVersion = 0

// DispatchByte packs a type tag and a 2-bit version into one byte. FEC
// is the single exception: its tag (0xFC) already occupies the whole
// byte, so it bypasses the type/version split entirely.
func DispatchByte(t PacketType, version uint8) byte {
	if t == TypeFEC {
		return byte(TypeFEC)
	}
	return byte(t)&typeMask | (version<<versionBits)&versionMask
}

// SplitDispatchByte extracts the type tag and version field. A literal
// 0xFC byte is always FEC, independent of the low-six/high-two split
// used by every other type.
func SplitDispatchByte(b byte) (PacketType, uint8) {
	if b == byte(TypeFEC) {
		return TypeFEC, 0
	}
	return PacketType(b & typeMask), (b & versionMask) >> versionBits
}

// FrameType identifies codec-independent keyframe/delta framing; kept
// distinct from the keyframe flag bit for forward compatibility with
// future frame classes (e.g. B-frames) that spec.md's Non-goals don't
// require today.
type FrameType uint8

const (
	FrameTypeDelta FrameType = 0
	FrameTypeKey   FrameType = 1
)

// Codec identifies the encoded video payload's codec.
type Codec uint8

const (
	CodecH264 Codec = iota
	CodecHEVC
	CodecAV1
)

// VideoHeader is the fixed-layout header preceding every video fragment.
type VideoHeader struct {
	FrameType      FrameType
	Codec          Codec
	Sequence       uint16
	TimestampUs    uint32
	FrameNumber    uint16
	FragmentIndex  uint8
	FragmentTotal  uint8
	PayloadLength  uint32
	IsKeyframe     bool
}

const videoHeaderLen = 1 + 1 + 1 + 2 + 4 + 2 + 1 + 1 + 4 + 1

// VideoHeaderLen is the on-wire size of a video fragment header, in
// bytes. Callers that split a frame's payload to fit an MTU budget
// must subtract this from the MTU before chunking.
const VideoHeaderLen = videoHeaderLen

// EncodeVideo serializes a video header and its payload.
func EncodeVideo(h VideoHeader, payload []byte) []byte {
	h.PayloadLength = uint32(len(payload))
	buf := make([]byte, videoHeaderLen+len(payload))
	buf[0] = DispatchByte(TypeVideo, CurrentVersion)
	buf[1] = byte(h.FrameType)
	buf[2] = byte(h.Codec)
	binary.BigEndian.PutUint16(buf[3:5], h.Sequence)
	binary.BigEndian.PutUint32(buf[5:9], h.TimestampUs)
	binary.BigEndian.PutUint16(buf[9:11], h.FrameNumber)
	buf[11] = h.FragmentIndex
	buf[12] = h.FragmentTotal
	binary.BigEndian.PutUint32(buf[13:17], h.PayloadLength)
	var flags byte
	if h.IsKeyframe {
		flags |= 0x01
	}
	buf[17] = flags
	copy(buf[videoHeaderLen:], payload)
	return buf
}

// DecodeVideo parses a video header and its payload from buf, which
// must begin with the dispatch byte.
func DecodeVideo(buf []byte) (VideoHeader, []byte, error) {
	if len(buf) < videoHeaderLen {
		return VideoHeader{}, nil, fmt.Errorf("wire: video header truncated: %d bytes", len(buf))
	}
	h := VideoHeader{
		FrameType:     FrameType(buf[1]),
		Codec:         Codec(buf[2]),
		Sequence:      binary.BigEndian.Uint16(buf[3:5]),
		TimestampUs:   binary.BigEndian.Uint32(buf[5:9]),
		FrameNumber:   binary.BigEndian.Uint16(buf[9:11]),
		FragmentIndex: buf[11],
		FragmentTotal: buf[12],
		PayloadLength: binary.BigEndian.Uint32(buf[13:17]),
		IsKeyframe:    buf[17]&0x01 != 0,
	}
	if h.FragmentIndex >= h.FragmentTotal {
		return VideoHeader{}, nil, fmt.Errorf("wire: fragment_index %d >= fragment_total %d", h.FragmentIndex, h.FragmentTotal)
	}
	end := videoHeaderLen + int(h.PayloadLength)
	if end > len(buf) {
		return VideoHeader{}, nil, fmt.Errorf("wire: video payload truncated: want %d have %d", end, len(buf))
	}
	return h, buf[videoHeaderLen:end], nil
}

// AudioHeader precedes every Opus audio packet.
type AudioHeader struct {
	ChannelID     uint8
	Sequence      uint16
	TimestampUs   uint32
	PayloadLength uint16
}

const audioHeaderLen = 1 + 1 + 2 + 4 + 2

func EncodeAudio(h AudioHeader, payload []byte) []byte {
	h.PayloadLength = uint16(len(payload))
	buf := make([]byte, audioHeaderLen+len(payload))
	buf[0] = DispatchByte(TypeAudio, CurrentVersion)
	buf[1] = h.ChannelID
	binary.BigEndian.PutUint16(buf[2:4], h.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], h.TimestampUs)
	binary.BigEndian.PutUint16(buf[8:10], h.PayloadLength)
	copy(buf[audioHeaderLen:], payload)
	return buf
}

func DecodeAudio(buf []byte) (AudioHeader, []byte, error) {
	if len(buf) < audioHeaderLen {
		return AudioHeader{}, nil, fmt.Errorf("wire: audio header truncated: %d bytes", len(buf))
	}
	h := AudioHeader{
		ChannelID:     buf[1],
		Sequence:      binary.BigEndian.Uint16(buf[2:4]),
		TimestampUs:   binary.BigEndian.Uint32(buf[4:8]),
		PayloadLength: binary.BigEndian.Uint16(buf[8:10]),
	}
	end := audioHeaderLen + int(h.PayloadLength)
	if end > len(buf) {
		return AudioHeader{}, nil, fmt.Errorf("wire: audio payload truncated: want %d have %d", end, len(buf))
	}
	return h, buf[audioHeaderLen:end], nil
}

// QosFeedback is the viewer's periodic congestion report. DecodeTimeUs
// and FramesDropped trail the variable-length NACK list; the data
// model in spec.md §3 requires decode time and frame counters in every
// feedback report even though §4.1's fixed-field listing only spells
// out the leading fields, so these are carried as a fixed-size trailer
// following the NACK list.
type QosFeedback struct {
	Flags           uint8
	LastSeq         uint16
	BwKbps          uint32
	LossX10000      uint16
	JitterUs        uint16
	DelayGradientUs int32
	NackSeqs        []uint16
	DecodeTimeUs    uint32
	FramesDropped   uint16
}

const qosFeedbackFixedLen = 1 + 1 + 2 + 4 + 2 + 2 + 4 + 2 + 2 + 2

// MaxNackSeqsInFeedback bounds the feedback packet's embedded NACK list.
const MaxNackSeqsInFeedback = 64

func EncodeQosFeedback(f QosFeedback) ([]byte, error) {
	if len(f.NackSeqs) > MaxNackSeqsInFeedback {
		return nil, fmt.Errorf("wire: nack_count %d exceeds max %d", len(f.NackSeqs), MaxNackSeqsInFeedback)
	}
	nackCount := len(f.NackSeqs)
	// The fixed layout always reserves two inline sequence slots;
	// additional entries beyond the first two are appended.
	extra := 0
	if nackCount > 2 {
		extra = nackCount - 2
	}
	trailerLen := 4 + 2
	buf := make([]byte, qosFeedbackFixedLen+extra*2+trailerLen)
	buf[0] = DispatchByte(TypeQosFeedback, CurrentVersion)
	buf[1] = f.Flags
	binary.BigEndian.PutUint16(buf[2:4], f.LastSeq)
	binary.BigEndian.PutUint32(buf[4:8], f.BwKbps)
	binary.BigEndian.PutUint16(buf[8:10], f.LossX10000)
	binary.BigEndian.PutUint16(buf[10:12], f.JitterUs)
	binary.BigEndian.PutUint32(buf[12:16], uint32(f.DelayGradientUs))
	binary.BigEndian.PutUint16(buf[16:18], uint16(nackCount))
	var s0, s1 uint16
	if nackCount > 0 {
		s0 = f.NackSeqs[0]
	}
	if nackCount > 1 {
		s1 = f.NackSeqs[1]
	}
	binary.BigEndian.PutUint16(buf[18:20], s0)
	binary.BigEndian.PutUint16(buf[20:22], s1)
	for i := 0; i < extra; i++ {
		binary.BigEndian.PutUint16(buf[qosFeedbackFixedLen+i*2:qosFeedbackFixedLen+i*2+2], f.NackSeqs[2+i])
	}
	trailerOff := qosFeedbackFixedLen + extra*2
	binary.BigEndian.PutUint32(buf[trailerOff:trailerOff+4], f.DecodeTimeUs)
	binary.BigEndian.PutUint16(buf[trailerOff+4:trailerOff+6], f.FramesDropped)
	return buf, nil
}

func DecodeQosFeedback(buf []byte) (QosFeedback, error) {
	if len(buf) < qosFeedbackFixedLen {
		return QosFeedback{}, fmt.Errorf("wire: qos feedback truncated: %d bytes", len(buf))
	}
	f := QosFeedback{
		Flags:           buf[1],
		LastSeq:         binary.BigEndian.Uint16(buf[2:4]),
		BwKbps:          binary.BigEndian.Uint32(buf[4:8]),
		LossX10000:      binary.BigEndian.Uint16(buf[8:10]),
		JitterUs:        binary.BigEndian.Uint16(buf[10:12]),
		DelayGradientUs: int32(binary.BigEndian.Uint32(buf[12:16])),
	}
	nackCount := int(binary.BigEndian.Uint16(buf[16:18]))
	if nackCount > MaxNackSeqsInFeedback {
		return QosFeedback{}, fmt.Errorf("wire: nack_count %d exceeds max %d", nackCount, MaxNackSeqsInFeedback)
	}
	s0 := binary.BigEndian.Uint16(buf[18:20])
	s1 := binary.BigEndian.Uint16(buf[20:22])
	if nackCount > 0 {
		f.NackSeqs = append(f.NackSeqs, s0)
	}
	if nackCount > 1 {
		f.NackSeqs = append(f.NackSeqs, s1)
	}
	extra := 0
	if nackCount > 2 {
		extra = nackCount - 2
	}
	need := qosFeedbackFixedLen + extra*2 + 6
	if need > len(buf) {
		return QosFeedback{}, fmt.Errorf("wire: qos feedback nack list truncated: want %d have %d", need, len(buf))
	}
	for i := 0; i < extra; i++ {
		f.NackSeqs = append(f.NackSeqs, binary.BigEndian.Uint16(buf[qosFeedbackFixedLen+i*2:qosFeedbackFixedLen+i*2+2]))
	}
	trailerOff := qosFeedbackFixedLen + extra*2
	f.DecodeTimeUs = binary.BigEndian.Uint32(buf[trailerOff : trailerOff+4])
	f.FramesDropped = binary.BigEndian.Uint16(buf[trailerOff+4 : trailerOff+6])
	return f, nil
}

// EncodeNack serializes a standalone NACK packet. A zero-length list
// must never be serialized; callers check len(seqs) > 0 first.
func EncodeNack(seqs []uint16) ([]byte, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("wire: refusing to encode empty NACK")
	}
	if len(seqs) > 255 {
		return nil, fmt.Errorf("wire: nack count %d exceeds byte field", len(seqs))
	}
	buf := make([]byte, 2+len(seqs)*2)
	buf[0] = DispatchByte(TypeNack, CurrentVersion)
	buf[1] = byte(len(seqs))
	for i, s := range seqs {
		binary.BigEndian.PutUint16(buf[2+i*2:4+i*2], s)
	}
	return buf, nil
}

func DecodeNack(buf []byte) ([]uint16, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("wire: nack header truncated")
	}
	count := int(buf[1])
	need := 2 + count*2
	if need > len(buf) {
		return nil, fmt.Errorf("wire: nack list truncated: want %d have %d", need, len(buf))
	}
	seqs := make([]uint16, count)
	for i := 0; i < count; i++ {
		seqs[i] = binary.BigEndian.Uint16(buf[2+i*2 : 4+i*2])
	}
	return seqs, nil
}

// InputType identifies the variant payload following an Input header.
type InputType uint8

const (
	InputMouseMove   InputType = 0
	InputMouseButton InputType = 1
	InputKey         InputType = 2
	InputScroll      InputType = 3
)

type MouseMove struct {
	DX, DY  int16
	Buttons uint8
}

type MouseButton struct {
	Button uint8
	Action uint8
}

type Key struct {
	Keycode   uint16
	Action    uint8
	Modifiers uint8
}

type Scroll struct {
	DX, DY int16
}

const inputHeaderLen = 1 + 1 + 2

// EncodeInput serializes an input header plus one of the variant payloads.
func EncodeInput(t InputType, payload any) ([]byte, error) {
	var body []byte
	switch t {
	case InputMouseMove:
		v := payload.(MouseMove)
		body = make([]byte, 5)
		binary.BigEndian.PutUint16(body[0:2], uint16(v.DX))
		binary.BigEndian.PutUint16(body[2:4], uint16(v.DY))
		body[4] = v.Buttons
	case InputMouseButton:
		v := payload.(MouseButton)
		body = []byte{v.Button, v.Action}
	case InputKey:
		v := payload.(Key)
		body = make([]byte, 4)
		binary.BigEndian.PutUint16(body[0:2], v.Keycode)
		body[2] = v.Action
		body[3] = v.Modifiers
	case InputScroll:
		v := payload.(Scroll)
		body = make([]byte, 4)
		binary.BigEndian.PutUint16(body[0:2], uint16(v.DX))
		binary.BigEndian.PutUint16(body[2:4], uint16(v.DY))
	default:
		return nil, fmt.Errorf("wire: unknown input type %d", t)
	}
	buf := make([]byte, inputHeaderLen+len(body))
	buf[0] = DispatchByte(TypeInput, CurrentVersion)
	buf[1] = byte(t)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)))
	copy(buf[inputHeaderLen:], body)
	return buf, nil
}

// DecodeInput parses the input header and returns the type tag and the
// decoded variant payload as one of MouseMove/MouseButton/Key/Scroll.
func DecodeInput(buf []byte) (InputType, any, error) {
	if len(buf) < inputHeaderLen {
		return 0, nil, fmt.Errorf("wire: input header truncated")
	}
	t := InputType(buf[1])
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	end := inputHeaderLen + length
	if end > len(buf) {
		return 0, nil, fmt.Errorf("wire: input payload truncated")
	}
	body := buf[inputHeaderLen:end]
	switch t {
	case InputMouseMove:
		if len(body) < 5 {
			return 0, nil, fmt.Errorf("wire: mouse move payload truncated")
		}
		return t, MouseMove{
			DX:      int16(binary.BigEndian.Uint16(body[0:2])),
			DY:      int16(binary.BigEndian.Uint16(body[2:4])),
			Buttons: body[4],
		}, nil
	case InputMouseButton:
		if len(body) < 2 {
			return 0, nil, fmt.Errorf("wire: mouse button payload truncated")
		}
		return t, MouseButton{Button: body[0], Action: body[1]}, nil
	case InputKey:
		if len(body) < 4 {
			return 0, nil, fmt.Errorf("wire: key payload truncated")
		}
		return t, Key{
			Keycode:   binary.BigEndian.Uint16(body[0:2]),
			Action:    body[2],
			Modifiers: body[3],
		}, nil
	case InputScroll:
		if len(body) < 4 {
			return 0, nil, fmt.Errorf("wire: scroll payload truncated")
		}
		return t, Scroll{
			DX: int16(binary.BigEndian.Uint16(body[0:2])),
			DY: int16(binary.BigEndian.Uint16(body[2:4])),
		}, nil
	default:
		return 0, nil, fmt.Errorf("wire: unknown input type %d", t)
	}
}

// Controller is a full-state controller snapshot, not a delta.
type Controller struct {
	ControllerID  uint8
	Buttons       uint16
	LeftTrigger   uint8
	RightTrigger  uint8
	ThumbLX       int16
	ThumbLY       int16
	ThumbRX       int16
	ThumbRY       int16
	Sequence      uint16
}

const controllerLen = 1 + 1 + 1 + 2 + 1 + 1 + 2 + 2 + 2 + 2 + 2

func EncodeController(c Controller) []byte {
	buf := make([]byte, controllerLen)
	buf[0] = DispatchByte(TypeController, CurrentVersion)
	buf[1] = c.ControllerID
	binary.BigEndian.PutUint16(buf[2:4], c.Buttons)
	buf[4] = c.LeftTrigger
	buf[5] = c.RightTrigger
	binary.BigEndian.PutUint16(buf[6:8], uint16(c.ThumbLX))
	binary.BigEndian.PutUint16(buf[8:10], uint16(c.ThumbLY))
	binary.BigEndian.PutUint16(buf[10:12], uint16(c.ThumbRX))
	binary.BigEndian.PutUint16(buf[12:14], uint16(c.ThumbRY))
	binary.BigEndian.PutUint16(buf[14:16], c.Sequence)
	return buf
}

func DecodeController(buf []byte) (Controller, error) {
	if len(buf) < controllerLen {
		return Controller{}, fmt.Errorf("wire: controller packet truncated: %d bytes", len(buf))
	}
	return Controller{
		ControllerID: buf[1],
		Buttons:      binary.BigEndian.Uint16(buf[2:4]),
		LeftTrigger:  buf[4],
		RightTrigger: buf[5],
		ThumbLX:      int16(binary.BigEndian.Uint16(buf[6:8])),
		ThumbLY:      int16(binary.BigEndian.Uint16(buf[8:10])),
		ThumbRX:      int16(binary.BigEndian.Uint16(buf[10:12])),
		ThumbRY:      int16(binary.BigEndian.Uint16(buf[12:14])),
		Sequence:     binary.BigEndian.Uint16(buf[14:16]),
	}, nil
}

// ClipboardDirection distinguishes host->viewer from viewer->host transfers.
type ClipboardDirection uint8

const (
	ClipboardHostToViewer ClipboardDirection = 0
	ClipboardViewerToHost ClipboardDirection = 1
)

// MaxClipboardBytes caps clipboard payload size on the wire.
const MaxClipboardBytes = 64 * 1024

type Clipboard struct {
	Direction ClipboardDirection
	Sequence  uint16
	Format    uint8
	Text      []byte
}

const clipboardHeaderLen = 1 + 1 + 2 + 1 + 3 + 4

func EncodeClipboard(c Clipboard) ([]byte, error) {
	if len(c.Text) > MaxClipboardBytes {
		return nil, fmt.Errorf("wire: clipboard payload %d exceeds cap %d", len(c.Text), MaxClipboardBytes)
	}
	buf := make([]byte, clipboardHeaderLen+len(c.Text))
	buf[0] = DispatchByte(TypeClipboard, CurrentVersion)
	buf[1] = byte(c.Direction)
	binary.BigEndian.PutUint16(buf[2:4], c.Sequence)
	buf[4] = c.Format
	// buf[5:8] reserved
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(c.Text)))
	copy(buf[clipboardHeaderLen:], c.Text)
	return buf, nil
}

func DecodeClipboard(buf []byte) (Clipboard, error) {
	if len(buf) < clipboardHeaderLen {
		return Clipboard{}, fmt.Errorf("wire: clipboard header truncated")
	}
	c := Clipboard{
		Direction: ClipboardDirection(buf[1]),
		Sequence:  binary.BigEndian.Uint16(buf[2:4]),
		Format:    buf[4],
	}
	length := binary.BigEndian.Uint32(buf[8:12])
	if length > MaxClipboardBytes {
		return Clipboard{}, fmt.Errorf("wire: clipboard length %d exceeds cap", length)
	}
	end := clipboardHeaderLen + int(length)
	if end > len(buf) {
		return Clipboard{}, fmt.Errorf("wire: clipboard payload truncated: want %d have %d", end, len(buf))
	}
	c.Text = buf[clipboardHeaderLen:end]
	return c, nil
}

func EncodeClipAck(ackSequence uint16) []byte {
	buf := make([]byte, 4)
	buf[0] = DispatchByte(TypeClipAck, CurrentVersion)
	// buf[1] reserved
	binary.BigEndian.PutUint16(buf[2:4], ackSequence)
	return buf
}

func DecodeClipAck(buf []byte) (uint16, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("wire: clip ack truncated")
	}
	return binary.BigEndian.Uint16(buf[2:4]), nil
}

// FEC is the parity packet header and payload.
type FEC struct {
	Sequence       uint16
	GroupID        uint8
	GroupSize      uint8
	FecIndex       uint8
	FrameNumberLow uint8
	Payload        []byte
}

const fecHeaderLen = 1 + 2 + 1 + 1 + 1 + 1

func EncodeFEC(f FEC) []byte {
	buf := make([]byte, fecHeaderLen+len(f.Payload))
	buf[0] = DispatchByte(TypeFEC, CurrentVersion)
	binary.BigEndian.PutUint16(buf[1:3], f.Sequence)
	buf[3] = f.GroupID
	buf[4] = f.GroupSize
	buf[5] = f.FecIndex
	buf[6] = f.FrameNumberLow
	copy(buf[fecHeaderLen:], f.Payload)
	return buf
}

func DecodeFEC(buf []byte) (FEC, error) {
	if len(buf) < fecHeaderLen {
		return FEC{}, fmt.Errorf("wire: fec header truncated")
	}
	return FEC{
		Sequence:       binary.BigEndian.Uint16(buf[1:3]),
		GroupID:        buf[3],
		GroupSize:      buf[4],
		FecIndex:       buf[5],
		FrameNumberLow: buf[6],
		Payload:        buf[fecHeaderLen:],
	}, nil
}

// PeekType reads the dispatch byte's type tag without further parsing,
// used by the transport to route a decrypted datagram in O(1).
func PeekType(buf []byte) (PacketType, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("wire: empty packet")
	}
	t, _ := SplitDispatchByte(buf[0])
	return t, nil
}

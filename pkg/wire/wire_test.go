package wire_test

import (
	"testing"

	"github.com/ethan/crazystream/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestVideoHeaderRoundTrip(t *testing.T) {
	payload := []byte("encoded-access-unit-bytes")
	h := wire.VideoHeader{
		FrameType:     wire.FrameTypeKey,
		Codec:         wire.CodecH264,
		Sequence:      4242,
		TimestampUs:   1_000_000,
		FrameNumber:   7,
		FragmentIndex: 1,
		FragmentTotal: 6,
		IsKeyframe:    true,
	}

	buf := wire.EncodeVideo(h, payload)
	typ, err := wire.PeekType(buf)
	require.NoError(t, err)
	require.Equal(t, wire.TypeVideo, typ)

	got, gotPayload, err := wire.DecodeVideo(buf)
	require.NoError(t, err)
	require.Equal(t, h.Sequence, got.Sequence)
	require.Equal(t, h.FrameNumber, got.FrameNumber)
	require.Equal(t, h.FragmentIndex, got.FragmentIndex)
	require.Equal(t, h.FragmentTotal, got.FragmentTotal)
	require.True(t, got.IsKeyframe)
	require.Equal(t, payload, gotPayload)
}

func TestVideoHeaderRejectsBadFragmentIndex(t *testing.T) {
	h := wire.VideoHeader{FragmentIndex: 3, FragmentTotal: 3}
	buf := wire.EncodeVideo(h, nil)
	_, _, err := wire.DecodeVideo(buf)
	require.Error(t, err)
}

func TestAudioHeaderRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	h := wire.AudioHeader{ChannelID: 1, Sequence: 99, TimestampUs: 48000}
	buf := wire.EncodeAudio(h, payload)
	got, gotPayload, err := wire.DecodeAudio(buf)
	require.NoError(t, err)
	require.Equal(t, h.Sequence, got.Sequence)
	require.Equal(t, payload, gotPayload)
}

func TestQosFeedbackRoundTripWithOverflowNackList(t *testing.T) {
	seqs := make([]uint16, 5)
	for i := range seqs {
		seqs[i] = uint16(100 + i)
	}
	f := wire.QosFeedback{
		LastSeq:         500,
		BwKbps:          18500,
		LossX10000:      120,
		JitterUs:        900,
		DelayGradientUs: -250,
		NackSeqs:        seqs,
	}
	buf, err := wire.EncodeQosFeedback(f)
	require.NoError(t, err)

	got, err := wire.DecodeQosFeedback(buf)
	require.NoError(t, err)
	require.Equal(t, f.NackSeqs, got.NackSeqs)
	require.Equal(t, f.DelayGradientUs, got.DelayGradientUs)
}

func TestQosFeedbackRoundTripsZeroLoss(t *testing.T) {
	f := wire.QosFeedback{LossX10000: 0}
	buf, err := wire.EncodeQosFeedback(f)
	require.NoError(t, err)
	got, err := wire.DecodeQosFeedback(buf)
	require.NoError(t, err)
	require.Zero(t, got.LossX10000)
}

func TestEncodeNackRejectsEmptyList(t *testing.T) {
	_, err := wire.EncodeNack(nil)
	require.Error(t, err)
}

func TestNackRoundTrip(t *testing.T) {
	buf, err := wire.EncodeNack([]uint16{1})
	require.NoError(t, err)
	require.Equal(t, []byte{0x20, 0x01, 0x00, 0x01}, buf)

	seqs, err := wire.DecodeNack(buf)
	require.NoError(t, err)
	require.Equal(t, []uint16{1}, seqs)
}

func TestInputVariantsRoundTrip(t *testing.T) {
	buf, err := wire.EncodeInput(wire.InputMouseMove, wire.MouseMove{DX: -5, DY: 10, Buttons: 1})
	require.NoError(t, err)
	typ, payload, err := wire.DecodeInput(buf)
	require.NoError(t, err)
	require.Equal(t, wire.InputMouseMove, typ)
	require.Equal(t, wire.MouseMove{DX: -5, DY: 10, Buttons: 1}, payload)

	buf, err = wire.EncodeInput(wire.InputKey, wire.Key{Keycode: 65, Action: 1, Modifiers: 2})
	require.NoError(t, err)
	typ, payload, err = wire.DecodeInput(buf)
	require.NoError(t, err)
	require.Equal(t, wire.InputKey, typ)
	require.Equal(t, wire.Key{Keycode: 65, Action: 1, Modifiers: 2}, payload)
}

func TestControllerRoundTrip(t *testing.T) {
	c := wire.Controller{
		ControllerID: 0,
		Buttons:      0x00FF,
		ThumbLX:      -32000,
		ThumbRY:      32000,
		Sequence:     10,
	}
	buf := wire.EncodeController(c)
	got, err := wire.DecodeController(buf)
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestClipboardRoundTrip(t *testing.T) {
	c := wire.Clipboard{Direction: wire.ClipboardHostToViewer, Sequence: 3, Format: 0, Text: []byte("hello clipboard")}
	buf, err := wire.EncodeClipboard(c)
	require.NoError(t, err)
	got, err := wire.DecodeClipboard(buf)
	require.NoError(t, err)
	require.Equal(t, c.Text, got.Text)
	require.Equal(t, c.Direction, got.Direction)
}

func TestClipboardRejectsOversizedPayload(t *testing.T) {
	_, err := wire.EncodeClipboard(wire.Clipboard{Text: make([]byte, wire.MaxClipboardBytes+1)})
	require.Error(t, err)
}

func TestClipAckRoundTrip(t *testing.T) {
	buf := wire.EncodeClipAck(77)
	seq, err := wire.DecodeClipAck(buf)
	require.NoError(t, err)
	require.EqualValues(t, 77, seq)
}

func TestFECRoundTrip(t *testing.T) {
	f := wire.FEC{Sequence: 5, GroupID: 1, GroupSize: 5, FecIndex: 0, FrameNumberLow: 7, Payload: []byte{9, 9, 9}}
	buf := wire.EncodeFEC(f)
	got, err := wire.DecodeFEC(buf)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

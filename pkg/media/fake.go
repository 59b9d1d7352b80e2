package media

import (
	"fmt"
	"math"
	"sync"
)

// FakeCapture is a software capture backend producing a fixed-size
// synthetic frame every call, with IsNewFrame always true. It exists
// so the streaming loop can be exercised without a real GPU capture
// device.
type FakeCapture struct {
	Width, Height int
	frame         uint64
}

func (c *FakeCapture) Initialize(int) error { return nil }

func (c *FakeCapture) CaptureFrame() (CapturedFrame, error) {
	c.frame++
	buf := make([]byte, c.Width*c.Height*4)
	for i := range buf {
		buf[i] = byte(c.frame + uint64(i))
	}
	return CapturedFrame{
		Bytes:      buf,
		Width:      c.Width,
		Height:     c.Height,
		Pitch:      c.Width * 4,
		Format:     FormatBGRA8,
		IsNewFrame: true,
	}, nil
}

func (c *FakeCapture) Release() error { return nil }

// FakeEncoder "encodes" by passing the raw capture bytes through
// unchanged, issuing an IDR on the first call or whenever ForceIDR
// was requested.
type FakeEncoder struct {
	mu          sync.Mutex
	cfg         EncoderConfig
	frameNumber uint32
	forceIDR    bool
}

func (e *FakeEncoder) Initialize(cfg EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.forceIDR = true
	return nil
}

func (e *FakeEncoder) Encode(frame CapturedFrame) (AccessUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	isKey := e.forceIDR || e.frameNumber%uint32(maxInt(e.cfg.GOPLength, 1)) == 0
	e.forceIDR = false
	e.frameNumber++
	return AccessUnit{
		Bytes:       frame.Bytes,
		TimestampUs: frame.TimestampUs,
		FrameNumber: e.frameNumber,
		IsKeyframe:  isKey,
		Codec:       e.cfg.Codec,
	}, nil
}

func (e *FakeEncoder) Reconfigure(bitrateKbps uint32, fps, width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.BitrateKbps = bitrateKbps
	e.cfg.FPS = fps
	e.cfg.Width = width
	e.cfg.Height = height
	return nil
}

func (e *FakeEncoder) ForceIDR() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceIDR = true
}

func (e *FakeEncoder) Flush() error   { return nil }
func (e *FakeEncoder) Release() error { return nil }
func (e *FakeEncoder) IsCodecSupported(codec Codec) bool {
	return codec == CodecH264 || codec == CodecHEVC
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// FakeDecoder reverses FakeEncoder's framing: the bytes it receives
// are already the original capture payload.
type FakeDecoder struct {
	codec         Codec
	width, height int
}

func (d *FakeDecoder) Initialize(codec Codec, width, height int) error {
	d.codec, d.width, d.height = codec, width, height
	return nil
}

func (d *FakeDecoder) Decode(data []byte) (DecodedFrame, error) {
	if len(data) == 0 {
		return DecodedFrame{}, fmt.Errorf("media: empty access unit")
	}
	return DecodedFrame{
		Width:  d.width,
		Height: d.height,
		Format: FormatBGRA8,
	}, nil
}

func (d *FakeDecoder) Flush() error   { return nil }
func (d *FakeDecoder) Release() error { return nil }
func (d *FakeDecoder) Name() string   { return "fake-software-decoder" }

// FakeRenderer discards frames, recording only that one arrived; used
// to exercise the render thread's timing without a graphics surface.
type FakeRenderer struct {
	Rendered int
}

func (r *FakeRenderer) Initialize(uintptr, int, int) error { return nil }

func (r *FakeRenderer) RenderFrame(DecodedFrame) (float64, error) {
	r.Rendered++
	return 1.0, nil
}

func (r *FakeRenderer) Resize(int, int) error { return nil }
func (r *FakeRenderer) Release() error        { return nil }

// FakeAudioCapture synthesizes silence on demand via Pump, rather than
// a free-running callback goroutine, so tests control exactly how many
// audio frames a streaming loop observes.
type FakeAudioCapture struct {
	sampleRate, channels int
	onSamples            func(pcm []float32)
}

func (c *FakeAudioCapture) Initialize(sampleRate, channels int, onSamples func(pcm []float32)) error {
	c.sampleRate, c.channels = sampleRate, channels
	c.onSamples = onSamples
	return nil
}

// Pump delivers one frame of n silent interleaved samples to the
// registered callback, standing in for the backend's capture thread.
func (c *FakeAudioCapture) Pump(n int) {
	if c.onSamples == nil {
		return
	}
	c.onSamples(make([]float32, n*c.channels))
}

func (c *FakeAudioCapture) Release() error { return nil }

// FakeAudioPlayback records submitted PCM frame counts without
// touching any real audio device.
type FakeAudioPlayback struct {
	Submitted int
}

func (p *FakeAudioPlayback) Initialize(int, int) error { return nil }

func (p *FakeAudioPlayback) Submit(pcm []float32) error {
	p.Submitted++
	return nil
}

func (p *FakeAudioPlayback) Release() error { return nil }

// FakeAudioEncoder "encodes" by reinterpreting the float32 PCM as raw
// bytes, enough to round-trip through FakeAudioDecoder in tests.
type FakeAudioEncoder struct{}

func (e *FakeAudioEncoder) Initialize(int, int) error { return nil }

func (e *FakeAudioEncoder) Encode(pcm []float32) ([]byte, error) {
	out := make([]byte, len(pcm)*4)
	for i, s := range pcm {
		bits := math.Float32bits(s)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out, nil
}

func (e *FakeAudioEncoder) Release() error { return nil }

// FakeAudioDecoder reverses FakeAudioEncoder's framing.
type FakeAudioDecoder struct{}

func (d *FakeAudioDecoder) Initialize(int, int) error { return nil }

func (d *FakeAudioDecoder) Decode(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("media: malformed fake audio frame")
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

func (d *FakeAudioDecoder) Release() error { return nil }

// Package media defines the plugin-shaped collaborator interfaces the
// streaming pipeline is built against, per spec.md §6 and §9's design
// note that capture, encoder, decoder, renderer, and audio backends
// are polymorphic over a small operation set and must never leak a
// backend-specific type into the core.
package media


// PixelFormat names a captured frame's memory layout.
type PixelFormat uint8

const (
	FormatBGRA8 PixelFormat = iota
	FormatARGB8
	FormatNV12
)

// Codec identifies a negotiated video codec.
type Codec uint8

const (
	CodecH264 Codec = iota
	CodecHEVC
	CodecAV1
)

// CapturedFrame is one frame pulled from the capture backend. Bytes is
// nil when the backend instead hands back a GPU pointer in GPUPtr; the
// core never dereferences GPUPtr itself, only forwards it to the
// encoder.
type CapturedFrame struct {
	Bytes       []byte
	GPUPtr      uintptr
	Width       int
	Height      int
	Pitch       int
	Format      PixelFormat
	TimestampUs uint64
	IsNewFrame  bool
}

// Capture abstracts a platform screen-capture backend (CUDA, D3D11,
// or any other source of frames); the core does not differentiate
// between them, per spec.md §9's open question on the capture path.
type Capture interface {
	Initialize(gpuIndex int) error
	CaptureFrame() (CapturedFrame, error)
	Release() error
}

// EncoderConfig configures an Encoder at Initialize or Reconfigure.
type EncoderConfig struct {
	Codec          Codec
	Width          int
	Height         int
	BitrateKbps    uint32
	MaxBitrateKbps uint32
	MinBitrateKbps uint32
	FPS            int
	GOPLength      int
	IntraRefresh   bool
}

// AccessUnit is one encoded frame ready for fragmentation and send.
type AccessUnit struct {
	Bytes       []byte
	TimestampUs uint64
	FrameNumber uint32
	IsKeyframe  bool
	Codec       Codec
}

// Encoder abstracts a hardware or software video encoder. Reconfigure
// and ForceIDR must be safe to call concurrently with Encode: they
// mutate control state consumed at the next Encode call, per spec.md
// §5's shared-resource policy for the QoS thread.
type Encoder interface {
	Initialize(cfg EncoderConfig) error
	Encode(frame CapturedFrame) (AccessUnit, error)
	Reconfigure(bitrateKbps uint32, fps, width, height int) error
	ForceIDR()
	Flush() error
	Release() error
	IsCodecSupported(codec Codec) bool
}

// DecodedFrame is one frame ready for presentation.
type DecodedFrame struct {
	SurfaceRef   uintptr
	Width        int
	Height       int
	Format       PixelFormat
	TimestampUs  uint64
	DecodeTimeMs float64
}

// Decoder abstracts a hardware or software video decoder.
type Decoder interface {
	Initialize(codec Codec, width, height int) error
	Decode(data []byte) (DecodedFrame, error)
	Flush() error
	Release() error
	Name() string
}

// Renderer abstracts presentation to a window/surface.
type Renderer interface {
	Initialize(window uintptr, width, height int) error
	RenderFrame(frame DecodedFrame) (renderTimeMs float64, err error)
	Resize(width, height int) error
	Release() error
}

// AudioCapture delivers interleaved float32 PCM at a negotiated
// sample rate/channel count via callback, mirroring the reference's
// callback-driven audio thread (spec.md §4.12).
type AudioCapture interface {
	Initialize(sampleRate, channels int, onSamples func(pcm []float32)) error
	Release() error
}

// AudioPlayback accepts the same PCM format for output.
type AudioPlayback interface {
	Initialize(sampleRate, channels int) error
	Submit(pcm []float32) error
	Release() error
}

// AudioEncoder and AudioDecoder abstract the audio codec (Opus in the
// reference), kept distinct from the video Encoder/Decoder since audio
// frames are fixed small durations with no fragmentation concerns.
type AudioEncoder interface {
	Initialize(sampleRate, channels int) error
	Encode(pcm []float32) ([]byte, error)
	Release() error
}

type AudioDecoder interface {
	Initialize(sampleRate, channels int) error
	Decode(data []byte) ([]float32, error)
	Release() error
}

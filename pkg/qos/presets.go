// Package qos implements the adaptive congestion-control loop: named
// gaming-mode presets, the AIMD state machine, and FEC ratio banding.
package qos

// Resolution is a single rung on a resolution ladder.
type Resolution struct {
	Width, Height int
}

// Common resolutions named for readability in the preset table, mirroring
// the original Resolutions namespace.
var (
	Res4K    = Resolution{3840, 2160}
	Res1440p = Resolution{2560, 1440}
	Res1080p = Resolution{1920, 1080}
	Res900p  = Resolution{1600, 900}
	Res720p  = Resolution{1280, 720}
	Res540p  = Resolution{960, 540}
	Res480p  = Resolution{854, 480}
	Res360p  = Resolution{640, 360}
)

// Common frame rates named for readability, mirroring the original
// FrameRates namespace.
const (
	FPS24 = 24
	FPS30 = 30
	FPS48 = 48
	FPS60 = 60
	FPS90 = 90
	FPS120 = 120
	FPS144 = 144
)

// GamingMode names one of the seven operating-mode presets.
type GamingMode string

const (
	ModeCompetitive GamingMode = "competitive"
	ModeBalanced    GamingMode = "balanced"
	ModeCinematic   GamingMode = "cinematic"
	ModeCreative    GamingMode = "creative"
	ModeCAD         GamingMode = "cad"
	ModeMobileSaver GamingMode = "mobile_saver"
	ModeLAN         GamingMode = "lan"
)

// ParseGamingMode converts a config string into a GamingMode, defaulting
// to ModeBalanced for unrecognized values.
func ParseGamingMode(s string) GamingMode {
	switch GamingMode(s) {
	case ModeCompetitive, ModeBalanced, ModeCinematic, ModeCreative, ModeCAD, ModeMobileSaver, ModeLAN:
		return GamingMode(s)
	default:
		return ModeBalanced
	}
}

// PreferredCodec is the preset's codec preference; the QoS controller
// feeds this into the encoder's reconfigure call, falling back per
// spec.md's open question if the codec is unsupported on the platform.
type PreferredCodec uint8

const (
	CodecPreferH264 PreferredCodec = iota
	CodecPreferHEVC
	CodecPreferAV1
)

// ChromaMode selects the color subsampling the encoder should target.
type ChromaMode uint8

const (
	Chroma420 ChromaMode = iota
	Chroma444
)

// Preset is an immutable QoS profile: target/floor/ceiling bitrate and
// frame rate, resolution and FPS ladders (highest first), an FEC ratio
// band, priority weights, and a recovery speed.
type Preset struct {
	Mode GamingMode

	TargetBitrateKbps int
	MinBitrateKbps    int
	MaxBitrateKbps    int

	TargetFPS int
	MinFPS    int
	MaxFPS    int

	ResolutionLadder []Resolution
	FPSLadder        []int

	MinFEC float64
	MaxFEC float64

	JitterBufferMs int

	FPSWeight     float64
	QualityWeight float64
	LatencyWeight float64

	RecoverySpeed float64

	PreferredCodec PreferredCodec
	Chroma         ChromaMode
}

// GetPreset returns the immutable configuration for a named gaming
// mode. Every field here is grounded directly on the original
// implementation's preset table; spec.md's §3 only names the seven
// categories, the numbers come from the reference.
func GetPreset(mode GamingMode) Preset {
	switch mode {
	case ModeCompetitive:
		return Preset{
			Mode:              ModeCompetitive,
			TargetBitrateKbps: 15000, MinBitrateKbps: 6000, MaxBitrateKbps: 25000,
			TargetFPS: FPS144, MinFPS: FPS60, MaxFPS: FPS144,
			ResolutionLadder: []Resolution{Res1080p, Res900p, Res720p, Res540p},
			FPSLadder:        []int{FPS144, FPS120, FPS90, FPS60},
			MinFEC:           0.02, MaxFEC: 0.15,
			JitterBufferMs: 10,
			FPSWeight:      0.6, QualityWeight: 0.2, LatencyWeight: 0.8,
			RecoverySpeed:  0.6,
			PreferredCodec: CodecPreferH264,
			Chroma:         Chroma420,
		}
	case ModeCinematic:
		return Preset{
			Mode:              ModeCinematic,
			TargetBitrateKbps: 35000, MinBitrateKbps: 15000, MaxBitrateKbps: 60000,
			TargetFPS: FPS60, MinFPS: FPS30, MaxFPS: FPS60,
			ResolutionLadder: []Resolution{Res4K, Res1440p, Res1080p},
			FPSLadder:        []int{FPS60, FPS48, FPS30},
			MinFEC:           0.03, MaxFEC: 0.2,
			JitterBufferMs: 40,
			FPSWeight:      0.2, QualityWeight: 0.9, LatencyWeight: 0.2,
			RecoverySpeed:  0.2,
			PreferredCodec: CodecPreferHEVC,
			Chroma:         Chroma444,
		}
	case ModeCreative:
		return Preset{
			Mode:              ModeCreative,
			TargetBitrateKbps: 25000, MinBitrateKbps: 10000, MaxBitrateKbps: 45000,
			TargetFPS: FPS60, MinFPS: FPS30, MaxFPS: FPS60,
			ResolutionLadder: []Resolution{Res1440p, Res1080p, Res900p},
			FPSLadder:        []int{FPS60, FPS30},
			MinFEC:           0.03, MaxFEC: 0.2,
			JitterBufferMs: 30,
			FPSWeight:      0.3, QualityWeight: 0.8, LatencyWeight: 0.3,
			RecoverySpeed:  0.3,
			PreferredCodec: CodecPreferHEVC,
			Chroma:         Chroma444,
		}
	case ModeCAD:
		return Preset{
			Mode:              ModeCAD,
			TargetBitrateKbps: 20000, MinBitrateKbps: 8000, MaxBitrateKbps: 40000,
			TargetFPS: FPS30, MinFPS: FPS24, MaxFPS: FPS60,
			ResolutionLadder: []Resolution{Res1440p, Res1080p},
			FPSLadder:        []int{FPS60, FPS30, FPS24},
			MinFEC:           0.03, MaxFEC: 0.2,
			JitterBufferMs: 30,
			FPSWeight:      0.2, QualityWeight: 0.95, LatencyWeight: 0.2,
			RecoverySpeed:  0.2,
			PreferredCodec: CodecPreferHEVC,
			Chroma:         Chroma444,
		}
	case ModeMobileSaver:
		return Preset{
			Mode:              ModeMobileSaver,
			TargetBitrateKbps: 4000, MinBitrateKbps: 800, MaxBitrateKbps: 8000,
			TargetFPS: FPS30, MinFPS: FPS24, MaxFPS: FPS30,
			ResolutionLadder: []Resolution{Res720p, Res540p, Res480p, Res360p},
			FPSLadder:        []int{FPS30, FPS24},
			MinFEC:           0.05, MaxFEC: 0.3,
			JitterBufferMs: 40,
			FPSWeight:      0.4, QualityWeight: 0.3, LatencyWeight: 0.5,
			RecoverySpeed:  0.5,
			PreferredCodec: CodecPreferHEVC,
			Chroma:         Chroma420,
		}
	case ModeLAN:
		return Preset{
			Mode:              ModeLAN,
			TargetBitrateKbps: 50000, MinBitrateKbps: 20000, MaxBitrateKbps: 100000,
			TargetFPS: FPS120, MinFPS: FPS60, MaxFPS: FPS144,
			ResolutionLadder: []Resolution{Res4K, Res1440p, Res1080p},
			FPSLadder:        []int{FPS144, FPS120, FPS60},
			MinFEC:           0.0, MaxFEC: 0.05,
			JitterBufferMs: 5,
			FPSWeight:      0.5, QualityWeight: 0.5, LatencyWeight: 0.9,
			RecoverySpeed:  0.9,
			PreferredCodec: CodecPreferH264,
			Chroma:         Chroma420,
		}
	case ModeBalanced:
		fallthrough
	default:
		return Preset{
			Mode:              ModeBalanced,
			TargetBitrateKbps: 20000, MinBitrateKbps: 5000, MaxBitrateKbps: 35000,
			TargetFPS: FPS60, MinFPS: FPS30, MaxFPS: FPS60,
			ResolutionLadder: []Resolution{Res1080p, Res900p, Res720p},
			FPSLadder:        []int{FPS60, FPS30},
			MinFEC:           0.02, MaxFEC: 0.15,
			JitterBufferMs: 20,
			FPSWeight:      0.5, QualityWeight: 0.5, LatencyWeight: 0.5,
			RecoverySpeed:  0.4,
			PreferredCodec: CodecPreferH264,
			Chroma:         Chroma420,
		}
	}
}

// degradationAction names which ladder the DECREASE floor should walk
// next, chosen by comparing the preset's fps_weight against its
// quality_weight as spec.md §4.10 describes.
type degradationAction uint8

const (
	degradeFPS degradationAction = iota
	degradeResolution
)

// nextDegradationAction mirrors the reference's getNextDegradationAction
// helper: prefer dropping FPS when the preset weights FPS at least as
// heavily as quality, otherwise drop resolution first.
func nextDegradationAction(p Preset) degradationAction {
	if p.FPSWeight >= p.QualityWeight {
		return degradeFPS
	}
	return degradeResolution
}

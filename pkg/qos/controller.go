package qos

import (
	"sync"

	"github.com/ethan/crazystream/pkg/logger"
	"github.com/ethan/crazystream/pkg/wire"
)

// State is the AIMD state machine's current decision.
type State uint8

const (
	StateHold State = iota
	StateIncrease
	StateDecrease
)

func (s State) String() string {
	switch s {
	case StateIncrease:
		return "INCREASE"
	case StateDecrease:
		return "DECREASE"
	default:
		return "HOLD"
	}
}

const (
	lossThreshHigh = 0.05 // loss >= 5% -> DECREASE
	lossThreshIDR  = 0.10 // loss >= 10% -> additionally force IDR
	lossThreshLow  = 0.02 // loss <= 2% (with underuse gradient) -> INCREASE

	gradientOveruseMsPerS  = 5.0
	gradientUnderuseMsPerS = -1.0
	vpnGradientMultiplier  = 1.5

	decodeBottleneckUs       = 20_000 // 20ms
	resolutionChangeCooldown = 10     // feedback ticks (~2s at 5Hz)

	increaseFactor = 1.05
	decreaseFactor = 0.85

	emaAlpha = 0.3

	bitrateIncreaseFpsThreshold = 0.60 // fraction of target bitrate
	bitrateIncreaseResThreshold = 0.80
)

// ReconfigureFunc is invoked whenever the controller wants the encoder
// reconfigured with a new bitrate/fps/resolution.
type ReconfigureFunc func(bitrateKbps, fps, width, height int)

// ResolutionChangeFunc notifies the session manager a resolution step
// occurred so it can resize the capture/encode chain.
type ResolutionChangeFunc func(width, height int)

// Controller runs the AIMD congestion-control loop described in
// spec.md §4.10, ticking at roughly 5 Hz on feedback arrival.
type Controller struct {
	mu sync.Mutex

	preset  Preset
	vpnMode bool

	bitrateKbps float64
	fpsIndex    int
	resIndex    int

	cooldownTicks int
	tickCount     int

	smoothedLoss      float64
	smoothedRTTMs     float64
	smoothedJitterUs  float64
	smoothedDecodeUs  float64
	haveSmoothed      bool

	fecRatio float64
	state    State

	onReconfigure      ReconfigureFunc
	onResolutionChange ResolutionChangeFunc
	onForceIdr         func()

	log *logger.Logger
}

// New constructs a controller for the given preset.
func New(preset Preset, vpnMode bool, log *logger.Logger) *Controller {
	c := &Controller{
		preset:  preset,
		vpnMode: vpnMode,
		log:     log,
	}
	c.applyPresetLocked(preset)
	return c
}

// SetCallbacks wires the encoder reconfigure, resolution-change, and
// force-IDR side effects.
func (c *Controller) SetCallbacks(reconfigure ReconfigureFunc, resChange ResolutionChangeFunc, forceIdr func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconfigure = reconfigure
	c.onResolutionChange = resChange
	c.onForceIdr = forceIdr
}

// ApplyPreset atomically replaces the active preset's target/floor/
// ceiling configuration and rewires the ladder state.
func (c *Controller) ApplyPreset(preset Preset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyPresetLocked(preset)
}

func (c *Controller) applyPresetLocked(preset Preset) {
	c.preset = preset
	c.bitrateKbps = float64(preset.TargetBitrateKbps)
	c.fpsIndex = 0
	c.resIndex = 0
	c.fecRatio = preset.MinFEC
	c.cooldownTicks = 0
	c.state = StateHold
}

// CurrentResolution returns the resolution the ladder currently points at.
func (c *Controller) CurrentResolution() Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preset.ResolutionLadder[c.resIndex]
}

// CurrentFPS returns the fps the ladder currently points at.
func (c *Controller) CurrentFPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preset.FPSLadder[c.fpsIndex]
}

// CurrentBitrateKbps returns the live bitrate target.
func (c *Controller) CurrentBitrateKbps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.bitrateKbps)
}

// CurrentFECRatio returns the live FEC redundancy ratio, clamped [0,1].
func (c *Controller) CurrentFECRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fecRatio
}

// State returns the controller's last computed AIMD state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// OnFeedback processes one viewer feedback report, per spec.md §4.10.
func (c *Controller) OnFeedback(fb wire.QosFeedback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickCount++
	if c.cooldownTicks > 0 {
		c.cooldownTicks--
	}

	loss := float64(fb.LossX10000) / 10000.0
	jitterUs := float64(fb.JitterUs)
	gradientMsPerS := float64(fb.DelayGradientUs) / 1000.0
	decodeUs := float64(fb.DecodeTimeUs)

	if !c.haveSmoothed {
		c.smoothedLoss = loss
		c.smoothedJitterUs = jitterUs
		c.smoothedDecodeUs = decodeUs
		c.haveSmoothed = true
	} else {
		c.smoothedLoss += emaAlpha * (loss - c.smoothedLoss)
		c.smoothedJitterUs += emaAlpha * (jitterUs - c.smoothedJitterUs)
		c.smoothedDecodeUs += emaAlpha * (decodeUs - c.smoothedDecodeUs)
	}

	// Step 2: client-side decode bottleneck diagnosis, independent of
	// network congestion state.
	if c.smoothedDecodeUs > decodeBottleneckUs && c.cooldownTicks == 0 {
		c.stepResolutionDownLocked()
		c.cooldownTicks = resolutionChangeCooldown
	}

	overuseThreshold := gradientOveruseMsPerS
	if c.vpnMode {
		overuseThreshold *= vpnGradientMultiplier
	}

	forceIdr := false
	switch {
	case c.smoothedLoss >= lossThreshHigh:
		c.state = StateDecrease
		if c.smoothedLoss >= lossThreshIDR {
			forceIdr = true
		}
	case gradientMsPerS > overuseThreshold:
		c.state = StateDecrease
	case c.smoothedLoss <= lossThreshLow && gradientMsPerS < gradientUnderuseMsPerS:
		c.state = StateIncrease
	default:
		c.state = StateHold
	}

	switch c.state {
	case StateIncrease:
		c.applyIncreaseLocked()
	case StateDecrease:
		c.applyDecreaseLocked()
	}

	c.fecRatio = c.computeFECRatioLocked(c.smoothedLoss)

	if forceIdr && c.onForceIdr != nil {
		c.onForceIdr()
	}

	if c.log != nil {
		c.log.DebugQoSEvent("qos tick",
			"state", c.state.String(),
			"loss", c.smoothedLoss,
			"gradient_ms_s", gradientMsPerS,
			"bitrate_kbps", c.bitrateKbps,
			"fec_ratio", c.fecRatio)
	}

	c.reconfigureLocked()
}

func (c *Controller) computeFECRatioLocked(loss float64) float64 {
	min, max := c.preset.MinFEC, c.preset.MaxFEC
	var ratio float64
	switch {
	case loss >= 0.10:
		ratio = max
	case loss >= 0.05:
		ratio = 0.6 * max
	case loss >= 0.02:
		ratio = 2 * min
	default:
		ratio = min
	}
	if ratio > max {
		ratio = max
	}
	return clamp(ratio, 0, 1)
}

func (c *Controller) applyIncreaseLocked() {
	c.bitrateKbps = minF(c.bitrateKbps*increaseFactor, float64(c.preset.MaxBitrateKbps))

	target := float64(c.preset.TargetBitrateKbps)
	if target <= 0 {
		target = c.bitrateKbps
	}
	frac := c.bitrateKbps / target

	if frac > bitrateIncreaseFpsThreshold {
		c.stepFPSUpLocked()
	}
	if frac > bitrateIncreaseResThreshold && c.preset.RecoverySpeed >= 0.3 && c.cooldownTicks == 0 {
		c.stepResolutionUpLocked()
		c.cooldownTicks = resolutionChangeCooldown
	}
}

func (c *Controller) applyDecreaseLocked() {
	c.bitrateKbps = maxF(c.bitrateKbps*decreaseFactor, float64(c.preset.MinBitrateKbps))

	if c.bitrateKbps <= float64(c.preset.MinBitrateKbps) {
		switch nextDegradationAction(c.preset) {
		case degradeFPS:
			c.stepFPSDownLocked()
		case degradeResolution:
			if c.cooldownTicks == 0 {
				c.stepResolutionDownLocked()
				c.cooldownTicks = resolutionChangeCooldown
			}
		}
	}
}

func (c *Controller) stepFPSUpLocked() {
	if c.fpsIndex > 0 {
		c.fpsIndex--
	}
}

func (c *Controller) stepFPSDownLocked() {
	if c.fpsIndex < len(c.preset.FPSLadder)-1 {
		c.fpsIndex++
	} else {
		// No preset ladder room left: fall back to clamping at 30fps,
		// per spec.md §4.10's "falls back to clamping FPS to 30".
		for i, f := range c.preset.FPSLadder {
			if f <= FPS30 {
				c.fpsIndex = i
				break
			}
		}
	}
}

func (c *Controller) stepResolutionUpLocked() {
	if c.resIndex > 0 {
		c.resIndex--
		c.notifyResolutionChangeLocked()
	}
}

func (c *Controller) stepResolutionDownLocked() {
	if c.resIndex < len(c.preset.ResolutionLadder)-1 {
		c.resIndex++
		c.notifyResolutionChangeLocked()
	}
}

func (c *Controller) notifyResolutionChangeLocked() {
	if c.onResolutionChange != nil {
		r := c.preset.ResolutionLadder[c.resIndex]
		c.onResolutionChange(r.Width, r.Height)
	}
}

func (c *Controller) reconfigureLocked() {
	if c.onReconfigure == nil {
		return
	}
	r := c.preset.ResolutionLadder[c.resIndex]
	fps := c.preset.FPSLadder[c.fpsIndex]
	c.onReconfigure(int(c.bitrateKbps), fps, r.Width, r.Height)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Package kalman implements the 1-D Kalman filter used to smooth delay
// gradient measurements across the bandwidth estimator (host) and the
// stats reporter (viewer).
package kalman

// Filter tracks a single scalar state with a constant process model.
type Filter struct {
	estimate    float64
	variance    float64
	processVar  float64 // Q
	measureVar  float64 // R
}

// DefaultProcessNoise and DefaultMeasurementNoise match the reference
// tuning: smaller Q trusts the model more (smoother output), smaller R
// trusts measurements more (faster response).
const (
	DefaultProcessNoise     = 1e-3
	DefaultMeasurementNoise = 0.1
)

// New constructs a filter with explicit process/measurement noise.
func New(processNoise, measurementNoise float64) *Filter {
	return &Filter{
		estimate:   0,
		variance:   1,
		processVar: processNoise,
		measureVar: measurementNoise,
	}
}

// NewDefault constructs a filter using the default tuning.
func NewDefault() *Filter {
	return New(DefaultProcessNoise, DefaultMeasurementNoise)
}

// Update folds in a new measurement and returns the updated estimate.
func (f *Filter) Update(measurement float64) float64 {
	predictedVariance := f.variance + f.processVar
	gain := predictedVariance / (predictedVariance + f.measureVar)
	f.estimate += gain * (measurement - f.estimate)
	f.variance = (1 - gain) * predictedVariance
	return f.estimate
}

// Estimate returns the current filtered estimate.
func (f *Filter) Estimate() float64 { return f.estimate }

// Variance returns the current estimation variance.
func (f *Filter) Variance() float64 { return f.variance }

// Reset returns the filter to its initial state.
func (f *Filter) Reset() {
	f.estimate = 0
	f.variance = 1
}

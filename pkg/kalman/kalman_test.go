package kalman_test

import (
	"testing"

	"github.com/ethan/crazystream/pkg/kalman"
	"github.com/stretchr/testify/require"
)

func TestFilterConvergesTowardConstantMeasurement(t *testing.T) {
	f := kalman.NewDefault()
	var last float64
	for i := 0; i < 200; i++ {
		last = f.Update(5.0)
	}
	require.InDelta(t, 5.0, last, 0.05)
}

func TestResetReturnsToInitialState(t *testing.T) {
	f := kalman.New(1e-3, 0.1)
	f.Update(10)
	f.Update(10)
	f.Reset()
	require.Zero(t, f.Estimate())
	require.Equal(t, 1.0, f.Variance())
}

package bisim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestOptimizerSGD(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v := anydiff.NewVar(c.MakeVectorData([]float64{1, 2}))

	opt, err := NewOptimizer(OptSGD, 0.1, 0.5)
	require.NoError(t, err)
	opt.Step(anydiff.Grad{v: c.MakeVectorData([]float64{1, -1})})

	// Gradient with decay: (1.5, 0).
	assert.InDeltaSlice(t, []float64{0.85, 2}, Float64s(v.Vector), 1e-8)
}

func TestOptimizerMomentum(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v := anydiff.NewVar(c.MakeVectorData([]float64{0}))

	opt, err := NewOptimizer(OptMomentum, 1, 0)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		opt.Step(anydiff.Grad{v: c.MakeVectorData([]float64{1})})
	}
	// Velocities: 1, then 1.9.
	assert.InDelta(t, -2.9, Float64s(v.Vector)[0], 1e-8)
}

func TestOptimizerNames(t *testing.T) {
	for _, name := range OptimizerNames {
		opt, err := NewOptimizer(name, 1e-3, 0)
		require.NoError(t, err, name)
		assert.Equal(t, 1e-3, opt.StepSize)
	}
	_, err := NewOptimizer("lbfgs", 1e-3, 0)
	assert.Error(t, err)
}

package bisim

import (
	"fmt"

	"github.com/unixpickle/anyvec"
)

// Env is an instance of an RL environment with a discrete
// action space.
//
// Actions are one-hot vectors.
type Env interface {
	Reset() (observation anyvec.Vector, err error)
	Step(action anyvec.Vector) (observation anyvec.Vector,
		reward float64, done bool, err error)
}

// A Renderer can produce a picture-friendly view of an
// environment's current state.
type Renderer interface {
	// Shape returns the width, height, and depth of the
	// observations.
	Shape() (w, h, d int)
}

// OneHot creates a one-hot action vector.
func OneHot(c anyvec.Creator, numActions, action int) anyvec.Vector {
	if action < 0 || action >= numActions {
		panic(fmt.Sprintf("action %d out of bounds (%d actions)", action, numActions))
	}
	out := make([]float64, numActions)
	out[action] = 1
	return c.MakeVectorData(c.MakeNumericList(out))
}

// ActionIndex converts a one-hot action vector back to an
// action index.
func ActionIndex(action anyvec.Vector) int {
	return anyvec.MaxIndex(action)
}

// Float64s extracts the contents of a vector as float64s.
func Float64s(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return data
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic(fmt.Sprintf("unsupported numeric list: %T", data))
	}
}

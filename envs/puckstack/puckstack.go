// Package puckstack implements a grid world in which an
// agent has to stack pucks on top of each other.
package puckstack

import (
	"fmt"
	"math/rand"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/dataset"
	"github.com/unixpickle/anyvec"
)

const (
	// GoalReward is given for completing the stack.
	GoalReward = 10

	// MaxSteps is the default episode length limit.
	MaxSteps = 20
)

// Env is a puck stacking environment.
//
// Every cell of the grid holds a stack of pucks.
// An action selects a cell: with an empty hand the agent
// picks up the top puck of that cell, otherwise it drops
// the held puck onto it.
// The episode ends once all pucks form a single stack.
type Env struct {
	Creator  anyvec.Creator
	GridSize int
	NumPucks int
	Rand     *rand.Rand

	heights []int
	holding bool
}

// New creates an environment.
func New(c anyvec.Creator, gridSize, numPucks int, rng *rand.Rand) (*Env, error) {
	if gridSize < 1 {
		return nil, fmt.Errorf("invalid grid size: %d", gridSize)
	}
	if numPucks < 1 || numPucks > gridSize*gridSize {
		return nil, fmt.Errorf("invalid number of pucks for a %dx%d grid: %d",
			gridSize, gridSize, numPucks)
	}
	return &Env{Creator: c, GridSize: gridSize, NumPucks: numPucks, Rand: rng}, nil
}

// Shape returns the observation shape.
func Shape(gridSize int) dataset.Shape {
	return dataset.Shape{Width: gridSize, Height: gridSize, Depth: 2}
}

// NumActions returns the size of the action space.
func (e *Env) NumActions() int {
	return e.GridSize * e.GridSize
}

// Reset places the pucks in distinct random cells.
func (e *Env) Reset() (anyvec.Vector, error) {
	e.heights = make([]int, e.NumActions())
	for _, cell := range e.Rand.Perm(len(e.heights))[:e.NumPucks] {
		e.heights[cell] = 1
	}
	e.holding = false
	return e.observation(), nil
}

// Step picks or places a puck.
func (e *Env) Step(action anyvec.Vector) (anyvec.Vector, float64, bool, error) {
	if e.heights == nil {
		return nil, 0, false, fmt.Errorf("step: environment was not reset")
	}
	if action.Len() != e.NumActions() {
		return nil, 0, false, fmt.Errorf("step: action size %d (expected %d)",
			action.Len(), e.NumActions())
	}
	cell := bisim.ActionIndex(action)
	if e.holding {
		e.heights[cell]++
		e.holding = false
	} else if e.heights[cell] > 0 {
		e.heights[cell]--
		e.holding = true
	}
	if e.Solved() {
		return e.observation(), GoalReward, true, nil
	}
	return e.observation(), 0, false, nil
}

// Solved checks if every puck is in one stack.
func (e *Env) Solved() bool {
	if e.holding {
		return false
	}
	for _, h := range e.heights {
		if h == e.NumPucks {
			return true
		}
	}
	return false
}

func (e *Env) observation() anyvec.Vector {
	obs := make([]float64, 2*len(e.heights))
	for i, h := range e.heights {
		obs[2*i] = float64(h) / float64(e.NumPucks)
		if e.holding {
			obs[2*i+1] = 1
		}
	}
	return e.Creator.MakeVectorData(e.Creator.MakeNumericList(obs))
}

// Shape returns the observation dimensions.
func (e *Env) Shape() (w, h, d int) {
	return e.GridSize, e.GridSize, 2
}

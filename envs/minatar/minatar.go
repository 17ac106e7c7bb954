// Package minatar implements MinAtar-style miniature
// Atari games on a 10x10 grid.
package minatar

import (
	"fmt"
	"math/rand"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/dataset"
	"github.com/unixpickle/anyvec"
)

const (
	GridSize   = 10
	NumActions = 6

	// StickyActionProb is the probability of repeating the
	// previous action instead of the chosen one.
	StickyActionProb = 0.1
)

// The full MinAtar action set.
const (
	ActionNoop = iota
	ActionLeft
	ActionUp
	ActionRight
	ActionDown
	ActionFire
)

// Game is the state machine of one game.
type Game interface {
	NumChannels() int
	Reset(rng *rand.Rand)
	Act(action int, rng *rand.Rand) (reward float64, done bool)

	// Observation writes the game state into a zeroed
	// GridSize*GridSize*NumChannels buffer, with channels
	// as the innermost dimension.
	Observation(buf []float64)
}

// NewGame creates a game by name.
func NewGame(name string) (Game, error) {
	switch name {
	case "breakout":
		return &Breakout{}, nil
	default:
		return nil, fmt.Errorf("unknown MinAtar game: %s", name)
	}
}

// GameShape returns the observation shape of a game.
func GameShape(name string) (dataset.Shape, error) {
	g, err := NewGame(name)
	if err != nil {
		return dataset.Shape{}, err
	}
	return dataset.Shape{Width: GridSize, Height: GridSize, Depth: g.NumChannels()}, nil
}

// Env adapts a Game to bisim.Env.
type Env struct {
	Creator anyvec.Creator
	Game    Game
	Rand    *rand.Rand

	// Sticky is the sticky action probability.
	Sticky float64

	lastAction int
	started    bool
}

// New creates an environment for the named game.
func New(c anyvec.Creator, name string, rng *rand.Rand) (*Env, error) {
	g, err := NewGame(name)
	if err != nil {
		return nil, err
	}
	return &Env{Creator: c, Game: g, Rand: rng, Sticky: StickyActionProb}, nil
}

// Reset starts a new episode.
func (e *Env) Reset() (anyvec.Vector, error) {
	e.Game.Reset(e.Rand)
	e.lastAction = ActionNoop
	e.started = true
	return e.observation(), nil
}

// Step advances the game by one frame.
func (e *Env) Step(action anyvec.Vector) (anyvec.Vector, float64, bool, error) {
	if !e.started {
		return nil, 0, false, fmt.Errorf("step: environment was not reset")
	}
	if action.Len() != NumActions {
		return nil, 0, false, fmt.Errorf("step: action size %d (expected %d)",
			action.Len(), NumActions)
	}
	a := bisim.ActionIndex(action)
	if e.Rand.Float64() < e.Sticky {
		a = e.lastAction
	}
	e.lastAction = a
	rew, done := e.Game.Act(a, e.Rand)
	if done {
		e.started = false
	}
	return e.observation(), rew, done, nil
}

// Shape returns the observation dimensions.
func (e *Env) Shape() (w, h, d int) {
	return GridSize, GridSize, e.Game.NumChannels()
}

func (e *Env) observation() anyvec.Vector {
	buf := make([]float64, GridSize*GridSize*e.Game.NumChannels())
	e.Game.Observation(buf)
	return e.Creator.MakeVectorData(e.Creator.MakeNumericList(buf))
}

package minatar

import (
	"math/rand"
	"testing"

	"github.com/bisimlab/bisim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anyvec/anyvec64"
)

func newBreakout() *Breakout {
	b := &Breakout{BallY: 3, Paddle: 5, BallDir: dirDownRight}
	b.fillBricks()
	b.lastX, b.lastY = b.BallX, b.BallY
	return b
}

func TestBreakoutPaddleBounce(t *testing.T) {
	b := newBreakout()
	for i := 0; i < 6; i++ {
		rew, done := b.Act(ActionNoop, nil)
		assert.False(t, done, "step %d", i)
		assert.Equal(t, 0.0, rew)
	}
	assert.Equal(t, 6, b.BallX)
	assert.Equal(t, 8, b.BallY)
	assert.Equal(t, dirUpRight, b.BallDir)
}

func TestBreakoutMiss(t *testing.T) {
	b := newBreakout()
	var done bool
	for i := 0; i < 6; i++ {
		require.False(t, done)
		_, done = b.Act(ActionLeft, nil)
	}
	assert.True(t, done)
	assert.Equal(t, 0, b.Paddle)

	_, done = b.Act(ActionNoop, nil)
	assert.True(t, done)
}

func TestBreakoutBrick(t *testing.T) {
	b := newBreakout()
	b.BallX, b.BallY, b.BallDir = 0, 4, dirUpRight
	rew, done := b.Act(ActionNoop, nil)
	assert.False(t, done)
	assert.Equal(t, 1.0, rew)
	assert.False(t, b.Bricks[3][1])
	assert.Equal(t, 1, b.BallX)
	assert.Equal(t, 4, b.BallY)
	assert.Equal(t, dirDownRight, b.BallDir)
	assert.Equal(t, 29, b.numBricks())
}

func TestEnv(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	_, err := New(c, "pong", rand.New(rand.NewSource(1)))
	assert.Error(t, err)

	env, err := New(c, "breakout", rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	env.Sticky = 0

	obs, err := env.Reset()
	require.NoError(t, err)
	require.Equal(t, 400, obs.Len())

	counts := make([]int, 4)
	for i, x := range bisim.Float64s(obs) {
		if x == 1 {
			counts[i%4]++
		}
	}
	assert.Equal(t, []int{1, 1, 1, 30}, counts)

	shape, err := GameShape("breakout")
	require.NoError(t, err)
	w, h, d := env.Shape()
	assert.Equal(t, shape.Width, w)
	assert.Equal(t, shape.Height, h)
	assert.Equal(t, shape.Depth, d)

	for {
		_, _, done, err := env.Step(bisim.OneHot(c, NumActions, ActionLeft))
		require.NoError(t, err)
		if done {
			break
		}
	}
	_, _, _, err = env.Step(bisim.OneHot(c, NumActions, ActionNoop))
	assert.Error(t, err, "stepping a finished episode")
}

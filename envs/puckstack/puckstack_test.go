package puckstack

import (
	"math"
	"math/rand"
	"testing"

	"github.com/bisimlab/bisim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestStacking(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	env, err := New(c, 3, 2, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	obs, err := env.Reset()
	require.NoError(t, err)
	assert.Equal(t, 18, obs.Len())

	var cells []int
	for i, h := range heights(obs, 2) {
		if h == 1 {
			cells = append(cells, i)
		}
	}
	require.Len(t, cells, 2)

	_, rew, done, err := env.Step(bisim.OneHot(c, 9, cells[0]))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 0.0, rew)

	obs, rew, done, err = env.Step(bisim.OneHot(c, 9, cells[1]))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, float64(GoalReward), rew)
	assert.Equal(t, 1.0, bisim.Float64s(obs)[2*cells[1]])
}

func TestEmptyPick(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	env, err := New(c, 2, 1, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	obs, err := env.Reset()
	require.NoError(t, err)

	empty := 0
	for i, h := range heights(obs, 1) {
		if h == 0 {
			empty = i
			break
		}
	}
	obs, _, done, err := env.Step(bisim.OneHot(c, 4, empty))
	require.NoError(t, err)
	assert.True(t, done, "a single puck is always a complete stack")
	for i, x := range bisim.Float64s(obs) {
		if i%2 == 1 {
			assert.Equal(t, 0.0, x)
		}
	}
}

func TestInvalid(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	_, err := New(c, 2, 5, rand.New(rand.NewSource(1)))
	assert.Error(t, err)

	env, err := New(c, 2, 2, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	_, _, _, err = env.Step(bisim.OneHot(c, 4, 0))
	assert.Error(t, err)
}

// heights reads the stack heights out of an observation.
func heights(obs anyvec.Vector, numPucks int) []int {
	data := bisim.Float64s(obs)
	res := make([]int, len(data)/2)
	for i := range res {
		res[i] = int(math.Round(data[2*i] * float64(numPucks)))
	}
	return res
}

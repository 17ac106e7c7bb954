package bisim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"go.uber.org/goleak"
)

// countingEnv ends each episode after Length steps.
// Observations are the current timestep and rewards are
// the chosen action index.
type countingEnv struct {
	Length int
	FailAt int

	t int
}

func (c *countingEnv) Reset() (anyvec.Vector, error) {
	c.t = 0
	return c.obs(), nil
}

func (c *countingEnv) Step(action anyvec.Vector) (anyvec.Vector, float64, bool, error) {
	c.t++
	if c.FailAt != 0 && c.t == c.FailAt {
		return nil, 0, false, errors.New("step failed")
	}
	return c.obs(), float64(ActionIndex(action)), c.t == c.Length, nil
}

func (c *countingEnv) obs() anyvec.Vector {
	return anyvec64.DefaultCreator{}.MakeVectorData([]float64{float64(c.t)})
}

func constantPolicy(action int) Policy {
	return func(obs anyvec.Vector) anyvec.Vector {
		return OneHot(obs.Creator(), 3, action)
	}
}

func TestRollout(t *testing.T) {
	defer goleak.VerifyNone(t)

	envs := []Env{&countingEnv{Length: 3}, &countingEnv{Length: 3}}
	roller := &Roller{
		MakePolicy: func(worker int) Policy { return constantPolicy(worker + 1) },
		Record:     true,
	}
	episodes, err := roller.Rollout(context.Background(), envs, 5)
	require.NoError(t, err)
	require.Len(t, episodes, 5)

	for i, ep := range episodes {
		worker := i % 2
		assert.Equal(t, []float64{float64(worker + 1), float64(worker + 1),
			float64(worker + 1)}, ep.Rewards, "episode %d", i)
		assert.Equal(t, []int{worker + 1, worker + 1, worker + 1}, ep.Actions)
		require.Len(t, ep.Observations, 4)
		assert.Equal(t, []float64{3}, Float64s(ep.Observations[3]))
	}
	assert.Equal(t, []float64{3, 6, 3, 6, 3}, EpisodeRewards(episodes).Totals())
}

func TestRolloutMaxSteps(t *testing.T) {
	defer goleak.VerifyNone(t)

	roller := &Roller{
		MakePolicy: func(int) Policy { return constantPolicy(0) },
		MaxSteps:   4,
	}
	episodes, err := roller.Rollout(context.Background(), []Env{&countingEnv{Length: 10}}, 2)
	require.NoError(t, err)
	for _, ep := range episodes {
		assert.Len(t, ep.Rewards, 4)
		assert.Nil(t, ep.Observations)
		assert.True(t, ep.TimedOut)
	}
	assert.Equal(t, []bool{false, false}, Completed(episodes))

	roller.MaxSteps = 20
	episodes, err = roller.Rollout(context.Background(), []Env{&countingEnv{Length: 10}}, 1)
	require.NoError(t, err)
	assert.Len(t, episodes[0].Rewards, 10)
	assert.False(t, episodes[0].TimedOut)
	assert.Equal(t, []bool{true}, Completed(episodes))
}

func TestRolloutErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	roller := &Roller{MakePolicy: func(int) Policy { return constantPolicy(0) }}

	_, err := roller.Rollout(context.Background(), nil, 1)
	assert.Error(t, err)

	envs := []Env{&countingEnv{Length: 5}, &countingEnv{Length: 5, FailAt: 2}}
	_, err = roller.Rollout(context.Background(), envs, 4)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = roller.Rollout(ctx, []Env{&countingEnv{Length: 5}}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "canceled")
}

func TestMaxStepsEnv(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	env := &MaxStepsEnv{Env: &countingEnv{Length: 3}, MaxSteps: 2}

	_, err := env.Reset()
	require.NoError(t, err)
	_, _, done, err := env.Step(OneHot(c, 3, 0))
	require.NoError(t, err)
	assert.False(t, done)
	_, _, done, _ = env.Step(OneHot(c, 3, 0))
	assert.True(t, done)
	assert.True(t, env.TimedOut())

	env.MaxSteps = 5
	env.Reset()
	for i := 0; i < 3; i++ {
		_, _, done, _ = env.Step(OneHot(c, 3, 0))
	}
	assert.True(t, done)
	assert.False(t, env.TimedOut())
}

func TestOneHot(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v := OneHot(c, 4, 2)
	assert.Equal(t, []float64{0, 0, 1, 0}, Float64s(v))
	assert.Equal(t, 2, ActionIndex(v))
	assert.Panics(t, func() { OneHot(c, 4, 4) })
}

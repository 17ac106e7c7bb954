package bisim

import (
	"context"
	"errors"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"golang.org/x/sync/errgroup"
)

// A Policy picks a one-hot action for an observation.
type Policy func(obs anyvec.Vector) anyvec.Vector

// An Episode is a recorded run through an environment.
type Episode struct {
	// Observations contains the observation before each
	// action, followed by the final observation.
	// It is only filled in if Roller.Record is set.
	Observations []anyvec.Vector

	Actions []int
	Rewards []float64

	// TimedOut is set if the episode was cut short by
	// Roller.MaxSteps.
	TimedOut bool
}

// A Roller runs policies through environments to produce
// evaluation episodes.
type Roller struct {
	// MakePolicy creates the policy used by a worker.
	// Each environment gets its own worker, so policies
	// with internal state (e.g. a random source) need not
	// be thread-safe.
	MakePolicy func(worker int) Policy

	// MaxSteps, if non-zero, limits episode lengths.
	MaxSteps int

	// Record enables observation recording.
	Record bool
}

// Rollout runs numEpisodes episodes, spread across the
// environments, and returns them in a deterministic
// order.
//
// Each environment is used by exactly one goroutine.
func (r *Roller) Rollout(ctx context.Context, envs []Env,
	numEpisodes int) (episodes []*Episode, err error) {
	defer essentials.AddCtxTo("rollout", &err)
	if len(envs) == 0 {
		return nil, errors.New("no environments")
	}
	episodes = make([]*Episode, numEpisodes)
	g, ctx := errgroup.WithContext(ctx)
	for w, env := range envs {
		w, env := w, env
		g.Go(func() error {
			policy := r.MakePolicy(w)
			for i := w; i < numEpisodes; i += len(envs) {
				if err := ctx.Err(); err != nil {
					return err
				}
				ep, err := r.runEpisode(ctx, policy, env)
				if err != nil {
					return err
				}
				episodes[i] = ep
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return episodes, nil
}

func (r *Roller) runEpisode(ctx context.Context, policy Policy, env Env) (*Episode, error) {
	var limited *MaxStepsEnv
	if r.MaxSteps != 0 {
		limited = &MaxStepsEnv{Env: env, MaxSteps: r.MaxSteps}
		env = limited
	}
	obs, err := env.Reset()
	if err != nil {
		return nil, err
	}
	ep := &Episode{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.Record {
			ep.Observations = append(ep.Observations, obs)
		}
		action := policy(obs)
		var reward float64
		var done bool
		obs, reward, done, err = env.Step(action)
		if err != nil {
			return nil, err
		}
		ep.Actions = append(ep.Actions, ActionIndex(action))
		ep.Rewards = append(ep.Rewards, reward)
		if done {
			break
		}
	}
	if r.Record {
		ep.Observations = append(ep.Observations, obs)
	}
	ep.TimedOut = limited != nil && limited.TimedOut()
	return ep, nil
}

// Completed reports, for each episode, whether it ended
// on its own rather than by timing out.
func Completed(episodes []*Episode) []bool {
	res := make([]bool, len(episodes))
	for i, ep := range episodes {
		res[i] = !ep.TimedOut
	}
	return res
}

// EpisodeRewards gathers the rewards of some episodes.
func EpisodeRewards(episodes []*Episode) Rewards {
	res := make(Rewards, len(episodes))
	for i, ep := range episodes {
		res[i] = ep.Rewards
	}
	return res
}

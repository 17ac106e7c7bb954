package runners

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/dataset"
)

func validateCommon(numBlocks int, validFrac float64, numSteps int, lr float64,
	optimizer string) error {
	if numBlocks < 1 {
		return fmt.Errorf("invalid number of blocks: %d", numBlocks)
	}
	if validFrac <= 0 || validFrac >= 1 {
		return fmt.Errorf("validation fraction must be in (0, 1): %g", validFrac)
	}
	if numSteps < 0 {
		return fmt.Errorf("invalid number of steps: %d", numSteps)
	}
	if lr <= 0 {
		return errors.New("learning rate must be positive")
	}
	if !slices.Contains(bisim.OptimizerNames, optimizer) {
		return fmt.Errorf("unknown optimizer: %s", optimizer)
	}
	return nil
}

func newRand(r *rand.Rand) *rand.Rand {
	return rand.New(rand.NewSource(r.Int63()))
}

// renderShape gets the frame shape from the environment
// when it is a bisim.Renderer.
func renderShape(env bisim.Env, fallback dataset.Shape) dataset.Shape {
	if renderer, ok := env.(bisim.Renderer); ok {
		w, h, d := renderer.Shape()
		return dataset.Shape{Width: w, Height: h, Depth: d}
	}
	return fallback
}

func rewardMetrics(policy string, episodes []*bisim.Episode) bisim.Losses {
	r := bisim.EpisodeRewards(episodes)
	completed := bisim.Completed(episodes)
	var length, timeouts float64
	for i, l := range r.Lengths() {
		length += float64(l)
		if !completed[i] {
			timeouts++
		}
	}
	return bisim.Losses{
		policy + "_reward_mean":           r.Mean(),
		policy + "_reward_stddev":         math.Sqrt(r.Variance()),
		policy + "_episode_length":        length / float64(len(r)),
		policy + "_timeout_fraction":      timeouts / float64(len(r)),
		policy + "_completed_reward_mean": r.Reduce(completed).Mean(),
	}
}

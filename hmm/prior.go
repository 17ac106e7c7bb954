// Package hmm implements a discrete abstract-state prior
// over latent vectors, with per-action transitions
// between abstract states.
//
// Each abstract state is an isotropic unit-variance
// Gaussian component in latent space.
package hmm

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// minMass is the responsibility mass below which a
// statistic is not updated.
const minMass = 1e-8

// A Sample is an encoded transition.
type Sample struct {
	Latent     []float64
	NextLatent []float64
	Action     int
	Reward     float64
	Done       bool

	// QValues are the action values of the first state.
	QValues []float64
}

// Prior is a mixture of Gaussians over latent vectors
// whose mixture weights evolve according to per-action
// transition matrices.
type Prior struct {
	NumBlocks  int `json:"num_blocks"`
	NumActions int `json:"num_actions"`

	// Means stores one latent vector per component.
	Means [][]float64 `json:"means"`

	// LogWeights are the log mixture weights of the
	// marginal distribution.
	LogWeights []float64 `json:"log_weights"`

	// Transitions[a][k][k'] is the probability of moving
	// from component k to k' when taking action a.
	Transitions [][][]float64 `json:"transitions"`

	// Rewards[k][a] and DoneProbs[k][a] are the expected
	// reward and termination probability.
	Rewards   [][]float64 `json:"rewards"`
	DoneProbs [][]float64 `json:"done_probs"`

	// QValues[k] are per-component action values.
	QValues [][]float64 `json:"q_values"`

	// Hard makes responsibilities one-hot.
	Hard bool `json:"hard"`
}

// New creates a prior with random means, uniform weights,
// and uniform transitions.
func New(numComponents, numBlocks, numActions int, rng *rand.Rand) *Prior {
	p := &Prior{NumBlocks: numBlocks, NumActions: numActions}
	for k := 0; k < numComponents; k++ {
		mean := make([]float64, numBlocks)
		for i := range mean {
			mean[i] = rng.NormFloat64()
		}
		p.Means = append(p.Means, mean)
		p.LogWeights = append(p.LogWeights, -math.Log(float64(numComponents)))
		p.Rewards = append(p.Rewards, make([]float64, numActions))
		p.DoneProbs = append(p.DoneProbs, make([]float64, numActions))
		p.QValues = append(p.QValues, make([]float64, numActions))
	}
	for a := 0; a < numActions; a++ {
		var matrix [][]float64
		for k := 0; k < numComponents; k++ {
			row := make([]float64, numComponents)
			for j := range row {
				row[j] = 1 / float64(numComponents)
			}
			matrix = append(matrix, row)
		}
		p.Transitions = append(p.Transitions, matrix)
	}
	return p
}

// NumComponents returns the number of abstract states.
func (p *Prior) NumComponents() int {
	return len(p.Means)
}

// InitMeans sets the component means to randomly chosen
// latent vectors.
func (p *Prior) InitMeans(latents [][]float64, rng *rand.Rand) {
	if len(latents) == 0 {
		return
	}
	for k := range p.Means {
		copy(p.Means[k], latents[rng.Intn(len(latents))])
	}
}

// Responsibilities computes the posterior over components
// for a latent vector under the marginal weights.
func (p *Prior) Responsibilities(z []float64) []float64 {
	return p.responsibilities(p.LogWeights, z)
}

func (p *Prior) responsibilities(logWeights, z []float64) []float64 {
	logits := p.logJoint(logWeights, z)
	if p.Hard {
		res := make([]float64, len(logits))
		res[argmax(logits)] = 1
		return res
	}
	lse := logSumExp(logits)
	for i, x := range logits {
		logits[i] = math.Exp(x - lse)
	}
	return logits
}

func (p *Prior) logJoint(logWeights, z []float64) []float64 {
	res := make([]float64, len(p.Means))
	norm := -0.5 * float64(p.NumBlocks) * math.Log(2*math.Pi)
	for k, mean := range p.Means {
		var dist float64
		for i, x := range z {
			diff := x - mean[i]
			dist += diff * diff
		}
		res[k] = logWeights[k] + norm - dist/2
	}
	return res
}

// LogLikelihood computes the marginal log density of a
// latent vector.
func (p *Prior) LogLikelihood(z []float64) float64 {
	return logSumExp(p.logJoint(p.LogWeights, z))
}

// TransitionLogWeights computes the log mixture weights
// of the next latent vector, given the responsibilities
// of the current one and an action.
func (p *Prior) TransitionLogWeights(resp []float64, action int) []float64 {
	res := make([]float64, p.NumComponents())
	for k, r := range resp {
		if r == 0 {
			continue
		}
		for j, t := range p.Transitions[action][k] {
			res[j] += r * t
		}
	}
	for j, x := range res {
		res[j] = math.Log(math.Max(x, 1e-300))
	}
	return res
}

// TransitionLogLikelihood computes the log density of the
// next latent vector of a sample.
func (p *Prior) TransitionLogLikelihood(s *Sample) float64 {
	logWeights := p.TransitionLogWeights(p.Responsibilities(s.Latent), s.Action)
	return logSumExp(p.logJoint(logWeights, s.NextLatent))
}

// MarginalTarget computes the responsibility-weighted
// mean of the components for a latent vector.
func (p *Prior) MarginalTarget(z []float64) []float64 {
	return p.weightedMean(p.Responsibilities(z))
}

// TransitionTarget computes the responsibility-weighted
// mean of the components for the next latent vector,
// using the transition-conditioned weights.
func (p *Prior) TransitionTarget(s *Sample) []float64 {
	logWeights := p.TransitionLogWeights(p.Responsibilities(s.Latent), s.Action)
	return p.weightedMean(p.responsibilities(logWeights, s.NextLatent))
}

func (p *Prior) weightedMean(resp []float64) []float64 {
	res := make([]float64, p.NumBlocks)
	for k, r := range resp {
		if r == 0 {
			continue
		}
		for i, x := range p.Means[k] {
			res[i] += r * x
		}
	}
	return res
}

// Assign finds the most likely component of a latent
// vector.
func (p *Prior) Assign(z []float64) int {
	return argmax(p.logJoint(p.LogWeights, z))
}

// SampleComponent samples a component from a set of
// responsibilities.
func SampleComponent(resp []float64, rng *rand.Rand) int {
	x := rng.Float64()
	for k, r := range resp {
		x -= r
		if x < 0 {
			return k
		}
	}
	return len(resp) - 1
}

// Validate checks that the prior's dimensions agree.
func (p *Prior) Validate() error {
	k := p.NumComponents()
	if k == 0 {
		return errors.New("prior has no components")
	}
	if len(p.LogWeights) != k || len(p.Rewards) != k || len(p.DoneProbs) != k ||
		len(p.QValues) != k {
		return errors.New("inconsistent component count")
	}
	if len(p.Transitions) != p.NumActions {
		return fmt.Errorf("got %d transition matrices (expected %d)", len(p.Transitions),
			p.NumActions)
	}
	for _, m := range p.Transitions {
		if len(m) != k {
			return errors.New("inconsistent transition matrix size")
		}
		for _, row := range m {
			if len(row) != k {
				return errors.New("inconsistent transition matrix size")
			}
		}
	}
	for _, mean := range p.Means {
		if len(mean) != p.NumBlocks {
			return errors.New("inconsistent mean size")
		}
	}
	return nil
}

func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func logSumExp(v []float64) float64 {
	max := math.Inf(-1)
	for _, x := range v {
		max = math.Max(max, x)
	}
	if math.IsInf(max, -1) {
		return max
	}
	var sum float64
	for _, x := range v {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}

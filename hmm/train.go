package hmm

import "math"

// Parts selects which parts of a Prior are updated.
type Parts int

const (
	// PartMarginal covers the means and mixture weights.
	PartMarginal Parts = 1 << iota

	// PartTransitions covers the transition matrices and
	// the reward and termination models.
	PartTransitions

	PartAll = PartMarginal | PartTransitions
)

// Update performs an online EM step on a batch of
// samples.
//
// Every statistic moves towards its batch estimate by the
// given rate; a rate of 1 is a full M-step.
// Statistics without responsibility mass in the batch are
// left alone.
func (p *Prior) Update(samples []*Sample, rate float64, parts Parts) {
	if len(samples) == 0 {
		return
	}
	numComps := p.NumComponents()
	mass := make([]float64, numComps)
	sums := make([][]float64, numComps)
	joint := make([][][]float64, p.NumActions)
	saMass := newMatrix(numComps, p.NumActions)
	rewardSums := newMatrix(numComps, p.NumActions)
	doneSums := newMatrix(numComps, p.NumActions)

	for _, s := range samples {
		resp := p.Responsibilities(s.Latent)
		for k, r := range resp {
			if r == 0 {
				continue
			}
			mass[k] += r
			if sums[k] == nil {
				sums[k] = make([]float64, p.NumBlocks)
			}
			for i, x := range s.Latent {
				sums[k][i] += r * x
			}
		}
		if parts&PartTransitions == 0 {
			continue
		}
		nextResp := p.responsibilities(p.TransitionLogWeights(resp, s.Action),
			s.NextLatent)
		if joint[s.Action] == nil {
			joint[s.Action] = newMatrix(numComps, numComps)
		}
		var done float64
		if s.Done {
			done = 1
		}
		for k, r := range resp {
			if r == 0 {
				continue
			}
			saMass[k][s.Action] += r
			rewardSums[k][s.Action] += r * s.Reward
			doneSums[k][s.Action] += r * done
			for j, r2 := range nextResp {
				if r2 != 0 {
					joint[s.Action][k][j] += r * r2
				}
			}
		}
	}

	if parts&PartMarginal != 0 {
		total := float64(len(samples))
		for k, mean := range p.Means {
			if mass[k] < minMass {
				continue
			}
			for i, x := range mean {
				mean[i] = x + rate*(sums[k][i]/mass[k]-x)
			}
		}
		for k, logW := range p.LogWeights {
			w := (1-rate)*math.Exp(logW) + rate*mass[k]/total
			p.LogWeights[k] = math.Log(math.Max(w, 1e-300))
		}
	}

	if parts&PartTransitions != 0 {
		for a, counts := range joint {
			if counts == nil {
				continue
			}
			for k, row := range counts {
				var rowMass float64
				for _, x := range row {
					rowMass += x
				}
				if rowMass < minMass {
					continue
				}
				dst := p.Transitions[a][k]
				for j, x := range row {
					dst[j] = (1-rate)*dst[j] + rate*x/rowMass
				}
			}
		}
		for k := range saMass {
			for a, m := range saMass[k] {
				if m < minMass {
					continue
				}
				p.Rewards[k][a] = (1-rate)*p.Rewards[k][a] + rate*rewardSums[k][a]/m
				p.DoneProbs[k][a] = (1-rate)*p.DoneProbs[k][a] + rate*doneSums[k][a]/m
			}
		}
	}
}

// Fit runs full EM iterations on a set of samples.
func (p *Prior) Fit(samples []*Sample, iters int, parts Parts) {
	for i := 0; i < iters; i++ {
		p.Update(samples, 1, parts)
	}
}

// MeanLogLikelihood computes the average marginal and
// transition log densities of some samples.
func (p *Prior) MeanLogLikelihood(samples []*Sample) (marginal, transition float64) {
	if len(samples) == 0 {
		return
	}
	for _, s := range samples {
		marginal += p.LogLikelihood(s.Latent)
		transition += p.TransitionLogLikelihood(s)
	}
	n := float64(len(samples))
	return marginal / n, transition / n
}

// PredictQ computes the responsibility-weighted
// per-component action values.
func (p *Prior) PredictQ(resp []float64) []float64 {
	res := make([]float64, p.NumActions)
	for k, r := range resp {
		if r == 0 {
			continue
		}
		for a, q := range p.QValues[k] {
			res[a] += r * q
		}
	}
	return res
}

// FitQValues takes a gradient step on the per-component
// action values to reduce their squared error on the
// samples.
//
// It returns the mean squared error before the step.
func (p *Prior) FitQValues(samples []*Sample, rate float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	grads := newMatrix(p.NumComponents(), p.NumActions)
	var loss float64
	for _, s := range samples {
		resp := p.Responsibilities(s.Latent)
		pred := p.PredictQ(resp)
		for a, q := range s.QValues {
			diff := q - pred[a]
			loss += diff * diff
			for k, r := range resp {
				if r != 0 {
					grads[k][a] += r * diff
				}
			}
		}
	}
	n := float64(len(samples))
	for k, row := range grads {
		for a, g := range row {
			p.QValues[k][a] += rate * g / n
		}
	}
	return loss / (n * float64(p.NumActions))
}

func newMatrix(rows, cols int) [][]float64 {
	res := make([][]float64, rows)
	for i := range res {
		res[i] = make([]float64, cols)
	}
	return res
}

package hmm

import "math"

// ValueIteration computes action values for the abstract
// MDP defined by the transition, reward, and termination
// models.
//
// It stops after iters sweeps or once no value changes by
// more than tol.
func (p *Prior) ValueIteration(discount float64, iters int, tol float64) [][]float64 {
	numComps := p.NumComponents()
	q := newMatrix(numComps, p.NumActions)
	values := make([]float64, numComps)
	for iter := 0; iter < iters; iter++ {
		var maxDelta float64
		for k := 0; k < numComps; k++ {
			for a := 0; a < p.NumActions; a++ {
				var next float64
				for j, t := range p.Transitions[a][k] {
					next += t * values[j]
				}
				newQ := p.Rewards[k][a] + discount*(1-p.DoneProbs[k][a])*next
				maxDelta = math.Max(maxDelta, math.Abs(newQ-q[k][a]))
				q[k][a] = newQ
			}
		}
		for k, row := range q {
			values[k] = row[argmax(row)]
		}
		if maxDelta <= tol {
			break
		}
	}
	return q
}

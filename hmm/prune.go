package hmm

// Usage computes the fraction of latent vectors assigned
// to each component.
func (p *Prior) Usage(latents [][]float64) []float64 {
	res := make([]float64, p.NumComponents())
	if len(latents) == 0 {
		return res
	}
	for _, z := range latents {
		res[p.Assign(z)]++
	}
	for i := range res {
		res[i] /= float64(len(latents))
	}
	return res
}

// RecomputeMeans moves each component mean to the mean of
// the latent vectors assigned to it.
// Components without latent vectors are unchanged.
func (p *Prior) RecomputeMeans(latents [][]float64) {
	sums := newMatrix(p.NumComponents(), p.NumBlocks)
	counts := make([]float64, p.NumComponents())
	for _, z := range latents {
		k := p.Assign(z)
		counts[k]++
		for i, x := range z {
			sums[k][i] += x
		}
	}
	for k, count := range counts {
		if count == 0 {
			continue
		}
		for i := range p.Means[k] {
			p.Means[k][i] = sums[k][i] / count
		}
	}
}

// Prune removes components whose usage is below the
// threshold.
// The most used component is always kept.
//
// It returns the indices of the kept components.
func (p *Prior) Prune(usage []float64, threshold float64) []int {
	var kept []int
	for k, u := range usage {
		if u >= threshold {
			kept = append(kept, k)
		}
	}
	if len(kept) == 0 {
		kept = []int{argmax(usage)}
	}

	var means, rewards, dones, qs [][]float64
	var logWeights []float64
	for _, k := range kept {
		means = append(means, p.Means[k])
		rewards = append(rewards, p.Rewards[k])
		dones = append(dones, p.DoneProbs[k])
		qs = append(qs, p.QValues[k])
		logWeights = append(logWeights, p.LogWeights[k])
	}
	lse := logSumExp(logWeights)
	for i := range logWeights {
		logWeights[i] -= lse
	}

	transitions := make([][][]float64, p.NumActions)
	for a, matrix := range p.Transitions {
		for _, k := range kept {
			row := make([]float64, len(kept))
			var sum float64
			for j, k2 := range kept {
				row[j] = matrix[k][k2]
				sum += row[j]
			}
			for j := range row {
				if sum > 0 {
					row[j] /= sum
				} else {
					row[j] = 1 / float64(len(kept))
				}
			}
			transitions[a] = append(transitions[a], row)
		}
	}

	p.Means = means
	p.LogWeights = logWeights
	p.Rewards = rewards
	p.DoneProbs = dones
	p.QValues = qs
	p.Transitions = transitions
	return kept
}

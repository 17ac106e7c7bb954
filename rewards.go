package bisim

// Rewards stores the rewards from a batch of episodes.
//
// It is indexed first by episode and then by timestep.
type Rewards [][]float64

// Reduce produces a new Rewards with only the episodes
// for which present is true, in their original order.
func (r Rewards) Reduce(present []bool) Rewards {
	var res Rewards
	for i, p := range present {
		if p {
			res = append(res, r[i])
		}
	}
	return res
}

// Totals sums the rewards for each episode.
func (r Rewards) Totals() []float64 {
	res := make([]float64, len(r))
	for i, episode := range r {
		for _, x := range episode {
			res[i] += x
		}
	}
	return res
}

// Mean computes the mean of the total rewards.
func (r Rewards) Mean() float64 {
	if len(r) == 0 {
		return 0
	}
	var sum float64
	for _, x := range r.Totals() {
		sum += x
	}
	return sum / float64(len(r))
}

// Variance computes the variance of the total rewards.
func (r Rewards) Variance() float64 {
	if len(r) == 0 {
		return 0
	}
	mean := r.Mean()
	var sum float64
	for _, x := range r.Totals() {
		diff := x - mean
		sum += diff * diff
	}
	return sum / float64(len(r))
}

// Discounted computes, for each episode, the discounted
// return from the first timestep.
func (r Rewards) Discounted(discount float64) []float64 {
	res := make([]float64, len(r))
	for i, episode := range r {
		var ret float64
		for t := len(episode) - 1; t >= 0; t-- {
			ret = episode[t] + discount*ret
		}
		res[i] = ret
	}
	return res
}

// Lengths returns the number of timesteps in each
// episode.
func (r Rewards) Lengths() []int {
	res := make([]int, len(r))
	for i, episode := range r {
		res[i] = len(episode)
	}
	return res
}

package dataset

import "github.com/unixpickle/anyvec"

// A Packed batch stores transitions as vectors.
type Packed struct {
	Size int

	// Obs and NextObs are Size observations, one after
	// the other.
	Obs     anyvec.Vector
	NextObs anyvec.Vector

	// Actions are one-hot, Size*NumActions values.
	Actions anyvec.Vector

	// QValues are divided by the scale passed to Pack.
	QValues anyvec.Vector

	ActionIdxs []int
	Rewards    []float64
	Dones      []bool
}

// Pack converts transitions to vectors.
//
// The q-values are divided by qScale; a qScale of 0 is
// treated as 1.
func Pack(c anyvec.Creator, ts []*Transition, numActions int, qScale float64) *Packed {
	if qScale == 0 {
		qScale = 1
	}
	p := &Packed{Size: len(ts)}
	var obs, nextObs, actions, qs []float64
	for _, t := range ts {
		obs = append(obs, t.Obs...)
		nextObs = append(nextObs, t.NextObs...)
		oneHot := make([]float64, numActions)
		oneHot[t.Action] = 1
		actions = append(actions, oneHot...)
		if t.QValues != nil {
			for _, q := range t.QValues {
				qs = append(qs, q/qScale)
			}
		} else {
			qs = append(qs, make([]float64, numActions)...)
		}
		p.ActionIdxs = append(p.ActionIdxs, t.Action)
		p.Rewards = append(p.Rewards, t.Reward)
		p.Dones = append(p.Dones, t.Done)
	}
	p.Obs = c.MakeVectorData(c.MakeNumericList(obs))
	p.NextObs = c.MakeVectorData(c.MakeNumericList(nextObs))
	p.Actions = c.MakeVectorData(c.MakeNumericList(actions))
	p.QValues = c.MakeVectorData(c.MakeNumericList(qs))
	return p
}

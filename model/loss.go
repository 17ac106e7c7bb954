package model

import (
	"github.com/bisimlab/bisim"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// QLoss computes the mean squared error between predicted
// and target action values.
//
// If mask is non-nil, only entries where the mask is 1
// contribute, and the error is averaged over the batch
// instead of over every entry.
func QLoss(qValues anydiff.Res, targets, mask anyvec.Vector, batch int) anydiff.Res {
	c := targets.Creator()
	diff := anydiff.Sub(qValues, anydiff.NewConst(targets))
	sq := anydiff.Mul(diff, diff)
	count := targets.Len()
	if mask != nil {
		sq = anydiff.Mul(sq, anydiff.NewConst(mask))
		count = batch
	}
	return anydiff.Scale(sumAll(sq), c.MakeNumeric(1/float64(count)))
}

// EntropyLoss is the negative mean log standard deviation
// per batch element, which equals the negative entropy of
// the latent Gaussians up to a constant.
func EntropyLoss(logStddev anydiff.Res, batch int) anydiff.Res {
	c := logStddev.Output().Creator()
	return anydiff.Scale(sumAll(logStddev), c.MakeNumeric(-1/float64(batch)))
}

// PriorLoss pulls latent vectors towards fixed targets.
//
// It is half the squared distance per batch element.
// With targets set to responsibility-weighted component
// means, its gradient is that of the negative
// log-likelihood under a unit-variance mixture prior.
func PriorLoss(latent anydiff.Res, targets anyvec.Vector, batch int) anydiff.Res {
	c := targets.Creator()
	diff := anydiff.Sub(latent, anydiff.NewConst(targets))
	return anydiff.Scale(sumAll(anydiff.Mul(diff, diff)), c.MakeNumeric(0.5/float64(batch)))
}

// Weighted combines losses with weights.
// Terms with zero weight are skipped.
func Weighted(c anyvec.Creator, terms []anydiff.Res, weights []float64) anydiff.Res {
	var res anydiff.Res
	for i, term := range terms {
		if weights[i] == 0 {
			continue
		}
		scaled := anydiff.Scale(term, c.MakeNumeric(weights[i]))
		if res == nil {
			res = scaled
		} else {
			res = anydiff.Add(res, scaled)
		}
	}
	if res == nil {
		return anydiff.NewConst(c.MakeVector(1))
	}
	return res
}

// Gradient back-propagates a scalar loss through the
// model's parameters.
func (m *Model) Gradient(loss anydiff.Res) anydiff.Grad {
	grad := anydiff.NewGrad(m.Parameters()...)
	c := loss.Output().Creator()
	upstream := c.MakeVector(1)
	upstream.AddScalar(c.MakeNumeric(1))
	loss.Propagate(upstream, grad)
	return grad
}

// Scalar reads the value of a scalar result.
func Scalar(r anydiff.Res) float64 {
	return bisim.Float64s(r.Output())[0]
}

func sumAll(r anydiff.Res) anydiff.Res {
	return anydiff.SumCols(&anydiff.Matrix{
		Data: r,
		Rows: 1,
		Cols: r.Output().Len(),
	})
}

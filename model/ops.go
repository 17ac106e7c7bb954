package model

import (
	"math"

	"github.com/bisimlab/bisim"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// elemRes applies a scalar function to every component of
// its input.
type elemRes struct {
	In    anydiff.Res
	Out   anyvec.Vector
	Deriv anyvec.Vector
}

func mapRes(in anydiff.Res, f, df func(x float64) float64) anydiff.Res {
	xs := bisim.Float64s(in.Output())
	ys := make([]float64, len(xs))
	ds := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = f(x)
		ds[i] = df(x)
	}
	c := in.Output().Creator()
	return &elemRes{
		In:    in,
		Out:   c.MakeVectorData(c.MakeNumericList(ys)),
		Deriv: c.MakeVectorData(c.MakeNumericList(ds)),
	}
}

func (e *elemRes) Output() anyvec.Vector {
	return e.Out
}

func (e *elemRes) Vars() anydiff.VarSet {
	return e.In.Vars()
}

func (e *elemRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	u.Mul(e.Deriv)
	e.In.Propagate(u, g)
}

// Softplus computes log(1+exp(x)).
func Softplus(in anydiff.Res) anydiff.Res {
	return mapRes(in, softplus, sigmoid)
}

// LogSoftplus computes log(softplus(x)) without
// underflowing for very negative x.
func LogSoftplus(in anydiff.Res) anydiff.Res {
	return mapRes(in, func(x float64) float64 {
		if x < -30 {
			return x
		}
		return math.Log(softplus(x))
	}, func(x float64) float64 {
		if x < -30 {
			return 1
		}
		return sigmoid(x) / softplus(x)
	})
}

func softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}

func sigmoid(x float64) float64 {
	if x < 0 {
		e := math.Exp(x)
		return e / (1 + e)
	}
	return 1 / (1 + math.Exp(-x))
}

package bisim

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
)

// Names of the supported optimizers.
const (
	OptAdam     = "adam"
	OptMomentum = "momentum"
	OptSGD      = "sgd"
)

// DefaultMomentum is the momentum rate of the momentum
// optimizer.
const DefaultMomentum = 0.9

// OptimizerNames lists the supported optimizers.
var OptimizerNames = []string{OptAdam, OptMomentum, OptSGD}

// Optimizer applies gradient steps with weight decay.
type Optimizer struct {
	// Transformer is applied to every gradient.
	// If nil, vanilla gradients are used.
	Transformer anysgd.Transformer

	StepSize    float64
	WeightDecay float64
}

// NewOptimizer creates an Optimizer by name.
func NewOptimizer(name string, stepSize, weightDecay float64) (*Optimizer, error) {
	res := &Optimizer{StepSize: stepSize, WeightDecay: weightDecay}
	switch name {
	case OptAdam:
		res.Transformer = &anysgd.Adam{}
	case OptMomentum:
		res.Transformer = &Momentum{Rate: DefaultMomentum}
	case OptSGD:
	default:
		return nil, fmt.Errorf("unknown optimizer: %s", name)
	}
	return res, nil
}

// Step performs a descent step, modifying the variables
// in the gradient.
// The gradient is modified in the process.
func (o *Optimizer) Step(grad anydiff.Grad) {
	if len(grad) == 0 {
		return
	}
	if o.WeightDecay != 0 {
		for v, g := range grad {
			decay := v.Vector.Copy()
			decay.Scale(decay.Creator().MakeNumeric(o.WeightDecay))
			g.Add(decay)
		}
	}
	if o.Transformer != nil {
		grad = o.Transformer.Transform(grad)
	}
	grad.Scale(gradCreator(grad).MakeNumeric(-o.StepSize))
	grad.AddToVars()
}

func gradCreator(g anydiff.Grad) anyvec.Creator {
	for v := range g {
		return v.Vector.Creator()
	}
	return nil
}

// Momentum is an anysgd.Transformer implementing
// classical momentum.
type Momentum struct {
	Rate float64

	velocity map[*anydiff.Var]anyvec.Vector
}

// Transform replaces each gradient with its velocity.
func (m *Momentum) Transform(g anydiff.Grad) anydiff.Grad {
	if m.velocity == nil {
		m.velocity = map[*anydiff.Var]anyvec.Vector{}
	}
	for v, vec := range g {
		vel, ok := m.velocity[v]
		if !ok {
			m.velocity[v] = vec.Copy()
			continue
		}
		vel.Scale(vel.Creator().MakeNumeric(m.Rate))
		vel.Add(vec)
		vec.Set(vel)
	}
	return g
}

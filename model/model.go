// Package model implements a Gaussian latent encoder with
// an action-value head.
package model

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/dataset"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// HeadHidden is the hidden size of the action-value head.
const HeadHidden = 256

// Model maps observations to a Gaussian over latent
// vectors, and latent vectors to action values.
type Model struct {
	// Trunk processes raw observations.
	Trunk anynet.Net

	// MeanLayer and StddevLayer map trunk outputs to the
	// parameters of the latent Gaussian.
	MeanLayer   *anynet.FC
	StddevLayer *anynet.FC

	// Head maps latent vectors to action values.
	Head anynet.Net

	// DisableSoftplus makes the standard deviation the
	// exponential of the raw layer output instead of its
	// softplus.
	DisableSoftplus bool

	// ZeroStddev makes the encoder deterministic.
	ZeroStddev bool
}

// New creates a randomly initialized model.
//
// The trunk is described in anyconv markup and must
// produce trunkOut values per observation.
func New(c anyvec.Creator, trunkMarkup string, trunkOut, numBlocks,
	numActions int) (m *Model, err error) {
	defer essentials.AddCtxTo("create model", &err)
	trunk, err := anyconv.FromMarkup(c, trunkMarkup)
	if err != nil {
		return nil, err
	}
	return &Model{
		Trunk:       trunk.(anynet.Net),
		MeanLayer:   anynet.NewFC(c, trunkOut, numBlocks),
		StddevLayer: anynet.NewFC(c, trunkOut, numBlocks),
		Head: anynet.Net{
			anynet.NewFC(c, numBlocks, HeadHidden),
			anynet.ReLU,
			anynet.NewFCZero(c, HeadHidden, numActions),
		},
	}, nil
}

// Load reads a model saved with Save.
func Load(path string) (m *Model, err error) {
	defer essentials.AddCtxTo("load model", &err)
	m = &Model{}
	if err := serializer.LoadAny(path, &m.Trunk, &m.MeanLayer, &m.StddevLayer,
		&m.Head); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes the model's layers to a file.
func (m *Model) Save(path string) error {
	if err := serializer.SaveAny(path, m.Trunk, m.MeanLayer, m.StddevLayer,
		m.Head); err != nil {
		return essentials.AddCtx("save model", err)
	}
	return nil
}

// NumBlocks returns the size of the latent space.
func (m *Model) NumBlocks() int {
	return m.MeanLayer.OutCount
}

// NumActions returns the number of predicted values.
func (m *Model) NumActions() int {
	return m.Head[len(m.Head)-1].(*anynet.FC).OutCount
}

// CheckSizes makes sure the model matches the expected
// latent and action sizes.
func (m *Model) CheckSizes(numBlocks, numActions int) error {
	if m.NumBlocks() != numBlocks {
		return fmt.Errorf("model has %d blocks (expected %d)", m.NumBlocks(), numBlocks)
	}
	if m.NumActions() != numActions {
		return fmt.Errorf("model has %d actions (expected %d)", m.NumActions(), numActions)
	}
	return nil
}

// Parameters returns all of the model's parameters.
func (m *Model) Parameters() []*anydiff.Var {
	return anynet.AllParameters(m.Trunk, m.MeanLayer, m.StddevLayer, m.Head)
}

// An Output stores the results of applying a Model to a
// batch of observations.
type Output struct {
	Batch int

	Mean      anydiff.Res
	Stddev    anydiff.Res
	LogStddev anydiff.Res

	// Latent is Mean plus scaled noise, or just Mean if no
	// noise was used.
	Latent anydiff.Res

	QValues anydiff.Res
}

// Apply applies the model to a batch of observations.
//
// If noise is non-nil, it contains one standard normal
// sample per latent value and is used to sample the
// latent vectors.
func (m *Model) Apply(obs anyvec.Vector, batch int, noise anyvec.Vector) *Output {
	hidden := m.Trunk.Apply(anydiff.NewConst(obs), batch)
	out := &Output{
		Batch: batch,
		Mean:  m.MeanLayer.Apply(hidden, batch),
	}
	raw := m.StddevLayer.Apply(hidden, batch)
	if m.DisableSoftplus {
		out.Stddev = anydiff.Exp(raw)
		out.LogStddev = raw
	} else {
		out.Stddev = Softplus(raw)
		out.LogStddev = LogSoftplus(raw)
	}
	if noise == nil || m.ZeroStddev {
		out.Latent = out.Mean
	} else {
		out.Latent = anydiff.Add(out.Mean, anydiff.Mul(out.Stddev, anydiff.NewConst(noise)))
	}
	out.QValues = m.Head.Apply(out.Latent, batch)
	return out
}

// Predict computes the latent means and predicted action
// values for a batch of observations.
func (m *Model) Predict(obs anyvec.Vector, batch int) (means, qValues []float64) {
	out := m.Apply(obs, batch, nil)
	return bisim.Float64s(out.Mean.Output()), bisim.Float64s(out.QValues.Output())
}

// Noise creates standard normal noise for a batch.
func (m *Model) Noise(c anyvec.Creator, batch int, rng *rand.Rand) anyvec.Vector {
	noise := c.MakeVector(batch * m.NumBlocks())
	anyvec.Rand(noise, anyvec.Normal, rng)
	return noise
}

// ConvMarkup creates markup for a convolutional trunk
// followed by fully-connected layers.
func ConvMarkup(shape dataset.Shape, convs []string, hiddens []int) string {
	lines := []string{
		fmt.Sprintf("Input(w=%d, h=%d, d=%d)", shape.Width, shape.Height, shape.Depth),
	}
	for _, conv := range convs {
		lines = append(lines, conv, "ReLU")
	}
	for _, h := range hiddens {
		lines = append(lines, fmt.Sprintf("FC(out=%d)", h), "ReLU")
	}
	return strings.Join(lines, "\n")
}

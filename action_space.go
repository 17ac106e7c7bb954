package bisim

import (
	"fmt"
	"math/rand"

	"github.com/unixpickle/anyvec"
)

// A Sampler chooses actions given a batch of action
// values.
//
// For an example, see Softmax.
type Sampler interface {
	// Sample produces a batch of one-hot vectors given a
	// batch of action-value vectors.
	Sample(values anyvec.Vector, batchSize int) anyvec.Vector
}

// Greedy is a Sampler which picks the action with the
// largest value.
type Greedy struct{}

// Sample produces one-hot vectors for the argmax of each
// chunk of values.
func (g Greedy) Sample(values anyvec.Vector, batch int) anyvec.Vector {
	if values.Len()%batch != 0 {
		panic("batch size must divide value count")
	}
	chunkSize := values.Len() / batch
	c := values.Creator()
	var oneHots []anyvec.Vector
	for i := 0; i < batch; i++ {
		idx := anyvec.MaxIndex(values.Slice(i*chunkSize, (i+1)*chunkSize))
		oneHots = append(oneHots, OneHot(c, chunkSize, idx))
	}
	return c.Concat(oneHots...)
}

// Softmax is a Sampler which applies the softmax function
// to the action values, divided by a temperature, to
// obtain a discrete probability distribution.
// It produces one-hot vector samples.
type Softmax struct {
	// Temperature divides the values before the softmax.
	//
	// If 0, 1 is used.
	Temperature float64

	// Rand is used for sampling.
	//
	// If nil, the math/rand package is used.
	Rand *rand.Rand
}

// Sample samples one-hot vectors from the softmax
// distribution.
func (s Softmax) Sample(values anyvec.Vector, batch int) anyvec.Vector {
	if values.Len()%batch != 0 {
		panic("batch size must divide value count")
	}

	chunkSize := values.Len() / batch
	p := s.Probs(values, batch)

	var oneHots []anyvec.Vector
	for i := 0; i < batch; i++ {
		subset := p.Slice(i*chunkSize, (i+1)*chunkSize)
		oneHots = append(oneHots, s.sampleProbabilities(subset))
	}

	return p.Creator().Concat(oneHots...)
}

// Probs computes the action probabilities for a batch of
// action values.
func (s Softmax) Probs(values anyvec.Vector, batch int) anyvec.Vector {
	chunkSize := values.Len() / batch
	p := values.Copy()
	if s.Temperature != 0 {
		p.Scale(p.Creator().MakeNumeric(1 / s.Temperature))
	}
	anyvec.LogSoftmax(p, chunkSize)
	anyvec.Exp(p)
	return p
}

func (s Softmax) sampleProbabilities(p anyvec.Vector) anyvec.Vector {
	var randNum float64
	if s.Rand != nil {
		randNum = s.Rand.Float64()
	} else {
		randNum = rand.Float64()
	}
	idx := p.Len() - 1
	switch data := p.Data().(type) {
	case []float32:
		for i, x := range data {
			randNum -= float64(x)
			if randNum < 0 {
				idx = i
				break
			}
		}
	case []float64:
		for i, x := range data {
			randNum -= x
			if randNum < 0 {
				idx = i
				break
			}
		}
	default:
		panic(fmt.Sprintf("cannot sample from %T", data))
	}
	return OneHot(p.Creator(), p.Len(), idx)
}

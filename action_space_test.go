package bisim

import (
	"math/rand"
	"testing"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestSoftmaxSample(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	in := c.MakeVectorData([]float64{
		0.0902265411093121, -1.1492330740032015, -0.7417678904738725,
		0.1571149104608501, -1.3123382994428667, 1.2192607242291933,
	})
	expected := in.Copy()
	anyvec.LogSoftmax(expected, 3)
	anyvec.Exp(expected)

	actual := c.MakeVector(6)
	const numSamples = 100000
	sampler := Softmax{Rand: rand.New(rand.NewSource(1))}
	for i := 0; i < numSamples; i++ {
		actual.Add(sampler.Sample(in, 2))
	}
	actual.Scale(c.MakeNumeric(1.0 / numSamples))

	assertSimilar(t, actual, expected)
}

func TestSoftmaxTemperature(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	in := c.MakeVectorData([]float64{1, 2, 3, -1})
	expected := c.MakeVectorData([]float64{0.5, 1, 1.5, -0.5})
	anyvec.LogSoftmax(expected, 4)
	anyvec.Exp(expected)

	actual := Softmax{Temperature: 2}.Probs(in, 1)
	assertSimilar(t, actual, expected)
}

func TestGreedySample(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	in := c.MakeVectorData([]float64{
		0.5, -1, 2,
		3, 0, 1,
	})
	actual := Greedy{}.Sample(in, 2)
	expected := c.MakeVectorData([]float64{
		0, 0, 1,
		1, 0, 0,
	})
	assertSimilar(t, actual, expected)
}

func assertSimilar(t *testing.T, actual, expected anyvec.Vector) {
	diff := actual.Copy()
	diff.Sub(expected)
	if anyvec.AbsMax(diff).(float64) > 1e-2 {
		t.Errorf("expected %v but got %v", expected.Data(), actual.Data())
	}
}

package dataset

import "math"

// minStddev keeps constant features from blowing up.
const minStddev = 1e-6

// Stats stores per-feature observation statistics.
type Stats struct {
	Mean   []float64 `json:"mean"`
	Stddev []float64 `json:"stddev"`
}

// ComputeStats computes the mean and standard deviation
// of each observation feature.
func ComputeStats(d *Dataset) *Stats {
	size := d.Shape.Size()
	s := &Stats{Mean: make([]float64, size), Stddev: make([]float64, size)}
	for _, t := range d.Transitions {
		for i, x := range t.Obs {
			s.Mean[i] += x
		}
	}
	n := float64(d.Len())
	for i := range s.Mean {
		s.Mean[i] /= n
	}
	for _, t := range d.Transitions {
		for i, x := range t.Obs {
			diff := x - s.Mean[i]
			s.Stddev[i] += diff * diff
		}
	}
	for i, v := range s.Stddev {
		s.Stddev[i] = math.Max(math.Sqrt(v/n), minStddev)
	}
	return s
}

// Apply standardizes an observation, producing a new
// slice.
func (s *Stats) Apply(obs []float64) []float64 {
	res := make([]float64, len(obs))
	for i, x := range obs {
		res[i] = (x - s.Mean[i]) / s.Stddev[i]
	}
	return res
}

// Normalize standardizes every observation in the
// dataset.
func (d *Dataset) Normalize(s *Stats) {
	for _, t := range d.unique() {
		t.Obs = s.Apply(t.Obs)
		t.NextObs = s.Apply(t.NextObs)
	}
}

// Package dataset loads and prepares recorded transitions
// for training action-value predictors.
package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strings"

	"github.com/unixpickle/essentials"
)

// Shape describes the layout of flattened observations.
//
// Observations are stored row-major with the depth
// dimension innermost.
type Shape struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	Depth  int `json:"depth" yaml:"depth"`
}

// Size returns the number of values in an observation.
func (s Shape) Size() int {
	return s.Width * s.Height * s.Depth
}

// Transition is one recorded environment step.
type Transition struct {
	Obs     []float64 `json:"obs"`
	NextObs []float64 `json:"next_obs"`
	Action  int       `json:"action"`
	Reward  float64   `json:"reward"`
	Done    bool      `json:"done"`

	// Timeout is set if the episode was ended by a step
	// limit rather than by a terminal state.
	Timeout bool `json:"timeout,omitempty"`

	// IsGoal is set for goal states.
	IsGoal bool `json:"is_goal,omitempty"`

	// QValues are the action values to be predicted.
	QValues []float64 `json:"q_values,omitempty"`

	// GTQValues are ground-truth action values of an
	// optimal policy, if known.
	GTQValues []float64 `json:"gt_q_values,omitempty"`
}

// Dataset is a collection of transitions.
type Dataset struct {
	Shape       Shape
	NumActions  int
	Transitions []*Transition
}

// Load reads a dataset of JSON-encoded transitions, one
// per line.
// Paths ending in ".gz" are decompressed.
func Load(path string, shape Shape, numActions int) (d *Dataset, err error) {
	defer essentials.AddCtxTo("load dataset", &err)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return Read(r, shape, numActions)
}

// Read decodes transitions from a stream of JSON values.
func Read(r io.Reader, shape Shape, numActions int) (*Dataset, error) {
	d := &Dataset{Shape: shape, NumActions: numActions}
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		var t Transition
		if err := dec.Decode(&t); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("transition %d: %w", len(d.Transitions), err)
		}
		if err := d.check(&t); err != nil {
			return nil, fmt.Errorf("transition %d: %w", len(d.Transitions), err)
		}
		d.Transitions = append(d.Transitions, &t)
	}
	if len(d.Transitions) == 0 {
		return nil, ErrEmpty
	}
	return d, nil
}

func (d *Dataset) check(t *Transition) error {
	size := d.Shape.Size()
	if len(t.Obs) != size {
		return fmt.Errorf("observation size %d (expected %d)", len(t.Obs), size)
	}
	if len(t.NextObs) != size {
		return fmt.Errorf("next observation size %d (expected %d)", len(t.NextObs), size)
	}
	if t.Action < 0 || t.Action >= d.NumActions {
		return fmt.Errorf("action %d out of range", t.Action)
	}
	if t.QValues != nil && len(t.QValues) != d.NumActions {
		return fmt.Errorf("got %d q-values (expected %d)", len(t.QValues), d.NumActions)
	}
	if t.GTQValues != nil && len(t.GTQValues) != d.NumActions {
		return fmt.Errorf("got %d ground-truth q-values (expected %d)", len(t.GTQValues),
			d.NumActions)
	}
	return nil
}

// ErrEmpty is returned for datasets without transitions.
var ErrEmpty = errors.New("empty dataset")

// Len returns the number of transitions.
func (d *Dataset) Len() int {
	return len(d.Transitions)
}

// Split shuffles the transitions and splits them into a
// training and a validation set.
// The validation set gets the given fraction of the data,
// but at least one transition.
func (d *Dataset) Split(validFrac float64, rng *rand.Rand) (train, valid *Dataset, err error) {
	if validFrac <= 0 || validFrac >= 1 {
		return nil, nil, fmt.Errorf("split dataset: invalid validation fraction %g", validFrac)
	}
	if d.Len() < 2 {
		return nil, nil, fmt.Errorf("split dataset: need at least 2 transitions")
	}
	perm := rng.Perm(d.Len())
	numValid := int(math.Round(validFrac * float64(d.Len())))
	if numValid < 1 {
		numValid = 1
	} else if numValid >= d.Len() {
		numValid = d.Len() - 1
	}
	valid = d.emptyLike()
	train = d.emptyLike()
	for i, j := range perm {
		if i < numValid {
			valid.Transitions = append(valid.Transitions, d.Transitions[j])
		} else {
			train.Transitions = append(train.Transitions, d.Transitions[j])
		}
	}
	return train, valid, nil
}

func (d *Dataset) emptyLike() *Dataset {
	return &Dataset{Shape: d.Shape, NumActions: d.NumActions}
}

// Oversample duplicates transitions with positive rewards
// until there are about as many of them as there are
// other transitions.
//
// It returns the number of added transitions.
func (d *Dataset) Oversample(rng *rand.Rand) int {
	var positive []*Transition
	for _, t := range d.Transitions {
		if t.Reward > 0 {
			positive = append(positive, t)
		}
	}
	if len(positive) == 0 {
		return 0
	}
	others := d.Len() - len(positive)
	var added int
	for len(positive)+added < others {
		d.Transitions = append(d.Transitions, positive[rng.Intn(len(positive))])
		added++
	}
	return added
}

// FilterGoals removes transitions which start in a goal
// state.
func (d *Dataset) FilterGoals() {
	var kept []*Transition
	for _, t := range d.Transitions {
		if !t.IsGoal {
			kept = append(kept, t)
		}
	}
	d.Transitions = kept
}

// FixDones clears the done flag of transitions which
// ended only because of an episode length limit.
func (d *Dataset) FixDones() {
	for _, t := range d.Transitions {
		if t.Timeout {
			t.Done = false
		}
	}
}

// UseGroundTruthQ replaces the q-values with ground-truth
// q-values.
func (d *Dataset) UseGroundTruthQ() error {
	for i, t := range d.Transitions {
		if t.GTQValues == nil {
			return fmt.Errorf("transition %d has no ground-truth q-values", i)
		}
		t.QValues = t.GTQValues
	}
	return nil
}

// CheckQValues makes sure every transition has q-values.
func (d *Dataset) CheckQValues() error {
	for i, t := range d.Transitions {
		if t.QValues == nil {
			return fmt.Errorf("transition %d has no q-values", i)
		}
	}
	return nil
}

// AddQNoise adds Gaussian noise to every q-value.
func (d *Dataset) AddQNoise(stddev float64, rng *rand.Rand) {
	for _, t := range d.unique() {
		noisy := make([]float64, len(t.QValues))
		for i, q := range t.QValues {
			noisy[i] = q + rng.NormFloat64()*stddev
		}
		t.QValues = noisy
	}
}

// Resize scales every observation to a new width and
// height using nearest-neighbour sampling.
func (d *Dataset) Resize(width, height int) {
	old := d.Shape
	d.Shape = Shape{Width: width, Height: height, Depth: old.Depth}
	for _, t := range d.unique() {
		t.Obs = ResizeObs(t.Obs, old, width, height)
		t.NextObs = ResizeObs(t.NextObs, old, width, height)
	}
}

// ResizeObs scales a single observation.
func ResizeObs(obs []float64, shape Shape, width, height int) []float64 {
	res := make([]float64, width*height*shape.Depth)
	for y := 0; y < height; y++ {
		srcY := y * shape.Height / height
		for x := 0; x < width; x++ {
			srcX := x * shape.Width / width
			src := (srcY*shape.Width + srcX) * shape.Depth
			dst := (y*width + x) * shape.Depth
			copy(res[dst:dst+shape.Depth], obs[src:src+shape.Depth])
		}
	}
	return res
}

// Batch samples transitions uniformly with replacement.
func (d *Dataset) Batch(rng *rand.Rand, n int) []*Transition {
	res := make([]*Transition, n)
	for i := range res {
		res[i] = d.Transitions[rng.Intn(d.Len())]
	}
	return res
}

// Chunks splits the transitions into consecutive batches
// of at most n transitions.
func (d *Dataset) Chunks(n int) [][]*Transition {
	var res [][]*Transition
	for i := 0; i < d.Len(); i += n {
		end := i + n
		if end > d.Len() {
			end = d.Len()
		}
		res = append(res, d.Transitions[i:end])
	}
	return res
}

// unique lists every transition once, even if it was
// duplicated by Oversample.
func (d *Dataset) unique() []*Transition {
	seen := make(map[*Transition]bool, d.Len())
	var res []*Transition
	for _, t := range d.Transitions {
		if !seen[t] {
			seen[t] = true
			res = append(res, t)
		}
	}
	return res
}

package runners

import (
	"encoding/json"
	"os"

	"github.com/bisimlab/bisim/dataset"
	"github.com/unixpickle/essentials"
)

// Preprocessor turns raw observations into model inputs.
//
// It is saved next to a model so that the model can be
// applied to environment observations later.
type Preprocessor struct {
	// Input is the shape of raw observations and Output
	// the shape after resizing.
	Input  dataset.Shape `json:"input"`
	Output dataset.Shape `json:"output"`

	// Stats, if non-nil, standardizes the inputs.
	Stats *dataset.Stats `json:"stats,omitempty"`

	// QScale divides the q-value targets.
	QScale float64 `json:"q_scale"`
}

// Apply preprocesses an observation.
func (p *Preprocessor) Apply(obs []float64) []float64 {
	if p.Input != p.Output {
		obs = dataset.ResizeObs(obs, p.Input, p.Output.Width, p.Output.Height)
	}
	if p.Stats != nil {
		obs = p.Stats.Apply(obs)
	}
	return obs
}

// Scale converts network outputs back to q-values.
func (p *Preprocessor) Scale(qs []float64) []float64 {
	res := make([]float64, len(qs))
	for i, q := range qs {
		res[i] = q * p.QScale
	}
	return res
}

// Save writes the preprocessor as JSON.
func (p *Preprocessor) Save(path string) error {
	data, err := json.Marshal(p)
	if err != nil {
		return essentials.AddCtx("save preprocessor", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadPreprocessor reads a preprocessor written by Save.
func LoadPreprocessor(path string) (*Preprocessor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Preprocessor
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, essentials.AddCtx("load preprocessor", err)
	}
	return &p, nil
}

// Package runners trains action-value predictors with
// Gaussian latent encoders and evaluates them.
package runners

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"strconv"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/dataset"
	"github.com/bisimlab/bisim/model"
	"github.com/bisimlab/bisim/saver"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/essentials"
	"go.uber.org/zap"
)

const (
	// BatchSize is the number of transitions per
	// training step.
	BatchSize = 100

	// EvalWorkers is the maximum number of environments
	// used concurrently during evaluation.
	EvalWorkers = 8
)

// File names in the output directory.
const (
	ModelFile           = "model"
	PriorFile           = "prior.json"
	SummariesFile       = "summaries.csv"
	ValidSummariesFile  = "validation.csv"
	LatentsFile         = "latents.csv"
	EvaluationFile      = "evaluation.yaml"
	preprocessorFileExt = ".json"
)

// ErrDiverged is returned when a training loss becomes
// NaN or infinite.
var ErrDiverged = errors.New("training diverged")

// Common holds the components shared by all runners.
type Common struct {
	// Creator defaults to anyvec32.
	Creator anyvec.Creator

	// Log is used for free-form status messages, while
	// Logger receives losses and rewards.
	Log    *zap.Logger
	Logger bisim.Logger
	Saver  *saver.Saver
	Rand   *rand.Rand
}

func (c *Common) fillDefaults() {
	if c.Creator == nil {
		c.Creator = anyvec32.CurrentCreator()
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.Logger == nil {
		c.Logger = bisim.NopLogger{}
	}
	if c.Saver == nil {
		c.Saver = saver.New("")
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(2019))
	}
}

// trainer implements the data and model plumbing that is
// the same for every runner.
type trainer struct {
	Common

	Train *dataset.Dataset
	Valid *dataset.Dataset
	Prep  *Preprocessor
	Model *model.Model
	Opt   *bisim.Optimizer

	NumActions int
	OnlyOneQ   bool
	NoSample   bool

	// extraValidation adds runner-specific validation
	// metrics.
	extraValidation func() bisim.Losses

	summaries      *saver.Summaries
	validSummaries *saver.Summaries
	metrics        bisim.Losses
}

// prepare splits and normalizes the data.
//
// Normalization statistics come from the training split,
// unless a loaded model brought its own.
func (t *trainer) prepare(d *dataset.Dataset, validFrac float64, oversample,
	normalize bool, loaded *Preprocessor) (err error) {
	defer essentials.AddCtxTo("prepare data", &err)
	if err := d.CheckQValues(); err != nil {
		return err
	}
	t.Train, t.Valid, err = d.Split(validFrac, t.Rand)
	if err != nil {
		return err
	}
	if oversample {
		added := t.Train.Oversample(t.Rand)
		t.Log.Info("oversampled rewarding transitions", zap.Int("added", added))
	}
	if normalize {
		if loaded != nil && loaded.Stats != nil {
			t.Prep.Stats = loaded.Stats
		} else {
			t.Prep.Stats = dataset.ComputeStats(t.Train)
		}
		t.Train.Normalize(t.Prep.Stats)
		t.Valid.Normalize(t.Prep.Stats)
	}
	t.Log.Info("loaded dataset",
		zap.Int("train", t.Train.Len()),
		zap.Int("validation", t.Valid.Len()))
	return nil
}

// buildModel creates a new model or loads a saved one
// along with its preprocessor.
func (t *trainer) buildModel(loadPath, markup string, trunkOut, numBlocks int,
	optName string, lr, weightDecay float64) (err error) {
	defer essentials.AddCtxTo("build model", &err)
	if loadPath != "" {
		t.Model, err = model.Load(loadPath)
		if err != nil {
			return err
		}
		if err := t.Model.CheckSizes(numBlocks, t.NumActions); err != nil {
			return err
		}
		t.Log.Info("loaded model", zap.String("path", loadPath))
	} else {
		t.Model, err = model.New(t.Creator, markup, trunkOut, numBlocks, t.NumActions)
		if err != nil {
			return err
		}
	}
	t.Opt, err = bisim.NewOptimizer(optName, lr, weightDecay)
	return err
}

// loadPreprocessor reads the preprocessor saved next to a
// model, if there is one.
func loadPreprocessor(modelPath string) (*Preprocessor, error) {
	if modelPath == "" {
		return nil, nil
	}
	p, err := LoadPreprocessor(modelPath + preprocessorFileExt)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return p, err
}

func (t *trainer) openSummaries(enabled bool) (err error) {
	if !enabled {
		return nil
	}
	t.summaries, err = t.Saver.Summaries(SummariesFile)
	if err != nil {
		return err
	}
	t.validSummaries, err = t.Saver.Summaries(ValidSummariesFile)
	return err
}

// runSteps calls step numSteps times, logging losses and
// validating periodically.
// It stops early without an error if ctx is done.
func (t *trainer) runSteps(ctx context.Context, numSteps, validFreq int,
	step func(i int) (bisim.Losses, error)) error {
	for i := 0; i < numSteps; i++ {
		if ctx.Err() != nil {
			t.Log.Warn("training interrupted", zap.Int("step", i))
			return nil
		}
		losses, err := step(i)
		if err != nil {
			return err
		}
		for name, l := range losses {
			if math.IsNaN(l) || math.IsInf(l, 0) {
				t.Log.Error("bad loss", zap.String("loss", name), zap.Int("step", i))
				return ErrDiverged
			}
		}
		t.Logger.LogTraining(i, losses)
		if err := t.summaries.Write(i, losses); err != nil {
			return err
		}
		if validFreq > 0 && (i+1)%validFreq == 0 {
			valid := t.validationLosses()
			t.Logger.LogValidation(i+1, valid)
			if err := t.validSummaries.Write(i+1, valid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *trainer) noise(batch int) anyvec.Vector {
	if t.NoSample {
		return nil
	}
	return t.Model.Noise(t.Creator, batch, t.Rand)
}

func (t *trainer) qLoss(p *dataset.Packed, out *model.Output) anydiff.Res {
	var mask anyvec.Vector
	if t.OnlyOneQ {
		mask = p.Actions
	}
	return model.QLoss(out.QValues, p.QValues, mask, p.Size)
}

// validationLosses computes the q-value error and the
// greedy action agreement on the validation set.
func (t *trainer) validationLosses() bisim.Losses {
	var sqErr, agree float64
	var count int
	for _, chunk := range t.Valid.Chunks(BatchSize) {
		p := dataset.Pack(t.Creator, chunk, t.NumActions, t.Prep.QScale)
		_, preds := t.Model.Predict(p.Obs, p.Size)
		targets := bisim.Float64s(p.QValues)
		for i := 0; i < p.Size; i++ {
			pred := preds[i*t.NumActions : (i+1)*t.NumActions]
			target := targets[i*t.NumActions : (i+1)*t.NumActions]
			for a := range pred {
				if t.OnlyOneQ && a != p.ActionIdxs[i] {
					continue
				}
				diff := pred[a] - target[a]
				sqErr += diff * diff
				count++
			}
			if argmax(pred) == argmax(target) {
				agree++
			}
		}
	}
	res := bisim.Losses{
		"valid_q":        sqErr / float64(count),
		"valid_accuracy": agree / float64(t.Valid.Len()),
	}
	if t.extraValidation != nil {
		for k, v := range t.extraValidation() {
			res[k] = v
		}
	}
	return res
}

// encode computes the latent means of the observations
// and next observations of some transitions.
func (t *trainer) encode(ts []*dataset.Transition) (latents, nextLatents [][]float64) {
	for start := 0; start < len(ts); start += BatchSize {
		chunk := ts[start:min(len(ts), start+BatchSize)]
		p := dataset.Pack(t.Creator, chunk, t.NumActions, t.Prep.QScale)
		means, _ := t.Model.Predict(p.Obs, p.Size)
		nextMeans, _ := t.Model.Predict(p.NextObs, p.Size)
		latents = append(latents, rows(means, t.Model.NumBlocks())...)
		nextLatents = append(nextLatents, rows(nextMeans, t.Model.NumBlocks())...)
	}
	return
}

// networkPolicy acts greedily on the predicted q-values
// of raw environment observations.
func (t *trainer) networkPolicy(obs anyvec.Vector) anyvec.Vector {
	in := t.Prep.Apply(bisim.Float64s(obs))
	_, qs := t.Model.Predict(t.Creator.MakeVectorData(t.Creator.MakeNumericList(in)), 1)
	return bisim.OneHot(obs.Creator(), t.NumActions, argmax(qs))
}

// embed runs raw environment observations through the
// preprocessor and the encoder.
func (t *trainer) embed(obs anyvec.Vector) []float64 {
	in := t.Prep.Apply(bisim.Float64s(obs))
	means, _ := t.Model.Predict(t.Creator.MakeVectorData(t.Creator.MakeNumericList(in)), 1)
	return means
}

func (t *trainer) saveModel() (err error) {
	defer essentials.AddCtxTo("save model", &err)
	path := t.Saver.SaveFile(ModelFile)
	if path == "" {
		t.Log.Warn("not saving model: no output directory")
		return nil
	}
	if err := t.Model.Save(path); err != nil {
		return err
	}
	if err := t.Prep.Save(path + preprocessorFileExt); err != nil {
		return err
	}
	t.Log.Info("saved model", zap.String("path", path))
	return nil
}

func (t *trainer) writeLatents(ts []*dataset.Transition) error {
	if !t.Saver.Enabled() {
		return nil
	}
	latents, _ := t.encode(ts)
	header := []string{"action", "reward"}
	for i := 0; i < t.Model.NumBlocks(); i++ {
		header = append(header, "z"+strconv.Itoa(i))
	}
	var table [][]float64
	for i, z := range latents {
		row := append([]float64{float64(ts[i].Action), ts[i].Reward}, z...)
		table = append(table, row)
	}
	return t.Saver.SaveCSV(LatentsFile, header, table)
}

func (t *trainer) close() error {
	return errors.Join(t.summaries.Close(), t.validSummaries.Close())
}

// Metrics returns the final evaluation metrics.
func (t *trainer) Metrics() bisim.Losses {
	return t.metrics
}

func (t *trainer) addMetrics(l bisim.Losses) {
	if t.metrics == nil {
		t.metrics = bisim.Losses{}
	}
	for k, v := range l {
		t.metrics[k] = v
	}
}

func rows(flat []float64, cols int) [][]float64 {
	res := make([][]float64, len(flat)/cols)
	for i := range res {
		res[i] = flat[i*cols : (i+1)*cols]
	}
	return res
}

func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

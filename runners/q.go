package runners

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/dataset"
	"github.com/bisimlab/bisim/envs/puckstack"
	"github.com/bisimlab/bisim/model"
	"github.com/bisimlab/bisim/visualize"
	"github.com/unixpickle/essentials"
)

const (
	// ResizeTo is the side length puck stack observations
	// are resized to.
	ResizeTo = 64

	// PuckEvalEpisodes is the number of greedy episodes
	// run in the puck stack environment.
	PuckEvalEpisodes = 20
)

var puckConvs = []string{
	"Conv(w=4, h=4, n=32, sx=2, sy=2)",
	"Conv(w=4, h=4, n=64, sx=2, sy=2)",
	"Conv(w=4, h=4, n=64, sx=2, sy=2)",
}

// QConfig configures a QRunner.
type QConfig struct {
	LoadPath string `yaml:"load_path"`
	GridSize int    `yaml:"grid_size"`
	NumPucks int    `yaml:"num_pucks"`

	NumBlocks          int     `yaml:"num_blocks"`
	ValidationFraction float64 `yaml:"validation_fraction"`
	ValidationFreq     int     `yaml:"validation_freq"`
	Oversample         bool    `yaml:"oversample"`
	DisableResize      bool    `yaml:"disable_resize"`
	DisableSoftplus    bool    `yaml:"disable_softplus"`
	NoSample           bool    `yaml:"no_sample"`
	OnlyOneQValue      bool    `yaml:"only_one_q_value"`
	GTQValues          bool    `yaml:"gt_q_values"`
	IncludeGoalStates  bool    `yaml:"include_goal_states"`

	// QValuesNoiseSD adds noise to the q-value targets if
	// positive.
	QValuesNoiseSD float64 `yaml:"q_values_noise_sd"`
	NewDones       bool    `yaml:"new_dones"`

	EncoderLearningRate float64 `yaml:"encoder_learning_rate"`
	WeightDecay         float64 `yaml:"weight_decay"`
	EncoderOptimizer    string  `yaml:"encoder_optimizer"`
	NumSteps            int     `yaml:"num_steps"`
	DisableBatchNorm    bool    `yaml:"disable_batch_norm"`
	Hiddens             []int   `yaml:"hiddens"`

	ShowGraphs    bool   `yaml:"show_graphs"`
	Summaries     bool   `yaml:"summaries"`
	LoadModelPath string `yaml:"load_model_path"`
}

// Validate checks the configuration for invalid values.
func (q *QConfig) Validate() error {
	if q.GridSize < 1 || q.NumPucks < 1 {
		return errors.New("grid size and number of pucks must be positive")
	}
	if q.NumPucks > q.GridSize*q.GridSize {
		return fmt.Errorf("%d pucks do not fit in a %dx%d grid", q.NumPucks, q.GridSize,
			q.GridSize)
	}
	if err := validateCommon(q.NumBlocks, q.ValidationFraction, q.NumSteps,
		q.EncoderLearningRate, q.EncoderOptimizer); err != nil {
		return err
	}
	if len(q.Hiddens) == 0 {
		return errors.New("at least one hidden layer is required")
	}
	for _, h := range q.Hiddens {
		if h < 1 {
			return fmt.Errorf("invalid hidden layer size: %d", h)
		}
	}
	if q.QValuesNoiseSD < 0 {
		return errors.New("q-value noise must not be negative")
	}
	return nil
}

// QRunner trains a q-value predictor on puck stacking
// transitions.
type QRunner struct {
	trainer
	Config *QConfig
}

// NewQRunner creates a runner.
// Zero-valued fields of common are filled with defaults.
func NewQRunner(config *QConfig, common Common) (*QRunner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	common.fillDefaults()
	return &QRunner{
		trainer: trainer{
			Common:     common,
			NumActions: config.GridSize * config.GridSize,
			OnlyOneQ:   config.OnlyOneQValue,
			NoSample:   config.NoSample,
		},
		Config: config,
	}, nil
}

// Setup loads the data and builds the model.
func (q *QRunner) Setup() (err error) {
	defer essentials.AddCtxTo("setup puck stack runner", &err)
	cfg := q.Config
	shape := puckstack.Shape(cfg.GridSize)
	d, err := dataset.Load(cfg.LoadPath, shape, q.NumActions)
	if err != nil {
		return err
	}
	if !cfg.IncludeGoalStates {
		d.FilterGoals()
	}
	if cfg.NewDones {
		d.FixDones()
	}
	if cfg.GTQValues {
		if err := d.UseGroundTruthQ(); err != nil {
			return err
		}
	}
	if cfg.QValuesNoiseSD > 0 {
		if err := d.CheckQValues(); err != nil {
			return err
		}
		d.AddQNoise(cfg.QValuesNoiseSD, q.Rand)
	}

	q.Prep = &Preprocessor{Input: shape, Output: shape, QScale: 1}
	if !cfg.DisableResize {
		d.Resize(ResizeTo, ResizeTo)
		q.Prep.Output = d.Shape
	}

	loaded, err := loadPreprocessor(cfg.LoadModelPath)
	if err != nil {
		return err
	}
	if err := q.prepare(d, cfg.ValidationFraction, cfg.Oversample, !cfg.DisableBatchNorm,
		loaded); err != nil {
		return err
	}

	var convs []string
	if !cfg.DisableResize {
		convs = puckConvs
	}
	markup := model.ConvMarkup(q.Prep.Output, convs, cfg.Hiddens)
	if err := q.buildModel(cfg.LoadModelPath, markup, cfg.Hiddens[len(cfg.Hiddens)-1],
		cfg.NumBlocks, cfg.EncoderOptimizer, cfg.EncoderLearningRate,
		cfg.WeightDecay); err != nil {
		return err
	}
	q.Model.DisableSoftplus = cfg.DisableSoftplus
	return q.openSummaries(cfg.Summaries)
}

// MainTrainingLoop trains the encoder and q-value head.
func (q *QRunner) MainTrainingLoop(ctx context.Context) error {
	return q.runSteps(ctx, q.Config.NumSteps, q.Config.ValidationFreq, q.step)
}

func (q *QRunner) step(i int) (bisim.Losses, error) {
	p := dataset.Pack(q.Creator, q.Train.Batch(q.Rand, BatchSize), q.NumActions,
		q.Prep.QScale)
	out := q.Model.Apply(p.Obs, p.Size, q.noise(p.Size))
	qLoss := q.qLoss(p, out)
	entropy := model.EntropyLoss(out.LogStddev, p.Size)
	q.Opt.Step(q.Model.Gradient(qLoss))
	return bisim.Losses{
		"q":       model.Scalar(qLoss),
		"entropy": -model.Scalar(entropy),
	}, nil
}

// SaveModel saves the model weights and preprocessor.
func (q *QRunner) SaveModel() error {
	return q.saveModel()
}

// EvaluateAndVisualize computes final validation
// metrics, saves the latent vectors of the validation
// set, and runs the greedy policy in the environment.
func (q *QRunner) EvaluateAndVisualize(ctx context.Context) (err error) {
	defer essentials.AddCtxTo("evaluate", &err)
	valid := q.validationLosses()
	q.Logger.LogValidation(q.Config.NumSteps, valid)
	q.addMetrics(valid)

	if q.Config.ShowGraphs {
		q.logActionErrors()
	}
	if err := q.writeLatents(q.Valid.Transitions); err != nil {
		return err
	}

	envs := make([]bisim.Env, min(EvalWorkers, PuckEvalEpisodes))
	for i := range envs {
		env, err := puckstack.New(q.Creator, q.Config.GridSize, q.Config.NumPucks,
			newRand(q.Rand))
		if err != nil {
			return err
		}
		envs[i] = env
	}
	roller := &bisim.Roller{
		MakePolicy: func(int) bisim.Policy { return q.networkPolicy },
		MaxSteps:   puckstack.MaxSteps,
	}
	episodes, err := roller.Rollout(ctx, envs, PuckEvalEpisodes)
	if err != nil {
		return err
	}
	rewards := bisim.EpisodeRewards(episodes)
	q.Logger.LogEvaluation("network", rewards)
	q.addMetrics(rewardMetrics("network", episodes))

	return q.Saver.SaveYAML(EvaluationFile, q.metrics)
}

// logActionErrors logs the mean absolute q-value error of
// every action on the validation set.
func (q *QRunner) logActionErrors() {
	errs := make([]float64, q.NumActions)
	for _, chunk := range q.Valid.Chunks(BatchSize) {
		p := dataset.Pack(q.Creator, chunk, q.NumActions, q.Prep.QScale)
		_, preds := q.Model.Predict(p.Obs, p.Size)
		targets := bisim.Float64s(p.QValues)
		for i, pred := range q.Prep.Scale(preds) {
			errs[i%q.NumActions] += math.Abs(pred - targets[i]*q.Prep.QScale)
		}
	}
	for i := range errs {
		errs[i] /= float64(q.Valid.Len())
	}
	q.Log.Info("mean absolute q-value error per action")
	for _, line := range visualize.Histogram(errs, q.NumActions, 40) {
		q.Log.Info(line)
	}
}

// CloseModelSession closes the summary files.
func (q *QRunner) CloseModelSession() error {
	return q.close()
}

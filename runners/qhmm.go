package runners

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/dataset"
	"github.com/bisimlab/bisim/envs/minatar"
	"github.com/bisimlab/bisim/hmm"
	"github.com/bisimlab/bisim/model"
	"github.com/bisimlab/bisim/visualize"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"go.uber.org/zap"
)

const (
	// PostTrainPriorIters is the number of full EM
	// iterations used to post-train the prior.
	PostTrainPriorIters = 50

	// ValueIterationSteps bounds value iteration in the
	// abstract MDP.
	ValueIterationSteps = 1000

	// EvalMaxSteps limits the length of evaluation
	// episodes.
	EvalMaxSteps = 1000

	// GifEpisodes is the number of abstract policy
	// episodes saved as GIFs.
	GifEpisodes = 5

	// maxInitLatents bounds the number of transitions
	// encoded to initialize the prior, and the number used
	// for prior validation metrics.
	maxInitLatents = 2000

	minatarHidden = 256
)

var minatarConvs = []string{"Conv(w=3, h=3, n=16, sx=1, sy=1)"}

// QHMMPriorConfig configures a QHMMPriorRunner.
type QHMMPriorConfig struct {
	LoadPath string `yaml:"load_path"`
	Game     string `yaml:"game"`

	NumBlocks          int     `yaml:"num_blocks"`
	NumComponents      int     `yaml:"num_components"`
	ValidationFraction float64 `yaml:"validation_fraction"`
	ValidationFreq     int     `yaml:"validation_freq"`
	Oversample         bool    `yaml:"oversample"`
	DisableSoftplus    bool    `yaml:"disable_softplus"`

	// Beta0 through Beta3 weight the q-value, entropy,
	// transition prior and marginal prior losses.
	Beta0 float64 `yaml:"beta0"`
	Beta1 float64 `yaml:"beta1"`
	Beta2 float64 `yaml:"beta2"`
	Beta3 float64 `yaml:"beta3"`

	NoSample           bool `yaml:"no_sample"`
	OnlyOneQValue      bool `yaml:"only_one_q_value"`
	TrainPrior         bool `yaml:"train_prior"`
	PostTrainPrior     bool `yaml:"post_train_prior"`
	PostTrainTAndPrior bool `yaml:"post_train_t_and_prior"`
	PostTrainHMM       bool `yaml:"post_train_hmm"`

	ZeroSDAfterTraining bool `yaml:"zero_sd_after_training"`
	HardAbstractState   bool `yaml:"hard_abstract_state"`

	// FreezeHMMNoEntropyAt is the step at which the prior
	// stops being updated and the entropy loss is turned
	// off. Nil disables freezing; negative steps freeze
	// from the start.
	FreezeHMMNoEntropyAt *int `yaml:"freeze_hmm_no_entropy_at"`

	ClusterPredictQs       bool    `yaml:"cluster_predict_qs"`
	ClusterPredictQsWeight float64 `yaml:"cluster_predict_qs_weight"`

	PruneAbstraction         bool    `yaml:"prune_abstraction"`
	PruneThreshold           float64 `yaml:"prune_threshold"`
	PruneAbstractionNewMeans bool    `yaml:"prune_abstraction_new_means"`

	SampleAbstractState bool    `yaml:"sample_abstract_state"`
	SoftmaxPolicy       bool    `yaml:"softmax_policy"`
	SoftmaxPolicyTemp   float64 `yaml:"softmax_policy_temp"`
	Discount            float64 `yaml:"discount"`
	QScalingFactor      float64 `yaml:"q_scaling_factor"`
	EvalEpisodes        int     `yaml:"eval_episodes"`

	EncoderLearningRate float64 `yaml:"encoder_learning_rate"`
	ModelLearningRate   float64 `yaml:"model_learning_rate"`
	FixPriorTraining    bool    `yaml:"fix_prior_training"`
	WeightDecay         float64 `yaml:"weight_decay"`
	EncoderOptimizer    string  `yaml:"encoder_optimizer"`
	NumSteps            int     `yaml:"num_steps"`
	DisableBatchNorm    bool    `yaml:"disable_batch_norm"`

	ShowGraphs    bool   `yaml:"show_graphs"`
	SaveGifs      bool   `yaml:"save_gifs"`
	Summaries     bool   `yaml:"summaries"`
	LoadModelPath string `yaml:"load_model_path"`
}

// Validate checks the configuration for invalid values.
func (q *QHMMPriorConfig) Validate() error {
	if _, err := minatar.GameShape(q.Game); err != nil {
		return err
	}
	if err := validateCommon(q.NumBlocks, q.ValidationFraction, q.NumSteps,
		q.EncoderLearningRate, q.EncoderOptimizer); err != nil {
		return err
	}
	if q.NumComponents < 1 {
		return fmt.Errorf("invalid number of components: %d", q.NumComponents)
	}
	for i, b := range []float64{q.Beta0, q.Beta1, q.Beta2, q.Beta3} {
		if b < 0 {
			return fmt.Errorf("beta%d must not be negative", i)
		}
	}
	if q.ModelLearningRate <= 0 {
		return errors.New("model learning rate must be positive")
	}
	if q.Discount < 0 || q.Discount >= 1 {
		return fmt.Errorf("discount must be in [0, 1): %g", q.Discount)
	}
	if q.QScalingFactor <= 0 {
		return errors.New("q scaling factor must be positive")
	}
	if q.SoftmaxPolicyTemp <= 0 {
		return errors.New("softmax temperature must be positive")
	}
	if q.PruneThreshold < 0 || q.PruneThreshold >= 1 {
		return fmt.Errorf("prune threshold must be in [0, 1): %g", q.PruneThreshold)
	}
	if q.ClusterPredictQsWeight < 0 {
		return errors.New("cluster q-value weight must not be negative")
	}
	if q.EvalEpisodes < 0 {
		return fmt.Errorf("invalid number of evaluation episodes: %d", q.EvalEpisodes)
	}
	return nil
}

// QHMMPriorRunner trains a q-value predictor whose latent
// space is regularized by an abstract-state prior, on
// MinAtar transitions.
type QHMMPriorRunner struct {
	trainer
	Config *QHMMPriorConfig
	Prior  *hmm.Prior

	// MaxSteps limits evaluation episodes.
	MaxSteps int

	// abstractQ stores per-component action values from
	// value iteration.
	abstractQ [][]float64
	frozen    bool
	pruned    bool
}

// NewQHMMPriorRunner creates a runner.
// Zero-valued fields of common are filled with defaults.
func NewQHMMPriorRunner(config *QHMMPriorConfig, common Common) (*QHMMPriorRunner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	common.fillDefaults()
	r := &QHMMPriorRunner{
		trainer: trainer{
			Common:     common,
			NumActions: minatar.NumActions,
			OnlyOneQ:   config.OnlyOneQValue,
			NoSample:   config.NoSample,
		},
		Config:   config,
		MaxSteps: EvalMaxSteps,
	}
	r.extraValidation = r.priorValidation
	return r, nil
}

// Setup loads the data, builds the model, and creates or
// loads the prior.
func (r *QHMMPriorRunner) Setup() (err error) {
	defer essentials.AddCtxTo("setup MinAtar runner", &err)
	cfg := r.Config
	shape, err := minatar.GameShape(cfg.Game)
	if err != nil {
		return err
	}
	d, err := dataset.Load(cfg.LoadPath, shape, r.NumActions)
	if err != nil {
		return err
	}
	r.Prep = &Preprocessor{Input: shape, Output: shape, QScale: cfg.QScalingFactor}

	loaded, err := loadPreprocessor(cfg.LoadModelPath)
	if err != nil {
		return err
	}
	if err := r.prepare(d, cfg.ValidationFraction, cfg.Oversample, !cfg.DisableBatchNorm,
		loaded); err != nil {
		return err
	}

	markup := model.ConvMarkup(shape, minatarConvs, []int{minatarHidden})
	if err := r.buildModel(cfg.LoadModelPath, markup, minatarHidden, cfg.NumBlocks,
		cfg.EncoderOptimizer, cfg.EncoderLearningRate, cfg.WeightDecay); err != nil {
		return err
	}
	r.Model.DisableSoftplus = cfg.DisableSoftplus

	if err := r.setupPrior(); err != nil {
		return err
	}
	return r.openSummaries(cfg.Summaries)
}

func (r *QHMMPriorRunner) setupPrior() error {
	cfg := r.Config
	if cfg.LoadModelPath != "" {
		path := filepath.Join(filepath.Dir(cfg.LoadModelPath), PriorFile)
		prior, err := hmm.Load(path)
		if err == nil {
			if prior.NumBlocks != cfg.NumBlocks || prior.NumActions != r.NumActions {
				return fmt.Errorf("prior at %s does not match the model", path)
			}
			r.Log.Info("loaded prior", zap.String("path", path),
				zap.Int("components", prior.NumComponents()))
			r.Prior = prior
			r.Prior.Hard = cfg.HardAbstractState
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	r.Prior = hmm.New(cfg.NumComponents, cfg.NumBlocks, r.NumActions, r.Rand)
	r.Prior.Hard = cfg.HardAbstractState
	latents, _ := r.encode(r.subset(r.Train))
	r.Prior.InitMeans(latents, r.Rand)
	return nil
}

// MainTrainingLoop trains the encoder and q-value head
// jointly with the prior.
func (r *QHMMPriorRunner) MainTrainingLoop(ctx context.Context) error {
	if err := r.runSteps(ctx, r.Config.NumSteps, r.Config.ValidationFreq, r.step); err != nil {
		return err
	}
	if r.Config.ZeroSDAfterTraining {
		r.Model.ZeroStddev = true
		r.Log.Info("zeroed encoder standard deviation")
	}
	if r.Config.PostTrainPrior || r.Config.PostTrainTAndPrior {
		r.postTrainPrior()
	}
	return nil
}

func (r *QHMMPriorRunner) step(i int) (bisim.Losses, error) {
	cfg := r.Config
	p := dataset.Pack(r.Creator, r.Train.Batch(r.Rand, BatchSize), r.NumActions,
		r.Prep.QScale)
	out := r.Model.Apply(p.Obs, p.Size, r.noise(p.Size))
	next := r.Model.Apply(p.NextObs, p.Size, r.noise(p.Size))
	samples := r.packedSamples(p, out.Latent.Output(), next.Latent.Output())

	var marginal, transition []float64
	for _, s := range samples {
		marginal = append(marginal, r.Prior.MarginalTarget(s.Latent)...)
		transition = append(transition, r.Prior.TransitionTarget(s)...)
	}

	if !r.frozen && cfg.FreezeHMMNoEntropyAt != nil && i >= *cfg.FreezeHMMNoEntropyAt {
		r.frozen = true
		r.Log.Info("froze prior and disabled entropy loss", zap.Int("step", i))
	}
	entropyWeight := cfg.Beta1
	if r.frozen {
		entropyWeight = 0
	}

	terms := []anydiff.Res{
		r.qLoss(p, out),
		model.EntropyLoss(out.LogStddev, p.Size),
		model.PriorLoss(next.Latent, r.vector(transition), p.Size),
		model.PriorLoss(out.Latent, r.vector(marginal), p.Size),
	}
	loss := model.Weighted(r.Creator, terms, []float64{cfg.Beta0, entropyWeight, cfg.Beta2,
		cfg.Beta3})
	r.Opt.Step(r.Model.Gradient(loss))

	losses := bisim.Losses{
		"q":                model.Scalar(terms[0]),
		"entropy":          -model.Scalar(terms[1]),
		"transition_prior": model.Scalar(terms[2]),
		"marginal_prior":   model.Scalar(terms[3]),
		"total":            model.Scalar(loss),
	}
	if !r.frozen {
		parts := hmm.PartTransitions
		if cfg.TrainPrior {
			parts |= hmm.PartMarginal
		}
		r.Prior.Update(samples, r.priorRate(), parts)
	}
	if cfg.ClusterPredictQs {
		losses["cluster_q"] = r.Prior.FitQValues(samples, cfg.ClusterPredictQsWeight)
	}
	return losses, nil
}

// priorRate is the online EM rate during joint training.
func (r *QHMMPriorRunner) priorRate() float64 {
	if r.Config.FixPriorTraining {
		return r.Config.ModelLearningRate
	}
	return r.Config.ModelLearningRate * r.Config.Beta2
}

func (r *QHMMPriorRunner) postTrainPrior() {
	parts := hmm.PartMarginal
	if r.Config.PostTrainTAndPrior {
		parts = hmm.PartAll
	}
	samples := r.samples(r.Train.Transitions)
	before, beforeT := r.Prior.MeanLogLikelihood(samples)
	r.Prior.Fit(samples, PostTrainPriorIters, parts)
	after, afterT := r.Prior.MeanLogLikelihood(samples)
	r.Log.Info("post-trained prior",
		zap.Bool("transitions", parts&hmm.PartTransitions != 0),
		zap.Float64("marginal_ll_before", before),
		zap.Float64("marginal_ll_after", after),
		zap.Float64("transition_ll_before", beforeT),
		zap.Float64("transition_ll_after", afterT))
}

// PostHMMTrainingLoop trains the whole prior on batches of
// encoded transitions with the encoder frozen.
func (r *QHMMPriorRunner) PostHMMTrainingLoop(ctx context.Context, steps int) error {
	for i := 0; i < steps; i++ {
		if ctx.Err() != nil {
			r.Log.Warn("HMM training interrupted", zap.Int("step", i))
			return nil
		}
		samples := r.samples(r.Train.Batch(r.Rand, BatchSize))
		r.Prior.Update(samples, r.Config.ModelLearningRate, hmm.PartAll)
		marginal, transition := r.Prior.MeanLogLikelihood(samples)
		losses := bisim.Losses{
			"hmm_marginal_ll":   marginal,
			"hmm_transition_ll": transition,
		}
		if r.Config.ClusterPredictQs {
			losses["cluster_q"] = r.Prior.FitQValues(samples, r.Config.ClusterPredictQsWeight)
		}
		r.Logger.LogTraining(r.Config.NumSteps+i, losses)
	}
	return nil
}

// SaveModel saves the model, its preprocessor, and the
// prior. The prior is pruned first when pruning is
// enabled, so the saved abstraction is the evaluated one.
func (r *QHMMPriorRunner) SaveModel() error {
	r.pruneAbstraction()
	if err := r.saveModel(); err != nil {
		return err
	}
	if path := r.Saver.SaveFile(PriorFile); path != "" {
		return r.Prior.Save(path)
	}
	return nil
}

// EvaluateAndVisualize optionally prunes the abstraction,
// then evaluates the network and abstract policies in
// the game.
func (r *QHMMPriorRunner) EvaluateAndVisualize(ctx context.Context) (err error) {
	defer essentials.AddCtxTo("evaluate", &err)
	cfg := r.Config

	latents := r.pruneAbstraction()
	usage := r.Prior.Usage(latents)
	var active int
	for _, u := range usage {
		if u > 0 {
			active++
		}
	}
	if cfg.ShowGraphs {
		r.Log.Info("abstract state usage")
		for _, line := range visualize.Histogram(usage, 20, 40) {
			r.Log.Info(line)
		}
	}

	valid := r.validationLosses()
	valid["active_components"] = float64(active)
	r.Logger.LogValidation(cfg.NumSteps, valid)
	r.addMetrics(valid)

	if !cfg.ClusterPredictQs {
		r.abstractQ = r.Prior.ValueIteration(cfg.Discount, ValueIterationSteps, 1e-6)
	}
	if err := r.writeLatents(r.Valid.Transitions); err != nil {
		return err
	}

	if cfg.EvalEpisodes > 0 {
		if err := r.evaluatePolicies(ctx); err != nil {
			return err
		}
	}
	return r.Saver.SaveYAML(EvaluationFile, r.metrics)
}

// pruneAbstraction drops rarely used components once,
// after all training. It returns the training latents.
func (r *QHMMPriorRunner) pruneAbstraction() [][]float64 {
	latents, _ := r.encode(r.Train.Transitions)
	if !r.Config.PruneAbstraction || r.pruned {
		return latents
	}
	r.pruned = true
	if r.Config.PruneAbstractionNewMeans {
		r.Prior.RecomputeMeans(latents)
	}
	before := r.Prior.NumComponents()
	r.Prior.Prune(r.Prior.Usage(latents), r.Config.PruneThreshold)
	r.Log.Info("pruned abstraction", zap.Int("before", before),
		zap.Int("after", r.Prior.NumComponents()))
	return latents
}

func (r *QHMMPriorRunner) evaluatePolicies(ctx context.Context) error {
	cfg := r.Config
	envs := make([]bisim.Env, min(EvalWorkers, cfg.EvalEpisodes))
	rngs := make([]*rand.Rand, len(envs))
	for i := range envs {
		env, err := minatar.New(r.Creator, cfg.Game, newRand(r.Rand))
		if err != nil {
			return err
		}
		envs[i] = env
		rngs[i] = newRand(r.Rand)
	}

	network := &bisim.Roller{
		MakePolicy: func(int) bisim.Policy { return r.networkPolicy },
		MaxSteps:   r.MaxSteps,
	}
	episodes, err := network.Rollout(ctx, envs, cfg.EvalEpisodes)
	if err != nil {
		return err
	}
	rewards := bisim.EpisodeRewards(episodes)
	r.Logger.LogEvaluation("network", rewards)
	r.addMetrics(rewardMetrics("network", episodes))

	record := cfg.SaveGifs && r.Saver.Enabled()
	abstract := &bisim.Roller{
		MakePolicy: func(w int) bisim.Policy { return r.abstractPolicy(rngs[w]) },
		MaxSteps:   r.MaxSteps,
		Record:     record,
	}
	episodes, err = abstract.Rollout(ctx, envs, cfg.EvalEpisodes)
	if err != nil {
		return err
	}
	rewards = bisim.EpisodeRewards(episodes)
	r.Logger.LogEvaluation("abstract", rewards)
	metrics := rewardMetrics("abstract", episodes)
	var discounted float64
	for _, x := range rewards.Discounted(cfg.Discount) {
		discounted += x
	}
	metrics["abstract_discounted_return"] = discounted / float64(len(rewards))
	r.addMetrics(metrics)

	if record {
		shape := renderShape(envs[0], r.Prep.Input)
		for i, ep := range episodes[:min(GifEpisodes, len(episodes))] {
			var frames [][]float64
			for _, obs := range ep.Observations {
				frames = append(frames, bisim.Float64s(obs))
			}
			name := "abstract_episode_" + strconv.Itoa(i) + ".gif"
			if err := visualize.SaveEpisode(r.Saver.SaveFile(name), frames, shape); err != nil {
				return err
			}
		}
	}
	return nil
}

// abstractPolicy acts on the action values of abstract
// states, either from value iteration or from the
// per-component q-values.
func (r *QHMMPriorRunner) abstractPolicy(rng *rand.Rand) bisim.Policy {
	var sampler bisim.Sampler = bisim.Greedy{}
	if r.Config.SoftmaxPolicy {
		sampler = bisim.Softmax{Temperature: r.Config.SoftmaxPolicyTemp, Rand: rng}
	}
	return func(obs anyvec.Vector) anyvec.Vector {
		resp := r.Prior.Responsibilities(r.embed(obs))
		if r.Config.SampleAbstractState {
			k := hmm.SampleComponent(resp, rng)
			resp = make([]float64, len(resp))
			resp[k] = 1
		}
		qs := r.abstractValues(resp)
		c := obs.Creator()
		return sampler.Sample(c.MakeVectorData(c.MakeNumericList(qs)), 1)
	}
}

func (r *QHMMPriorRunner) abstractValues(resp []float64) []float64 {
	if r.Config.ClusterPredictQs {
		return r.Prior.PredictQ(resp)
	}
	res := make([]float64, r.NumActions)
	for k, p := range resp {
		if p == 0 {
			continue
		}
		for a, q := range r.abstractQ[k] {
			res[a] += p * q
		}
	}
	return res
}

// CloseModelSession closes the summary files.
func (r *QHMMPriorRunner) CloseModelSession() error {
	return r.close()
}

func (r *QHMMPriorRunner) priorValidation() bisim.Losses {
	samples := r.samples(r.subset(r.Valid))
	marginal, transition := r.Prior.MeanLogLikelihood(samples)
	return bisim.Losses{
		"valid_marginal_ll":   marginal,
		"valid_transition_ll": transition,
	}
}

// samples encodes transitions into prior samples using
// the latent means.
func (r *QHMMPriorRunner) samples(ts []*dataset.Transition) []*hmm.Sample {
	latents, nextLatents := r.encode(ts)
	res := make([]*hmm.Sample, len(ts))
	for i, t := range ts {
		qs := make([]float64, len(t.QValues))
		for a, q := range t.QValues {
			qs[a] = q / r.Prep.QScale
		}
		res[i] = &hmm.Sample{
			Latent:     latents[i],
			NextLatent: nextLatents[i],
			Action:     t.Action,
			Reward:     t.Reward,
			Done:       t.Done,
			QValues:    qs,
		}
	}
	return res
}

func (r *QHMMPriorRunner) packedSamples(p *dataset.Packed, latents,
	nextLatents anyvec.Vector) []*hmm.Sample {
	zs := rows(bisim.Float64s(latents), r.Model.NumBlocks())
	nextZs := rows(bisim.Float64s(nextLatents), r.Model.NumBlocks())
	qs := rows(bisim.Float64s(p.QValues), r.NumActions)
	res := make([]*hmm.Sample, p.Size)
	for i := range res {
		res[i] = &hmm.Sample{
			Latent:     zs[i],
			NextLatent: nextZs[i],
			Action:     p.ActionIdxs[i],
			Reward:     p.Rewards[i],
			Done:       p.Dones[i],
			QValues:    qs[i],
		}
	}
	return res
}

// subset returns at most maxInitLatents transitions.
func (r *QHMMPriorRunner) subset(d *dataset.Dataset) []*dataset.Transition {
	if d.Len() <= maxInitLatents {
		return d.Transitions
	}
	return d.Transitions[:maxInitLatents]
}

func (r *QHMMPriorRunner) vector(data []float64) anyvec.Vector {
	return r.Creator.MakeVectorData(r.Creator.MakeNumericList(data))
}

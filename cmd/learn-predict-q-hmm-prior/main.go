// Command learn-predict-q-hmm-prior trains a Q-value
// predictor with an HMM prior over abstract states on
// MinAtar transitions, then evaluates the abstraction by
// planning in it.
package main

import (
	"math/rand"
	"path/filepath"
	"strconv"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/internal/cli"
	"github.com/bisimlab/bisim/runners"
	"github.com/bisimlab/bisim/saver"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/unixpickle/essentials"
)

const defaultBaseDir = "results"

const dirPattern = "{prefix}_{game}_{num_blocks}_blocks_{num_components}_components_" +
	"{beta0}_beta0_{beta1}_beta1_{beta2}_beta2_{beta3}_beta3_{elr}_elr_{opt}_opt_{steps}_steps"

var dirSwitches = []string{
	"no_sample", "only_one_q_value", "disable_batch_norm", "train_prior",
	"post_train_prior", "post_train_t_and_prior", "post_train_hmm",
}

type options struct {
	runners.QHMMPriorConfig

	PostTrainHMMSteps int
	FreezeAt          int
	Save              bool
	SaveModel         bool
	BaseDir           string
	GPUs              string
	Verbose           bool
}

func main() {
	if err := newCommand().Execute(); err != nil {
		essentials.Die(err)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "learn-predict-q-hmm-prior load_path game",
		Short: "Learn a Q-value predictor with an HMM prior on MinAtar transitions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.resolve(cmd.Flags(), args); err != nil {
				return err
			}
			return run(cmd.Flags(), opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addFlags(cmd.Flags(), opts)
	cmd.AddCommand(cli.RunsCommand(defaultBaseDir))
	return cmd
}

func addFlags(fs *pflag.FlagSet, opts *options) {
	c := &opts.QHMMPriorConfig
	fs.IntVar(&c.NumBlocks, "num-blocks", 32, "number of latent blocks")
	fs.IntVar(&c.NumComponents, "num-components", 500, "number of abstract states")
	fs.Float64Var(&c.ValidationFraction, "validation-fraction", 0.2,
		"fraction of the dataset used for validation")
	fs.IntVar(&c.ValidationFreq, "validation-freq", 1000, "steps between validations")
	fs.BoolVar(&c.Oversample, "oversample", false, "oversample rewarded transitions")
	fs.BoolVar(&c.DisableSoftplus, "disable-softplus", false,
		"use the raw log standard deviation")
	fs.Float64Var(&c.Beta0, "beta0", 1.0, "weight of the q-value loss")
	fs.Float64Var(&c.Beta1, "beta1", 0.0001, "weight of the entropy loss")
	fs.Float64Var(&c.Beta2, "beta2", 0.0001, "weight of the transition prior loss")
	fs.Float64Var(&c.Beta3, "beta3", 0.0, "weight of the marginal prior loss")
	fs.BoolVar(&c.NoSample, "no-sample", false, "use latent means instead of samples")
	fs.BoolVar(&c.OnlyOneQValue, "only-one-q-value", false,
		"only train the q-value of the action taken")
	fs.BoolVar(&c.TrainPrior, "train-prior", false, "also train the marginal prior")
	fs.BoolVar(&c.PostTrainPrior, "post-train-prior", false,
		"fit the marginal prior after training")
	fs.BoolVar(&c.PostTrainTAndPrior, "post-train-t-and-prior", false,
		"fit the transitions and the marginal prior after training")
	fs.BoolVar(&c.PostTrainHMM, "post-train-hmm", false,
		"train the prior with a frozen encoder after training")
	fs.IntVar(&opts.PostTrainHMMSteps, "post-train-hmm-steps", 1000,
		"number of post-training steps")
	fs.BoolVar(&c.ZeroSDAfterTraining, "zero-sd-after-training", false,
		"zero the encoder standard deviation after training")
	fs.BoolVar(&c.HardAbstractState, "hard-abstract-state", false,
		"assign each state to its most likely component")
	fs.IntVar(&opts.FreezeAt, "freeze-hmm-no-entropy-at", 0,
		"step at which the prior is frozen and the entropy loss is dropped (unset by default)")
	fs.BoolVar(&c.ClusterPredictQs, "cluster-predict-qs", false,
		"predict q-values from abstract states")
	fs.Float64Var(&c.ClusterPredictQsWeight, "cluster-predict-qs-weight", 0.1,
		"weight of the cluster q-value loss")
	fs.BoolVar(&c.PruneAbstraction, "prune-abstraction", false,
		"remove rarely used abstract states before evaluation")
	fs.Float64Var(&c.PruneThreshold, "prune-threshold", 0.01,
		"minimum usage of an abstract state")
	fs.BoolVar(&c.PruneAbstractionNewMeans, "prune-abstraction-new-means", false,
		"recompute component means before pruning")
	fs.BoolVar(&c.SampleAbstractState, "sample-abstract-state", false,
		"sample abstract states during evaluation")
	fs.BoolVar(&c.SoftmaxPolicy, "softmax-policy", false, "sample actions from a softmax")
	fs.Float64Var(&c.SoftmaxPolicyTemp, "softmax-policy-temp", 1.0,
		"temperature of the softmax policy")
	fs.Float64Var(&c.Discount, "discount", 0.9, "discount factor")
	fs.Float64Var(&c.QScalingFactor, "q-scaling-factor", 10.0, "q-value scale")
	fs.IntVar(&c.EvalEpisodes, "eval-episodes", 100, "number of evaluation episodes")
	fs.Float64Var(&c.EncoderLearningRate, "encoder-learning-rate", 0.001,
		"encoder learning rate")
	fs.Float64Var(&c.ModelLearningRate, "model-learning-rate", 0,
		"prior learning rate (defaults to the encoder learning rate)")
	fs.BoolVar(&c.FixPriorTraining, "fix-prior-training", false,
		"train the prior at the model learning rate")
	fs.Float64Var(&c.WeightDecay, "weight-decay", 0.0001, "weight decay")
	fs.StringVar(&c.EncoderOptimizer, "encoder-optimizer", bisim.OptAdam,
		"optimizer (adam, momentum or sgd)")
	fs.IntVar(&c.NumSteps, "num-steps", 50000, "number of training steps")
	fs.BoolVar(&c.DisableBatchNorm, "disable-batch-norm", false,
		"do not standardize the observations")
	fs.BoolVar(&c.ShowGraphs, "show-graphs", false, "log abstract state usage")
	fs.BoolVar(&c.SaveGifs, "save-gifs", false, "save evaluation episodes as GIFs")
	fs.BoolVar(&c.Summaries, "summaries", false, "write loss summaries")
	fs.StringVar(&c.LoadModelPath, "load-model-path", "", "initialize from a saved model")

	fs.BoolVar(&opts.Save, "save", false, "save results")
	fs.BoolVar(&opts.SaveModel, "save-model", false, "save the trained model")
	fs.StringVar(&opts.BaseDir, "base-dir", defaultBaseDir, "directory for results")
	fs.StringVar(&opts.GPUs, "gpus", "", "value for CUDA_VISIBLE_DEVICES")
	fs.BoolVar(&opts.Verbose, "verbose", false, "enable debug logging")
}

func (o *options) resolve(fs *pflag.FlagSet, args []string) error {
	o.LoadPath = args[0]
	o.Game = args[1]
	if !fs.Changed("model-learning-rate") {
		o.ModelLearningRate = o.EncoderLearningRate
	}
	o.FreezeHMMNoEntropyAt = nil
	if fs.Changed("freeze-hmm-no-entropy-at") {
		step := o.FreezeAt
		o.FreezeHMMNoEntropyAt = &step
	}
	return o.Validate()
}

func dirName(fs *pflag.FlagSet, opts *options) (string, error) {
	c := &opts.QHMMPriorConfig
	vars := map[string]string{
		"prefix":         filepath.Join(opts.BaseDir, "minatar", "q_hmm_predictor_bisim_v1"),
		"game":           c.Game,
		"num_blocks":     strconv.Itoa(c.NumBlocks),
		"num_components": strconv.Itoa(c.NumComponents),
		"beta0":          saver.FormatFloat(c.Beta0),
		"beta1":          saver.FormatFloat(c.Beta1),
		"beta2":          saver.FormatFloat(c.Beta2),
		"beta3":          saver.FormatFloat(c.Beta3),
		"elr":            saver.FormatFloat(c.EncoderLearningRate),
		"opt":            c.EncoderOptimizer,
		"steps":          strconv.Itoa(c.NumSteps),
	}
	return saver.CreateDirName(dirPattern, vars, dirSwitches, fs)
}

func run(fs *pflag.FlagSet, opts *options) error {
	dir, err := dirName(fs, opts)
	if err != nil {
		return err
	}
	session, err := cli.Start(cli.Options{
		Command:  "learn-predict-q-hmm-prior",
		DirName:  dir,
		Save:     opts.Save,
		BaseDir:  opts.BaseDir,
		GPUs:     opts.GPUs,
		Verbose:  opts.Verbose,
		Settings: &opts.QHMMPriorConfig,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	runner, err := runners.NewQHMMPriorRunner(&opts.QHMMPriorConfig, runners.Common{
		Log:    session.Log,
		Logger: session.Logger,
		Saver:  session.Saver,
		Rand:   rand.New(rand.NewSource(cli.Seed)),
	})
	if err != nil {
		return err
	}
	return session.Drive(runner, bisim.DriveOptions{
		PostTrainHMM:      opts.PostTrainHMM,
		PostTrainHMMSteps: opts.PostTrainHMMSteps,
		SaveModel:         opts.SaveModel,
	})
}

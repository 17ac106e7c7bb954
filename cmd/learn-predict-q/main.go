// Command learn-predict-q trains a Q-value predictor on
// puck stacking transitions.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/internal/cli"
	"github.com/bisimlab/bisim/runners"
	"github.com/bisimlab/bisim/saver"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/unixpickle/essentials"
)

const (
	baseDir    = "results"
	dirPrefix  = baseDir + "/q_predictor_bisim_v1"
	dirPattern = "{prefix}_{num_pucks}_{grid}x{grid}_{num_blocks}_blocks_{elr}_elr_" +
		"{opt}_opt_{steps}_steps"
)

var dirSwitches = []string{"no_sample", "only_one_q_value", "gt_q_values", "disable_batch_norm"}

type options struct {
	runners.QConfig

	Save      bool
	SaveModel bool
	GPUs      string
	Verbose   bool
}

func main() {
	cmd := newCommand()
	cmd.SetArgs(foldHiddens(os.Args[1:]))
	if err := cmd.Execute(); err != nil {
		essentials.Die(err)
	}
}

// foldHiddens rewrites "--hiddens 256 128" into
// "--hiddens=256,128", so that the layer sizes may be
// listed with spaces.
func foldHiddens(args []string) []string {
	var res []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--" {
			return append(res, args[i:]...)
		}
		if args[i] != "--hiddens" {
			res = append(res, args[i])
			continue
		}
		var sizes []string
		for i+1 < len(args) && isInt(args[i+1]) {
			sizes = append(sizes, args[i+1])
			i++
		}
		if len(sizes) == 0 {
			res = append(res, args[i])
		} else {
			res = append(res, "--hiddens="+strings.Join(sizes, ","))
		}
	}
	return res
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "learn-predict-q load_path grid_size num_pucks",
		Short: "Learn to predict Q-values of puck stacking transitions",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			args, err := opts.trailingHiddens(cmd.Flags(), args)
			if err != nil {
				return err
			}
			if err := opts.parseArgs(args); err != nil {
				return err
			}
			return run(cmd.Flags(), opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addFlags(cmd.Flags(), opts)
	cmd.AddCommand(cli.RunsCommand(baseDir))
	return cmd
}

func addFlags(fs *pflag.FlagSet, opts *options) {
	c := &opts.QConfig
	fs.IntVar(&c.NumBlocks, "num-blocks", 32, "number of latent blocks")
	fs.Float64Var(&c.ValidationFraction, "validation-fraction", 0.2,
		"fraction of the dataset used for validation")
	fs.IntVar(&c.ValidationFreq, "validation-freq", 1000, "steps between validations")
	fs.BoolVar(&c.Oversample, "oversample", false, "oversample rewarded transitions")
	fs.BoolVar(&c.DisableResize, "disable-resize", false,
		fmt.Sprintf("do not resize observations to %dx%d", runners.ResizeTo, runners.ResizeTo))
	fs.BoolVar(&c.DisableSoftplus, "disable-softplus", false,
		"use the raw log standard deviation")
	fs.BoolVar(&c.NoSample, "no-sample", false, "use latent means instead of samples")
	fs.BoolVar(&c.OnlyOneQValue, "only-one-q-value", false,
		"only train the q-value of the action taken")
	fs.BoolVar(&c.GTQValues, "gt-q-values", false, "use ground-truth q-values")
	fs.BoolVar(&c.IncludeGoalStates, "include-goal-states", false,
		"keep transitions out of goal states")
	fs.Float64Var(&c.QValuesNoiseSD, "q-values-noise-sd", 0,
		"standard deviation of noise added to the q-value targets")
	fs.BoolVar(&c.NewDones, "new-dones", false, "recompute done flags from the rewards")
	fs.Float64Var(&c.EncoderLearningRate, "encoder-learning-rate", 0.01, "learning rate")
	fs.Float64Var(&c.WeightDecay, "weight-decay", 0.0001, "weight decay")
	fs.StringVar(&c.EncoderOptimizer, "encoder-optimizer", bisim.OptMomentum,
		"optimizer (adam, momentum or sgd)")
	fs.IntVar(&c.NumSteps, "num-steps", 20000, "number of training steps")
	fs.BoolVar(&c.DisableBatchNorm, "disable-batch-norm", false,
		"do not standardize the observations")
	fs.IntSliceVar(&c.Hiddens, "hiddens", []int{512},
		"hidden layer sizes, separated by spaces or commas")
	fs.BoolVar(&c.ShowGraphs, "show-graphs", false, "log action error histograms")
	fs.BoolVar(&c.Summaries, "summaries", false, "write loss summaries")
	fs.StringVar(&c.LoadModelPath, "load-model-path", "", "initialize from a saved model")

	fs.BoolVar(&opts.Save, "save", false, "save results")
	fs.BoolVar(&opts.SaveModel, "save-model", false, "save the trained model")
	fs.StringVar(&opts.GPUs, "gpus", "", "value for CUDA_VISIBLE_DEVICES")
	fs.BoolVar(&opts.Verbose, "verbose", false, "enable debug logging")
}

// trailingHiddens moves integer arguments that follow the
// positional arguments into the hidden layer sizes, as in
// "data 4 2 --hiddens 256 128".
func (o *options) trailingHiddens(fs *pflag.FlagSet, args []string) ([]string, error) {
	if len(args) == 3 {
		return args, nil
	}
	if !fs.Changed("hiddens") {
		return nil, fmt.Errorf("accepts 3 arg(s), received %d", len(args))
	}
	for _, arg := range args[3:] {
		size, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid hidden layer size %q", arg)
		}
		o.Hiddens = append(o.Hiddens, size)
	}
	return args[:3], nil
}

func (o *options) parseArgs(args []string) error {
	gridSize, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid grid_size %q", args[1])
	}
	numPucks, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid num_pucks %q", args[2])
	}
	o.LoadPath = args[0]
	o.GridSize = gridSize
	o.NumPucks = numPucks
	return o.Validate()
}

func dirName(fs *pflag.FlagSet, c *runners.QConfig) (string, error) {
	vars := map[string]string{
		"prefix":     dirPrefix,
		"num_pucks":  strconv.Itoa(c.NumPucks),
		"grid":       strconv.Itoa(c.GridSize),
		"num_blocks": strconv.Itoa(c.NumBlocks),
		"elr":        saver.FormatFloat(c.EncoderLearningRate),
		"opt":        c.EncoderOptimizer,
		"steps":      strconv.Itoa(c.NumSteps),
	}
	return saver.CreateDirName(dirPattern, vars, dirSwitches, fs)
}

func run(fs *pflag.FlagSet, opts *options) error {
	dir, err := dirName(fs, &opts.QConfig)
	if err != nil {
		return err
	}
	session, err := cli.Start(cli.Options{
		Command:  "learn-predict-q",
		DirName:  dir,
		Save:     opts.Save,
		BaseDir:  baseDir,
		GPUs:     opts.GPUs,
		Verbose:  opts.Verbose,
		Settings: &opts.QConfig,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	runner, err := runners.NewQRunner(&opts.QConfig, runners.Common{
		Log:    session.Log,
		Logger: session.Logger,
		Saver:  session.Saver,
		Rand:   rand.New(rand.NewSource(cli.Seed)),
	})
	if err != nil {
		return err
	}
	return session.Drive(runner, bisim.DriveOptions{SaveModel: opts.SaveModel})
}

package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirName(t *testing.T) {
	cmd := newCommand()
	fs := cmd.Flags()
	require.NoError(t, fs.Parse([]string{"--no-sample", "--gt-q-values",
		"--encoder-learning-rate", "0.001"}))

	opts := &options{}
	opts.NumPucks = 2
	opts.GridSize = 3
	opts.NumBlocks, _ = fs.GetInt("num-blocks")
	opts.EncoderLearningRate, _ = fs.GetFloat64("encoder-learning-rate")
	opts.EncoderOptimizer, _ = fs.GetString("encoder-optimizer")
	opts.NumSteps, _ = fs.GetInt("num-steps")

	name, err := dirName(fs, &opts.QConfig)
	require.NoError(t, err)
	assert.Equal(t, "results/q_predictor_bisim_v1_2_3x3_32_blocks_0.001_elr_momentum_opt_"+
		"20000_steps_no_sample_gt_q_values", name)

	opts.EncoderLearningRate = 0.1234567
	name, err = dirName(fs, &opts.QConfig)
	require.NoError(t, err)
	assert.Equal(t, "results/q_predictor_bisim_v1_2_3x3_32_blocks_0.123457_elr_momentum_opt_"+
		"20000_steps_no_sample_gt_q_values", name)
}

func TestParseArgs(t *testing.T) {
	opts := &options{}
	addFlags(pflag.NewFlagSet("test", pflag.ContinueOnError), opts)

	// Defaults are filled in by the flag set.
	require.NoError(t, opts.parseArgs([]string{"data.npz", "4", "3"}))
	assert.Equal(t, "data.npz", opts.LoadPath)
	assert.Equal(t, 4, opts.GridSize)
	assert.Equal(t, 3, opts.NumPucks)
	assert.Equal(t, []int{512}, opts.Hiddens)

	assert.Error(t, opts.parseArgs([]string{"data.npz", "four", "3"}))
	assert.Error(t, opts.parseArgs([]string{"data.npz", "2", "5"}))
}

func TestCommandArgs(t *testing.T) {
	cmd := newCommand()
	cmd.SetArgs([]string{"data.npz", "4"})
	assert.Error(t, cmd.Execute())

	cmd = newCommand()
	cmd.SetArgs([]string{"data.npz", "4", "3", "--encoder-optimizer", "rmsprop"})
	assert.Error(t, cmd.Execute())

	cmd = newCommand()
	cmd.SetArgs([]string{"data.npz", "4", "3", "7"})
	assert.Error(t, cmd.Execute())

	cmd = newCommand()
	cmd.SetArgs([]string{"runs", "--base-dir", t.TempDir()})
	assert.NoError(t, cmd.Execute())
}

func TestFoldHiddens(t *testing.T) {
	for _, c := range []struct {
		args     []string
		expected []string
	}{
		{
			[]string{"data", "3", "2", "--hiddens", "256", "128"},
			[]string{"data", "3", "2", "--hiddens=256,128"},
		},
		{
			[]string{"--hiddens", "256", "128", "data", "3", "2"},
			[]string{"--hiddens=256,128", "data", "3", "2"},
		},
		{
			[]string{"data", "--hiddens", "64", "--no-sample", "3", "2"},
			[]string{"data", "--hiddens=64", "--no-sample", "3", "2"},
		},
		{
			[]string{"data", "3", "2", "--hiddens=256,128"},
			[]string{"data", "3", "2", "--hiddens=256,128"},
		},
		{
			[]string{"data", "3", "2", "--", "--hiddens", "1"},
			[]string{"data", "3", "2", "--", "--hiddens", "1"},
		},
	} {
		assert.Equal(t, c.expected, foldHiddens(c.args))
	}
}

func TestHiddensGrammar(t *testing.T) {
	for _, args := range [][]string{
		{"data", "3", "2", "--hiddens", "256", "128"},
		{"data", "3", "2", "--hiddens", "256,128"},
	} {
		opts := &options{}
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		addFlags(fs, opts)
		require.NoError(t, fs.Parse(args))
		rest, err := opts.trailingHiddens(fs, fs.Args())
		require.NoError(t, err)
		assert.Equal(t, []string{"data", "3", "2"}, rest)
		assert.Equal(t, []int{256, 128}, opts.Hiddens)
	}

	opts := &options{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addFlags(fs, opts)
	require.NoError(t, fs.Parse([]string{"data", "3", "2", "--hiddens", "256", "wide"}))
	_, err := opts.trailingHiddens(fs, fs.Args())
	assert.Error(t, err)
}

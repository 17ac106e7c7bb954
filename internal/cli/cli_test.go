package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/internal/runindex"
	"github.com/bisimlab/bisim/saver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	trainErr error
	closed   bool
}

func (f *fakeRunner) Setup() error {
	return nil
}

func (f *fakeRunner) MainTrainingLoop(ctx context.Context) error {
	return f.trainErr
}

func (f *fakeRunner) SaveModel() error {
	return nil
}

func (f *fakeRunner) EvaluateAndVisualize(ctx context.Context) error {
	return nil
}

func (f *fakeRunner) CloseModelSession() error {
	f.closed = true
	return nil
}

func (f *fakeRunner) Metrics() bisim.Losses {
	return bisim.Losses{"reward": 3}
}

func TestSessionSave(t *testing.T) {
	base := t.TempDir()
	s, err := Start(Options{
		Command:  "learn-predict-q",
		DirName:  filepath.Join(base, "q_predictor_3_3x3"),
		Save:     true,
		BaseDir:  base,
		GPUs:     "0,1",
		Settings: map[string]int{"num_blocks": 32},
	})
	require.NoError(t, err)
	assert.Equal(t, "0,1", os.Getenv("CUDA_VISIBLE_DEVICES"))
	assert.Equal(t, filepath.Join(base, "q_predictor_3_3x3", "run_1"), s.Saver.Dir)
	assert.FileExists(t, s.Saver.SaveFile(saver.SettingsFile))

	r := &fakeRunner{}
	require.NoError(t, s.Drive(r, bisim.DriveOptions{}))
	assert.True(t, r.closed)
	s.Close()
	assert.FileExists(t, s.Saver.SaveFile(LogFile))

	idx, err := runindex.Open(filepath.Join(base, IndexFile))
	require.NoError(t, err)
	defer idx.Close()
	run, err := idx.Get(context.Background(), s.Saver.RunID)
	require.NoError(t, err)
	assert.Equal(t, runindex.StatusFinished, run.Status)
	assert.Equal(t, map[string]float64{"reward": 3}, run.Metrics)
	assert.Contains(t, run.Settings, "num_blocks: 32")

	var buf bytes.Buffer
	require.NoError(t, ListRuns(&buf, base))
	assert.Contains(t, buf.String(), s.Saver.RunID)
	assert.Contains(t, buf.String(), runindex.StatusFinished)
	assert.Contains(t, buf.String(), "learn-predict-q")
}

func TestRunsCommand(t *testing.T) {
	base := t.TempDir()
	var buf bytes.Buffer
	cmd := RunsCommand(base)
	cmd.SetOut(&buf)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "no runs")

	cmd = RunsCommand(base)
	cmd.SetArgs([]string{"extra"})
	assert.Error(t, cmd.Execute())
}

func TestSessionNoSave(t *testing.T) {
	base := t.TempDir()
	s, err := Start(Options{
		Command:  "learn-predict-q",
		DirName:  filepath.Join(base, "unused"),
		BaseDir:  base,
		Settings: struct{}{},
	})
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Saver.Enabled())
	assert.NoDirExists(t, filepath.Join(base, "unused"))
	assert.NoFileExists(t, filepath.Join(base, IndexFile))

	err = s.Drive(&fakeRunner{trainErr: errors.New("boom")}, bisim.DriveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

package bisim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	Calls   []string
	FailOn  string
	evalCtx context.Context
}

func (r *recordingRunner) record(name string) error {
	r.Calls = append(r.Calls, name)
	if r.FailOn == name {
		return errors.New(name + " failed")
	}
	return nil
}

func (r *recordingRunner) Setup() error {
	return r.record("setup")
}

func (r *recordingRunner) MainTrainingLoop(ctx context.Context) error {
	return r.record("train")
}

func (r *recordingRunner) SaveModel() error {
	return r.record("save")
}

func (r *recordingRunner) EvaluateAndVisualize(ctx context.Context) error {
	r.evalCtx = ctx
	return r.record("evaluate")
}

func (r *recordingRunner) CloseModelSession() error {
	return r.record("close")
}

type recordingHMMRunner struct {
	recordingRunner
	steps int
}

func (r *recordingHMMRunner) PostHMMTrainingLoop(ctx context.Context, steps int) error {
	r.steps = steps
	return r.record("post_hmm")
}

func TestDriveOrder(t *testing.T) {
	r := &recordingHMMRunner{}
	err := Drive(context.Background(), r, DriveOptions{
		PostTrainHMM:      true,
		PostTrainHMMSteps: 7,
		SaveModel:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"setup", "train", "post_hmm", "save", "evaluate", "close"}, r.Calls)
	assert.Equal(t, 7, r.steps)

	plain := &recordingRunner{}
	require.NoError(t, Drive(context.Background(), plain, DriveOptions{}))
	assert.Equal(t, []string{"setup", "train", "evaluate", "close"}, plain.Calls)
}

func TestDriveFailures(t *testing.T) {
	r := &recordingRunner{FailOn: "train"}
	err := Drive(context.Background(), r, DriveOptions{SaveModel: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train failed")
	assert.Equal(t, []string{"setup", "train", "close"}, r.Calls)

	r = &recordingRunner{FailOn: "setup"}
	require.Error(t, Drive(context.Background(), r, DriveOptions{}))
	assert.Equal(t, []string{"setup"}, r.Calls)

	r = &recordingRunner{FailOn: "close"}
	err = Drive(context.Background(), r, DriveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")

	r = &recordingRunner{}
	err = Drive(context.Background(), r, DriveOptions{PostTrainHMM: true})
	require.Error(t, err)
	assert.Empty(t, r.Calls)
}

func TestDriveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &recordingRunner{}
	require.NoError(t, Drive(ctx, r, DriveOptions{}))
	require.NotNil(t, r.evalCtx)
	assert.NoError(t, r.evalCtx.Err())
}

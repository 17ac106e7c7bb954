package bisim

import (
	"context"
	"fmt"

	"github.com/unixpickle/essentials"
)

// A Runner owns a model and everything needed to train
// and evaluate it.
//
// Runners are driven through a fixed life-cycle by Drive.
type Runner interface {
	// Setup loads data, builds or loads the model, and
	// prepares the optimizer.
	Setup() error

	// MainTrainingLoop trains the model.
	// If ctx is cancelled, training stops early without
	// an error.
	MainTrainingLoop(ctx context.Context) error

	// SaveModel persists the model weights.
	SaveModel() error

	// EvaluateAndVisualize computes final metrics and
	// writes evaluation artifacts.
	EvaluateAndVisualize(ctx context.Context) error

	// CloseModelSession releases resources held by the
	// runner.
	CloseModelSession() error
}

// An HMMRunner is a Runner with a discrete abstract-state
// prior which can be trained on its own after the main
// training loop.
type HMMRunner interface {
	Runner

	// PostHMMTrainingLoop trains the prior for the given
	// number of steps while the encoder is frozen.
	PostHMMTrainingLoop(ctx context.Context, steps int) error
}

// DriveOptions controls the optional stages of Drive.
type DriveOptions struct {
	// PostTrainHMM enables the post-training stage.
	// The runner must then implement HMMRunner.
	PostTrainHMM      bool
	PostTrainHMMSteps int

	SaveModel bool
}

// Drive runs a Runner through its life-cycle:
// setup, training, optional post-training, optional
// saving, evaluation, and finally closing.
//
// Once setup succeeds, the session is closed even if a
// later stage fails.
func Drive(ctx context.Context, r Runner, opts DriveOptions) (err error) {
	defer essentials.AddCtxTo("drive runner", &err)

	var hmm HMMRunner
	if opts.PostTrainHMM {
		var ok bool
		hmm, ok = r.(HMMRunner)
		if !ok {
			return fmt.Errorf("runner %T does not support HMM post-training", r)
		}
	}

	if err := r.Setup(); err != nil {
		return essentials.AddCtx("setup", err)
	}
	defer func() {
		if closeErr := r.CloseModelSession(); closeErr != nil && err == nil {
			err = essentials.AddCtx("close model session", closeErr)
		}
	}()

	if err := r.MainTrainingLoop(ctx); err != nil {
		return essentials.AddCtx("main training loop", err)
	}
	if hmm != nil {
		if err := hmm.PostHMMTrainingLoop(ctx, opts.PostTrainHMMSteps); err != nil {
			return essentials.AddCtx("post HMM training loop", err)
		}
	}
	if opts.SaveModel {
		if err := r.SaveModel(); err != nil {
			return essentials.AddCtx("save model", err)
		}
	}

	// Interrupted runs are still evaluated.
	if err := r.EvaluateAndVisualize(context.WithoutCancel(ctx)); err != nil {
		return essentials.AddCtx("evaluate and visualize", err)
	}
	return nil
}

package bisim

import (
	"math"
	"sort"

	"go.uber.org/zap"
)

// Losses maps loss names to their values.
type Losses map[string]float64

// Fields converts the losses into zap fields in a stable
// order.
func (l Losses) Fields() []zap.Field {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, len(keys))
	for i, k := range keys {
		fields[i] = zap.Float64(k, l[k])
	}
	return fields
}

// A Logger logs status messages which are produced during
// training and evaluation.
type Logger interface {
	LogTraining(step int, losses Losses)
	LogValidation(step int, losses Losses)
	LogEvaluation(policy string, rewards Rewards)
}

// ZapLogger is a Logger which writes to a zap.Logger.
type ZapLogger struct {
	Log *zap.Logger

	// TrainingFreq controls how often training losses
	// are logged.
	// If 0, every step is logged.
	TrainingFreq int
}

// LogTraining logs the losses of a training step.
func (z *ZapLogger) LogTraining(step int, losses Losses) {
	if z.TrainingFreq != 0 && step%z.TrainingFreq != 0 {
		return
	}
	z.Log.Info("training",
		append([]zap.Field{zap.Int("step", step)}, losses.Fields()...)...)
}

// LogValidation logs validation losses.
func (z *ZapLogger) LogValidation(step int, losses Losses) {
	z.Log.Info("validation",
		append([]zap.Field{zap.Int("step", step)}, losses.Fields()...)...)
}

// LogEvaluation logs the results of evaluation episodes.
func (z *ZapLogger) LogEvaluation(policy string, rewards Rewards) {
	z.Log.Info("evaluation",
		zap.String("policy", policy),
		zap.Int("episodes", len(rewards)),
		zap.Float64("mean", rewards.Mean()),
		zap.Float64("stddev", math.Sqrt(rewards.Variance())))
}

// NopLogger is a Logger that discards everything.
type NopLogger struct{}

func (NopLogger) LogTraining(step int, losses Losses)          {}
func (NopLogger) LogValidation(step int, losses Losses)        {}
func (NopLogger) LogEvaluation(policy string, rewards Rewards) {}

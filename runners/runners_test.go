package runners

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bisimlab/bisim"
	"github.com/bisimlab/bisim/dataset"
	"github.com/bisimlab/bisim/envs/minatar"
	"github.com/bisimlab/bisim/hmm"
	"github.com/bisimlab/bisim/saver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anyvec/anyvec64"
)

func writeDataset(t *testing.T, shape dataset.Shape, numActions, count int) string {
	rng := rand.New(rand.NewSource(1))
	path := filepath.Join(t.TempDir(), "data.json")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for i := 0; i < count; i++ {
		tr := &dataset.Transition{
			Obs:     randomObs(rng, shape.Size()),
			NextObs: randomObs(rng, shape.Size()),
			Action:  rng.Intn(numActions),
			Done:    i%7 == 6,
			IsGoal:  i%10 == 9,
		}
		if i%5 == 0 {
			tr.Reward = 1
		}
		for a := 0; a < numActions; a++ {
			tr.QValues = append(tr.QValues, rng.Float64()*10)
			tr.GTQValues = append(tr.GTQValues, float64(a))
		}
		require.NoError(t, enc.Encode(tr))
	}
	return path
}

func randomObs(rng *rand.Rand, size int) []float64 {
	res := make([]float64, size)
	for i := range res {
		if rng.Intn(3) == 0 {
			res[i] = 1
		}
	}
	return res
}

func testCommon(dir string) Common {
	return Common{
		Creator: anyvec64.DefaultCreator{},
		Saver:   saver.New(dir),
		Rand:    rand.New(rand.NewSource(2019)),
	}
}

func puckConfig(loadPath string) *QConfig {
	return &QConfig{
		LoadPath:            loadPath,
		GridSize:            2,
		NumPucks:            2,
		NumBlocks:           3,
		ValidationFraction:  0.2,
		ValidationFreq:      2,
		Oversample:          true,
		DisableResize:       true,
		GTQValues:           true,
		NewDones:            true,
		EncoderLearningRate: 0.01,
		WeightDecay:         0.0001,
		EncoderOptimizer:    bisim.OptMomentum,
		NumSteps:            4,
		Hiddens:             []int{8},
		ShowGraphs:          true,
		Summaries:           true,
	}
}

func TestQRunner(t *testing.T) {
	data := writeDataset(t, dataset.Shape{Width: 2, Height: 2, Depth: 2}, 4, 40)
	outDir := t.TempDir()
	r, err := NewQRunner(puckConfig(data), testCommon(outDir))
	require.NoError(t, err)

	require.NoError(t, bisim.Drive(context.Background(), r, bisim.DriveOptions{SaveModel: true}))

	for _, name := range []string{ModelFile, ModelFile + preprocessorFileExt, SummariesFile,
		ValidSummariesFile, LatentsFile, EvaluationFile} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
	metrics := r.Metrics()
	assert.Contains(t, metrics, "valid_q")
	assert.Contains(t, metrics, "network_reward_mean")
	assert.LessOrEqual(t, metrics["network_episode_length"], 20.0)

	for _, tr := range r.Train.Transitions {
		assert.False(t, tr.IsGoal)
	}

	cfg := puckConfig(data)
	cfg.LoadModelPath = filepath.Join(outDir, ModelFile)
	cfg.NumSteps = 1
	r2, err := NewQRunner(cfg, testCommon(""))
	require.NoError(t, err)
	require.NoError(t, bisim.Drive(context.Background(), r2, bisim.DriveOptions{}))
	assert.Equal(t, r.Prep.Stats, r2.Prep.Stats)
}

func TestQRunnerResize(t *testing.T) {
	data := writeDataset(t, dataset.Shape{Width: 2, Height: 2, Depth: 2}, 4, 20)
	cfg := puckConfig(data)
	cfg.DisableResize = false
	cfg.NumSteps = 1
	cfg.QValuesNoiseSD = 0.1
	r, err := NewQRunner(cfg, testCommon(""))
	require.NoError(t, err)
	require.NoError(t, r.Setup())
	assert.Equal(t, dataset.Shape{Width: ResizeTo, Height: ResizeTo, Depth: 2}, r.Prep.Output)
	assert.Len(t, r.Train.Transitions[0].Obs, ResizeTo*ResizeTo*2)
	require.NoError(t, r.CloseModelSession())
}

func TestQConfigValidate(t *testing.T) {
	cfg := puckConfig("x")
	assert.NoError(t, cfg.Validate())

	cfg.EncoderOptimizer = "rmsprop"
	assert.Error(t, cfg.Validate())

	cfg = puckConfig("x")
	cfg.NumPucks = 5
	assert.Error(t, cfg.Validate())

	cfg = puckConfig("x")
	cfg.ValidationFraction = 1
	assert.Error(t, cfg.Validate())

	cfg = puckConfig("x")
	cfg.Hiddens = nil
	assert.Error(t, cfg.Validate())
}

func minatarConfig(loadPath string) *QHMMPriorConfig {
	return &QHMMPriorConfig{
		LoadPath:                 loadPath,
		Game:                     "breakout",
		NumBlocks:                2,
		NumComponents:            4,
		ValidationFraction:       0.2,
		ValidationFreq:           2,
		Beta0:                    1,
		Beta1:                    0.0001,
		Beta2:                    0.0001,
		Beta3:                    0.01,
		TrainPrior:               true,
		PostTrainTAndPrior:       true,
		PostTrainHMM:             true,
		ZeroSDAfterTraining:      true,
		FreezeHMMNoEntropyAt:     freezeAt(2),
		ClusterPredictQsWeight:   0.1,
		PruneAbstraction:         true,
		PruneThreshold:           0.01,
		PruneAbstractionNewMeans: true,
		SoftmaxPolicy:            true,
		SoftmaxPolicyTemp:        1,
		SampleAbstractState:      true,
		Discount:                 0.9,
		QScalingFactor:           10,
		EvalEpisodes:             3,
		EncoderLearningRate:      0.001,
		ModelLearningRate:        0.01,
		WeightDecay:              0.0001,
		EncoderOptimizer:         bisim.OptAdam,
		NumSteps:                 4,
		ShowGraphs:               true,
		SaveGifs:                 true,
		Summaries:                true,
	}
}

func TestQHMMPriorRunner(t *testing.T) {
	data := writeDataset(t, dataset.Shape{Width: 10, Height: 10, Depth: 4}, 6, 30)
	outDir := t.TempDir()
	r, err := NewQHMMPriorRunner(minatarConfig(data), testCommon(outDir))
	require.NoError(t, err)
	r.MaxSteps = 15

	require.NoError(t, bisim.Drive(context.Background(), r, bisim.DriveOptions{
		PostTrainHMM:      true,
		PostTrainHMMSteps: 2,
		SaveModel:         true,
	}))
	assert.True(t, r.frozen)
	assert.True(t, r.Model.ZeroStddev)
	require.NoError(t, r.Prior.Validate())
	assert.LessOrEqual(t, r.Prior.NumComponents(), 4)
	assert.True(t, r.pruned)

	saved, err := hmm.Load(filepath.Join(outDir, PriorFile))
	require.NoError(t, err)
	assert.Equal(t, r.Prior.NumComponents(), saved.NumComponents())

	for _, name := range []string{ModelFile, PriorFile, SummariesFile, EvaluationFile,
		"abstract_episode_0.gif"} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
	metrics := r.Metrics()
	for _, key := range []string{"valid_q", "valid_marginal_ll", "active_components",
		"network_reward_mean", "abstract_reward_mean", "abstract_discounted_return"} {
		assert.Contains(t, metrics, key)
	}
	assert.LessOrEqual(t, metrics["abstract_episode_length"], 15.0)

	cfg := minatarConfig(data)
	cfg.LoadModelPath = filepath.Join(outDir, ModelFile)
	cfg.NumSteps = 1
	cfg.EvalEpisodes = 0
	cfg.PruneAbstraction = false
	cfg.ClusterPredictQs = true
	r2, err := NewQHMMPriorRunner(cfg, testCommon(""))
	require.NoError(t, err)
	require.NoError(t, bisim.Drive(context.Background(), r2, bisim.DriveOptions{}))
	assert.Equal(t, r.Prior.NumComponents(), r2.Prior.NumComponents())
	assert.Contains(t, r2.Metrics(), "valid_q")
}

func TestPruneAbstractionOnce(t *testing.T) {
	data := writeDataset(t, dataset.Shape{Width: 10, Height: 10, Depth: 4}, 6, 20)
	cfg := minatarConfig(data)
	cfg.NumComponents = 6
	cfg.PruneThreshold = 0.5
	r, err := NewQHMMPriorRunner(cfg, testCommon(""))
	require.NoError(t, err)
	require.NoError(t, r.Setup())
	defer r.CloseModelSession()

	r.pruneAbstraction()
	pruned := r.Prior.NumComponents()
	assert.Less(t, pruned, 6)

	require.NoError(t, r.SaveModel())
	r.pruneAbstraction()
	assert.Equal(t, pruned, r.Prior.NumComponents())
}

func TestFreezeStep(t *testing.T) {
	data := writeDataset(t, dataset.Shape{Width: 10, Height: 10, Depth: 4}, 6, 20)
	for _, c := range []struct {
		at     *int
		frozen bool
	}{
		{nil, false},
		{freezeAt(-1), true},
		{freezeAt(0), true},
		{freezeAt(5), false},
	} {
		cfg := minatarConfig(data)
		cfg.FreezeHMMNoEntropyAt = c.at
		r, err := NewQHMMPriorRunner(cfg, testCommon(""))
		require.NoError(t, err)
		require.NoError(t, r.Setup())
		_, err = r.step(0)
		require.NoError(t, err)
		assert.Equal(t, c.frozen, r.frozen)
		require.NoError(t, r.CloseModelSession())
	}
}

func TestClusterQStepSize(t *testing.T) {
	data := writeDataset(t, dataset.Shape{Width: 10, Height: 10, Depth: 4}, 6, 20)
	cfg := minatarConfig(data)
	cfg.ClusterPredictQs = true
	cfg.ClusterPredictQsWeight = 0
	r, err := NewQHMMPriorRunner(cfg, testCommon(""))
	require.NoError(t, err)
	require.NoError(t, r.Setup())
	defer r.CloseModelSession()

	before := make([][]float64, len(r.Prior.QValues))
	for k, row := range r.Prior.QValues {
		before[k] = append([]float64{}, row...)
	}
	losses, err := r.step(0)
	require.NoError(t, err)
	assert.Contains(t, losses, "cluster_q")
	assert.Equal(t, before, r.Prior.QValues, "zero weight leaves cluster q-values alone")

	r.Config.ClusterPredictQsWeight = 0.5
	_, err = r.step(1)
	require.NoError(t, err)
	assert.NotEqual(t, before, r.Prior.QValues)
}

func freezeAt(step int) *int {
	return &step
}

func TestQHMMPriorRunnerCancelled(t *testing.T) {
	data := writeDataset(t, dataset.Shape{Width: 10, Height: 10, Depth: 4}, 6, 20)
	cfg := minatarConfig(data)
	cfg.NumSteps = 1000
	cfg.EvalEpisodes = 1
	r, err := NewQHMMPriorRunner(cfg, testCommon(""))
	require.NoError(t, err)
	r.MaxSteps = 5

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, bisim.Drive(ctx, r, bisim.DriveOptions{}))
	assert.Contains(t, r.Metrics(), "abstract_reward_mean")
}

func TestRenderShape(t *testing.T) {
	fallback := dataset.Shape{Width: 1, Height: 2, Depth: 3}
	env, err := minatar.New(anyvec64.DefaultCreator{}, "breakout", rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	expected, err := minatar.GameShape("breakout")
	require.NoError(t, err)
	assert.Equal(t, expected, renderShape(env, fallback))

	var plain struct{ bisim.Env }
	assert.Equal(t, fallback, renderShape(plain, fallback))
}

func TestRewardMetrics(t *testing.T) {
	episodes := []*bisim.Episode{
		{Rewards: []float64{1, 1}},
		{Rewards: []float64{0, 0, 0, 0}, TimedOut: true},
		{Rewards: []float64{3}},
		{Rewards: []float64{0, 0, 0, 0}, TimedOut: true},
	}
	m := rewardMetrics("abstract", episodes)
	assert.InDelta(t, 1.25, m["abstract_reward_mean"], 1e-12)
	assert.InDelta(t, 2.75, m["abstract_episode_length"], 1e-12)
	assert.InDelta(t, 0.5, m["abstract_timeout_fraction"], 1e-12)
	assert.InDelta(t, 2.5, m["abstract_completed_reward_mean"], 1e-12)
}

func TestPriorRate(t *testing.T) {
	r := &QHMMPriorRunner{Config: &QHMMPriorConfig{ModelLearningRate: 0.1, Beta2: 0.5}}
	assert.InDelta(t, 0.05, r.priorRate(), 1e-12)
	r.Config.FixPriorTraining = true
	assert.InDelta(t, 0.1, r.priorRate(), 1e-12)
}

func TestQHMMPriorConfigValidate(t *testing.T) {
	cfg := minatarConfig("x")
	assert.NoError(t, cfg.Validate())

	cfg.Game = "space_invaders"
	assert.Error(t, cfg.Validate())

	cfg = minatarConfig("x")
	cfg.Beta2 = -1
	assert.Error(t, cfg.Validate())

	cfg = minatarConfig("x")
	cfg.Discount = 1
	assert.Error(t, cfg.Validate())

	cfg = minatarConfig("x")
	cfg.NumComponents = 0
	assert.Error(t, cfg.Validate())
}

func TestPreprocessor(t *testing.T) {
	p := &Preprocessor{
		Input:  dataset.Shape{Width: 1, Height: 1, Depth: 2},
		Output: dataset.Shape{Width: 2, Height: 2, Depth: 2},
		Stats: &dataset.Stats{
			Mean:   []float64{1, 1, 1, 1, 1, 1, 1, 1},
			Stddev: []float64{2, 2, 2, 2, 2, 2, 2, 2},
		},
		QScale: 10,
	}
	assert.Equal(t, []float64{0.5, -0.5, 0.5, -0.5, 0.5, -0.5, 0.5, -0.5},
		p.Apply([]float64{2, 0}))
	assert.Equal(t, []float64{10, -5}, p.Scale([]float64{1, -0.5}))

	path := filepath.Join(t.TempDir(), "prep.json")
	require.NoError(t, p.Save(path))
	loaded, err := LoadPreprocessor(path)
	require.NoError(t, err)
	assert.Equal(t, p, loaded)
}

package simclr

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/simclr/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticViews is a deterministic train.Dataset for the orchestrator tests:
// a fixed cycle of precomputed paired-view batches, so two runs see exactly
// the same data in the same order.
type syntheticViews struct {
	name   string
	views1 []*tensors.Tensor
	views2 []*tensors.Tensor
	labels []*tensors.Tensor
	pos    int
}

var _ train.Dataset = (*syntheticViews)(nil)

func (ds *syntheticViews) Name() string { return ds.name }
func (ds *syntheticViews) Reset()       { ds.pos = 0 }

func (ds *syntheticViews) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	i := ds.pos % len(ds.views1)
	ds.pos++
	return ds, []*tensors.Tensor{ds.views1[i], ds.views2[i]}, []*tensors.Tensor{ds.labels[i]}, nil
}

// newSyntheticViews builds numBatches paired-view batches of batchSize random
// size x size images. The same seed reproduces the same data.
func newSyntheticViews(seed int64, numBatches, batchSize, size int) *syntheticViews {
	rng := rand.New(rand.NewSource(seed))
	ds := &syntheticViews{name: "synthetic"}
	randomBatch := func() [][][][]float32 {
		batch := make([][][][]float32, batchSize)
		for b := range batch {
			batch[b] = make([][][]float32, size)
			for h := range batch[b] {
				batch[b][h] = make([][]float32, size)
				for w := range batch[b][h] {
					pixel := make([]float32, 3)
					for c := range pixel {
						pixel[c] = rng.Float32()
					}
					batch[b][h][w] = pixel
				}
			}
		}
		return batch
	}
	for i := 0; i < numBatches; i++ {
		ds.views1 = append(ds.views1, tensors.FromValue(randomBatch()))
		ds.views2 = append(ds.views2, tensors.FromValue(randomBatch()))
		labels := make([]int64, batchSize)
		for b := range labels {
			labels[b] = int64(b % 2)
		}
		ds.labels = append(ds.labels, tensors.FromValue(labels))
	}
	return ds
}

// resumeTestConfig is small enough for the pure-Go backend: 2 warmup + 2
// cooldown epochs of 2 steps over 8x8 images.
func resumeTestConfig() Config {
	return Config{
		Dataset:        10,
		CropSize:       8,
		Strength:       0.5,
		BatchSize:      4,
		Temperature:    0.5,
		ProjectionDim:  8,
		WeightDecay:    1e-6,
		MaxLR:          1.0,
		WarmupEpochs:   2,
		CooldownEpochs: 2,
		CosineSchedule: true,
		EncoderDepth:   18,
	}
}

func TestPretrainerEndToEndWithResume(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end pretraining test in -short mode")
	}
	cfg := resumeTestConfig()
	fingerprint := cfg.Fingerprint()
	storeDirA := t.TempDir()
	storeDirB := t.TempDir()
	storeA, err := checkpoint.New(storeDirA)
	require.NoError(t, err)

	sinkA := &MemorySink{}
	runA := NewPretrainer(testBackend(), cfg)
	runA.TrainDS = newSyntheticViews(1, 2, cfg.BatchSize, cfg.CropSize)
	runA.StepsPerEpoch = 2
	runA.Store = storeA
	runA.Sink = sinkA
	runA.OnEpochEnd = func(epoch int) error {
		if epoch != 1 {
			return nil
		}
		// Epoch 1 checkpoints; stash a copy before later epochs overwrite it.
		require.True(t, storeA.Exists(fingerprint))
		return os.CopyFS(filepath.Join(storeDirB, fingerprint), os.DirFS(storeA.Dir(fingerprint)))
	}
	require.NoError(t, runA.Run())

	// Learning rates recorded at the top of each epoch: warmup ramp for
	// epochs 1-2, then the cosine phase for 3-4.
	assert.InDelta(t, 0.5, mustGetAt(t, sinkA, 1, MetricLearningRate), 1e-6)
	assert.InDelta(t, 1.0, mustGetAt(t, sinkA, 2, MetricLearningRate), 1e-6)
	assert.InDelta(t, 1.0, mustGetAt(t, sinkA, 3, MetricLearningRate), 1e-6)
	assert.InDelta(t, 0.5, mustGetAt(t, sinkA, 4, MetricLearningRate), 1e-6)

	// One finite mean loss per epoch.
	losses := sinkA.Get(MetricTrainLoss)
	require.Len(t, losses, 4)
	for epoch, loss := range losses {
		assert.Falsef(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss of epoch %d is not finite", epoch+1)
	}

	assert.Equal(t, 5, runA.NextEpoch())
	assert.True(t, storeA.Exists(fingerprint))

	// Resume from the epoch-1 checkpoint copy and train epochs 2-4.
	storeB, err := checkpoint.New(storeDirB)
	require.NoError(t, err)
	sinkB := &MemorySink{}
	runB := NewPretrainer(testBackend(), cfg)
	runB.TrainDS = newSyntheticViews(1, 2, cfg.BatchSize, cfg.CropSize)
	runB.StepsPerEpoch = 2
	runB.Store = storeB
	runB.Sink = sinkB
	require.NoError(t, runB.Run())

	require.True(t, runB.Resumed())
	assert.Equal(t, cfg, runB.Config)

	// The resumed run must not have re-run epoch 1...
	_, found := sinkB.GetAt(1, MetricLearningRate)
	assert.False(t, found)
	// ...and must see the same schedule for epochs 2-4.
	for epoch := 2; epoch <= 4; epoch++ {
		assert.Equalf(t, mustGetAt(t, sinkA, epoch, MetricLearningRate),
			mustGetAt(t, sinkB, epoch, MetricLearningRate), "learning rate at epoch %d", epoch)
	}

	// Identical data + identical restored state = identical final weights.
	numCompared := 0
	runA.Context().EnumerateVariables(func(vA *context.Variable) {
		vB := runB.Context().GetVariableByScopeAndName(vA.Scope(), vA.Name())
		require.NotNilf(t, vB, "variable %q missing after resumed run", vA.ParameterName())
		assert.Equalf(t, vA.MustValue().Value(), vB.MustValue().Value(),
			"variable %q diverged after resumed run", vA.ParameterName())
		numCompared++
	})
	assert.Greater(t, numCompared, 10)
}

func TestPretrainerEvaluationEpochs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping pretraining test in -short mode")
	}
	cfg := resumeTestConfig()
	sink := &MemorySink{}
	evaluator := &countingEvaluator{}
	p := NewPretrainer(testBackend(), cfg)
	p.TrainDS = newSyntheticViews(2, 2, cfg.BatchSize, cfg.CropSize)
	p.StepsPerEpoch = 2
	p.Sink = sink
	p.Evaluator = evaluator
	require.NoError(t, p.Run())

	// 4-epoch run: evaluations at epoch 1 and at the final epoch only.
	assert.Equal(t, 2, evaluator.calls)
	for _, epoch := range []int{1, 4} {
		assert.InDelta(t, 0.5, mustGetAt(t, sink, epoch, MetricProbeTrainAcc), 1e-9)
		assert.InDelta(t, 0.25, mustGetAt(t, sink, epoch, MetricProbeTestAcc), 1e-9)
	}
	_, found := sink.GetAt(2, MetricProbeTrainAcc)
	assert.False(t, found)
	_, found = sink.GetAt(3, MetricProbeTrainAcc)
	assert.False(t, found)
}

func TestPretrainerValidatesInputs(t *testing.T) {
	cfg := resumeTestConfig()
	p := NewPretrainer(nil, cfg)
	assert.Error(t, p.Run()) // No dataset.

	cfg.Dataset = 7
	p = NewPretrainer(nil, cfg)
	p.TrainDS = &syntheticViews{}
	p.StepsPerEpoch = 1
	assert.Error(t, p.Run()) // Bad config.
}

type countingEvaluator struct {
	calls int
}

func (e *countingEvaluator) Evaluate(ctx *context.Context) (float64, float64, error) {
	e.calls++
	return 0.5, 0.25, nil
}

func mustGetAt(t *testing.T, sink *MemorySink, epoch int, name string) float64 {
	t.Helper()
	value, found := sink.GetAt(epoch, name)
	require.Truef(t, found, "metric %q not recorded at epoch %d", name, epoch)
	return value
}

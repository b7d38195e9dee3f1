package cifar

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// Dataset implements train.Dataset over a slice of decoded examples.
//
// In plain mode Yield returns inputs[0] with the image batch shaped
// [batch, Height, Width, Depth] and labels[0] with the int64 class labels,
// in stable (or shuffled) order. With pair augmentation enabled it instead
// returns inputs[0] and inputs[1], two independently augmented views of the
// same images — the contrastive-pretraining input; labels are still yielded
// but pretraining ignores them.
type Dataset struct {
	name      string
	examples  []Example
	batchSize int
	dtype     dtypes.DType
	toTensor  *timage.ToTensorConfig

	infinite  bool
	shuffle   *rand.Rand
	augmenter *Augmenter

	// mu protects position and order: Yield may be called from the training
	// loop while an evaluation goroutine reads another dataset over the same
	// backing slice.
	mu    sync.Mutex
	pos   int
	order []int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a plain, finite, in-order Dataset yielding batches of
// batchSize examples. The final short batch is yielded too.
func NewDataset(name string, examples []Example, batchSize int, dtype dtypes.DType) *Dataset {
	ds := &Dataset{
		name:      name,
		examples:  examples,
		batchSize: batchSize,
		dtype:     dtype,
		toTensor:  timage.ToTensor(dtype),
	}
	ds.order = make([]int, len(examples))
	for i := range ds.order {
		ds.order[i] = i
	}
	return ds
}

// Infinite makes the dataset loop forever instead of ending with io.EOF,
// for use with train.Loop.RunSteps. Returns the dataset for chaining.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// Shuffle reshuffles the example order with rng at every Reset and every full
// pass. Returns the dataset for chaining.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.reshuffle()
	return ds
}

// WithPairAugmentation makes Yield return two independently augmented views
// per image. Returns the dataset for chaining.
func (ds *Dataset) WithPairAugmentation(augmenter *Augmenter) *Dataset {
	ds.augmenter = augmenter
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset, restarting (and reshuffling, if configured)
// the dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.pos = 0
	ds.reshuffle()
}

func (ds *Dataset) reshuffle() {
	if ds.shuffle == nil {
		return
	}
	ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// nextBatchIndices returns the example indices of the next batch, or io.EOF.
func (ds *Dataset) nextBatchIndices() ([]int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.pos >= len(ds.order) {
		if !ds.infinite {
			return nil, io.EOF
		}
		ds.pos = 0
		ds.reshuffle()
	}
	n := min(ds.batchSize, len(ds.order)-ds.pos)
	if n == 0 {
		return nil, io.EOF
	}
	indices := make([]int, n)
	copy(indices, ds.order[ds.pos:ds.pos+n])
	ds.pos += n
	return indices, nil
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, err := ds.nextBatchIndices()
	if err != nil {
		return nil, nil, nil, err
	}
	spec = ds

	labelValues := make([]int64, len(indices))
	for i, idx := range indices {
		labelValues[i] = int64(ds.examples[idx].Label)
	}
	labels = []*tensors.Tensor{tensors.FromValue(labelValues)}

	if ds.augmenter == nil {
		images := make([]image.Image, len(indices))
		for i, idx := range indices {
			images[i] = ds.examples[idx].Image
		}
		inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
		return
	}

	views1 := make([]image.Image, len(indices))
	views2 := make([]image.Image, len(indices))
	for i, idx := range indices {
		img := ds.examples[idx].Image
		views1[i] = ds.augmenter.Apply(img)
		views2[i] = ds.augmenter.Apply(img)
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(views1), ds.toTensor.Batch(views2)}
	return
}

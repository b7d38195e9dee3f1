// Package simclr implements SimCLR self-supervised contrastive pretraining
// (https://arxiv.org/abs/2002.05709) for CIFAR-10 and CIFAR-100 on top of GoMLX.
//
// The package provides the NT-Xent loss, ResNet encoder + projection head model
// graphs, the epoch-level training orchestrator with warmup + cosine
// learning-rate schedule, and a linear-probe evaluator of the frozen encoder.
// Checkpointing is handled by the sibling checkpoint package, keyed by the
// Config fingerprint, so runs with identical hyperparameters resume each other
// automatically.
package simclr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// DType used for model weights and activations.
var DType = dtypes.Float32

// Config holds every hyperparameter of a pretraining run. It is a plain value:
// copy it freely, but treat a run's config as immutable once training starts —
// the Fingerprint identifies the checkpoint the run writes and resumes from.
type Config struct {
	// Dataset selects CIFAR-10 (10) or CIFAR-100 (100).
	Dataset int

	// CropSize is the side of the square crop taken by the augmentation policy.
	CropSize int

	// Strength scales the color distortion of the augmentation policy.
	Strength float64

	// BatchSize is the number of images per step; each yields two views.
	BatchSize int

	// Temperature divides the cosine similarities in the NT-Xent loss.
	Temperature float64

	// ProjectionDim is the output dimension of the projection head.
	ProjectionDim int

	// WeightDecay applied by the optimizer.
	WeightDecay float64

	// MaxLR is the learning-rate ceiling reached at the end of warmup.
	MaxLR float64

	// WarmupEpochs of linear learning-rate ramp, followed by CooldownEpochs of
	// cosine annealing (if CosineSchedule) or constant MaxLR.
	WarmupEpochs   int
	CooldownEpochs int
	CosineSchedule bool

	// EncoderDepth selects the ResNet variant: 18, 34 or 50.
	EncoderDepth int
}

// encoderEmbeddingDims maps supported ResNet depths to the dimension of the
// representation produced after global average pooling.
var encoderEmbeddingDims = map[int]int{
	18: 512,
	34: 512,
	50: 2048,
}

// SupportedDepths lists the ResNet depths the encoder implements, ascending.
func SupportedDepths() []int {
	depths := maps.Keys(encoderEmbeddingDims)
	slices.Sort(depths)
	return depths
}

// Validate returns an error if the config selects an unsupported dataset or
// encoder, or carries out-of-range values. Call it once at construction;
// everything downstream assumes a valid config.
func (c Config) Validate() error {
	if c.Dataset != 10 && c.Dataset != 100 {
		return errors.Errorf("dataset must be 10 (CIFAR-10) or 100 (CIFAR-100), got %d", c.Dataset)
	}
	if _, ok := encoderEmbeddingDims[c.EncoderDepth]; !ok {
		return errors.Errorf("encoder depth must be one of %v, got %d", SupportedDepths(), c.EncoderDepth)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0, got %d", c.BatchSize)
	}
	if c.Temperature <= 0 {
		return errors.Errorf("temperature must be > 0, got %g", c.Temperature)
	}
	if c.ProjectionDim <= 0 {
		return errors.Errorf("projection dimension must be > 0, got %d", c.ProjectionDim)
	}
	if c.CropSize <= 0 {
		return errors.Errorf("crop size must be > 0, got %d", c.CropSize)
	}
	if c.MaxLR <= 0 {
		return errors.Errorf("max learning rate must be > 0, got %g", c.MaxLR)
	}
	if c.WarmupEpochs < 0 || c.CooldownEpochs < 0 {
		return errors.Errorf("warmup (%d) and cooldown (%d) epochs must be >= 0",
			c.WarmupEpochs, c.CooldownEpochs)
	}
	return nil
}

// EmbeddingDim returns the encoder output dimension for the configured depth.
func (c Config) EmbeddingDim() int {
	dim, ok := encoderEmbeddingDims[c.EncoderDepth]
	if !ok {
		exceptions.Panicf("invalid encoder depth %d, must be one of %v", c.EncoderDepth, SupportedDepths())
	}
	return dim
}

// NumEpochs is the total length of the run, warmup plus cooldown.
func (c Config) NumEpochs() int { return c.WarmupEpochs + c.CooldownEpochs }

// Fingerprint returns a deterministic hex digest of every config field, in
// declaration order. Two configs fingerprint equal iff all fields are equal,
// so the fingerprint names the checkpoint directory of the run.
func (c Config) Fingerprint() string {
	canonical := fmt.Sprintf("dataset=%d|crop=%d|strength=%g|batch=%d|temperature=%g|projection=%d|decay=%g|max_lr=%g|warmup=%d|cooldown=%d|cosine=%t|depth=%d",
		c.Dataset, c.CropSize, c.Strength, c.BatchSize, c.Temperature,
		c.ProjectionDim, c.WeightDecay, c.MaxLR, c.WarmupEpochs,
		c.CooldownEpochs, c.CosineSchedule, c.EncoderDepth)
	digest := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(digest[:])[:16]
}

// Context param keys mirroring Config fields. Params are saved with
// checkpoints, so a resumed run recovers the exact hyperparameters it started
// with, regardless of what the restarted binary was flagged with.
const (
	ParamDataset        = "dataset"
	ParamCropSize       = "crop_size"
	ParamStrength       = "color_strength"
	ParamBatchSize      = "batch_size"
	ParamTemperature    = "temperature"
	ParamProjectionDim  = "projection_dim"
	ParamWeightDecay    = "weight_decay"
	ParamMaxLR          = "max_lr"
	ParamWarmupEpochs   = "warmup_epochs"
	ParamCooldownEpochs = "cooldown_epochs"
	ParamCosineSchedule = "cosine_schedule"
	ParamEncoderDepth   = "encoder_depth"
)

// AttachParams mirrors the config into ctx params at the root scope.
func (c Config) AttachParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamDataset:        c.Dataset,
		ParamCropSize:       c.CropSize,
		ParamStrength:       c.Strength,
		ParamBatchSize:      c.BatchSize,
		ParamTemperature:    c.Temperature,
		ParamProjectionDim:  c.ProjectionDim,
		ParamWeightDecay:    c.WeightDecay,
		ParamMaxLR:          c.MaxLR,
		ParamWarmupEpochs:   c.WarmupEpochs,
		ParamCooldownEpochs: c.CooldownEpochs,
		ParamCosineSchedule: c.CosineSchedule,
		ParamEncoderDepth:   c.EncoderDepth,
	})
}

// ConfigFromContext rebuilds a Config from ctx params, the inverse of
// AttachParams. Used after a checkpoint restore, where the saved params are
// authoritative over whatever the current process was configured with.
func ConfigFromContext(ctx *context.Context) Config {
	return Config{
		Dataset:        context.GetParamOr(ctx, ParamDataset, 10),
		CropSize:       context.GetParamOr(ctx, ParamCropSize, 32),
		Strength:       context.GetParamOr(ctx, ParamStrength, 0.5),
		BatchSize:      context.GetParamOr(ctx, ParamBatchSize, 256),
		Temperature:    context.GetParamOr(ctx, ParamTemperature, 0.5),
		ProjectionDim:  context.GetParamOr(ctx, ParamProjectionDim, 128),
		WeightDecay:    context.GetParamOr(ctx, ParamWeightDecay, 1e-6),
		MaxLR:          context.GetParamOr(ctx, ParamMaxLR, 1e-3),
		WarmupEpochs:   context.GetParamOr(ctx, ParamWarmupEpochs, 10),
		CooldownEpochs: context.GetParamOr(ctx, ParamCooldownEpochs, 90),
		CosineSchedule: context.GetParamOr(ctx, ParamCosineSchedule, true),
		EncoderDepth:   context.GetParamOr(ctx, ParamEncoderDepth, 18),
	}
}

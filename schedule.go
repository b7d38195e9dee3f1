package simclr

// Learning-rate schedule: linear warmup followed by cosine cooldown, applied
// by the orchestrator between epochs by writing the optimizer's learning-rate
// variable directly.

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Orchestrator state variables, created at the context root scope so they are
// saved and restored with checkpoints.
const (
	// NextEpochVarName holds the 1-indexed epoch the run will execute next.
	NextEpochVarName = "next_epoch"

	// CosineStepVarName counts completed cosine-phase epochs. It is a separate
	// counter rather than a function of the epoch number, so the annealing
	// phase stays explicit across restarts.
	CosineStepVarName = "cosine_step"
)

// initialLearningRate is the rate the optimizer starts with, before the first
// post-epoch schedule update: the first rung of the warmup ramp, or MaxLR when
// there is no warmup.
func (c Config) initialLearningRate() float64 {
	if c.WarmupEpochs > 0 {
		return c.MaxLR / float64(c.WarmupEpochs)
	}
	return c.MaxLR
}

// warmupLearningRate is the rate set after warmup epoch `epoch` (1-indexed),
// capped at MaxLR so the ramp ends exactly at the ceiling.
func (c Config) warmupLearningRate(epoch int) float64 {
	return math.Min(c.MaxLR, c.MaxLR*float64(epoch+1)/float64(c.WarmupEpochs))
}

// cosineLearningRate anneals from MaxLR to 0 over CooldownEpochs steps.
func (c Config) cosineLearningRate(step int) float64 {
	cycle := float64(step) / float64(c.CooldownEpochs)
	return c.MaxLR / 2 * (1 + math.Cos(math.Pi*cycle))
}

// updateLearningRate applies the schedule after `epoch` finished training.
//
// During warmup the rate is set by the explicit linear ramp above — it is
// deliberately not driven through an annealing schedule whose internal step
// counter would land one step off when crossing the warmup boundary. After
// warmup, each epoch advances the cosine counter by one and anneals, or the
// rate simply stays at MaxLR when the cosine schedule is disabled.
func (p *Pretrainer) updateLearningRate(epoch int) {
	cfg := p.Config
	switch {
	case epoch <= cfg.WarmupEpochs:
		p.setLearningRate(cfg.warmupLearningRate(epoch))
	case cfg.CosineSchedule:
		step := p.cosineStepVar().MustValue().Value().(int64) + 1
		p.cosineStepVar().MustSetValue(tensors.FromScalar(step))
		p.setLearningRate(cfg.cosineLearningRate(int(step)))
	}
}

func (p *Pretrainer) learningRateVar() *context.Variable {
	return optimizers.LearningRateVar(p.modelCtx(), DType, p.Config.initialLearningRate())
}

// LearningRate returns the rate the next training step will use.
func (p *Pretrainer) LearningRate() float64 {
	return float64(p.learningRateVar().MustValue().Value().(float32))
}

func (p *Pretrainer) setLearningRate(lr float64) {
	p.learningRateVar().MustSetValue(tensors.FromScalar(float32(lr)))
}

func (p *Pretrainer) cosineStepVar() *context.Variable {
	return p.ctx.Checked(false).VariableWithValue(CosineStepVarName, int64(0)).SetTrainable(false)
}

func (p *Pretrainer) nextEpochVar() *context.Variable {
	return p.ctx.Checked(false).VariableWithValue(NextEpochVarName, int64(1)).SetTrainable(false)
}

// NextEpoch returns the 1-indexed epoch the run will execute next.
func (p *Pretrainer) NextEpoch() int {
	return int(p.nextEpochVar().MustValue().Value().(int64))
}

func (p *Pretrainer) setNextEpoch(epoch int) {
	p.nextEpochVar().MustSetValue(tensors.FromScalar(int64(epoch)))
}

package simclr

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/simclr/checkpoint"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pretrainer orchestrates a SimCLR pretraining run: it owns the model context,
// drives one train.Loop per epoch over the paired-view dataset, applies the
// learning-rate schedule between epochs, and periodically checkpoints and
// probes the representation.
//
// Construct it with NewPretrainer, set the collaborator fields, then call Run.
type Pretrainer struct {
	Backend backends.Backend
	Config  Config

	// TrainDS yields paired-view batches: inputs[0] and inputs[1] are the two
	// augmented views, each [BatchSize, height, width, 3]. It must be infinite
	// (the loop pulls StepsPerEpoch batches per epoch).
	TrainDS       train.Dataset
	StepsPerEpoch int

	// Store persists training state keyed by the config fingerprint. Optional;
	// without it the run neither checkpoints nor resumes.
	Store *checkpoint.Store

	// Evaluator probes the frozen representation at evaluation epochs.
	// Optional.
	Evaluator Evaluator

	// Sink receives per-epoch metrics. Defaults to LogSink.
	Sink Sink

	// OnEpochEnd, if set, is called after each epoch completes, including its
	// schedule update and any checkpoint/evaluation.
	OnEpochEnd func(epoch int) error

	// Verbosity: 0 is quiet, >= 1 attaches a progress bar and logs progress.
	Verbosity int

	ctx     *context.Context
	resumed bool
}

// Evaluator scores the quality of the representation under the given context's
// encoder weights, returning train and test accuracies in [0, 1].
type Evaluator interface {
	Evaluate(ctx *context.Context) (trainAcc, testAcc float64, err error)
}

// NewPretrainer creates a Pretrainer with a fresh context carrying cfg's
// hyperparameters as params.
func NewPretrainer(backend backends.Backend, cfg Config) *Pretrainer {
	ctx := context.New()
	cfg.AttachParams(ctx)
	return &Pretrainer{
		Backend: backend,
		Config:  cfg,
		Sink:    LogSink{},
		ctx:     ctx,
	}
}

// Context returns the context holding all training state.
func (p *Pretrainer) Context() *context.Context { return p.ctx }

// modelCtx is the scope under which the model graph and optimizer state live.
func (p *Pretrainer) modelCtx() *context.Context { return p.ctx.In("model") }

// Resumed reports whether the last Run restored state from a checkpoint.
func (p *Pretrainer) Resumed() bool { return p.resumed }

// Run executes the pretraining state machine from the current epoch (1 on a
// fresh run, the restored next epoch after a resume) through
// WarmupEpochs+CooldownEpochs. Per epoch it records the learning rate, trains
// StepsPerEpoch steps, records the mean loss, applies the schedule, and on
// epoch 1, every 10th epoch and the final epoch evaluates and checkpoints.
//
// A non-finite training loss aborts with an error; the last saved checkpoint
// is the recovery point.
func (p *Pretrainer) Run() error {
	if err := p.Config.Validate(); err != nil {
		return err
	}
	if p.TrainDS == nil || p.StepsPerEpoch <= 0 {
		return errors.New("Pretrainer requires a training dataset and StepsPerEpoch > 0")
	}
	if p.Sink == nil {
		p.Sink = LogSink{}
	}

	fingerprint := p.Config.Fingerprint()
	if p.Store != nil {
		loaded, err := p.Store.Load(p.ctx, fingerprint)
		if err != nil {
			return errors.WithMessagef(err, "loading checkpoint %q", fingerprint)
		}
		if loaded {
			// The restored hyperparameters are authoritative.
			p.Config = ConfigFromContext(p.ctx)
			p.resumed = true
			klog.Infof("Resuming run %s at epoch %d", fingerprint, p.NextEpoch())
		}
	}

	// Initializes the learning-rate variable on fresh runs; a resumed run
	// keeps the restored value.
	p.learningRateVar()

	modelCtx := p.modelCtx()
	optimizer := optimizers.Adam().
		LearningRate(p.Config.initialLearningRate()).
		WeightDecay(p.Config.WeightDecay).
		Done()
	trainer := train.NewTrainer(p.Backend, modelCtx, p.PretrainGraph,
		nil, // Loss is added in-graph by PretrainGraph.
		optimizer,
		nil, // trainMetrics
		nil) // evalMetrics
	if p.resumed {
		trainer.SetContext(modelCtx.Reuse())
	}

	loop := train.NewLoop(trainer)
	if p.Verbosity >= 1 {
		commandline.AttachProgressBar(loop)
	}

	// Mean epoch loss, accumulated from the per-step batch loss.
	var lossSum float64
	var lossSteps int
	loop.OnStep("epoch-mean-loss", 100, func(loop *train.Loop, metrics []*tensors.Tensor) error {
		lossSum += shapes.ConvertTo[float64](metrics[0].Value())
		lossSteps++
		return nil
	})

	totalEpochs := p.Config.NumEpochs()
	for epoch := p.NextEpoch(); epoch <= totalEpochs; epoch++ {
		p.Sink.Record(epoch, MetricLearningRate, p.LearningRate())

		lossSum, lossSteps = 0, 0
		if _, err := loop.RunSteps(p.TrainDS, p.StepsPerEpoch); err != nil {
			return errors.WithMessagef(err, "training epoch %d of %d", epoch, totalEpochs)
		}
		p.Sink.Record(epoch, MetricTrainLoss, lossSum/float64(lossSteps))

		p.updateLearningRate(epoch)
		p.setNextEpoch(epoch + 1)

		if epoch == 1 || epoch%10 == 0 || epoch == totalEpochs {
			if p.Evaluator != nil {
				trainAcc, testAcc, err := p.Evaluator.Evaluate(p.ctx)
				if err != nil {
					return errors.WithMessagef(err, "evaluating after epoch %d", epoch)
				}
				p.Sink.Record(epoch, MetricProbeTrainAcc, trainAcc)
				p.Sink.Record(epoch, MetricProbeTestAcc, testAcc)
			}
			if p.Store != nil {
				if err := p.Store.Save(p.ctx, fingerprint); err != nil {
					return errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch)
				}
			}
		}

		if p.OnEpochEnd != nil {
			if err := p.OnEpochEnd(epoch); err != nil {
				return err
			}
		}
	}
	return nil
}

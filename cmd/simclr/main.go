// simclr pretrains a ResNet encoder on CIFAR-10/100 with contrastive
// learning and periodically reports linear-probe accuracies of the frozen
// representation.
//
// Typical usage:
//
//	simclr --data=~/tmp/simclr --dataset=10 --batch_size=256 --warmup_epochs=10 --cooldown_epochs=90
//
// Runs checkpoint under --data keyed by a fingerprint of all hyperparameters:
// re-running with the same flags resumes, changing any flag starts fresh.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/simclr"
	"github.com/gomlx/simclr/checkpoint"
	"github.com/gomlx/simclr/cifar"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataDir   = flag.String("data", "~/tmp/simclr", "Directory to cache downloaded datasets and checkpoints.")
	flagDataset   = flag.Int("dataset", 10, "CIFAR variant: 10 or 100 classes.")
	flagDepth     = flag.Int("encoder_depth", 18, "ResNet depth: 18, 34 or 50.")
	flagBatchSize = flag.Int("batch_size", 256, "Images per training step; each yields two augmented views.")

	flagTemperature   = flag.Float64("temperature", 0.5, "NT-Xent temperature.")
	flagProjectionDim = flag.Int("projection_dim", 128, "Output dimension of the projection head.")
	flagCropSize      = flag.Int("crop_size", 32, "Side of the square crop taken by the augmentations.")
	flagStrength      = flag.Float64("color_strength", 0.5, "Color-distortion strength of the augmentations.")

	flagMaxLR          = flag.Float64("max_lr", 1e-3, "Learning-rate ceiling reached at the end of warmup.")
	flagWeightDecay    = flag.Float64("weight_decay", 1e-6, "Optimizer weight decay.")
	flagWarmupEpochs   = flag.Int("warmup_epochs", 10, "Epochs of linear learning-rate warmup.")
	flagCooldownEpochs = flag.Int("cooldown_epochs", 90, "Epochs after warmup.")
	flagCosine         = flag.Bool("cosine_schedule", true, "Anneal the learning rate with a cosine during cooldown.")

	flagProbeExamples = flag.Int("probe_examples", 10000, "Training examples used to fit the linear probe.")
	flagSeed          = flag.Int64("seed", 42, "Seed for data shuffling and augmentation sampling.")
	flagVerbosity     = flag.Int("verbosity", 1, "0 is quiet, 1 shows progress.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := simclr.Config{
		Dataset:        *flagDataset,
		CropSize:       *flagCropSize,
		Strength:       *flagStrength,
		BatchSize:      *flagBatchSize,
		Temperature:    *flagTemperature,
		ProjectionDim:  *flagProjectionDim,
		WeightDecay:    *flagWeightDecay,
		MaxLR:          *flagMaxLR,
		WarmupEpochs:   *flagWarmupEpochs,
		CooldownEpochs: *flagCooldownEpochs,
		CosineSchedule: *flagCosine,
		EncoderDepth:   *flagDepth,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)
	must.M(os.MkdirAll(dataDir, 0777))
	must.M(cifar.Download(dataDir, cfg.Dataset))
	data := must.M1(cifar.Load(dataDir, cfg.Dataset))

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
		fmt.Printf("Run fingerprint: %s\n", cfg.Fingerprint())
	}

	rng := rand.New(rand.NewSource(*flagSeed))
	augmenter := cifar.NewAugmenter(cfg.CropSize, cfg.Strength, *flagSeed)
	trainDS := cifar.NewDataset("pretrain", data.Train, cfg.BatchSize, simclr.DType).
		Shuffle(rng).
		Infinite(true).
		WithPairAugmentation(augmenter)

	probeTrain := data.Train
	if *flagProbeExamples > 0 && *flagProbeExamples < len(probeTrain) {
		probeTrain = probeTrain[:*flagProbeExamples]
	}
	evaluator := &simclr.LinearProbeEvaluator{
		Backend:   backend,
		Config:    cfg,
		TrainDS:   cifar.NewDataset("probe-train", probeTrain, cfg.BatchSize, simclr.DType),
		TestDS:    cifar.NewDataset("probe-test", data.Test, cfg.BatchSize, simclr.DType),
		Verbosity: *flagVerbosity,
	}

	store := must.M1(checkpoint.New(dataDir))

	pretrainer := simclr.NewPretrainer(backend, cfg)
	pretrainer.TrainDS = trainDS
	pretrainer.StepsPerEpoch = len(data.Train) / cfg.BatchSize
	pretrainer.Store = store
	pretrainer.Evaluator = evaluator
	pretrainer.Verbosity = *flagVerbosity
	must.M(pretrainer.Run())
}

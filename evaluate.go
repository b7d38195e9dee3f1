package simclr

// Linear-probe evaluation of the frozen encoder: embeddings are extracted
// with an encoder-only inference graph, then a logistic-regression probe is
// fit on them with the labels that pretraining never sees.

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/simclr/probe"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"
)

// LinearProbeEvaluator implements Evaluator by fitting a logistic regression
// on frozen-encoder embeddings of the plain (un-augmented) train split and
// scoring it on both splits.
type LinearProbeEvaluator struct {
	Backend backends.Backend
	Config  Config

	// TrainDS and TestDS yield plain image batches with labels, in a stable
	// order, and finish with io.EOF (not infinite).
	TrainDS, TestDS train.Dataset

	// MaxIterations for the probe solver. Defaults to probe.DefaultMaxIterations.
	MaxIterations int

	// Verbosity: >= 1 shows a progress bar while extracting embeddings.
	Verbosity int
}

// Evaluate extracts embeddings for both splits and returns the probe's train
// and test accuracies.
func (e *LinearProbeEvaluator) Evaluate(ctx *context.Context) (trainAcc, testAcc float64, err error) {
	// Inference-only encoder graph: the context is never set to training, so
	// batch normalization uses its moving averages and nothing is updated.
	exec, err := context.NewExec(e.Backend, ctx.In("model").Reuse(),
		func(ctx *context.Context, images *graph.Node) *graph.Node {
			return EncoderGraph(ctx.In("encoder"), e.Config.EncoderDepth, images)
		})
	if err != nil {
		return 0, 0, errors.WithMessage(err, "building encoder inference graph")
	}

	trainX, trainY, err := extractEmbeddings(exec, e.TrainDS, e.Verbosity >= 1)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "embedding train split")
	}
	testX, testY, err := extractEmbeddings(exec, e.TestDS, e.Verbosity >= 1)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "embedding test split")
	}
	return probe.Evaluate(trainX, trainY, testX, testY, e.MaxIterations)
}

// extractEmbeddings drives ds to exhaustion through the encoder, returning
// the stacked embeddings and labels in yield order.
func extractEmbeddings(exec *context.Exec, ds train.Dataset, showProgress bool) (*mat.Dense, *mat.VecDense, error) {
	ds.Reset()
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.Default(-1, fmt.Sprintf("embedding %s", ds.Name()))
		defer func() { _ = bar.Close() }()
	}
	var flat []float64
	var labels []float64
	var numRows, numCols int
	for {
		_, inputs, labelTensors, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "dataset %q", ds.Name())
		}
		embeddings, err := exec.Exec1(inputs[0])
		if err != nil {
			return nil, nil, errors.WithMessage(err, "running encoder")
		}
		rows := embeddings.Value().([][]float32)
		for _, row := range rows {
			for _, v := range row {
				flat = append(flat, float64(v))
			}
		}
		numRows += len(rows)
		numCols = len(rows[0])
		for _, label := range labelTensors[0].Value().([]int64) {
			labels = append(labels, float64(label))
		}
		if bar != nil {
			_ = bar.Add(len(rows))
		}
	}
	if numRows == 0 {
		return nil, nil, errors.New("dataset yielded no examples")
	}
	if len(labels) != numRows {
		return nil, nil, errors.Errorf("dataset yielded %d labels for %d examples", len(labels), numRows)
	}
	return mat.NewDense(numRows, numCols, flat), mat.NewVecDense(numRows, labels), nil
}

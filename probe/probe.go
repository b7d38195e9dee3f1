// Package probe fits a linear classifier on frozen embeddings — the standard
// linear-evaluation protocol for self-supervised representations.
package probe

import (
	"github.com/YuminosukeSato/scigo/metrics"
	"github.com/YuminosukeSato/scigo/sklearn/linear_model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DefaultMaxIterations for the logistic-regression solver.
const DefaultMaxIterations = 200

// randomState fixes the solver's seed so repeated evaluations of the same
// embeddings score the same.
const randomState = 42

// Evaluate fits a logistic regression on (trainX, trainY) and returns its
// accuracy on the train and test splits. Labels are class indices stored as
// float64. maxIterations <= 0 selects DefaultMaxIterations.
func Evaluate(trainX *mat.Dense, trainY *mat.VecDense, testX *mat.Dense, testY *mat.VecDense, maxIterations int) (trainAcc, testAcc float64, err error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	clf := linear_model.NewLogisticRegression(
		linear_model.WithLRMaxIter(maxIterations),
		linear_model.WithLRRandomState(randomState),
	)
	if err = clf.Fit(trainX, trainY); err != nil {
		return 0, 0, errors.WithMessage(err, "fitting linear probe")
	}
	trainAcc, err = accuracy(clf, trainX, trainY)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "scoring train split")
	}
	testAcc, err = accuracy(clf, testX, testY)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "scoring test split")
	}
	return trainAcc, testAcc, nil
}

func accuracy(clf *linear_model.LogisticRegression, x *mat.Dense, y *mat.VecDense) (float64, error) {
	predicted, err := clf.Predict(x)
	if err != nil {
		return 0, err
	}
	rows, _ := predicted.Dims()
	predVec := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		predVec.SetVec(i, predicted.At(i, 0))
	}
	return metrics.Accuracy(y, predVec)
}

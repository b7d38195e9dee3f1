package simclr

// NT-Xent, the normalized-temperature cross-entropy loss of SimCLR.

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// selfSimilarityMask is the sentinel written over the diagonal of the
// similarity matrix so that a row never treats itself as a candidate.
const selfSimilarityMask = -1e9

// NTXentLoss computes the scalar NT-Xent loss for embeddings z shaped [2N, D],
// where rows 2i and 2i+1 are the two augmented views of image i.
//
// Rows are L2-normalized, so the pairwise dot products are cosine
// similarities; these are divided by temperature, the diagonal is masked out,
// and each row's loss is the negative log-softmax probability of its partner
// view. The result is the mean over all 2N rows. The batch size is taken from
// the node shape, so short final batches work unchanged.
func NTXentLoss(z *Node, temperature float64) *Node {
	g := z.Graph()
	if z.Rank() != 2 {
		exceptions.Panicf("NTXentLoss: embeddings must be rank-2 [2N, D], got %s", z.Shape())
	}
	numRows := z.Shape().Dimensions[0]
	if numRows < 2 || numRows%2 != 0 {
		exceptions.Panicf("NTXentLoss: embeddings must hold an even number >= 2 of rows (pairs of views), got %d", numRows)
	}
	if temperature <= 0 {
		exceptions.Panicf("NTXentLoss: temperature must be > 0, got %g", temperature)
	}

	z = L2Normalize(z, -1)
	similarities := MatMul(z, Transpose(z, 0, 1)) // [2N, 2N] of cosines.
	similarities = DivScalar(similarities, temperature)
	similarities = Where(Const(g, diagonalMask(numRows)),
		Scalar(g, z.DType(), selfSimilarityMask), similarities)

	logProbs := LogSoftmax(similarities, -1)
	paired := Where(Const(g, partnerMask(numRows)), logProbs, ZerosLike(logProbs))
	loss := Neg(ReduceAllSum(paired))
	return DivScalar(loss, float64(numRows))
}

// diagonalMask returns a [n, n] bool tensor, true on the diagonal.
func diagonalMask(n int) *tensors.Tensor {
	mask := make([][]bool, n)
	for i := range mask {
		mask[i] = make([]bool, n)
		mask[i][i] = true
	}
	return tensors.FromValue(mask)
}

// partnerMask returns a [n, n] bool tensor, true at (i, i^1): each even row's
// partner is the following odd row and vice versa.
func partnerMask(n int) *tensors.Tensor {
	mask := make([][]bool, n)
	for i := range mask {
		mask[i] = make([]bool, n)
		mask[i][i^1] = true
	}
	return tensors.FromValue(mask)
}

// InterleavePairs rearranges two stacked view batches, each [N, ...], into a
// single [2N, ...] batch where rows 2i and 2i+1 are views1[i] and views2[i] —
// the layout NTXentLoss expects.
func InterleavePairs(views1, views2 *Node) *Node {
	if !views1.Shape().Equal(views2.Shape()) {
		exceptions.Panicf("InterleavePairs: view batches must have equal shapes, got %s and %s",
			views1.Shape(), views2.Shape())
	}
	stacked := Concatenate([]*Node{
		ExpandDims(views1, 1), // [N, 1, ...]
		ExpandDims(views2, 1),
	}, 1) // [N, 2, ...]
	dims := views1.Shape().Dimensions
	newDims := make([]int, len(dims))
	copy(newDims, dims)
	newDims[0] = 2 * dims[0]
	return Reshape(stacked, newDims...)
}

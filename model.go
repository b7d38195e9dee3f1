package simclr

// ResNet encoder and projection head, as model graphs over a context.
// The CIFAR variant of ResNet is used: 3x3 stem without max-pooling, so the
// 32x32 inputs are only downsampled by the strided stages.

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// resNetStages describes one ResNet variant: how many residual blocks per
// stage, and whether they are bottleneck (1x1-3x3-1x1) blocks.
type resNetStages struct {
	blocks     [4]int
	bottleneck bool
}

var resNetVariants = map[int]resNetStages{
	18: {blocks: [4]int{2, 2, 2, 2}},
	34: {blocks: [4]int{3, 4, 6, 3}},
	50: {blocks: [4]int{3, 4, 6, 3}, bottleneck: true},
}

// stageChannels is the base channel count per stage; bottleneck blocks output
// 4x this.
var stageChannels = [4]int{64, 128, 256, 512}

// EncoderGraph builds the ResNet encoder over a batch of images shaped
// [batch, height, width, 3] and returns the representation [batch, dim],
// where dim is 512 for depths 18/34 and 2048 for depth 50.
// Variables are created (or reused) under ctx's scope.
func EncoderGraph(ctx *context.Context, depth int, images *Node) *Node {
	variant, ok := resNetVariants[depth]
	if !ok {
		exceptions.Panicf("unsupported ResNet depth %d, must be one of 18, 34 or 50", depth)
	}
	batchSize := images.Shape().Dimensions[0]

	x := layers.Convolution(ctx.In("stem"), images).Channels(64).KernelSize(3).PadSame().UseBias(false).Done()
	x = batchnorm.New(ctx.In("stem_norm"), x, -1).Done()
	x = activations.Relu(x)

	for stage := range variant.blocks {
		stageCtx := ctx.Inf("stage_%d", stage)
		for block := 0; block < variant.blocks[stage]; block++ {
			blockCtx := stageCtx.Inf("block_%d", block)
			stride := 1
			if block == 0 && stage > 0 {
				stride = 2 // First block of each later stage downsamples.
			}
			if variant.bottleneck {
				x = bottleneckBlock(blockCtx, x, stageChannels[stage], stride)
			} else {
				x = basicBlock(blockCtx, x, stageChannels[stage], stride)
			}
		}
	}

	x = ReduceMean(x, 1, 2) // Global average pooling over the spatial axes.
	embeddingDim := stageChannels[3]
	if variant.bottleneck {
		embeddingDim *= 4
	}
	x.AssertDims(batchSize, embeddingDim)
	return x
}

// basicBlock is the two 3x3-convolution residual block of ResNet-18/34.
func basicBlock(ctx *context.Context, x *Node, channels, stride int) *Node {
	shortcut := x
	y := layers.Convolution(ctx.In("conv_a"), x).Channels(channels).KernelSize(3).Strides(stride).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("norm_a"), y, -1).Done()
	y = activations.Relu(y)
	y = layers.Convolution(ctx.In("conv_b"), y).Channels(channels).KernelSize(3).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("norm_b"), y, -1).Done()
	shortcut = projectShortcut(ctx, shortcut, y)
	return activations.Relu(Add(y, shortcut))
}

// bottleneckBlock is the 1x1-3x3-1x1 residual block of ResNet-50, expanding
// the output to 4x channels.
func bottleneckBlock(ctx *context.Context, x *Node, channels, stride int) *Node {
	shortcut := x
	y := layers.Convolution(ctx.In("conv_a"), x).Channels(channels).KernelSize(1).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("norm_a"), y, -1).Done()
	y = activations.Relu(y)
	y = layers.Convolution(ctx.In("conv_b"), y).Channels(channels).KernelSize(3).Strides(stride).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("norm_b"), y, -1).Done()
	y = activations.Relu(y)
	y = layers.Convolution(ctx.In("conv_c"), y).Channels(4*channels).KernelSize(1).PadSame().UseBias(false).Done()
	y = batchnorm.New(ctx.In("norm_c"), y, -1).Done()
	shortcut = projectShortcut(ctx, shortcut, y)
	return activations.Relu(Add(y, shortcut))
}

// projectShortcut passes the residual shortcut through, or projects it with a
// strided 1x1 convolution when the block changed the shape.
func projectShortcut(ctx *context.Context, shortcut, y *Node) *Node {
	if shortcut.Shape().Equal(y.Shape()) {
		return shortcut
	}
	stride := shortcut.Shape().Dimensions[1] / y.Shape().Dimensions[1]
	channels := y.Shape().Dimensions[3]
	shortcut = layers.Convolution(ctx.In("conv_shortcut"), shortcut).
		Channels(channels).KernelSize(1).Strides(stride).PadSame().UseBias(false).Done()
	return batchnorm.New(ctx.In("norm_shortcut"), shortcut, -1).Done()
}

// ProjectionGraph maps encoder representations [batch, dim] through the
// 2-layer MLP projection head to the space where the contrastive loss is
// taken, [batch, projectionDim]. The hidden layer keeps the input width.
func ProjectionGraph(ctx *context.Context, projectionDim int, embeddings *Node) *Node {
	hidden := embeddings.Shape().Dimensions[1]
	return fnn.New(ctx, embeddings, projectionDim).
		NumHiddenLayers(1, hidden).
		Activation(activations.TypeRelu).
		Done()
}

// PretrainGraph implements train.ModelFn for contrastive pretraining. It
// expects inputs[0] and inputs[1] to be the two augmented view batches, each
// [batch, height, width, 3]. The NT-Xent loss is added to the context (the
// trainer is built with a nil loss function); no predictions are returned.
func (p *Pretrainer) PretrainGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	views1, views2 := inputs[0], inputs[1]
	batchSize := views1.Shape().Dimensions[0]
	depth := context.GetParamOr(ctx, ParamEncoderDepth, 18)
	projectionDim := context.GetParamOr(ctx, ParamProjectionDim, 128)
	temperature := context.GetParamOr(ctx, ParamTemperature, 0.5)

	// Both views go through the encoder and projection head as one batch.
	images := Concatenate([]*Node{views1, views2}, 0)
	embeddings := EncoderGraph(ctx.In("encoder"), depth, images)
	projected := ProjectionGraph(ctx.In("projector"), projectionDim, embeddings)

	z1 := Slice(projected, AxisRange(0, batchSize))
	z2 := Slice(projected, AxisRange(batchSize, 2*batchSize))
	z := InterleavePairs(z1, z2)
	loss := NTXentLoss(z, temperature)
	train.AddLoss(ctx, loss)
	return []*Node{}
}

package ops

import "github.com/born-ml/pipeline/internal/tensor"

// CatOp represents concatenation of several tensors along a dimension.
//
// Backward: slice the output gradient back into per-input pieces along
// the concatenation dimension.
type CatOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
	dim    int
}

// NewCatOp creates a new CatOp.
func NewCatOp(inputs []*tensor.RawTensor, output *tensor.RawTensor, dim int) *CatOp {
	return &CatOp{inputs: inputs, output: output, dim: dim}
}

func (op *CatOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	dim := op.dim
	if dim < 0 {
		dim += len(op.output.Shape())
	}

	grads := make([]*tensor.RawTensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		size := in.Shape()[dim]
		grads[i] = sliceAlongDim(outputGrad, dim, offset, size)
		offset += size
	}
	return grads
}

func (op *CatOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *CatOp) Output() *tensor.RawTensor   { return op.output }

// sliceAlongDim copies out t[..., start:start+size, ...] along dim.
func sliceAlongDim(t *tensor.RawTensor, dim, start, size int) *tensor.RawTensor {
	shape := t.Shape()
	outShape := shape.Clone()
	outShape[dim] = size

	result, err := tensor.NewRaw(outShape, t.DType(), t.Device())
	if err != nil {
		panic(err)
	}

	elem := t.DType().Size()
	outer := 1
	for d := 0; d < dim; d++ {
		outer *= shape[d]
	}
	inner := elem
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}
	srcRun := shape[dim] * inner
	dstRun := size * inner

	src := t.Data()
	dst := result.Data()
	for o := 0; o < outer; o++ {
		copy(dst[o*dstRun:(o+1)*dstRun], src[o*srcRun+start*inner:o*srcRun+(start+size)*inner])
	}

	return result
}

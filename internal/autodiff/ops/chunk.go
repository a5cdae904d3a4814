package ops

import "github.com/born-ml/pipeline/internal/tensor"

// ChunkOp represents a split of a tensor into n equal parts along dim.
//
// Backward: concatenate the gradients of all output chunks back together
// along the same dimension.
type ChunkOp struct {
	input   *tensor.RawTensor
	n       int
	dim     int
	outputs []*tensor.RawTensor
}

// NewChunkOp creates a new ChunkOp.
func NewChunkOp(input *tensor.RawTensor, n, dim int, outputs []*tensor.RawTensor) *ChunkOp {
	return &ChunkOp{input: input, n: n, dim: dim, outputs: outputs}
}

func (op *ChunkOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the first chunk. Multi-output operations are dispatched
// through BackwardMulti by the tape; Output exists to satisfy Operation.
func (op *ChunkOp) Output() *tensor.RawTensor { return op.outputs[0] }

// Outputs returns all chunks (implements MultiOutputOperation).
func (op *ChunkOp) Outputs() []*tensor.RawTensor { return op.outputs }

func (op *ChunkOp) Backward(_ *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	panic("ChunkOp.Backward: multi-output operations go through BackwardMulti")
}

// BackwardMulti concatenates all output gradients along the chunk dimension.
func (op *ChunkOp) BackwardMulti(outputGrads []*tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	if len(outputGrads) != op.n {
		panic("ChunkOp.BackwardMulti: expected one gradient per chunk")
	}
	return []*tensor.RawTensor{backend.Cat(outputGrads, op.dim)}
}

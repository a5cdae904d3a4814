package ops

import "github.com/born-ml/pipeline/internal/tensor"

// ForkOp branches a dependency token off a tensor: (y, token) = Fork(x).
//
// y carries the same values as x; token is a scalar that exists only to
// hold an edge in the computation graph. Joining the token into another
// tensor later makes that tensor depend on x, which is how cross-chunk
// execution ordering is expressed without moving payload data.
//
// Backward: y's gradient passes through to x unchanged; the token's
// gradient carries no payload and is dropped.
type ForkOp struct {
	input   *tensor.RawTensor
	outputs []*tensor.RawTensor // [y, token]
}

// NewForkOp creates a new ForkOp.
func NewForkOp(input, branch, token *tensor.RawTensor) *ForkOp {
	return &ForkOp{
		input:   input,
		outputs: []*tensor.RawTensor{branch, token},
	}
}

func (op *ForkOp) Inputs() []*tensor.RawTensor  { return []*tensor.RawTensor{op.input} }
func (op *ForkOp) Output() *tensor.RawTensor    { return op.outputs[0] }
func (op *ForkOp) Outputs() []*tensor.RawTensor { return op.outputs }

func (op *ForkOp) Backward(_ *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	panic("ForkOp.Backward: multi-output operations go through BackwardMulti")
}

// BackwardMulti passes the branch gradient through and ignores the token
// gradient.
func (op *ForkOp) BackwardMulti(outputGrads []*tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{outputGrads[0]}
}

// JoinOp merges a dependency token into a tensor: y = Join(x, token).
//
// y carries the same values as x but additionally depends on whatever the
// token was forked from.
//
// Backward: x receives y's gradient; the token receives a zero scalar so
// that gradient flow reaches the fork it came from.
type JoinOp struct {
	inputs []*tensor.RawTensor // [x, token]
	output *tensor.RawTensor
}

// NewJoinOp creates a new JoinOp.
func NewJoinOp(x, token, output *tensor.RawTensor) *JoinOp {
	return &JoinOp{
		inputs: []*tensor.RawTensor{x, token},
		output: output,
	}
}

func (op *JoinOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *JoinOp) Output() *tensor.RawTensor   { return op.output }

func (op *JoinOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	token := op.inputs[1]
	tokenGrad, err := tensor.NewRaw(token.Shape(), token.DType(), backend.Device())
	if err != nil {
		panic(err)
	}
	return []*tensor.RawTensor{outputGrad.Clone(), tokenGrad}
}

package autodiff

import (
	"fmt"

	"github.com/born-ml/pipeline/internal/autodiff/ops"
	"github.com/born-ml/pipeline/internal/tensor"
)

// Fork branches a dependency token off x: returns a value branch carrying
// the same data, and a scalar token whose only purpose is holding an edge
// in the computation graph.
//
// Joining the token into another tensor later makes that tensor depend on
// x. Pipeline execution uses this to order micro-batch chunks without
// copying payload data between them.
//
// The edge is recorded even while the tape is not recording: feeds and
// fences run concurrently with compute, and a checkpointed forward
// suspending the recording flag must not sever them.
func (b *AutodiffBackend[B]) Fork(x *tensor.RawTensor) (*tensor.RawTensor, *tensor.RawTensor) {
	branch := x.Clone()

	token, err := tensor.NewRaw(tensor.Shape{}, tensor.Float32, b.Device())
	if err != nil {
		panic(fmt.Sprintf("fork: failed to create token: %v", err))
	}

	b.tape.RecordAlways(ops.NewForkOp(x, branch, token))
	return branch, token
}

// Join merges a dependency token into x: the result carries x's data but
// additionally depends on whatever the token was forked from. Like Fork,
// the edge is recorded regardless of the recording flag.
func (b *AutodiffBackend[B]) Join(x, token *tensor.RawTensor) *tensor.RawTensor {
	out := x.Clone()

	b.tape.RecordAlways(ops.NewJoinOp(x, token, out))
	return out
}

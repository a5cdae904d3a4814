package autodiff

import (
	"github.com/born-ml/pipeline/internal/tensor"
)

// CheckpointOp trades memory for compute: the forward pass runs without
// recording, so intermediate activations are not retained, and the
// backward pass reruns the function on a private sub-tape to recover
// them.
//
// Implements ops.MultiOutputOperation so a checkpointed function may
// return several tensors.
type CheckpointOp struct {
	inputs  []*tensor.RawTensor
	outputs []*tensor.RawTensor
	rerun   func() ([]*tensor.RawTensor, *GradientTape)
}

func (op *CheckpointOp) Inputs() []*tensor.RawTensor  { return op.inputs }
func (op *CheckpointOp) Output() *tensor.RawTensor    { return op.outputs[0] }
func (op *CheckpointOp) Outputs() []*tensor.RawTensor { return op.outputs }

func (op *CheckpointOp) Backward(_ *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	panic("CheckpointOp.Backward: multi-output operations go through BackwardMulti")
}

// BackwardMulti reruns the checkpointed function with recording enabled
// and backpropagates the recovered sub-tape, seeded with the gradients
// of the rerun outputs.
func (op *CheckpointOp) BackwardMulti(outputGrads []*tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	outputs, sub := op.rerun()

	seeds := make(map[*tensor.RawTensor]*tensor.RawTensor, len(outputs))
	for i, out := range outputs {
		if i < len(outputGrads) && outputGrads[i] != nil {
			seeds[out] = outputGrads[i]
		}
	}

	grads := sub.BackwardSeeded(seeds, backend)

	inputGrads := make([]*tensor.RawTensor, len(op.inputs))
	for i, in := range op.inputs {
		inputGrads[i] = grads[in]
	}
	return inputGrads
}

// Checkpoint runs fn with activation checkpointing.
//
// When the tape is recording, fn's internal operations are not recorded;
// instead a single CheckpointOp is placed on the tape. During backward,
// fn is rerun onto a fresh sub-tape to recompute the activations needed
// for its gradients. fn must be a pure function of inputs and of
// parameters reachable through the backend.
//
// Recording is suspended on the shared tape while fn runs, so callers
// must serialize ordinary operations on this backend with fn (partition
// execution does this with a per-device task queue). Fork and Join are
// exempt: dependency edges bypass the recording flag, so feeds and
// fences arriving from other goroutines keep their gradient edges.
//
// When the tape is not recording, fn runs directly.
func (b *AutodiffBackend[B]) Checkpoint(inputs []*tensor.RawTensor, fn func() []*tensor.RawTensor) []*tensor.RawTensor {
	if !b.tape.IsRecording() {
		return fn()
	}

	b.tape.StopRecording()
	outputs := fn()
	b.tape.StartRecording()

	for _, in := range inputs {
		// Keep input buffers alive and unmodified until the rerun.
		in.ForceNonUnique()
	}

	op := &CheckpointOp{
		inputs:  inputs,
		outputs: outputs,
		rerun: func() ([]*tensor.RawTensor, *GradientTape) {
			sub := NewGradientTape()
			prev := b.SwapTape(sub)
			sub.StartRecording()
			outs := fn()
			sub.StopRecording()
			b.SwapTape(prev)
			return outs, sub
		},
	}
	b.tape.Record(op)

	return outputs
}

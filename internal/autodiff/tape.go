package autodiff

import (
	"sync"

	"github.com/born-ml/pipeline/internal/autodiff/ops"
	"github.com/born-ml/pipeline/internal/tensor"
)

// GradientTape records operations during the forward pass and computes
// gradients during the backward pass using reverse-mode differentiation.
//
// The tape is goroutine-safe: partition executors running on the same
// device record onto a shared tape concurrently.
type GradientTape struct {
	mu         sync.Mutex
	operations []ops.Operation
	recording  bool
}

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return &GradientTape{
		operations: make([]ops.Operation, 0, 64),
	}
}

// StartRecording enables operation recording.
func (t *GradientTape) StartRecording() {
	t.mu.Lock()
	t.recording = true
	t.mu.Unlock()
}

// StopRecording disables operation recording.
func (t *GradientTape) StopRecording() {
	t.mu.Lock()
	t.recording = false
	t.mu.Unlock()
}

// IsRecording returns true if the tape is currently recording operations.
func (t *GradientTape) IsRecording() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recording
}

// Record adds an operation to the tape if recording is enabled.
func (t *GradientTape) Record(op ops.Operation) {
	t.mu.Lock()
	if t.recording {
		t.operations = append(t.operations, op)
	}
	t.mu.Unlock()
}

// RecordAlways adds an operation to the tape regardless of the
// recording flag. Dependency edges use this: a feed arriving from
// another goroutine while a checkpointed forward has recording
// suspended must still land on the tape, or its gradient edge is
// silently lost.
func (t *GradientTape) RecordAlways(op ops.Operation) {
	t.mu.Lock()
	t.operations = append(t.operations, op)
	t.mu.Unlock()
}

// Clear resets the tape, removing all recorded operations.
// Recording state is preserved.
func (t *GradientTape) Clear() {
	t.mu.Lock()
	t.operations = t.operations[:0]
	t.mu.Unlock()
}

// NumOps returns the number of recorded operations.
func (t *GradientTape) NumOps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.operations)
}

// Backward computes gradients for all inputs by walking the tape in
// reverse, seeding the last recorded operation's output with outputGrad.
//
// Returns a map from RawTensor identity to its accumulated gradient.
func (t *GradientTape) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	t.mu.Lock()
	if len(t.operations) == 0 {
		t.mu.Unlock()
		return make(map[*tensor.RawTensor]*tensor.RawTensor)
	}
	last := t.operations[len(t.operations)-1]
	t.mu.Unlock()

	return t.BackwardSeeded(map[*tensor.RawTensor]*tensor.RawTensor{last.Output(): outputGrad}, backend)
}

// BackwardSeeded computes gradients starting from an explicit set of
// output-gradient seeds instead of the last operation. Checkpointed
// recomputation uses this to backpropagate a sub-tape whose outputs
// received gradients from the enclosing tape.
func (t *GradientTape) BackwardSeeded(seeds map[*tensor.RawTensor]*tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	operations, wasRecording := t.snapshotForBackward()
	defer t.setRecording(wasRecording)

	grads := make(map[*tensor.RawTensor]*tensor.RawTensor, len(seeds))
	for out, grad := range seeds {
		grads[out] = grad
	}

	for i := len(operations) - 1; i >= 0; i-- {
		op := operations[i]
		inputGrads := computeInputGrads(op, grads, backend)
		if inputGrads == nil {
			continue
		}
		accumulateGrads(op, inputGrads, grads, backend)
	}

	return grads
}

// snapshotForBackward copies the operation list and disables recording,
// so backward-pass arithmetic does not append to the tape. The mutex is
// not held during the walk: operations' Backward methods call back into
// the backend, which checks IsRecording.
func (t *GradientTape) snapshotForBackward() ([]ops.Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	operations := make([]ops.Operation, len(t.operations))
	copy(operations, t.operations)
	wasRecording := t.recording
	t.recording = false
	return operations, wasRecording
}

func (t *GradientTape) setRecording(recording bool) {
	t.mu.Lock()
	t.recording = recording
	t.mu.Unlock()
}

// computeInputGrads computes gradients for an operation's inputs.
// Returns nil if no gradient flows to this operation.
func computeInputGrads(
	op ops.Operation,
	grads map[*tensor.RawTensor]*tensor.RawTensor,
	backend tensor.Backend,
) []*tensor.RawTensor {
	if multiOp, isMulti := op.(ops.MultiOutputOperation); isMulti {
		return computeMultiOutputGrads(multiOp, grads, backend)
	}

	outputGrad, hasGrad := grads[op.Output()]
	if !hasGrad {
		return nil
	}
	return op.Backward(outputGrad, backend)
}

// computeMultiOutputGrads collects gradients for all outputs of a
// multi-output operation, filling missing ones with zeros.
func computeMultiOutputGrads(
	multiOp ops.MultiOutputOperation,
	grads map[*tensor.RawTensor]*tensor.RawTensor,
	backend tensor.Backend,
) []*tensor.RawTensor {
	outputs := multiOp.Outputs()
	outputGrads := make([]*tensor.RawTensor, len(outputs))
	hasAnyGrad := false
	for j, out := range outputs {
		if grad, exists := grads[out]; exists {
			outputGrads[j] = grad
			hasAnyGrad = true
		}
	}
	if !hasAnyGrad {
		return nil
	}

	for j, out := range outputs {
		if outputGrads[j] != nil {
			continue
		}
		zeroGrad, err := tensor.NewRaw(out.Shape(), out.DType(), backend.Device())
		if err != nil {
			continue
		}
		outputGrads[j] = zeroGrad
	}

	return multiOp.BackwardMulti(outputGrads, backend)
}

// accumulateGrads adds input gradients into the gradient map, summing
// when the same tensor already has a gradient.
func accumulateGrads(
	op ops.Operation,
	inputGrads []*tensor.RawTensor,
	grads map[*tensor.RawTensor]*tensor.RawTensor,
	backend tensor.Backend,
) {
	inputs := op.Inputs()
	for j, input := range inputs {
		if j >= len(inputGrads) {
			break
		}
		inputGrad := inputGrads[j]
		if inputGrad == nil {
			continue
		}
		if existing, ok := grads[input]; ok {
			grads[input] = backend.Add(existing, inputGrad)
		} else {
			grads[input] = inputGrad
		}
	}
}

// Package nn provides neural network building blocks for pipeline
// execution.
//
// Layers implement the Stage interface, which works on raw tensors so a
// stage can take several inputs and produce several outputs, and so the
// same contract serves local and remote execution.
package nn

import "github.com/born-ml/pipeline/internal/tensor"

// Stage is a unit of computation placed on one pipeline partition.
//
// Forward consumes the stage's inputs in slot order and returns its
// outputs in slot order. Implementations must be safe to call from the
// executor goroutine that owns their device.
type Stage interface {
	Forward(inputs ...*tensor.RawTensor) []*tensor.RawTensor

	// Parameters returns the trainable parameters of this stage.
	Parameters() []*Parameter

	// SetTraining switches between training and evaluation behavior.
	SetTraining(training bool)

	// Training reports whether the stage is in training mode.
	Training() bool
}

package nn

import (
	"fmt"

	"github.com/born-ml/pipeline/internal/tensor"
)

// ReLU applies the rectified linear unit element-wise.
type ReLU struct {
	backend  tensor.Backend
	training bool
}

// NewReLU creates a new ReLU activation on the given backend.
func NewReLU(backend tensor.Backend) *ReLU {
	return &ReLU{backend: backend, training: true}
}

// Forward applies max(0, x).
func (r *ReLU) Forward(inputs ...*tensor.RawTensor) []*tensor.RawTensor {
	if len(inputs) != 1 {
		panic(fmt.Sprintf("ReLU.Forward: expected 1 input, got %d", len(inputs)))
	}
	return []*tensor.RawTensor{r.backend.ReLU(inputs[0])}
}

// Parameters returns no parameters.
func (r *ReLU) Parameters() []*Parameter {
	return nil
}

// SetTraining switches training mode.
func (r *ReLU) SetTraining(training bool) {
	r.training = training
}

// Training reports training mode.
func (r *ReLU) Training() bool {
	return r.training
}

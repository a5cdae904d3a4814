package nn

import (
	"fmt"

	"github.com/born-ml/pipeline/internal/tensor"
)

// Concat joins all of its inputs along one dimension. Used as the fan-in
// point of multi-branch pipelines.
type Concat struct {
	dim      int
	backend  tensor.Backend
	training bool
}

// NewConcat creates a Concat stage joining inputs along dim.
func NewConcat(dim int, backend tensor.Backend) *Concat {
	return &Concat{dim: dim, backend: backend, training: true}
}

// Forward concatenates the inputs.
func (c *Concat) Forward(inputs ...*tensor.RawTensor) []*tensor.RawTensor {
	if len(inputs) == 0 {
		panic("Concat.Forward: expected at least 1 input")
	}
	return []*tensor.RawTensor{c.backend.Cat(inputs, c.dim)}
}

// Parameters returns no parameters.
func (c *Concat) Parameters() []*Parameter {
	return nil
}

// SetTraining switches training mode.
func (c *Concat) SetTraining(training bool) {
	c.training = training
}

// Training reports training mode.
func (c *Concat) Training() bool {
	return c.training
}

// Split divides its single input into n equal parts along one dimension.
// Used as the fan-out point of multi-branch pipelines.
type Split struct {
	n        int
	dim      int
	backend  tensor.Backend
	training bool
}

// NewSplit creates a Split stage producing n outputs along dim.
func NewSplit(n, dim int, backend tensor.Backend) *Split {
	return &Split{n: n, dim: dim, backend: backend, training: true}
}

// Forward chunks the input into n parts.
func (s *Split) Forward(inputs ...*tensor.RawTensor) []*tensor.RawTensor {
	if len(inputs) != 1 {
		panic(fmt.Sprintf("Split.Forward: expected 1 input, got %d", len(inputs)))
	}
	return s.backend.Chunk(inputs[0], s.n, s.dim)
}

// Parameters returns no parameters.
func (s *Split) Parameters() []*Parameter {
	return nil
}

// SetTraining switches training mode.
func (s *Split) SetTraining(training bool) {
	s.training = training
}

// Training reports training mode.
func (s *Split) Training() bool {
	return s.training
}

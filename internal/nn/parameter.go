package nn

import "github.com/born-ml/pipeline/internal/tensor"

// Parameter represents a trainable parameter of a stage.
//
// The gradient is populated from the tape after a backward pass and
// cleared between iterations with ZeroGrad.
type Parameter struct {
	name  string
	value *tensor.RawTensor
	grad  *tensor.RawTensor
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, value *tensor.RawTensor) *Parameter {
	return &Parameter{name: name, value: value}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Value returns the parameter tensor.
func (p *Parameter) Value() *tensor.RawTensor {
	return p.value
}

// Grad returns the gradient tensor, or nil before the first backward
// pass.
func (p *Parameter) Grad() *tensor.RawTensor {
	return p.grad
}

// SetGrad sets the gradient tensor.
func (p *Parameter) SetGrad(grad *tensor.RawTensor) {
	p.grad = grad
}

// ZeroGrad clears the gradient.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}

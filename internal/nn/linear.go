package nn

import (
	"fmt"

	"github.com/born-ml/pipeline/internal/tensor"
)

// Linear implements a fully connected layer: y = x @ W^T + b.
//
// Weight shape is [outFeatures, inFeatures], bias shape [outFeatures].
// Weights use Xavier initialization, biases start at zero.
type Linear struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter
	bias        *Parameter
	backend     tensor.Backend
	training    bool
}

// NewLinear creates a new Linear layer on the given backend.
func NewLinear(inFeatures, outFeatures int, backend tensor.Backend) *Linear {
	weight := Xavier(tensor.Shape{outFeatures, inFeatures}, inFeatures, outFeatures, backend)
	bias := zeros(tensor.Shape{outFeatures}, backend)

	return &Linear{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter("weight", weight),
		bias:        NewParameter("bias", bias),
		backend:     backend,
		training:    true,
	}
}

// Forward computes y = x @ W^T + b for a [batch, inFeatures] input.
func (l *Linear) Forward(inputs ...*tensor.RawTensor) []*tensor.RawTensor {
	if len(inputs) != 1 {
		panic(fmt.Sprintf("Linear.Forward: expected 1 input, got %d", len(inputs)))
	}
	input := inputs[0]

	shape := input.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("Linear.Forward: expected 2D input [batch, features], got shape %v", shape))
	}
	if shape[1] != l.inFeatures {
		panic(fmt.Sprintf("Linear.Forward: expected input with %d features, got %d", l.inFeatures, shape[1]))
	}

	wT := l.backend.Transpose(l.weight.Value(), 1, 0)
	output := l.backend.MatMul(input, wT)

	bReshaped := l.backend.Reshape(l.bias.Value(), tensor.Shape{1, l.outFeatures})
	output = l.backend.Add(output, bReshaped)

	return []*tensor.RawTensor{output}
}

// Parameters returns [weight, bias].
func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.weight, l.bias}
}

// SetTraining switches training mode.
func (l *Linear) SetTraining(training bool) {
	l.training = training
}

// Training reports training mode.
func (l *Linear) Training() bool {
	return l.training
}

// Weight returns the weight parameter.
func (l *Linear) Weight() *Parameter {
	return l.weight
}

// Bias returns the bias parameter.
func (l *Linear) Bias() *Parameter {
	return l.bias
}

// InFeatures returns the number of input features.
func (l *Linear) InFeatures() int {
	return l.inFeatures
}

// OutFeatures returns the number of output features.
func (l *Linear) OutFeatures() int {
	return l.outFeatures
}

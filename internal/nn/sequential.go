package nn

import "github.com/born-ml/pipeline/internal/tensor"

// Sequential chains stages: each stage's outputs become the next stage's
// inputs.
type Sequential struct {
	stages []Stage
}

// NewSequential creates a new Sequential container.
func NewSequential(stages ...Stage) *Sequential {
	return &Sequential{stages: stages}
}

// Forward applies all stages in order.
func (s *Sequential) Forward(inputs ...*tensor.RawTensor) []*tensor.RawTensor {
	outputs := inputs
	for _, stage := range s.stages {
		outputs = stage.Forward(outputs...)
	}
	return outputs
}

// Parameters returns all trainable parameters from all stages.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, stage := range s.stages {
		params = append(params, stage.Parameters()...)
	}
	return params
}

// SetTraining switches training mode on every stage.
func (s *Sequential) SetTraining(training bool) {
	for _, stage := range s.stages {
		stage.SetTraining(training)
	}
}

// Training reports training mode of the first stage.
func (s *Sequential) Training() bool {
	if len(s.stages) == 0 {
		return false
	}
	return s.stages[0].Training()
}

// Add appends a stage to the sequence.
func (s *Sequential) Add(stage Stage) {
	s.stages = append(s.stages, stage)
}

// Len returns the number of stages.
func (s *Sequential) Len() int {
	return len(s.stages)
}

// Stage returns the stage at the given index.
func (s *Sequential) Stage(index int) Stage {
	if index < 0 || index >= len(s.stages) {
		panic("Sequential.Stage: index out of bounds")
	}
	return s.stages[index]
}

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the stage building blocks pipelines are composed
// of: layers, activations, and combinators over raw tensors.
package nn

import (
	"github.com/born-ml/pipeline/internal/nn"
	"github.com/born-ml/pipeline/internal/tensor"
)

// Stage is one unit of computation in a pipeline partition. A stage
// takes raw tensors and produces raw tensors on its backend.
type Stage = nn.Stage

// Parameter is a named trainable tensor held by a stage.
type Parameter = nn.Parameter

// NewParameter wraps a tensor as a named trainable parameter.
func NewParameter(name string, value *tensor.RawTensor) *Parameter {
	return nn.NewParameter(name, value)
}

// Linear is a fully connected layer: y = x W^T + b.
type Linear = nn.Linear

// NewLinear creates a linear layer with Xavier-initialized weights.
func NewLinear(inFeatures, outFeatures int, backend tensor.Backend) *Linear {
	return nn.NewLinear(inFeatures, outFeatures, backend)
}

// ReLU is the rectified linear activation stage.
type ReLU = nn.ReLU

// NewReLU creates a ReLU activation stage.
func NewReLU(backend tensor.Backend) *ReLU {
	return nn.NewReLU(backend)
}

// Concat joins its inputs along a dimension.
type Concat = nn.Concat

// NewConcat creates a stage concatenating all inputs along dim.
func NewConcat(dim int, backend tensor.Backend) *Concat {
	return nn.NewConcat(dim, backend)
}

// Split chunks its single input into n outputs along a dimension.
type Split = nn.Split

// NewSplit creates a stage splitting its input into n parts along dim.
func NewSplit(n, dim int, backend tensor.Backend) *Split {
	return nn.NewSplit(n, dim, backend)
}

// Sequential chains stages, feeding each stage's outputs to the next.
type Sequential = nn.Sequential

// NewSequential composes stages into one.
func NewSequential(stages ...Stage) *Sequential {
	return nn.NewSequential(stages...)
}

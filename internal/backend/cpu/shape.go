package cpu

import (
	"fmt"

	"github.com/born-ml/pipeline/internal/tensor"
)

// Reshape returns a tensor with the same data but a new shape.
// The element count must be preserved. The data is copied so the result
// has a distinct identity for the autodiff tape.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if t.NumElements() != newShape.NumElements() {
		panic(fmt.Sprintf("reshape: cannot reshape %v to %v", t.Shape(), newShape))
	}

	result, err := tensor.NewRaw(newShape, t.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("reshape: failed to create result tensor: %v", err))
	}
	copy(result.Data(), t.Data())
	return result
}

// Transpose permutes the tensor's dimensions. With no axes given, all
// dimensions are reversed (standard transpose for 2D).
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)

	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}
	if len(axes) != ndim {
		panic(fmt.Sprintf("transpose: expected %d axes, got %d", ndim, len(axes)))
	}

	newShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		newShape[i] = shape[ax]
	}

	result, err := tensor.NewRaw(newShape, t.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("transpose: failed to create result tensor: %v", err))
	}

	srcStrides := t.Strides()
	dstStrides := newShape.ComputeStrides()
	elem := t.DType().Size()
	srcData := t.Data()
	dstData := result.Data()

	n := t.NumElements()
	idx := make([]int, ndim)
	for flat := 0; flat < n; flat++ {
		rem := flat
		srcOff := 0
		for d := 0; d < ndim; d++ {
			idx[d] = rem / dstStrides[d]
			rem %= dstStrides[d]
			srcOff += idx[d] * srcStrides[axes[d]]
		}
		copy(dstData[flat*elem:(flat+1)*elem], srcData[srcOff*elem:(srcOff+1)*elem])
	}

	return result
}

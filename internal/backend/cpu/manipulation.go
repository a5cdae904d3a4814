package cpu

import (
	"fmt"

	"github.com/born-ml/pipeline/internal/tensor"
)

// Cat concatenates tensors along the given dimension. All tensors must
// share their shape except along dim. Negative dim counts from the end.
func (cpu *CPUBackend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	if len(tensors) == 0 {
		panic("cat: at least one tensor required")
	}

	first := tensors[0]
	ndim := len(first.Shape())
	if dim < 0 {
		dim += ndim
	}
	if dim < 0 || dim >= ndim {
		panic(fmt.Sprintf("cat: dimension %d out of range for %dD tensor", dim, ndim))
	}

	outShape := first.Shape().Clone()
	for _, t := range tensors[1:] {
		s := t.Shape()
		if len(s) != ndim {
			panic("cat: tensors must have the same number of dimensions")
		}
		for d := 0; d < ndim; d++ {
			if d != dim && s[d] != outShape[d] {
				panic(fmt.Sprintf("cat: shape mismatch at dimension %d: %v vs %v", d, first.Shape(), s))
			}
		}
		outShape[dim] += s[dim]
	}

	result, err := tensor.NewRaw(outShape, first.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("cat: failed to create result tensor: %v", err))
	}

	// Walk the tensors in blocks: "outer" iterates over dimensions before
	// dim, each tensor contributes a contiguous run per outer index.
	elem := first.DType().Size()
	outer := 1
	for d := 0; d < dim; d++ {
		outer *= outShape[d]
	}
	inner := elem
	for d := dim + 1; d < ndim; d++ {
		inner *= outShape[d]
	}

	dst := result.Data()
	dstOff := 0
	for o := 0; o < outer; o++ {
		for _, t := range tensors {
			run := t.Shape()[dim] * inner
			src := t.Data()[o*run : (o+1)*run]
			copy(dst[dstOff:dstOff+run], src)
			dstOff += run
		}
	}

	return result
}

// Chunk splits a tensor into n equal parts along dim.
// The dimension size must be divisible by n.
func (cpu *CPUBackend) Chunk(x *tensor.RawTensor, n, dim int) []*tensor.RawTensor {
	shape := x.Shape()
	ndim := len(shape)
	if dim < 0 {
		dim += ndim
	}
	if dim < 0 || dim >= ndim {
		panic(fmt.Sprintf("chunk: dimension %d out of range for %dD tensor", dim, ndim))
	}
	if shape[dim]%n != 0 {
		panic(fmt.Sprintf("chunk: dimension %d size %d not divisible by %d", dim, shape[dim], n))
	}

	partShape := shape.Clone()
	partShape[dim] = shape[dim] / n

	elem := x.DType().Size()
	outer := 1
	for d := 0; d < dim; d++ {
		outer *= shape[d]
	}
	inner := elem
	for d := dim + 1; d < ndim; d++ {
		inner *= shape[d]
	}
	partRun := partShape[dim] * inner
	fullRun := shape[dim] * inner

	src := x.Data()
	parts := make([]*tensor.RawTensor, n)
	for i := 0; i < n; i++ {
		part, err := tensor.NewRaw(partShape, x.DType(), cpu.device)
		if err != nil {
			panic(fmt.Sprintf("chunk: failed to create part tensor: %v", err))
		}
		dst := part.Data()
		for o := 0; o < outer; o++ {
			copy(dst[o*partRun:(o+1)*partRun], src[o*fullRun+i*partRun:o*fullRun+(i+1)*partRun])
		}
		parts[i] = part
	}

	return parts
}

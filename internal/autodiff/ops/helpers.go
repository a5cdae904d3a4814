package ops

import (
	"fmt"

	"github.com/born-ml/pipeline/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to match the target shape.
// Needed when broadcasting was used in the forward pass: dimensions the
// input did not have, or had as size 1, are summed away.
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	gradShape := grad.Shape()

	// Clone on the matching-shape path so accumulation never aliases a
	// gradient shared with another operation.
	if gradShape.Equal(targetShape) {
		return grad.Clone()
	}

	if len(targetShape) == 0 {
		return sumAll(grad)
	}

	// Sum away leading dimensions the target does not have.
	if len(targetShape) < len(gradShape) {
		for i := len(gradShape) - len(targetShape); i > 0; i-- {
			grad = sumAlongDimension(grad, 0)
		}
		gradShape = grad.Shape()
	}

	// Sum along dimensions where the target is 1.
	result := grad
	for i := range targetShape {
		if targetShape[i] == 1 && gradShape[i] > 1 {
			result = sumAlongDimension(result, i)
		}
	}

	if !result.Shape().Equal(targetShape) {
		result = backend.Reshape(result, targetShape)
	}
	return result
}

// sumAll sums all elements of a tensor to a scalar.
func sumAll(t *tensor.RawTensor) *tensor.RawTensor {
	result, err := tensor.NewRaw(tensor.Shape{}, t.DType(), t.Device())
	if err != nil {
		panic(fmt.Sprintf("sumAll: failed to create result: %v", err))
	}

	switch t.DType() {
	case tensor.Float32:
		var sum float32
		for _, v := range t.AsFloat32() {
			sum += v
		}
		result.AsFloat32()[0] = sum
	case tensor.Float64:
		var sum float64
		for _, v := range t.AsFloat64() {
			sum += v
		}
		result.AsFloat64()[0] = sum
	default:
		panic(fmt.Sprintf("sumAll: unsupported dtype %s", t.DType()))
	}

	return result
}

// sumAlongDimension sums a tensor along one dimension, keeping it as
// size 1 in the result.
func sumAlongDimension(t *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := t.Shape()
	if dim < 0 || dim >= len(shape) {
		panic(fmt.Sprintf("sumAlongDimension: invalid dimension %d for shape %v", dim, shape))
	}

	outShape := shape.Clone()
	outShape[dim] = 1

	result, err := tensor.NewRaw(outShape, t.DType(), t.Device())
	if err != nil {
		panic(fmt.Sprintf("sumAlongDimension: failed to create result: %v", err))
	}

	switch t.DType() {
	case tensor.Float32:
		sumDimKernel(t.AsFloat32(), result.AsFloat32(), shape, dim)
	case tensor.Float64:
		sumDimKernel(t.AsFloat64(), result.AsFloat64(), shape, dim)
	default:
		panic(fmt.Sprintf("sumAlongDimension: unsupported dtype %s", t.DType()))
	}

	return result
}

func sumDimKernel[T float32 | float64](data, result []T, shape tensor.Shape, dim int) {
	outer := 1
	for d := 0; d < dim; d++ {
		outer *= shape[d]
	}
	inner := 1
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}
	size := shape[dim]

	for o := 0; o < outer; o++ {
		for k := 0; k < size; k++ {
			base := (o*size + k) * inner
			out := o * inner
			for j := 0; j < inner; j++ {
				result[out+j] += data[base+j]
			}
		}
	}
}

// negateGradient returns -grad.
func negateGradient(grad *tensor.RawTensor, backend tensor.Backend) *tensor.RawTensor {
	return backend.MulScalar(grad, -1.0)
}

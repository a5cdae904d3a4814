package cpu

import "github.com/born-ml/pipeline/internal/tensor"

// kernelKind selects the arithmetic a binary kernel performs.
type kernelKind int

const (
	addKernel kernelKind = iota
	subKernel
	mulKernel
	divKernel
)

type number interface {
	~float32 | ~float64 | ~int32 | ~int64
}

func apply[T number](kind kernelKind, a, b T) T {
	switch kind {
	case addKernel:
		return a + b
	case subKernel:
		return a - b
	case mulKernel:
		return a * b
	case divKernel:
		return a / b
	default:
		panic("unknown kernel")
	}
}

// binaryDispatch picks the fast same-shape loop or the general broadcast
// loop for one dtype instantiation.
func binaryDispatch[T number](dst, a, b []T, aShape, bShape, outShape tensor.Shape, needsBroadcast bool, kind kernelKind) {
	if !needsBroadcast && aShape.Equal(bShape) {
		for i := range a {
			dst[i] = apply(kind, a[i], b[i])
		}
		return
	}
	binaryBroadcast(dst, a, b, aShape, bShape, outShape, kind)
}

// binaryBroadcast walks the output index space and maps each output
// position back to the (possibly size-1) source dimensions.
func binaryBroadcast[T number](dst, a, b []T, aShape, bShape, outShape tensor.Shape, kind kernelKind) {
	outStrides := outShape.ComputeStrides()
	aStrides := broadcastStrides(aShape, outShape)
	bStrides := broadcastStrides(bShape, outShape)

	n := outShape.NumElements()
	idx := make([]int, len(outShape))
	for flat := 0; flat < n; flat++ {
		rem := flat
		aOff, bOff := 0, 0
		for d := range outShape {
			idx[d] = rem / outStrides[d]
			rem %= outStrides[d]
			aOff += idx[d] * aStrides[d]
			bOff += idx[d] * bStrides[d]
		}
		dst[flat] = apply(kind, a[aOff], b[bOff])
	}
}

// broadcastStrides computes per-output-dimension strides into a source
// shape, with 0 for broadcast (size-1 or missing) dimensions.
func broadcastStrides(src, out tensor.Shape) []int {
	srcStrides := src.ComputeStrides()
	strides := make([]int, len(out))
	offset := len(out) - len(src)
	for d := range out {
		s := d - offset
		if s < 0 || src[s] == 1 {
			strides[d] = 0
		} else {
			strides[d] = srcStrides[s]
		}
	}
	return strides
}

func scalarApply[T number](dst, src []T, scalar T, kind kernelKind) {
	for i := range src {
		dst[i] = apply(kind, src[i], scalar)
	}
}

func reluApply[T number](dst, src []T) {
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		} else {
			dst[i] = 0
		}
	}
}

func toFloat32(scalar any) float32 {
	switch v := scalar.(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	default:
		panic("unsupported scalar type")
	}
}

func toFloat64(scalar any) float64 {
	switch v := scalar.(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int:
		return float64(v)
	default:
		panic("unsupported scalar type")
	}
}

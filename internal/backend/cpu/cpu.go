// Package cpu implements the CPU compute backend.
package cpu

import (
	"fmt"

	"github.com/born-ml/pipeline/internal/tensor"
)

// CPUBackend implements tensor operations on CPU.
type CPUBackend struct {
	device tensor.Device
}

// New creates a new CPU backend.
func New() *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", a, b, addKernel)
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("sub", a, b, subKernel)
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", a, b, mulKernel)
}

// Div performs element-wise division with broadcasting.
func (cpu *CPUBackend) Div(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("div", a, b, divKernel)
}

// binary dispatches an element-wise binary operation over the supported
// dtypes, picking the vectorized same-shape path or the broadcast path.
func (cpu *CPUBackend) binary(name string, a, b *tensor.RawTensor, kind kernelKind) *tensor.RawTensor {
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}

	result, err := tensor.NewRaw(outShape, a.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", name, err))
	}

	switch a.DType() {
	case tensor.Float32:
		binaryDispatch(result.AsFloat32(), a.AsFloat32(), b.AsFloat32(), a.Shape(), b.Shape(), outShape, needsBroadcast, kind)
	case tensor.Float64:
		binaryDispatch(result.AsFloat64(), a.AsFloat64(), b.AsFloat64(), a.Shape(), b.Shape(), outShape, needsBroadcast, kind)
	case tensor.Int32:
		binaryDispatch(result.AsInt32(), a.AsInt32(), b.AsInt32(), a.Shape(), b.Shape(), outShape, needsBroadcast, kind)
	case tensor.Int64:
		binaryDispatch(result.AsInt64(), a.AsInt64(), b.AsInt64(), a.Shape(), b.Shape(), outShape, needsBroadcast, kind)
	default:
		panic(name + ": unsupported dtype")
	}

	return result
}

// MulScalar multiplies every element by a scalar.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	return cpu.scalar("mulscalar", x, scalar, mulKernel)
}

// AddScalar adds a scalar to every element.
func (cpu *CPUBackend) AddScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	return cpu.scalar("addscalar", x, scalar, addKernel)
}

func (cpu *CPUBackend) scalar(name string, x *tensor.RawTensor, scalar any, kind kernelKind) *tensor.RawTensor {
	result, err := tensor.NewRaw(x.Shape(), x.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", name, err))
	}

	switch x.DType() {
	case tensor.Float32:
		scalarApply(result.AsFloat32(), x.AsFloat32(), toFloat32(scalar), kind)
	case tensor.Float64:
		scalarApply(result.AsFloat64(), x.AsFloat64(), toFloat64(scalar), kind)
	default:
		panic(name + ": unsupported dtype")
	}

	return result
}

// ReLU applies max(0, x) element-wise.
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	result, err := tensor.NewRaw(x.Shape(), x.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("relu: failed to create result tensor: %v", err))
	}

	switch x.DType() {
	case tensor.Float32:
		reluApply(result.AsFloat32(), x.AsFloat32())
	case tensor.Float64:
		reluApply(result.AsFloat64(), x.AsFloat64())
	default:
		panic("relu: unsupported dtype")
	}

	return result
}

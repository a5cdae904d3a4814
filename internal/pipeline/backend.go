package pipeline

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeline/internal/autodiff"
	"github.com/born-ml/pipeline/internal/backend/cpu"
	"github.com/born-ml/pipeline/internal/tensor"
)

// Backend is the compute surface a partition executes against: ordinary
// tensor operations plus the tape facilities pipelining needs to order
// chunks and checkpoint activations.
//
// *autodiff.AutodiffBackend satisfies this interface.
type Backend interface {
	tensor.Backend

	GetTape() *autodiff.GradientTape
	Fork(x *tensor.RawTensor) (*tensor.RawTensor, *tensor.RawTensor)
	Join(x, token *tensor.RawTensor) *tensor.RawTensor
	Checkpoint(inputs []*tensor.RawTensor, fn func() []*tensor.RawTensor) []*tensor.RawTensor
}

// newBackend creates the tape-wrapped backend for a device.
func newBackend(device tensor.Device) (Backend, error) {
	switch device {
	case tensor.CPU:
		b := autodiff.New(cpu.New())
		b.Tape().StartRecording()
		return b, nil
	default:
		return nil, errors.Wrapf(ErrPlacement, "no backend available for device %s", device)
	}
}

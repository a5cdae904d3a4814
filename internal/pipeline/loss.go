package pipeline

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeline/internal/tensor"
)

// LossFunc computes a scalar-like loss from a model output and a target
// on the given backend, so the result joins the backend's tape.
type LossFunc func(backend Backend, output, target *tensor.RawTensor) *tensor.RawTensor

// backendProvider is implemented by connections that can hand out the
// backend of an in-process worker. Remote-only connections cannot.
type backendProvider interface {
	WorkerBackend(worker string, device tensor.Device) (Backend, error)
}

// WorkerBackend returns the backend of a local worker's device.
func (c *LocalConn) WorkerBackend(worker string, device tensor.Device) (Backend, error) {
	w, err := c.worker(worker)
	if err != nil {
		return nil, err
	}
	return w.Backend(device)
}

// TerminalBackend returns the backend of the final partition's device,
// the one whose tape holds the gathered output. Only available when the
// terminal worker lives in this process.
func (p *Pipeline) TerminalBackend() (Backend, error) {
	provider, ok := p.conn.(backendProvider)
	if !ok {
		return nil, errors.Wrap(ErrPlacement, "connection cannot expose remote backends")
	}
	last := p.partitions[len(p.partitions)-1]
	return provider.WorkerBackend(last.worker, last.device)
}

// Loss applies fn on the terminal partition's backend, keeping the loss
// on the same tape as the forward pass so a backward from it reaches the
// pipeline's parameters.
func (p *Pipeline) Loss(fn LossFunc, output, target *tensor.RawTensor) (*tensor.RawTensor, error) {
	backend, err := p.TerminalBackend()
	if err != nil {
		return nil, err
	}
	return fn(backend, output, target), nil
}

// MSELoss computes the mean squared error between output and target.
func MSELoss(b Backend, output, target *tensor.RawTensor) *tensor.RawTensor {
	diff := b.Sub(output, target)
	sq := b.Mul(diff, diff)

	n := sq.NumElements()
	flat := b.Reshape(sq, tensor.Shape{1, n})

	ones, err := tensor.NewRaw(tensor.Shape{n, 1}, sq.DType(), b.Device())
	if err != nil {
		panic(fmt.Sprintf("mse: failed to create ones: %v", err))
	}
	switch sq.DType() {
	case tensor.Float32:
		data := ones.AsFloat32()
		for i := range data {
			data[i] = 1
		}
	case tensor.Float64:
		data := ones.AsFloat64()
		for i := range data {
			data[i] = 1
		}
	default:
		panic("mse: unsupported dtype")
	}

	sum := b.MatMul(flat, ones)
	return b.MulScalar(sum, 1.0/float64(n))
}

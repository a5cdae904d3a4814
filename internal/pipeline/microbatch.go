package pipeline

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeline/internal/tensor"
)

// scatter splits a mini-batch into micro-batch chunks along dimension 0.
//
// When the batch size is not divisible by chunks, the first batchSize %
// chunks parts get one extra row, so chunk sizes differ by at most one.
func scatter(input *tensor.RawTensor, chunks int) ([]*tensor.RawTensor, error) {
	shape := input.Shape()
	if len(shape) == 0 {
		return nil, errors.Wrap(ErrConfig, "cannot scatter a scalar input")
	}
	rows := shape[0]
	if rows < chunks {
		return nil, errors.Wrapf(ErrConfig, "batch of %d rows cannot be split into %d chunks", rows, chunks)
	}

	base := rows / chunks
	extra := rows % chunks

	rowBytes := input.ByteSize() / rows
	src := input.Data()

	parts := make([]*tensor.RawTensor, chunks)
	offset := 0
	for i := 0; i < chunks; i++ {
		size := base
		if i < extra {
			size++
		}

		partShape := shape.Clone()
		partShape[0] = size
		part, err := tensor.NewRaw(partShape, input.DType(), input.Device())
		if err != nil {
			return nil, errors.Wrapf(ErrInternal, "allocating chunk %d: %v", i, err)
		}
		copy(part.Data(), src[offset*rowBytes:(offset+size)*rowBytes])

		parts[i] = part
		offset += size
	}

	return parts, nil
}

// gather concatenates micro-batch outputs back into one mini-batch along
// dimension 0, on the given backend so the concatenation lands on the
// tape.
func gather(backend tensor.Backend, parts []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(parts) == 0 {
		return nil, errors.Wrap(ErrInternal, "gather of zero chunks")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return backend.Cat(parts, 0), nil
}

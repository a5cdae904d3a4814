package rpc

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeline/internal/pipeline"
	"github.com/born-ml/pipeline/internal/tensor"
)

// TensorWire is the gob representation of a raw tensor. The receiving
// worker materializes it on its own device.
type TensorWire struct {
	Shape []int
	DType tensor.DataType
	Data  []byte
}

func toWire(t *tensor.RawTensor) *TensorWire {
	if t == nil {
		return nil
	}
	data := make([]byte, t.ByteSize())
	copy(data, t.Data())
	return &TensorWire{
		Shape: append([]int(nil), t.Shape()...),
		DType: t.DType(),
		Data:  data,
	}
}

func fromWire(w *TensorWire, device tensor.Device) (*tensor.RawTensor, error) {
	if w == nil {
		return nil, nil
	}
	raw, err := tensor.NewRaw(tensor.Shape(w.Shape), w.DType, device)
	if err != nil {
		return nil, errors.Wrap(err, "decoding tensor")
	}
	if len(w.Data) != raw.ByteSize() {
		return nil, errors.Errorf("decoding tensor: payload has %d bytes, shape %v needs %d",
			len(w.Data), w.Shape, raw.ByteSize())
	}
	copy(raw.Data(), w.Data)
	return raw, nil
}

// Request and response messages of the Worker service.

type CreateModuleRequest struct {
	Spec pipeline.ModuleSpec
}

type CreateModuleResponse struct {
	ID pipeline.ModuleID
}

type CreateHandlerRequest struct {
	Spec pipeline.HandlerSpec
}

type CreateHandlerResponse struct {
	ID pipeline.HandlerID
}

type CreateRecordRequest struct {
	Spec pipeline.RecordSpec
}

type CreateRecordResponse struct {
	ID pipeline.RecordID
}

type RunRecordRequest struct {
	ID pipeline.RecordID
}

type RunRecordResponse struct {
	Output *TensorWire
}

type FeedRequest struct {
	ID    pipeline.RecordID
	Chunk int
	Slot  int
	Value *TensorWire
}

type FeedResponse struct {
	Token pipeline.TokenRef
}

type AbortRequest struct {
	ID     pipeline.RecordID
	Reason string
}

type ParametersRequest struct {
	ID pipeline.HandlerID
}

type ParametersResponse struct {
	Refs []pipeline.ParamRef
}

type FetchParameterRequest struct {
	Ref pipeline.ParamRef
}

type FetchParameterResponse struct {
	Value *TensorWire
}

type SetTrainingRequest struct {
	ID       pipeline.HandlerID
	Training bool
}

type Empty struct{}

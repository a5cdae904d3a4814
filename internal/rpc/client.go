package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/born-ml/pipeline/internal/pipeline"
	"github.com/born-ml/pipeline/internal/tensor"
)

// Client talks to one remote worker.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to a worker's endpoint.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc}, nil
}

// NewClient wraps an existing connection, used with in-memory listeners
// in tests.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.cc.Close()
}

func invoke[Req, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	resp := new(Resp)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CreateModule(ctx context.Context, spec pipeline.ModuleSpec) (pipeline.ModuleID, error) {
	resp, err := invoke[CreateModuleRequest, CreateModuleResponse](ctx, c, "CreateModule", &CreateModuleRequest{Spec: spec})
	if err != nil {
		return pipeline.ModuleID{}, err
	}
	return resp.ID, nil
}

func (c *Client) CreateHandler(ctx context.Context, spec pipeline.HandlerSpec) (pipeline.HandlerID, error) {
	resp, err := invoke[CreateHandlerRequest, CreateHandlerResponse](ctx, c, "CreateHandler", &CreateHandlerRequest{Spec: spec})
	if err != nil {
		return pipeline.HandlerID{}, err
	}
	return resp.ID, nil
}

func (c *Client) CreateRecord(ctx context.Context, spec pipeline.RecordSpec) (pipeline.RecordID, error) {
	resp, err := invoke[CreateRecordRequest, CreateRecordResponse](ctx, c, "CreateRecord", &CreateRecordRequest{Spec: spec})
	if err != nil {
		return pipeline.RecordID{}, err
	}
	return resp.ID, nil
}

func (c *Client) RunRecord(ctx context.Context, id pipeline.RecordID) (*tensor.RawTensor, error) {
	resp, err := invoke[RunRecordRequest, RunRecordResponse](ctx, c, "RunRecord", &RunRecordRequest{ID: id})
	if err != nil {
		return nil, err
	}
	return fromWire(resp.Output, tensor.CPU)
}

func (c *Client) Feed(ctx context.Context, id pipeline.RecordID, chunk, slot int, value *tensor.RawTensor) (pipeline.TokenRef, error) {
	resp, err := invoke[FeedRequest, FeedResponse](ctx, c, "Feed", &FeedRequest{ID: id, Chunk: chunk, Slot: slot, Value: toWire(value)})
	if err != nil {
		return pipeline.TokenRef{}, err
	}
	return resp.Token, nil
}

func (c *Client) Abort(ctx context.Context, id pipeline.RecordID, reason string) error {
	_, err := invoke[AbortRequest, Empty](ctx, c, "Abort", &AbortRequest{ID: id, Reason: reason})
	return err
}

func (c *Client) Parameters(ctx context.Context, id pipeline.HandlerID) ([]pipeline.ParamRef, error) {
	resp, err := invoke[ParametersRequest, ParametersResponse](ctx, c, "Parameters", &ParametersRequest{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Refs, nil
}

func (c *Client) FetchParameter(ctx context.Context, ref pipeline.ParamRef) (*tensor.RawTensor, error) {
	resp, err := invoke[FetchParameterRequest, FetchParameterResponse](ctx, c, "FetchParameter", &FetchParameterRequest{Ref: ref})
	if err != nil {
		return nil, err
	}
	return fromWire(resp.Value, tensor.CPU)
}

func (c *Client) SetTraining(ctx context.Context, id pipeline.HandlerID, training bool) error {
	_, err := invoke[SetTrainingRequest, Empty](ctx, c, "SetTraining", &SetTrainingRequest{ID: id, Training: training})
	return err
}

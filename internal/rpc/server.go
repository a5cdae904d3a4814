package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/born-ml/pipeline/internal/pipeline"
	"github.com/born-ml/pipeline/internal/tensor"
)

// ServiceName is the full gRPC service name workers register under.
const ServiceName = "bornpipeline.Worker"

// Server exposes one pipeline worker over gRPC.
type Server struct {
	worker *pipeline.Worker
}

// NewServer wraps a worker for serving.
func NewServer(worker *pipeline.Worker) *Server {
	return &Server{worker: worker}
}

// Register attaches the worker service to a gRPC server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) createModule(ctx context.Context, req *CreateModuleRequest) (*CreateModuleResponse, error) {
	id, err := s.worker.CreateModule(ctx, req.Spec)
	if err != nil {
		return nil, err
	}
	return &CreateModuleResponse{ID: id}, nil
}

func (s *Server) createHandler(ctx context.Context, req *CreateHandlerRequest) (*CreateHandlerResponse, error) {
	id, err := s.worker.CreateHandler(ctx, req.Spec)
	if err != nil {
		return nil, err
	}
	return &CreateHandlerResponse{ID: id}, nil
}

func (s *Server) createRecord(ctx context.Context, req *CreateRecordRequest) (*CreateRecordResponse, error) {
	id, err := s.worker.CreateRecord(ctx, req.Spec)
	if err != nil {
		return nil, err
	}
	return &CreateRecordResponse{ID: id}, nil
}

func (s *Server) runRecord(ctx context.Context, req *RunRecordRequest) (*RunRecordResponse, error) {
	out, err := s.worker.RunRecord(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &RunRecordResponse{Output: toWire(out)}, nil
}

func (s *Server) feed(ctx context.Context, req *FeedRequest) (*FeedResponse, error) {
	value, err := fromWire(req.Value, tensor.CPU)
	if err != nil {
		return nil, err
	}
	token, err := s.worker.Feed(ctx, req.ID, req.Chunk, req.Slot, value)
	if err != nil {
		return nil, err
	}
	return &FeedResponse{Token: token}, nil
}

func (s *Server) abort(ctx context.Context, req *AbortRequest) (*Empty, error) {
	if err := s.worker.Abort(ctx, req.ID, req.Reason); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) parameters(ctx context.Context, req *ParametersRequest) (*ParametersResponse, error) {
	refs, err := s.worker.HandlerParameters(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &ParametersResponse{Refs: refs}, nil
}

func (s *Server) fetchParameter(_ context.Context, req *FetchParameterRequest) (*FetchParameterResponse, error) {
	value, err := s.worker.ParameterTensor(req.Ref)
	if err != nil {
		return nil, err
	}
	return &FetchParameterResponse{Value: toWire(value)}, nil
}

func (s *Server) setTraining(ctx context.Context, req *SetTrainingRequest) (*Empty, error) {
	if err := s.worker.SetHandlerTraining(ctx, req.ID, req.Training); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// unary adapts a typed method to the grpc.MethodDesc handler shape the
// generated code normally provides.
func unary[Req, Resp any](method string, call func(*Server, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	// HandlerType must be a pointer to an interface type; grpc only uses it
	// for a reflection Implements check against the registered server.
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateModule", Handler: unary("CreateModule", (*Server).createModule)},
		{MethodName: "CreateHandler", Handler: unary("CreateHandler", (*Server).createHandler)},
		{MethodName: "CreateRecord", Handler: unary("CreateRecord", (*Server).createRecord)},
		{MethodName: "RunRecord", Handler: unary("RunRecord", (*Server).runRecord)},
		{MethodName: "Feed", Handler: unary("Feed", (*Server).feed)},
		{MethodName: "Abort", Handler: unary("Abort", (*Server).abort)},
		{MethodName: "Parameters", Handler: unary("Parameters", (*Server).parameters)},
		{MethodName: "FetchParameter", Handler: unary("FetchParameter", (*Server).fetchParameter)},
		{MethodName: "SetTraining", Handler: unary("SetTraining", (*Server).setTraining)},
	},
	Streams: []grpc.StreamDesc{},
}

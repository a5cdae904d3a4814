package rpc

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/pipeline/internal/pipeline"
	"github.com/born-ml/pipeline/internal/tensor"
)

// Group routes pipeline control calls across a mixed set of workers:
// in-process workers get direct calls, remote ones go over gRPC. It is
// the multi-process counterpart of pipeline.LocalConn.
type Group struct {
	locals  map[string]*pipeline.Worker
	remotes map[string]*Client
}

var _ pipeline.Conn = (*Group)(nil)

// NewGroup creates an empty worker group.
func NewGroup() *Group {
	return &Group{
		locals:  make(map[string]*pipeline.Worker),
		remotes: make(map[string]*Client),
	}
}

// AddLocal registers an in-process worker and hands it the group for
// forwarding.
func (g *Group) AddLocal(w *pipeline.Worker) {
	g.locals[w.Name()] = w
	w.SetConn(g)
}

// AddRemote registers a remote worker reachable through the client.
func (g *Group) AddRemote(name string, c *Client) {
	g.remotes[name] = c
}

// Close closes all remote connections.
func (g *Group) Close() error {
	var firstErr error
	for _, c := range g.remotes {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *Group) route(worker string) (*pipeline.Worker, *Client, error) {
	if w, ok := g.locals[worker]; ok {
		return w, nil, nil
	}
	if c, ok := g.remotes[worker]; ok {
		return nil, c, nil
	}
	return nil, nil, errors.Wrapf(pipeline.ErrPlacement, "unknown worker %q", worker)
}

// WorkerBackend returns the backend of a local worker's device. Remote
// workers keep their backends to themselves.
func (g *Group) WorkerBackend(worker string, device tensor.Device) (pipeline.Backend, error) {
	w, ok := g.locals[worker]
	if !ok {
		return nil, errors.Wrapf(pipeline.ErrPlacement, "worker %q is not in this process", worker)
	}
	return w.Backend(device)
}

func (g *Group) CreateModule(ctx context.Context, worker string, spec pipeline.ModuleSpec) (pipeline.ModuleID, error) {
	w, c, err := g.route(worker)
	if err != nil {
		return uuid.Nil, err
	}
	if w != nil {
		return w.CreateModule(ctx, spec)
	}
	return c.CreateModule(ctx, spec)
}

func (g *Group) CreateHandler(ctx context.Context, worker string, spec pipeline.HandlerSpec) (pipeline.HandlerID, error) {
	w, c, err := g.route(worker)
	if err != nil {
		return uuid.Nil, err
	}
	if w != nil {
		return w.CreateHandler(ctx, spec)
	}
	return c.CreateHandler(ctx, spec)
}

func (g *Group) CreateRecord(ctx context.Context, worker string, spec pipeline.RecordSpec) (pipeline.RecordID, error) {
	w, c, err := g.route(worker)
	if err != nil {
		return uuid.Nil, err
	}
	if w != nil {
		return w.CreateRecord(ctx, spec)
	}
	return c.CreateRecord(ctx, spec)
}

func (g *Group) RunRecord(ctx context.Context, worker string, id pipeline.RecordID) (*tensor.RawTensor, error) {
	w, c, err := g.route(worker)
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w.RunRecord(ctx, id)
	}
	return c.RunRecord(ctx, id)
}

func (g *Group) Feed(ctx context.Context, worker string, id pipeline.RecordID, chunk, slot int, value *tensor.RawTensor) (pipeline.TokenRef, error) {
	w, c, err := g.route(worker)
	if err != nil {
		return pipeline.TokenRef{}, err
	}
	if w != nil {
		return w.Feed(ctx, id, chunk, slot, value)
	}
	return c.Feed(ctx, id, chunk, slot, value)
}

func (g *Group) Abort(ctx context.Context, worker string, id pipeline.RecordID, reason string) error {
	w, c, err := g.route(worker)
	if err != nil {
		return err
	}
	if w != nil {
		return w.Abort(ctx, id, reason)
	}
	return c.Abort(ctx, id, reason)
}

func (g *Group) Parameters(ctx context.Context, worker string, id pipeline.HandlerID) ([]pipeline.ParamRef, error) {
	w, c, err := g.route(worker)
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w.HandlerParameters(ctx, id)
	}
	return c.Parameters(ctx, id)
}

func (g *Group) FetchParameter(ctx context.Context, ref pipeline.ParamRef) (*tensor.RawTensor, error) {
	w, c, err := g.route(ref.Worker)
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w.ParameterTensor(ref)
	}
	return c.FetchParameter(ctx, ref)
}

func (g *Group) SetTraining(ctx context.Context, worker string, id pipeline.HandlerID, training bool) error {
	w, c, err := g.route(worker)
	if err != nil {
		return err
	}
	if w != nil {
		return w.SetHandlerTraining(ctx, id, training)
	}
	return c.SetTraining(ctx, id, training)
}

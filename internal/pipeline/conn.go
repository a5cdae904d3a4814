package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/pipeline/internal/tensor"
)

// Identifiers for worker-resident objects. They are opaque to everyone
// but the worker that issued them.
type (
	ModuleID  = uuid.UUID
	HandlerID = uuid.UUID
	RecordID  = uuid.UUID
	TokenID   = uuid.UUID
)

// ModuleSpec describes a stage to instantiate on a worker.
type ModuleSpec struct {
	Stage  string
	Device tensor.Device
}

// HandlerSpec describes a partition executor to create on a worker. The
// modules listed run as one unit: the first may take several inputs,
// outputs of each feed the next, and the last one's outputs leave the
// partition.
type HandlerSpec struct {
	Modules        []ModuleID
	Device         tensor.Device
	NumInputs      int
	NumOutputs     int
	Rank           int
	Chunks         int
	CheckpointStop int
}

// RecordRef names a chunk-sync record on a specific worker.
type RecordRef struct {
	Worker string
	ID     RecordID
}

// TokenRef names a dependency token on a specific worker.
type TokenRef struct {
	Worker string
	ID     TokenID
}

// UserSpec identifies one consumer of a partition's output: output slot
// OutputSlot feeds input slot InputSlot of the consumer's record.
type UserSpec struct {
	Record     RecordRef
	InputSlot  int
	OutputSlot int
}

// RecordSpec describes a chunk-sync record to create for one partition
// and one mini-batch.
type RecordSpec struct {
	Handler HandlerID
	Users   []UserSpec
}

// ParamRef names a trainable parameter held by a worker.
type ParamRef struct {
	Worker  string
	Handler HandlerID
	Index   int
	Name    string
}

// Conn is the control surface over a group of workers. The orchestrator
// uses it to set up and drive partitions; workers use it to forward
// chunk outputs downstream. Implementations route by worker name.
type Conn interface {
	// CreateModule instantiates a registered stage on a worker.
	CreateModule(ctx context.Context, worker string, spec ModuleSpec) (ModuleID, error)

	// CreateHandler creates a partition executor on a worker.
	CreateHandler(ctx context.Context, worker string, spec HandlerSpec) (HandlerID, error)

	// CreateRecord creates a chunk-sync record for one mini-batch.
	CreateRecord(ctx context.Context, worker string, spec RecordSpec) (RecordID, error)

	// RunRecord processes all chunks of a record, blocking until the
	// last chunk has been forwarded. For a terminal partition it
	// returns the gathered mini-batch output; otherwise nil.
	RunRecord(ctx context.Context, worker string, id RecordID) (*tensor.RawTensor, error)

	// Feed delivers one input tensor of one chunk to a record and
	// returns a token the sender may join into its later chunks.
	Feed(ctx context.Context, worker string, id RecordID, chunk, slot int, value *tensor.RawTensor) (TokenRef, error)

	// Abort fails a record, unblocking anything waiting on it.
	Abort(ctx context.Context, worker string, id RecordID, reason string) error

	// Parameters lists the trainable parameters of a partition.
	Parameters(ctx context.Context, worker string, id HandlerID) ([]ParamRef, error)

	// FetchParameter resolves a parameter reference to its tensor.
	FetchParameter(ctx context.Context, ref ParamRef) (*tensor.RawTensor, error)

	// SetTraining switches a partition between training and eval mode.
	SetTraining(ctx context.Context, worker string, id HandlerID, training bool) error
}

// LocalConn connects workers living in the same process by direct calls.
type LocalConn struct {
	workers map[string]*Worker
}

var _ Conn = (*LocalConn)(nil)

// NewLocalConn builds a connection over in-process workers and hands
// each of them the connection for forwarding.
func NewLocalConn(workers ...*Worker) *LocalConn {
	conn := &LocalConn{workers: make(map[string]*Worker, len(workers))}
	for _, w := range workers {
		conn.workers[w.Name()] = w
		w.SetConn(conn)
	}
	return conn
}

func (c *LocalConn) worker(name string) (*Worker, error) {
	w, ok := c.workers[name]
	if !ok {
		return nil, errors.Wrapf(ErrPlacement, "unknown worker %q", name)
	}
	return w, nil
}

func (c *LocalConn) CreateModule(ctx context.Context, worker string, spec ModuleSpec) (ModuleID, error) {
	w, err := c.worker(worker)
	if err != nil {
		return uuid.Nil, err
	}
	return w.CreateModule(ctx, spec)
}

func (c *LocalConn) CreateHandler(ctx context.Context, worker string, spec HandlerSpec) (HandlerID, error) {
	w, err := c.worker(worker)
	if err != nil {
		return uuid.Nil, err
	}
	return w.CreateHandler(ctx, spec)
}

func (c *LocalConn) CreateRecord(ctx context.Context, worker string, spec RecordSpec) (RecordID, error) {
	w, err := c.worker(worker)
	if err != nil {
		return uuid.Nil, err
	}
	return w.CreateRecord(ctx, spec)
}

func (c *LocalConn) RunRecord(ctx context.Context, worker string, id RecordID) (*tensor.RawTensor, error) {
	w, err := c.worker(worker)
	if err != nil {
		return nil, err
	}
	return w.RunRecord(ctx, id)
}

func (c *LocalConn) Feed(ctx context.Context, worker string, id RecordID, chunk, slot int, value *tensor.RawTensor) (TokenRef, error) {
	w, err := c.worker(worker)
	if err != nil {
		return TokenRef{}, err
	}
	return w.Feed(ctx, id, chunk, slot, value)
}

func (c *LocalConn) Abort(ctx context.Context, worker string, id RecordID, reason string) error {
	w, err := c.worker(worker)
	if err != nil {
		return err
	}
	return w.Abort(ctx, id, reason)
}

func (c *LocalConn) Parameters(ctx context.Context, worker string, id HandlerID) ([]ParamRef, error) {
	w, err := c.worker(worker)
	if err != nil {
		return nil, err
	}
	return w.HandlerParameters(ctx, id)
}

func (c *LocalConn) FetchParameter(_ context.Context, ref ParamRef) (*tensor.RawTensor, error) {
	w, err := c.worker(ref.Worker)
	if err != nil {
		return nil, err
	}
	return w.ParameterTensor(ref)
}

func (c *LocalConn) SetTraining(ctx context.Context, worker string, id HandlerID, training bool) error {
	w, err := c.worker(worker)
	if err != nil {
		return err
	}
	return w.SetHandlerTraining(ctx, id, training)
}

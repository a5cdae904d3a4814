package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeline/internal/nn"
	"github.com/born-ml/pipeline/internal/tensor"
)

// Worker owns the modules, partition executors, records and dependency
// tokens living on one node of the pipeline group. Each device gets one
// lazily-created backend and one task queue; everything placed on that
// device shares them, so one tape sees the device's whole operation
// stream.
type Worker struct {
	name string
	conn Conn

	mu       sync.Mutex
	backends map[tensor.Device]Backend
	queues   map[tensor.Device]*taskQueue
	stages   map[ModuleID]*stageEntry
	handlers map[HandlerID]*Handler
	records  map[RecordID]*recordEntry
	tokens   map[TokenID]*tensor.RawTensor
}

type stageEntry struct {
	stage  nn.Stage
	device tensor.Device
}

type recordEntry struct {
	record  *Record
	handler *Handler
}

// NewWorker creates a named worker. The connection is attached later by
// the group that routes between workers.
func NewWorker(name string) *Worker {
	return &Worker{
		name:     name,
		backends: make(map[tensor.Device]Backend),
		queues:   make(map[tensor.Device]*taskQueue),
		stages:   make(map[ModuleID]*stageEntry),
		handlers: make(map[HandlerID]*Handler),
		records:  make(map[RecordID]*recordEntry),
		tokens:   make(map[TokenID]*tensor.RawTensor),
	}
}

// Name returns the worker's name in the group.
func (w *Worker) Name() string { return w.name }

// SetConn attaches the group connection used for forwarding.
func (w *Worker) SetConn(conn Conn) { w.conn = conn }

// Conn returns the group connection.
func (w *Worker) Conn() Conn { return w.conn }

// Backend returns the tape-wrapped backend for a device, creating it on
// first use.
func (w *Worker) Backend(device tensor.Device) (Backend, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backendLocked(device)
}

func (w *Worker) backendLocked(device tensor.Device) (Backend, error) {
	if b, ok := w.backends[device]; ok {
		return b, nil
	}
	b, err := newBackend(device)
	if err != nil {
		return nil, err
	}
	w.backends[device] = b
	w.queues[device] = newTaskQueue(device)
	return b, nil
}

// CreateModule instantiates a registered stage on this worker.
func (w *Worker) CreateModule(_ context.Context, spec ModuleSpec) (ModuleID, error) {
	factory, err := lookupStage(spec.Stage)
	if err != nil {
		return uuid.Nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	backend, err := w.backendLocked(spec.Device)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	w.stages[id] = &stageEntry{stage: factory(backend), device: spec.Device}
	klog.V(1).Infof("worker %s: created module %s (%s) on %s", w.name, id, spec.Stage, spec.Device)
	return id, nil
}

// CreateHandler composes the listed modules into one partition executor.
// All modules must already live on this worker and on the spec's device.
func (w *Worker) CreateHandler(_ context.Context, spec HandlerSpec) (HandlerID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(spec.Modules) == 0 {
		return uuid.Nil, errors.Wrap(ErrInternal, "handler with no modules")
	}

	stages := make([]nn.Stage, len(spec.Modules))
	for i, mid := range spec.Modules {
		entry, ok := w.stages[mid]
		if !ok {
			return uuid.Nil, errors.Wrapf(ErrPlacement, "module %s does not live on worker %s", mid, w.name)
		}
		if entry.device != spec.Device {
			return uuid.Nil, errors.Wrapf(ErrPlacement, "module %s is on %s, partition expects %s",
				mid, entry.device, spec.Device)
		}
		stages[i] = entry.stage
	}

	var stage nn.Stage
	if len(stages) == 1 {
		stage = stages[0]
	} else {
		stage = nn.NewSequential(stages...)
	}

	backend, err := w.backendLocked(spec.Device)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	w.handlers[id] = newHandler(id, w, stage, spec, backend, w.queues[spec.Device])
	klog.V(1).Infof("worker %s: created handler %s rank=%d chunks=%d", w.name, id, spec.Rank, spec.Chunks)
	return id, nil
}

// CreateRecord creates a chunk-sync record for one mini-batch on one of
// this worker's partitions.
func (w *Worker) CreateRecord(_ context.Context, spec RecordSpec) (RecordID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	h, ok := w.handlers[spec.Handler]
	if !ok {
		return uuid.Nil, errors.Wrapf(ErrInternal, "unknown handler %s on worker %s", spec.Handler, w.name)
	}

	id := uuid.New()
	w.records[id] = &recordEntry{record: h.makeRecord(spec.Users), handler: h}
	return id, nil
}

func (w *Worker) recordEntry(id RecordID) (*recordEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.records[id]
	if !ok {
		return nil, errors.Wrapf(ErrInternal, "unknown record %s on worker %s", id, w.name)
	}
	return entry, nil
}

// RunRecord processes all chunks of a record, blocking until done. For
// a terminal partition it returns the gathered mini-batch output.
func (w *Worker) RunRecord(ctx context.Context, id RecordID) (*tensor.RawTensor, error) {
	entry, err := w.recordEntry(id)
	if err != nil {
		return nil, err
	}
	return entry.handler.run(ctx, entry.record)
}

// Feed delivers one input tensor of one chunk to a record and returns a
// token reference for the sender's fence.
func (w *Worker) Feed(_ context.Context, id RecordID, chunk, slot int, value *tensor.RawTensor) (TokenRef, error) {
	entry, err := w.recordEntry(id)
	if err != nil {
		return TokenRef{}, err
	}

	token, err := entry.record.Feed(chunk, slot, value)
	if err != nil {
		return TokenRef{}, err
	}

	ref := TokenRef{Worker: w.name, ID: uuid.New()}
	w.mu.Lock()
	w.tokens[ref.ID] = token
	w.mu.Unlock()
	return ref, nil
}

// takeToken removes and returns a stored token, or nil if unknown.
func (w *Worker) takeToken(id TokenID) *tensor.RawTensor {
	w.mu.Lock()
	defer w.mu.Unlock()
	token := w.tokens[id]
	delete(w.tokens, id)
	return token
}

// Abort fails a record, unblocking its executor and feeders.
func (w *Worker) Abort(_ context.Context, id RecordID, reason string) error {
	entry, err := w.recordEntry(id)
	if err != nil {
		return err
	}
	entry.record.Abort(errors.Wrap(ErrCompute, reason))
	return nil
}

// Handler returns a partition executor by ID, for local parameter and
// gradient access.
func (w *Worker) Handler(id HandlerID) (*Handler, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handlers[id]
	if !ok {
		return nil, errors.Wrapf(ErrInternal, "unknown handler %s on worker %s", id, w.name)
	}
	return h, nil
}

// HandlerParameters lists the trainable parameters of a partition.
func (w *Worker) HandlerParameters(_ context.Context, id HandlerID) ([]ParamRef, error) {
	h, err := w.Handler(id)
	if err != nil {
		return nil, err
	}

	params := h.parameters()
	refs := make([]ParamRef, len(params))
	for i, p := range params {
		refs[i] = ParamRef{Worker: w.name, Handler: id, Index: i, Name: p.Name()}
	}
	return refs, nil
}

// ParameterTensor resolves a parameter reference to its local tensor.
func (w *Worker) ParameterTensor(ref ParamRef) (*tensor.RawTensor, error) {
	if ref.Worker != w.name {
		return nil, errors.Wrapf(ErrPlacement, "parameter %s lives on %s, not %s", ref.Name, ref.Worker, w.name)
	}
	h, err := w.Handler(ref.Handler)
	if err != nil {
		return nil, err
	}
	params := h.parameters()
	if ref.Index < 0 || ref.Index >= len(params) {
		return nil, errors.Wrapf(ErrInternal, "parameter index %d out of range", ref.Index)
	}
	return params[ref.Index].Value(), nil
}

// SetHandlerTraining switches a partition between training and eval.
func (w *Worker) SetHandlerTraining(_ context.Context, id HandlerID, training bool) error {
	h, err := w.Handler(id)
	if err != nil {
		return err
	}
	h.setTraining(training)
	return nil
}

// Close stops the worker's device queues.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, q := range w.queues {
		q.Close()
	}
	w.queues = make(map[tensor.Device]*taskQueue)
}

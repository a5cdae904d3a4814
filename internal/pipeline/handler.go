package pipeline

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeline/internal/nn"
	"github.com/born-ml/pipeline/internal/tensor"
)

// Handler processes a single partition of the pipeline: it waits for
// each chunk's inputs, injects cross-chunk ordering dependencies,
// computes the partition's stage on the device queue, and forwards the
// results downstream.
type Handler struct {
	id      HandlerID
	worker  *Worker
	stage   nn.Stage
	device  tensor.Device
	backend Backend
	queue   *taskQueue

	numInputs      int
	numOutputs     int // effective, always >= 1
	rank           int
	chunks         int
	checkpointStop int

	tracer trace.Tracer
}

func newHandler(id HandlerID, w *Worker, stage nn.Stage, spec HandlerSpec, backend Backend, queue *taskQueue) *Handler {
	numOutputs := spec.NumOutputs
	if numOutputs == 0 {
		numOutputs = 1
	}
	return &Handler{
		id:             id,
		worker:         w,
		stage:          stage,
		device:         spec.Device,
		backend:        backend,
		queue:          queue,
		numInputs:      spec.NumInputs,
		numOutputs:     numOutputs,
		rank:           spec.Rank,
		chunks:         spec.Chunks,
		checkpointStop: spec.CheckpointStop,
		tracer:         otel.Tracer("born-ml/pipeline"),
	}
}

// makeRecord creates a chunk-sync record bound to this partition.
func (h *Handler) makeRecord(users []UserSpec) *Record {
	return NewRecord(h.rank, h.chunks, h.numInputs, h.numOutputs, users, h.backend)
}

// run processes all chunks of a record in order. For a terminal
// partition it returns the gathered mini-batch output; otherwise nil.
//
// On failure the record is aborted and the failure is propagated to all
// downstream records so their executors unblock.
func (h *Handler) run(ctx context.Context, rec *Record) (*tensor.RawTensor, error) {
	for chunk := 0; chunk < h.chunks; chunk++ {
		if err := h.runChunk(ctx, rec, chunk); err != nil {
			rec.Abort(err)
			h.abortUsers(ctx, rec, err)
			return nil, err
		}
	}

	if len(rec.Users()) > 0 {
		return nil, nil
	}

	// Terminal partition: concatenate the chunk outputs back into one
	// mini-batch. The concatenation records on the tape, so it goes
	// through the device queue like any other compute.
	parts := make([]*tensor.RawTensor, h.chunks)
	for chunk := 0; chunk < h.chunks; chunk++ {
		out := rec.Output(chunk)
		if len(out) != 1 {
			return nil, errors.Wrapf(ErrCompute,
				"terminal partition %d produced %d outputs per chunk, cannot gather", h.rank, len(out))
		}
		parts[chunk] = out[0]
	}
	outs, err := h.queue.Submit(ctx, func() ([]*tensor.RawTensor, error) {
		out, err := gather(h.backend, parts)
		if err != nil {
			return nil, err
		}
		return []*tensor.RawTensor{out}, nil
	})
	if err != nil {
		return nil, err
	}
	return outs[0], nil
}

func (h *Handler) runChunk(ctx context.Context, rec *Record, chunk int) error {
	klog.V(2).Infof("partition %d waiting for chunk %d", h.rank, chunk)
	if err := rec.WaitFor(chunk); err != nil {
		return err
	}
	if err := h.fence(rec, chunk); err != nil {
		return err
	}
	if err := h.compute(ctx, rec, chunk); err != nil {
		return err
	}
	return h.forwardResults(ctx, rec, chunk)
}

// fence prepares a chunk for computation by joining the tokens returned
// while forwarding the previous chunk, so that chunk c-1's backward runs
// after chunk c's.
//
// The first chunk has no predecessor, and entry partitions are excluded:
// injecting the dependency on a partition fed from model input deadlocks.
// TODO: understand the entry-partition deadlock; the rank check mirrors
// it rather than fixing it.
func (h *Handler) fence(rec *Record, chunk int) error {
	if chunk == 0 || len(rec.Users()) == 0 || rec.Rank() == 0 {
		return nil
	}

	batch, err := rec.Batch(chunk)
	if err != nil {
		return err
	}
	prevTokens := rec.ForwardedTokens(chunk - 1)

	joined := make([]*tensor.RawTensor, len(batch))
	for i, b := range batch {
		r := b
		if i < len(prevTokens) {
			for _, ref := range prevTokens[i] {
				token := h.resolveToken(ref)
				if token == nil {
					// The forwarding round trip already ordered
					// remote consumers; only local tokens carry a
					// tape edge to join.
					continue
				}
				r = h.backend.Join(r, token)
			}
		}
		joined[i] = r
	}
	rec.SetBatch(chunk, joined)
	return nil
}

// resolveToken fetches a token's tensor if it lives on this worker and
// device; otherwise returns nil.
func (h *Handler) resolveToken(ref TokenRef) *tensor.RawTensor {
	if ref.Worker != h.worker.Name() {
		return nil
	}
	token := h.worker.takeToken(ref.ID)
	if token == nil || token.Device() != h.device {
		return nil
	}
	return token
}

// compute runs the partition's stage over one chunk on the device queue,
// optionally under activation checkpointing.
func (h *Handler) compute(ctx context.Context, rec *Record, chunk int) error {
	batch, err := rec.Batch(chunk)
	if err != nil {
		return err
	}

	checkpointStop := h.checkpointStop
	if !h.stage.Training() {
		// Checkpointing buys nothing without a backward pass.
		checkpointStop = 0
	}
	checkpoint := chunk < checkpointStop

	outputs, err := h.queue.Submit(ctx, func() ([]*tensor.RawTensor, error) {
		_, span := h.tracer.Start(ctx, fmt.Sprintf("chunk%d-rank%d", chunk, h.rank))
		defer span.End()

		var outs []*tensor.RawTensor
		if checkpoint {
			outs = h.backend.Checkpoint(batch, func() []*tensor.RawTensor {
				return h.stage.Forward(batch...)
			})
		} else {
			outs = h.stage.Forward(batch...)
		}
		return outs, nil
	})
	if err != nil {
		return err
	}

	if len(outputs) != h.numOutputs {
		return errors.Wrapf(ErrCompute, "partition %d produced %d outputs, expected %d",
			h.rank, len(outputs), h.numOutputs)
	}

	rec.SetOutput(chunk, outputs)
	return nil
}

// forwardResults feeds one chunk's outputs to all consumer records and
// retains the returned tokens for the next chunk's fence.
func (h *Handler) forwardResults(ctx context.Context, rec *Record, chunk int) error {
	output := rec.Output(chunk)
	for _, user := range rec.Users() {
		value := output[user.OutputSlot]
		ref, err := h.worker.Conn().Feed(ctx, user.Record.Worker, user.Record.ID, chunk, user.InputSlot, value)
		if err != nil {
			return errors.Wrapf(err, "forwarding chunk %d to %s", chunk, user.Record.Worker)
		}
		rec.AddForwardedToken(chunk, user.OutputSlot, ref)
	}
	return nil
}

// abortUsers propagates a failure to every downstream record.
func (h *Handler) abortUsers(ctx context.Context, rec *Record, cause error) {
	for _, user := range rec.Users() {
		if err := h.worker.Conn().Abort(ctx, user.Record.Worker, user.Record.ID, cause.Error()); err != nil {
			klog.Warningf("partition %d: aborting downstream record on %s: %v", h.rank, user.Record.Worker, err)
		}
	}
}

// parameters returns the stage's trainable parameters.
func (h *Handler) parameters() []*nn.Parameter {
	return h.stage.Parameters()
}

// setTraining switches the stage between training and eval mode.
func (h *Handler) setTraining(training bool) {
	h.stage.SetTraining(training)
}

package pipeline

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeline/internal/tensor"
)

// Record stores one mini-batch, split into micro-batch chunks, as input
// to a single partition. Producers feed individual tensors as they
// become available; the partition executor waits until a whole chunk is
// present, computes, and forwards.
//
// All state is guarded by one condition variable, the way a mini-batch
// record is shared between the feeding RPCs and the executor goroutine.
type Record struct {
	mu   sync.Mutex
	cond *sync.Cond

	rank      int
	chunks    int
	numInputs int
	users     []UserSpec
	backend   Backend

	tensors [][]*tensor.RawTensor // [chunk][slot], nil until fed
	batches [][]*tensor.RawTensor // assembled inputs per chunk
	outputs [][]*tensor.RawTensor // computed outputs per chunk

	// Tokens returned by downstream feeds of each chunk, kept so the
	// next chunk's inputs can join them and inherit the ordering edge.
	forwardedTokens [][][]TokenRef // [chunk][slot][]

	err error
}

// NewRecord creates a record for one partition and one mini-batch.
func NewRecord(rank, chunks, numInputs, numOutputs int, users []UserSpec, backend Backend) *Record {
	r := &Record{
		rank:      rank,
		chunks:    chunks,
		numInputs: numInputs,
		users:     users,
		backend:   backend,
		tensors:   make([][]*tensor.RawTensor, chunks),
		batches:   make([][]*tensor.RawTensor, chunks),
		outputs:   make([][]*tensor.RawTensor, chunks),
	}
	r.cond = sync.NewCond(&r.mu)

	r.forwardedTokens = make([][][]TokenRef, chunks)
	for i := range r.forwardedTokens {
		r.forwardedTokens[i] = make([][]TokenRef, numOutputs)
	}
	for i := range r.tensors {
		r.tensors[i] = make([]*tensor.RawTensor, numInputs)
	}
	return r
}

// Rank returns the partition's rank in the pipeline.
func (r *Record) Rank() int { return r.rank }

// Chunks returns the number of micro-batches.
func (r *Record) Chunks() int { return r.chunks }

// Users returns the consumers of this partition's outputs.
func (r *Record) Users() []UserSpec { return r.users }

// Feed stores one input tensor of one chunk and wakes the executor. It
// returns a dependency token forked off the stored value; the producer
// joins the token into its next chunk to order backward passes.
//
// Feeding an already-populated slot is an error: each slot of each chunk
// has exactly one producer. A rejected feed leaves no trace on the tape.
func (r *Record) Feed(chunk, slot int, value *tensor.RawTensor) (*tensor.RawTensor, error) {
	if chunk < 0 || chunk >= r.chunks {
		return nil, errors.Wrapf(ErrInternal, "feed: chunk %d out of range [0,%d)", chunk, r.chunks)
	}
	if slot < 0 || slot >= r.numInputs {
		return nil, errors.Wrapf(ErrInternal, "feed: input slot %d out of range [0,%d)", slot, r.numInputs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.tensors[chunk][slot] != nil {
		return nil, errors.Wrapf(ErrInternal, "feed: chunk %d slot %d delivered twice", chunk, slot)
	}

	// Fork only after the delivery is accepted.
	branch, token := r.backend.Fork(value)
	r.tensors[chunk][slot] = branch
	r.cond.Broadcast()

	return token, nil
}

// WaitFor blocks until every input slot of the chunk is populated, then
// assembles the chunk's batch if not assembled yet. Returns the abort
// error if the record was aborted.
func (r *Record) WaitFor(chunk int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.err == nil && r.batches[chunk] == nil && r.missingLocked(chunk) {
		r.cond.Wait()
	}
	if r.err != nil {
		return r.err
	}
	if r.batches[chunk] == nil {
		batch := make([]*tensor.RawTensor, r.numInputs)
		copy(batch, r.tensors[chunk])
		r.batches[chunk] = batch
	}
	return nil
}

func (r *Record) missingLocked(chunk int) bool {
	for _, t := range r.tensors[chunk] {
		if t == nil {
			return true
		}
	}
	return false
}

// Batch returns the assembled inputs of a chunk. WaitFor must have
// returned for that chunk.
func (r *Record) Batch(chunk int) ([]*tensor.RawTensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.batches[chunk] == nil {
		return nil, errors.Wrapf(ErrInternal, "batch %d requested before it was assembled", chunk)
	}
	return r.batches[chunk], nil
}

// SetBatch replaces the assembled inputs of a chunk, used by the fence
// to swap in token-joined tensors.
func (r *Record) SetBatch(chunk int, batch []*tensor.RawTensor) {
	r.mu.Lock()
	r.batches[chunk] = batch
	r.mu.Unlock()
}

// SetOutput stores the computed outputs of a chunk.
func (r *Record) SetOutput(chunk int, outputs []*tensor.RawTensor) {
	r.mu.Lock()
	r.outputs[chunk] = outputs
	r.mu.Unlock()
}

// Output returns the computed outputs of a chunk.
func (r *Record) Output(chunk int) []*tensor.RawTensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[chunk]
}

// AddForwardedToken records a token returned by a downstream feed of the
// chunk's output slot.
func (r *Record) AddForwardedToken(chunk, slot int, ref TokenRef) {
	r.mu.Lock()
	r.forwardedTokens[chunk][slot] = append(r.forwardedTokens[chunk][slot], ref)
	r.mu.Unlock()
}

// ForwardedTokens returns the tokens collected while forwarding a chunk,
// indexed by output slot.
func (r *Record) ForwardedTokens(chunk int) [][]TokenRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forwardedTokens[chunk]
}

// Abort fails the record and wakes all waiters. The first error wins;
// later aborts are ignored.
func (r *Record) Abort(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	if r.err == nil {
		r.err = err
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

// Err returns the abort error, if any.
func (r *Record) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

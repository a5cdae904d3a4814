package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeline/internal/nn"
	"github.com/born-ml/pipeline/internal/tensor"
)

// scaleStage multiplies its input by a constant factor.
type scaleStage struct {
	backend  Backend
	factor   float64
	training bool
}

func (s *scaleStage) Forward(inputs ...*tensor.RawTensor) []*tensor.RawTensor {
	if len(inputs) != 1 {
		panic(fmt.Sprintf("scaleStage: expected 1 input, got %d", len(inputs)))
	}
	return []*tensor.RawTensor{s.backend.MulScalar(inputs[0], s.factor)}
}

func (s *scaleStage) Parameters() []*nn.Parameter { return nil }
func (s *scaleStage) SetTraining(training bool)   { s.training = training }
func (s *scaleStage) Training() bool              { return s.training }

// offsetStage adds a constant to its input.
type offsetStage struct {
	backend  Backend
	offset   float64
	training bool
}

func (s *offsetStage) Forward(inputs ...*tensor.RawTensor) []*tensor.RawTensor {
	return []*tensor.RawTensor{s.backend.AddScalar(inputs[0], s.offset)}
}

func (s *offsetStage) Parameters() []*nn.Parameter { return nil }
func (s *offsetStage) SetTraining(training bool)   { s.training = training }
func (s *offsetStage) Training() bool              { return s.training }

// failStage panics on every forward call.
type failStage struct {
	training bool
}

func (s *failStage) Forward(...*tensor.RawTensor) []*tensor.RawTensor {
	panic("failStage: forward exploded")
}

func (s *failStage) Parameters() []*nn.Parameter { return nil }
func (s *failStage) SetTraining(training bool)   { s.training = training }
func (s *failStage) Training() bool              { return s.training }

func init() {
	RegisterStage("test/scale2", func(b Backend) nn.Stage {
		return &scaleStage{backend: b, factor: 2, training: true}
	})
	RegisterStage("test/add1", func(b Backend) nn.Stage {
		return &offsetStage{backend: b, offset: 1, training: true}
	})
	RegisterStage("test/fail", func(b Backend) nn.Stage {
		return &failStage{training: true}
	})
	RegisterStage("test/concat-dim1", func(b Backend) nn.Stage {
		return nn.NewConcat(1, b)
	})
	RegisterStage("test/linear-2-2", func(b Backend) nn.Stage {
		return nn.NewLinear(2, 2, b)
	})
	RegisterStage("test/recorder", func(b Backend) nn.Stage {
		orderRecorder.backend = b
		return orderRecorder
	})
}

func inputBatch(t *testing.T, rows, cols int) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(tensor.Shape{rows, cols}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	data := raw.AsFloat32()
	for i := range data {
		data[i] = float32(i) - 3.5
	}
	return raw
}

func newWorkers(t *testing.T, names ...string) (*LocalConn, []*Worker) {
	t.Helper()
	workers := make([]*Worker, len(names))
	for i, name := range names {
		workers[i] = NewWorker(name)
		t.Cleanup(workers[i].Close)
	}
	return NewLocalConn(workers...), workers
}

func TestNew_ConfigErrors(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a}, nil)
	g.FeedModelInput(a, 0)

	_, err := New(context.Background(), g, conn, Config{Chunks: 0})
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = New(context.Background(), g, conn, Config{Chunks: 2, Checkpoint: "sometimes"})
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestNew_UnplacedModule(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/scale2", 1, 0) // no Place call
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a}, nil)
	g.FeedModelInput(a, 0)

	_, err := New(context.Background(), g, conn, Config{Chunks: 1})
	assert.True(t, errors.Is(err, ErrPlacement))
}

func TestNew_UnregisteredStage(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/not-a-stage", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a}, nil)
	g.FeedModelInput(a, 0)

	_, err := New(context.Background(), g, conn, Config{Chunks: 1})
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestNew_UnknownWorker(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/scale2", 1, 0).Place("w9", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a}, nil)
	g.FeedModelInput(a, 0)

	_, err := New(context.Background(), g, conn, Config{Chunks: 1})
	assert.True(t, errors.Is(err, ErrPlacement))
}

func TestPipeline_ForwardSinglePartition(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	b := NewModuleRef("test/add1", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a, b}, nil)
	g.FeedModelInput(a, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Partitions())

	input := inputBatch(t, 4, 2)
	out, err := p.Forward(context.Background(), input)
	require.NoError(t, err)
	require.True(t, input.Shape().Equal(out.Shape()))

	for i, v := range input.AsFloat32() {
		assert.InDelta(t, v*2+1, out.AsFloat32()[i], 1e-6)
	}
}

func TestPipeline_ForwardThreePartitions(t *testing.T) {
	conn, _ := newWorkers(t, "w1", "w2")
	s1 := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	s2 := NewModuleRef("test/add1", 1, 0).Place("w2", tensor.CPU)
	s3 := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{s1, s2, s3}, nil)
	g.FeedModelInput(s1, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Partitions())

	input := inputBatch(t, 8, 3)
	out, err := p.Forward(context.Background(), input)
	require.NoError(t, err)

	for i, v := range input.AsFloat32() {
		assert.InDelta(t, (v*2+1)*2, out.AsFloat32()[i], 1e-6)
	}
}

func TestPipeline_ForwardUnevenChunks(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/add1", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a}, nil)
	g.FeedModelInput(a, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 2})
	require.NoError(t, err)

	input := inputBatch(t, 5, 2)
	out, err := p.Forward(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, 5, out.Shape()[0])

	for i, v := range input.AsFloat32() {
		assert.InDelta(t, v+1, out.AsFloat32()[i], 1e-6)
	}
}

func TestPipeline_ForwardInputCount(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a}, nil)
	g.FeedModelInput(a, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 1})
	require.NoError(t, err)

	_, err = p.Forward(context.Background(), inputBatch(t, 2, 2), inputBatch(t, 2, 2))
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestPipeline_MultiInput(t *testing.T) {
	conn, _ := newWorkers(t, "w1", "w2")
	left := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	right := NewModuleRef("test/add1", 1, 0).Place("w2", tensor.CPU)
	join := NewModuleRef("test/concat-dim1", 2, 0).Place("w1", tensor.CPU)

	g := NewGraph()
	g.AddSequence([]*ModuleRef{left}, nil)
	g.AddSequence([]*ModuleRef{right}, nil)
	g.FeedModelInput(left, 0)
	g.FeedModelInput(right, 1)
	g.AddMultiInputLayer(join, []*ModuleRef{left, right})

	p, err := New(context.Background(), g, conn, Config{Chunks: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Partitions())

	a := inputBatch(t, 4, 2)
	b := inputBatch(t, 4, 3)
	out, err := p.Forward(context.Background(), a, b)
	require.NoError(t, err)
	require.True(t, tensor.Shape{4, 5}.Equal(out.Shape()))

	// Row r is [a_r*2, b_r+1].
	outData := out.AsFloat32()
	aData := a.AsFloat32()
	bData := b.AsFloat32()
	for r := 0; r < 4; r++ {
		for c := 0; c < 2; c++ {
			assert.InDelta(t, aData[r*2+c]*2, outData[r*5+c], 1e-6)
		}
		for c := 0; c < 3; c++ {
			assert.InDelta(t, bData[r*3+c]+1, outData[r*5+2+c], 1e-6)
		}
	}
}

func TestPipeline_CheckpointModesAgree(t *testing.T) {
	input := inputBatch(t, 6, 2)

	var outputs [][]float32
	for _, mode := range []CheckpointMode{CheckpointAlways, CheckpointExceptLast, CheckpointNever} {
		conn, _ := newWorkers(t, "w1", "w2")
		s1 := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
		s2 := NewModuleRef("test/add1", 1, 0).Place("w2", tensor.CPU)
		g := NewGraph()
		g.AddSequence([]*ModuleRef{s1, s2}, nil)
		g.FeedModelInput(s1, 0)

		p, err := New(context.Background(), g, conn, Config{Chunks: 3, Checkpoint: mode})
		require.NoError(t, err)

		out, err := p.Forward(context.Background(), input)
		require.NoError(t, err, "mode %s", mode)
		outputs = append(outputs, out.AsFloat32())
	}

	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[1], outputs[2])
}

func TestPipeline_ComputeFailurePropagates(t *testing.T) {
	conn, _ := newWorkers(t, "w1", "w2")
	s1 := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	s2 := NewModuleRef("test/fail", 1, 0).Place("w2", tensor.CPU)
	s3 := NewModuleRef("test/add1", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{s1, s2, s3}, nil)
	g.FeedModelInput(s1, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 2})
	require.NoError(t, err)

	_, err = p.Forward(context.Background(), inputBatch(t, 4, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompute))
}

// rejectingConn fails every feed past the first chunk, the way a worker
// rejects feeds for a record that already died.
type rejectingConn struct {
	Conn
}

func (c *rejectingConn) Feed(ctx context.Context, worker string, id RecordID, chunk, slot int, value *tensor.RawTensor) (TokenRef, error) {
	if chunk > 0 {
		return TokenRef{}, errors.Wrap(ErrInternal, "feed rejected")
	}
	return c.Conn.Feed(ctx, worker, id, chunk, slot, value)
}

func TestPipeline_FeederFailureDrainsStarvedPartitions(t *testing.T) {
	inner, _ := newWorkers(t, "w1")
	conn := &rejectingConn{Conn: inner}

	left := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	right := NewModuleRef("test/add1", 1, 0).Place("w1", tensor.CPU)
	join := NewModuleRef("test/concat-dim1", 2, 0).Place("w1", tensor.CPU)

	g := NewGraph()
	g.AddSequence([]*ModuleRef{left}, nil)
	g.AddSequence([]*ModuleRef{right}, nil)
	g.FeedModelInput(left, 0)
	g.FeedModelInput(right, 1)
	g.AddMultiInputLayer(join, []*ModuleRef{left, right})

	p, err := New(context.Background(), g, conn, Config{Chunks: 3})
	require.NoError(t, err)

	// The feeder dies on the chunk-1 feeds, leaving both entry records
	// without their remaining chunks. Forward must still return.
	a := inputBatch(t, 3, 2)
	b := inputBatch(t, 3, 2)
	errc := make(chan error, 1)
	go func() {
		_, err := p.Forward(context.Background(), a, b)
		errc <- err
	}()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "feed rejected")
	case <-time.After(10 * time.Second):
		t.Fatal("Forward did not return after the feeder failed")
	}
}

func TestPipeline_TrainEval(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a}, nil)
	g.FeedModelInput(a, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 2, Checkpoint: CheckpointAlways})
	require.NoError(t, err)

	require.NoError(t, p.Train(context.Background(), false))

	input := inputBatch(t, 4, 2)
	out, err := p.Forward(context.Background(), input)
	require.NoError(t, err)
	for i, v := range input.AsFloat32() {
		assert.InDelta(t, v*2, out.AsFloat32()[i], 1e-6)
	}
}

func TestPipeline_To(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a}, nil)
	g.FeedModelInput(a, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 1})
	require.NoError(t, err)

	err = p.To(tensor.CUDA)
	assert.True(t, errors.Is(err, ErrPlacement))
	assert.Contains(t, err.Error(), "denied to move parameters and buffers")

	// The denial leaves the partitions untouched.
	input := inputBatch(t, 2, 2)
	out, err := p.Forward(context.Background(), input)
	require.NoError(t, err)
	assert.InDelta(t, input.AsFloat32()[0]*2, out.AsFloat32()[0], 1e-6)
}

func TestPipeline_ParameterRefs(t *testing.T) {
	conn, _ := newWorkers(t, "w1", "w2")
	fc1 := NewModuleRef("test/linear-2-2", 1, 0).Place("w1", tensor.CPU)
	fc2 := NewModuleRef("test/linear-2-2", 1, 0).Place("w2", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{fc1, fc2}, nil)
	g.FeedModelInput(fc1, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 1})
	require.NoError(t, err)

	refs, err := p.ParameterRefs(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 4)
	assert.Equal(t, "w1", refs[0].Worker)
	assert.Equal(t, "weight", refs[0].Name)
	assert.Equal(t, "bias", refs[1].Name)
	assert.Equal(t, "w2", refs[2].Worker)
}

func TestPipeline_ParameterTensorResolution(t *testing.T) {
	conn, workers := newWorkers(t, "w1")
	fc := NewModuleRef("test/linear-2-2", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{fc}, nil)
	g.FeedModelInput(fc, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 1})
	require.NoError(t, err)

	refs, err := p.ParameterRefs(context.Background())
	require.NoError(t, err)

	value, err := workers[0].ParameterTensor(refs[0])
	require.NoError(t, err)
	assert.True(t, tensor.Shape{2, 2}.Equal(value.Shape()))

	// The connection resolves the same reference to the same live tensor.
	fetched, err := p.FetchParameter(context.Background(), refs[0])
	require.NoError(t, err)
	assert.Same(t, value, fetched)

	_, err = workers[0].ParameterTensor(ParamRef{Worker: "other", Handler: refs[0].Handler})
	assert.True(t, errors.Is(err, ErrPlacement))
}

func TestNewSequencePipeline(t *testing.T) {
	conn, _ := newWorkers(t, "w1", "w2")
	layers := []*ModuleRef{
		NewModuleRef("test/scale2", 1, 0),
		NewModuleRef("test/add1", 1, 0),
		NewModuleRef("test/scale2", 1, 0),
	}
	placements := []Placement{{Worker: "w1", Device: tensor.CPU}, {Worker: "w2", Device: tensor.CPU}}

	p, err := NewSequencePipeline(context.Background(), layers, []int{2, 1}, placements, conn, Config{Chunks: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Partitions())

	input := inputBatch(t, 4, 2)
	out, err := p.Forward(context.Background(), input)
	require.NoError(t, err)
	for i, v := range input.AsFloat32() {
		assert.InDelta(t, (v*2+1)*2, out.AsFloat32()[i], 1e-6)
	}
}

func TestNewSequencePipeline_BalanceErrors(t *testing.T) {
	conn, _ := newWorkers(t, "w1")
	layers := []*ModuleRef{NewModuleRef("test/scale2", 1, 0), NewModuleRef("test/add1", 1, 0)}
	placements := []Placement{{Worker: "w1", Device: tensor.CPU}}

	_, err := NewSequencePipeline(context.Background(), layers, []int{1}, placements, conn, Config{Chunks: 1})
	assert.True(t, errors.Is(err, ErrConfig), "balance does not cover all layers")

	_, err = NewSequencePipeline(context.Background(), layers, []int{1, 1}, placements, conn, Config{Chunks: 1})
	assert.True(t, errors.Is(err, ErrConfig), "balance and placements length mismatch")

	_, err = NewSequencePipeline(context.Background(), layers, []int{0}, placements, conn, Config{Chunks: 1})
	assert.True(t, errors.Is(err, ErrConfig), "non-positive balance entry")
}

// recordingStage notes the first element of every chunk it sees.
type recordingStage struct {
	backend  Backend
	mu       sync.Mutex
	seen     []float32
	training bool
}

func (s *recordingStage) Forward(inputs ...*tensor.RawTensor) []*tensor.RawTensor {
	s.mu.Lock()
	s.seen = append(s.seen, inputs[0].AsFloat32()[0])
	s.mu.Unlock()
	return []*tensor.RawTensor{s.backend.MulScalar(inputs[0], 1)}
}

func (s *recordingStage) Parameters() []*nn.Parameter { return nil }
func (s *recordingStage) SetTraining(training bool)   { s.training = training }
func (s *recordingStage) Training() bool              { return s.training }

var orderRecorder = &recordingStage{training: true}

func TestPipeline_ChunksProcessedInOrder(t *testing.T) {
	recorder := orderRecorder
	recorder.mu.Lock()
	recorder.seen = nil
	recorder.mu.Unlock()

	conn, _ := newWorkers(t, "w1")
	a := NewModuleRef("test/recorder", 1, 0).Place("w1", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{a}, nil)
	g.FeedModelInput(a, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 4})
	require.NoError(t, err)

	_, err = p.Forward(context.Background(), inputBatch(t, 8, 1))
	require.NoError(t, err)

	// inputBatch rows increase, so chunk heads must too.
	require.Len(t, recorder.seen, 4)
	for i := 1; i < len(recorder.seen); i++ {
		assert.Greater(t, recorder.seen[i], recorder.seen[i-1])
	}
}

func TestConfig_CheckpointStop(t *testing.T) {
	cases := []struct {
		mode CheckpointMode
		want int
	}{
		{CheckpointAlways, 4},
		{CheckpointExceptLast, 3},
		{"", 3},
		{CheckpointNever, 0},
	}
	for _, tc := range cases {
		stop, err := Config{Chunks: 4, Checkpoint: tc.mode}.checkpointStop()
		require.NoError(t, err)
		assert.Equal(t, tc.want, stop, "mode %q", tc.mode)
	}

	_, err := Config{Chunks: 4, Checkpoint: "sometimes"}.checkpointStop()
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestMSELoss(t *testing.T) {
	backend, err := newBackend(tensor.CPU)
	require.NoError(t, err)

	output, err := tensor.NewRaw(tensor.Shape{2, 1}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(output.AsFloat32(), []float32{1, 2})
	target, err := tensor.NewRaw(tensor.Shape{2, 1}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)

	loss := MSELoss(backend, output, target)
	require.Equal(t, 1, loss.NumElements())
	assert.InDelta(t, 2.5, loss.AsFloat32()[0], 1e-6)
}

func TestPipeline_LossOnTerminalBackend(t *testing.T) {
	conn, _ := newWorkers(t, "w1", "w2")
	s1 := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	s2 := NewModuleRef("test/add1", 1, 0).Place("w2", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{s1, s2}, nil)
	g.FeedModelInput(s1, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 2})
	require.NoError(t, err)

	input := inputBatch(t, 4, 2)
	out, err := p.Forward(context.Background(), input)
	require.NoError(t, err)

	target, err := tensor.NewRaw(tensor.Shape{4, 2}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)

	loss, err := p.Loss(MSELoss, out, target)
	require.NoError(t, err)

	var want float64
	for _, v := range out.AsFloat32() {
		want += float64(v) * float64(v)
	}
	want /= float64(out.NumElements())
	assert.InDelta(t, want, float64(loss.AsFloat32()[0]), 1e-4)

	backend, err := p.TerminalBackend()
	require.NoError(t, err)
	assert.NotNil(t, backend)
}

func TestPipeline_Reforward(t *testing.T) {
	conn, _ := newWorkers(t, "w1", "w2")
	s1 := NewModuleRef("test/scale2", 1, 0).Place("w1", tensor.CPU)
	s2 := NewModuleRef("test/add1", 1, 0).Place("w2", tensor.CPU)
	g := NewGraph()
	g.AddSequence([]*ModuleRef{s1, s2}, nil)
	g.FeedModelInput(s1, 0)

	p, err := New(context.Background(), g, conn, Config{Chunks: 2})
	require.NoError(t, err)

	// Records are per-minibatch: repeated forwards must not interfere.
	for i := 0; i < 3; i++ {
		input := inputBatch(t, 4, 2)
		out, err := p.Forward(context.Background(), input)
		require.NoError(t, err)
		for j, v := range input.AsFloat32() {
			assert.InDelta(t, v*2+1, out.AsFloat32()[j], 1e-6)
		}
	}
}

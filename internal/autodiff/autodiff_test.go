package autodiff_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeline/internal/autodiff"
	"github.com/born-ml/pipeline/internal/backend/cpu"
	"github.com/born-ml/pipeline/internal/tensor"
)

type cpuAutodiff = autodiff.AutodiffBackend[*cpu.CPUBackend]

func newBackend(t *testing.T) *cpuAutodiff {
	t.Helper()
	b := autodiff.New(cpu.New())
	b.Tape().StartRecording()
	return b
}

func raw(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), data)
	return r
}

func ones(t *testing.T, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	data := r.AsFloat32()
	for i := range data {
		data[i] = 1
	}
	return r
}

func TestAutodiffBackend_Name(t *testing.T) {
	b := autodiff.New(cpu.New())
	assert.Equal(t, "Autodiff(CPU)", b.Name())
	assert.Equal(t, tensor.CPU, b.Device())
}

func TestTape_Recording(t *testing.T) {
	b := autodiff.New(cpu.New())
	tape := b.Tape()

	assert.False(t, tape.IsRecording())
	tape.StartRecording()
	assert.True(t, tape.IsRecording())
	tape.StopRecording()
	assert.False(t, tape.IsRecording())
}

func TestTape_RecordsOnlyWhileRecording(t *testing.T) {
	b := autodiff.New(cpu.New())
	x := raw(t, []float32{1, 2}, tensor.Shape{2})
	y := raw(t, []float32{3, 4}, tensor.Shape{2})

	b.Add(x, y)
	assert.Equal(t, 0, b.Tape().NumOps(), "ops before StartRecording are not recorded")

	b.Tape().StartRecording()
	b.Add(x, y)
	assert.Equal(t, 1, b.Tape().NumOps())

	b.Tape().Clear()
	assert.Equal(t, 0, b.Tape().NumOps())
	assert.True(t, b.Tape().IsRecording(), "Clear preserves recording state")
}

func TestBackward_Mul(t *testing.T) {
	b := newBackend(t)
	x := raw(t, []float32{1, 2, 3}, tensor.Shape{3})
	y := raw(t, []float32{4, 5, 6}, tensor.Shape{3})

	z := b.Mul(x, y)
	grads := b.Tape().Backward(ones(t, z.Shape()), b)

	require.Contains(t, grads, x)
	require.Contains(t, grads, y)
	assert.Equal(t, []float32{4, 5, 6}, grads[x].AsFloat32())
	assert.Equal(t, []float32{1, 2, 3}, grads[y].AsFloat32())
}

func TestBackward_AddBroadcastReduces(t *testing.T) {
	b := newBackend(t)
	x := raw(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	row := raw(t, []float32{10, 20, 30}, tensor.Shape{1, 3})

	z := b.Add(x, row)
	grads := b.Tape().Backward(ones(t, z.Shape()), b)

	require.Contains(t, grads, row)
	assert.True(t, tensor.Shape{1, 3}.Equal(grads[row].Shape()))
	assert.Equal(t, []float32{2, 2, 2}, grads[row].AsFloat32(), "broadcast gradient sums over the expanded rows")
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, grads[x].AsFloat32())
}

func TestBackward_MatMul(t *testing.T) {
	b := newBackend(t)
	a := raw(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	w := raw(t, []float32{5, 6, 7, 8}, tensor.Shape{2, 2})

	z := b.MatMul(a, w)
	grads := b.Tape().Backward(ones(t, z.Shape()), b)

	// dL/dA = 1 @ W^T, dL/dW = A^T @ 1.
	assert.Equal(t, []float32{11, 15, 11, 15}, grads[a].AsFloat32())
	assert.Equal(t, []float32{4, 4, 6, 6}, grads[w].AsFloat32())
}

func TestBackward_MulScalar(t *testing.T) {
	b := newBackend(t)
	x := raw(t, []float32{1, -2, 3}, tensor.Shape{3})

	z := b.MulScalar(x, 3.0)
	grads := b.Tape().Backward(ones(t, z.Shape()), b)

	assert.Equal(t, []float32{3, 3, 3}, grads[x].AsFloat32())
}

func TestBackward_ReLUChain(t *testing.T) {
	b := newBackend(t)
	x := raw(t, []float32{-1, 2, -3, 4}, tensor.Shape{4})

	z := b.ReLU(x)
	grads := b.Tape().Backward(ones(t, z.Shape()), b)

	assert.Equal(t, []float32{0, 1, 0, 1}, grads[x].AsFloat32())
}

func TestBackward_Accumulates(t *testing.T) {
	b := newBackend(t)
	x := raw(t, []float32{2, 3}, tensor.Shape{2})

	// z = x*x: both inputs are the same tensor, gradients must sum.
	z := b.Mul(x, x)
	grads := b.Tape().Backward(ones(t, z.Shape()), b)

	assert.Equal(t, []float32{4, 6}, grads[x].AsFloat32())
}

func TestBackwardSeeded_MidTape(t *testing.T) {
	b := newBackend(t)
	x := raw(t, []float32{1, 2}, tensor.Shape{2})
	y := b.MulScalar(x, 2.0)
	b.MulScalar(y, 10.0) // later op, not seeded

	seed := ones(t, y.Shape())
	grads := b.Tape().BackwardSeeded(map[*tensor.RawTensor]*tensor.RawTensor{y: seed}, b)

	assert.Equal(t, []float32{2, 2}, grads[x].AsFloat32())
}

func TestForkJoin_OrderingEdge(t *testing.T) {
	b := newBackend(t)
	a := raw(t, []float32{1, 2}, tensor.Shape{2})
	c := raw(t, []float32{3, 4}, tensor.Shape{2})

	branch, token := b.Fork(a)
	assert.Equal(t, a.AsFloat32(), branch.AsFloat32(), "branch carries the forked value")
	assert.True(t, tensor.Shape{}.Equal(token.Shape()), "token is a scalar")

	out := b.Join(c, token)
	assert.Equal(t, c.AsFloat32(), out.AsFloat32(), "join passes the payload through")

	grads := b.Tape().Backward(ones(t, out.Shape()), b)

	assert.Equal(t, []float32{1, 1}, grads[c].AsFloat32())
	// The edge reaches the fork input, carrying no payload gradient.
	require.Contains(t, grads, a)
	assert.Equal(t, []float32{0, 0}, grads[a].AsFloat32())
}

func TestForkJoin_RecordWhileTapeStopped(t *testing.T) {
	b := autodiff.New(cpu.New())
	x := raw(t, []float32{1, 2}, tensor.Shape{2})

	branch, token := b.Fork(x)
	b.Join(branch, token)
	assert.Equal(t, 2, b.Tape().NumOps(), "dependency edges land on the tape even while it is stopped")
}

func TestCheckpoint_ConcurrentForkKeepsGradientEdge(t *testing.T) {
	b := newBackend(t)
	x := raw(t, []float32{1, 2}, tensor.Shape{2})
	in := raw(t, []float32{3, 4}, tensor.Shape{2})

	// Fork x from another goroutine while the checkpointed function is
	// mid-flight, the way an upstream partition feeds a record during a
	// sibling chunk's compute.
	entered := make(chan struct{})
	forked := make(chan struct{})
	var branch *tensor.RawTensor
	go func() {
		<-entered
		branch, _ = b.Fork(x)
		close(forked)
	}()

	var once sync.Once
	outs := b.Checkpoint([]*tensor.RawTensor{in}, func() []*tensor.RawTensor {
		once.Do(func() {
			close(entered)
			<-forked
		})
		return []*tensor.RawTensor{b.MulScalar(in, 2.0)}
	})
	require.Len(t, outs, 1)
	assert.Equal(t, 2, b.Tape().NumOps(), "fork edge plus checkpoint op, no activations")

	z := b.Mul(branch, branch)

	seeds := map[*tensor.RawTensor]*tensor.RawTensor{
		z:       ones(t, z.Shape()),
		outs[0]: ones(t, outs[0].Shape()),
	}
	grads := b.Tape().BackwardSeeded(seeds, b)

	require.Contains(t, grads, x, "a fork landing mid-checkpoint must keep its gradient edge")
	assert.Equal(t, []float32{2, 4}, grads[x].AsFloat32())
	require.Contains(t, grads, in)
	assert.Equal(t, []float32{2, 2}, grads[in].AsFloat32())
}

func TestCheckpoint_GradientsMatchPlain(t *testing.T) {
	input := []float32{0.5, -1.5, 2.0, -0.25}

	plain := newBackend(t)
	xp := raw(t, input, tensor.Shape{4})
	zp := plain.ReLU(plain.Mul(xp, xp))
	plainGrads := plain.Tape().Backward(ones(t, zp.Shape()), plain)

	ckpt := newBackend(t)
	xc := raw(t, input, tensor.Shape{4})
	outs := ckpt.Checkpoint([]*tensor.RawTensor{xc}, func() []*tensor.RawTensor {
		return []*tensor.RawTensor{ckpt.ReLU(ckpt.Mul(xc, xc))}
	})
	require.Len(t, outs, 1)
	assert.Equal(t, zp.AsFloat32(), outs[0].AsFloat32())
	assert.Equal(t, 1, ckpt.Tape().NumOps(), "checkpoint collapses the region to one op")

	ckptGrads := ckpt.Tape().Backward(ones(t, outs[0].Shape()), ckpt)
	require.Contains(t, ckptGrads, xc)
	assert.InDeltaSlice(t, plainGrads[xp].AsFloat32(), ckptGrads[xc].AsFloat32(), 1e-6)
}

func TestCheckpoint_NotRecordingRunsDirect(t *testing.T) {
	b := autodiff.New(cpu.New())
	x := raw(t, []float32{1, 2}, tensor.Shape{2})

	outs := b.Checkpoint([]*tensor.RawTensor{x}, func() []*tensor.RawTensor {
		return []*tensor.RawTensor{b.MulScalar(x, 2.0)}
	})
	require.Len(t, outs, 1)
	assert.Equal(t, []float32{2, 4}, outs[0].AsFloat32())
	assert.Equal(t, 0, b.Tape().NumOps())
}

func TestBackward_Chunk(t *testing.T) {
	b := newBackend(t)
	x := raw(t, []float32{1, 2, 3, 4}, tensor.Shape{4})

	parts := b.Chunk(x, 2, 0)
	require.Len(t, parts, 2)

	// Only the second part feeds a later op; the first part's gradient
	// is zero-filled.
	z := b.MulScalar(parts[1], 2.0)
	grads := b.Tape().Backward(ones(t, z.Shape()), b)

	require.Contains(t, grads, x)
	assert.Equal(t, []float32{0, 0, 2, 2}, grads[x].AsFloat32())
}

func TestBackward_Cat(t *testing.T) {
	b := newBackend(t)
	x := raw(t, []float32{1, 2}, tensor.Shape{2})
	y := raw(t, []float32{3, 4, 5}, tensor.Shape{3})

	z := b.Cat([]*tensor.RawTensor{x, y}, 0)
	require.True(t, tensor.Shape{5}.Equal(z.Shape()))

	seed := raw(t, []float32{10, 20, 30, 40, 50}, tensor.Shape{5})
	grads := b.Tape().Backward(seed, b)

	assert.Equal(t, []float32{10, 20}, grads[x].AsFloat32())
	assert.Equal(t, []float32{30, 40, 50}, grads[y].AsFloat32())
}

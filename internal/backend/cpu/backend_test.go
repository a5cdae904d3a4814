package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeline/internal/tensor"
)

func fromFloat32(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsFloat32(), data)
	return raw
}

func TestCPUBackend_Metadata(t *testing.T) {
	b := New()
	assert.Equal(t, "CPU", b.Name())
	assert.Equal(t, tensor.CPU, b.Device())
}

func TestCPUBackend_Add(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	y := fromFloat32(t, []float32{10, 20, 30, 40}, tensor.Shape{2, 2})

	z := b.Add(x, y)
	assert.Equal(t, []float32{11, 22, 33, 44}, z.AsFloat32())
}

func TestCPUBackend_AddBroadcast(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	row := fromFloat32(t, []float32{10, 20, 30}, tensor.Shape{1, 3})

	z := b.Add(x, row)
	assert.True(t, tensor.Shape{2, 3}.Equal(z.Shape()))
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, z.AsFloat32())
}

func TestCPUBackend_SubMulDiv(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{4, 9, 16, 25}, tensor.Shape{4})
	y := fromFloat32(t, []float32{2, 3, 4, 5}, tensor.Shape{4})

	assert.Equal(t, []float32{2, 6, 12, 20}, b.Sub(x, y).AsFloat32())
	assert.Equal(t, []float32{8, 27, 64, 125}, b.Mul(x, y).AsFloat32())
	assert.Equal(t, []float32{2, 3, 4, 5}, b.Div(x, y).AsFloat32())
}

func TestCPUBackend_MatMul(t *testing.T) {
	b := New()
	// (2x3) @ (3x2)
	x := fromFloat32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	y := fromFloat32(t, []float32{7, 8, 9, 10, 11, 12}, tensor.Shape{3, 2})

	z := b.MatMul(x, y)
	require.True(t, tensor.Shape{2, 2}.Equal(z.Shape()))
	assert.Equal(t, []float32{58, 64, 139, 154}, z.AsFloat32())
}

func TestCPUBackend_Scalar(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{1, -2, 3}, tensor.Shape{3})

	assert.Equal(t, []float32{2, -4, 6}, b.MulScalar(x, 2.0).AsFloat32())
	assert.Equal(t, []float32{2, -1, 4}, b.AddScalar(x, 1.0).AsFloat32())
}

func TestCPUBackend_ReLU(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{-1, 0, 2, -3}, tensor.Shape{4})

	assert.Equal(t, []float32{0, 0, 2, 0}, b.ReLU(x).AsFloat32())
}

func TestCPUBackend_Reshape(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	y := b.Reshape(x, tensor.Shape{3, 2})
	assert.True(t, tensor.Shape{3, 2}.Equal(y.Shape()))
	assert.Equal(t, x.AsFloat32(), y.AsFloat32())
}

func TestCPUBackend_Transpose2D(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	y := b.Transpose(x, 1, 0)
	require.True(t, tensor.Shape{3, 2}.Equal(y.Shape()))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, y.AsFloat32())
}

func TestCPUBackend_Cat(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	y := fromFloat32(t, []float32{5, 6}, tensor.Shape{1, 2})

	z := b.Cat([]*tensor.RawTensor{x, y}, 0)
	require.True(t, tensor.Shape{3, 2}.Equal(z.Shape()))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, z.AsFloat32())
}

func TestCPUBackend_CatInnerDim(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	y := fromFloat32(t, []float32{5, 6}, tensor.Shape{2, 1})

	z := b.Cat([]*tensor.RawTensor{x, y}, 1)
	require.True(t, tensor.Shape{2, 3}.Equal(z.Shape()))
	assert.Equal(t, []float32{1, 2, 5, 3, 4, 6}, z.AsFloat32())
}

func TestCPUBackend_Chunk(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{6})

	parts := b.Chunk(x, 3, 0)
	require.Len(t, parts, 3)
	assert.Equal(t, []float32{1, 2}, parts[0].AsFloat32())
	assert.Equal(t, []float32{3, 4}, parts[1].AsFloat32())
	assert.Equal(t, []float32{5, 6}, parts[2].AsFloat32())
}

func TestCPUBackend_ChunkRoundTrip(t *testing.T) {
	b := New()
	x := fromFloat32(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, tensor.Shape{4, 2})

	parts := b.Chunk(x, 2, 0)
	back := b.Cat(parts, 0)
	assert.Equal(t, x.AsFloat32(), back.AsFloat32())
}

func TestCPUBackend_Float64(t *testing.T) {
	b := New()
	x, err := tensor.NewRaw(tensor.Shape{2}, tensor.Float64, tensor.CPU)
	require.NoError(t, err)
	copy(x.AsFloat64(), []float64{1.5, 2.5})
	y, err := tensor.NewRaw(tensor.Shape{2}, tensor.Float64, tensor.CPU)
	require.NoError(t, err)
	copy(y.AsFloat64(), []float64{0.5, 0.5})

	assert.Equal(t, []float64{2, 3}, b.Add(x, y).AsFloat64())
}

package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_NumElements(t *testing.T) {
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
	assert.Equal(t, 5, Shape{5}.NumElements())
	assert.Equal(t, 1, Shape{}.NumElements(), "scalar shape has one element")
}

func TestShape_ComputeStrides(t *testing.T) {
	assert.Equal(t, []int{12, 4, 1}, Shape{2, 3, 4}.ComputeStrides())
	assert.Equal(t, []int{1}, Shape{7}.ComputeStrides())
}

func TestShape_Equal(t *testing.T) {
	assert.True(t, Shape{2, 3}.Equal(Shape{2, 3}))
	assert.False(t, Shape{2, 3}.Equal(Shape{3, 2}))
	assert.False(t, Shape{2, 3}.Equal(Shape{2, 3, 1}))
}

func TestShape_Validate(t *testing.T) {
	require.NoError(t, Shape{2, 3}.Validate())
	require.Error(t, Shape{2, -1}.Validate())
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Shape
		want    Shape
		wantErr bool
	}{
		{"same shape", Shape{2, 3}, Shape{2, 3}, Shape{2, 3}, false},
		{"row broadcast", Shape{1, 3}, Shape{4, 3}, Shape{4, 3}, false},
		{"column broadcast", Shape{4, 1}, Shape{4, 3}, Shape{4, 3}, false},
		{"rank extension", Shape{3}, Shape{2, 3}, Shape{2, 3}, false},
		{"scalar", Shape{}, Shape{2, 3}, Shape{2, 3}, false},
		{"incompatible", Shape{2, 3}, Shape{2, 4}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := BroadcastShapes(tt.a, tt.b)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
		})
	}
}

func TestNewRaw(t *testing.T) {
	raw, err := NewRaw(Shape{2, 3}, Float32, CPU)
	require.NoError(t, err)

	assert.True(t, Shape{2, 3}.Equal(raw.Shape()))
	assert.Equal(t, Float32, raw.DType())
	assert.Equal(t, CPU, raw.Device())
	assert.Equal(t, 6, raw.NumElements())
	assert.Equal(t, 24, raw.ByteSize())
	assert.Len(t, raw.AsFloat32(), 6)
}

func TestNewRaw_Scalar(t *testing.T) {
	raw, err := NewRaw(Shape{}, Float32, CPU)
	require.NoError(t, err)
	assert.Equal(t, 1, raw.NumElements())
	assert.Len(t, raw.AsFloat32(), 1)
}

func TestRawTensor_Clone(t *testing.T) {
	raw, err := NewRaw(Shape{4}, Float32, CPU)
	require.NoError(t, err)
	data := raw.AsFloat32()
	for i := range data {
		data[i] = float32(i)
	}

	clone := raw.Clone()

	// Clones are copy-on-write: the buffer is shared but the identity is
	// distinct, which the tape keys gradients by.
	assert.NotSame(t, raw, clone)
	assert.False(t, raw.IsUnique(), "shared buffer is no longer unique")
	assert.Equal(t, float32(3), clone.AsFloat32()[3])
}

func TestRawTensor_ForceNonUnique(t *testing.T) {
	raw, err := NewRaw(Shape{2}, Float32, CPU)
	require.NoError(t, err)

	assert.True(t, raw.IsUnique())
	restore := raw.ForceNonUnique()
	assert.False(t, raw.IsUnique())
	restore()
}

func TestDataType_Size(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Float64.Size())
	assert.Equal(t, 4, Int32.Size())
	assert.Equal(t, 8, Int64.Size())
}

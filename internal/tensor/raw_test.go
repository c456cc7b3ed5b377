package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawTensorAsInt64(t *testing.T) {
	raw, err := NewRaw(Shape{3, 2}, Int64, CPU)
	require.NoError(t, err)
	data := raw.AsInt64()
	assert.Len(t, data, 6)

	// Modify and verify zero-copy
	data[0] = 42
	assert.Equal(t, int64(42), raw.AsInt64()[0])
}

func TestRawTensorAsUint8(t *testing.T) {
	raw, err := NewRaw(Shape{4, 4}, Uint8, CPU)
	require.NoError(t, err)
	data := raw.AsUint8()
	assert.Len(t, data, 16)

	data[0] = 255
	assert.Equal(t, uint8(255), raw.AsUint8()[0])
}

func TestRawTensorEmptyShape(t *testing.T) {
	raw, err := NewRaw(Shape{0, 3}, Float32, CPU)
	require.NoError(t, err)
	assert.Equal(t, 0, raw.NumElements())
	assert.Nil(t, raw.AsFloat32())
	assert.Empty(t, raw.Float64s())
}

func TestRawTensorNegativeDimension(t *testing.T) {
	_, err := NewRaw(Shape{2, -1}, Float32, CPU)
	assert.Error(t, err)
}

func TestRawTensorReleaseIsIdempotent(t *testing.T) {
	raw, err := NewRaw(Shape{2, 2}, Float32, CPU)
	require.NoError(t, err)

	raw.Release()
	raw.Release()

	assert.True(t, raw.Released())
	assert.True(t, raw.StorageFreed())
	assert.Panics(t, func() { _ = raw.AsFloat32() })
}

func TestRawTensorCloneSharesStorage(t *testing.T) {
	raw, err := FromFloat32s(Shape{2}, []float32{1, 2})
	require.NoError(t, err)

	view := raw.Clone()
	assert.True(t, view.SharesStorage(raw))
	assert.Equal(t, 2, raw.RefCount())

	raw.Release()
	assert.False(t, view.StorageFreed(), "storage must survive while a view is live")
	assert.Equal(t, []float32{1, 2}, view.AsFloat32())

	view.Release()
	assert.True(t, view.StorageFreed())
}

func TestRawTensorCopyIsIndependent(t *testing.T) {
	raw, err := FromFloat32s(Shape{3}, []float32{1, 2, 3})
	require.NoError(t, err)

	cp := raw.Copy()
	assert.False(t, cp.SharesStorage(raw))

	raw.AsFloat32()[0] = 100
	raw.Release()

	assert.Equal(t, []float32{1, 2, 3}, cp.AsFloat32())
	assert.Equal(t, 1, cp.RefCount())
}

func TestFloat64sRoundTripAcrossTypes(t *testing.T) {
	values := []float64{0, 1, 2.5, -3}
	tests := []struct {
		dtype DataType
		want  []float64
	}{
		{Float32, []float64{0, 1, 2.5, -3}},
		{Float64, []float64{0, 1, 2.5, -3}},
		{Float16, []float64{0, 1, 2.5, -3}},
		{Int8, []float64{0, 1, 2, -3}},
		{Int16, []float64{0, 1, 2, -3}},
		{Int32, []float64{0, 1, 2, -3}},
		{Int64, []float64{0, 1, 2, -3}},
		{Bool, []float64{0, 1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			raw, err := FromFloat64s(Shape{2, 2}, tt.dtype, values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, raw.Float64s())
		})
	}
}

func TestSetFloat64sLengthMismatch(t *testing.T) {
	raw, err := NewRaw(Shape{2}, Float32, CPU)
	require.NoError(t, err)
	err = raw.SetFloat64s([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCheckSpec(t *testing.T) {
	raw, err := NewRaw(Shape{2, 3}, Float32, CPU)
	require.NoError(t, err)

	assert.NoError(t, CheckSpec("x", raw, Shape{2, 3}, Float32))
	assert.NoError(t, CheckSpec("x", raw, nil, Float32))
	assert.ErrorIs(t, CheckSpec("x", raw, Shape{3, 2}, Float32), ErrShapeMismatch)
	assert.ErrorIs(t, CheckSpec("x", raw, Shape{2, 3}, Float64), ErrShapeMismatch)
	assert.ErrorIs(t, CheckSpec("x", nil, nil, Float64), ErrShapeMismatch)
}

func TestParseDataType(t *testing.T) {
	for dt := Float32; dt <= Bool; dt++ {
		got, ok := ParseDataType(dt.String())
		require.True(t, ok)
		assert.Equal(t, dt, got)
	}
	_, ok := ParseDataType("complex128")
	assert.False(t, ok)
}

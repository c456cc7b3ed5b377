package nn

import (
	"testing"

	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceSlotHoldsOneTrace(t *testing.T) {
	var slot traceSlot[int]
	_, ok := slot.consume()
	assert.False(t, ok)

	slot.produce(1)
	slot.produce(2)
	v, ok := slot.consume()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = slot.consume()
	assert.False(t, ok)

	slot.produce(3)
	slot.discard()
	_, ok = slot.peek()
	assert.False(t, ok)
}

func TestRecurrentStateStoresCopies(t *testing.T) {
	var s RecurrentState
	act := newTensor(t, tensor.Shape{1, 2}, tensor.Float32, []float64{1, 2})
	mem := newTensor(t, tensor.Shape{1, 2}, tensor.Float32, []float64{3, 4})

	s.storeStepping(act, mem)
	act.Release()
	mem.Release()

	assert.Equal(t, Stepping, s.Phase())
	assert.Equal(t, 16, s.Bytes())
	gotAct, gotMem := s.primary.snapshot()
	assert.Equal(t, []float64{1, 2}, gotAct.Float64s())
	assert.Equal(t, []float64{3, 4}, gotMem.Float64s())

	held := s.primary.act
	s.Reset()
	assert.Equal(t, Fresh, s.Phase())
	assert.Zero(t, s.Bytes())
	assert.True(t, held.StorageFreed())
}

func TestInFlightGuard(t *testing.T) {
	var g inFlightGuard
	require.NoError(t, g.begin("op"))
	assert.ErrorIs(t, g.begin("op"), kernel.ErrInvalidState)
	g.end()
	assert.NoError(t, g.begin("op"))
}

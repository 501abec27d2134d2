package device

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackingAllocator_CountsDeviceTraffic(t *testing.T) {
	checked := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer checked.AssertSize(t, 0)

	mem := NewTrackingAllocator(checked, "tracking-host/dev0")
	dev := New("tracking-host", 0, mem)

	buf, err := dev.Alloc(8, 4, RowMajor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mem.Active.Load())
	assert.GreaterOrEqual(t, mem.BytesAllocated.Load(), int64(8*4*4))

	buf.Release()
	assert.Equal(t, int64(0), mem.Active.Load())
	assert.GreaterOrEqual(t, mem.BytesFreed.Load(), int64(8*4*4))
}

func TestTrackingAllocator_NilBase(t *testing.T) {
	mem := NewTrackingAllocator(nil, "tracking-host/dev1")
	b := mem.Allocate(64)
	assert.Len(t, b, 64)
	mem.Free(b)
	assert.Equal(t, int64(64), mem.BytesFreed.Load())
}

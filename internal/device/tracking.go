package device

import (
	"sync/atomic"

	"github.com/23skdu/distknn/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
)

// TrackingAllocator wraps the allocator backing one device and reports its
// traffic under that device's label.
type TrackingAllocator struct {
	memory.Allocator

	BytesAllocated atomic.Int64
	BytesFreed     atomic.Int64
	Active         atomic.Int64

	allocated prometheus.Counter
	freed     prometheus.Counter
	live      prometheus.Gauge
}

// NewTrackingAllocator wraps base. A nil base uses a Go allocator.
func NewTrackingAllocator(base memory.Allocator, label string) *TrackingAllocator {
	if base == nil {
		base = memory.NewGoAllocator()
	}
	return &TrackingAllocator{
		Allocator: base,
		allocated: metrics.DeviceBytesAllocatedTotal.WithLabelValues(label),
		freed:     metrics.DeviceBytesFreedTotal.WithLabelValues(label),
		live:      metrics.DeviceAllocationsActive.WithLabelValues(label),
	}
}

func (a *TrackingAllocator) Allocate(size int) []byte {
	a.BytesAllocated.Add(int64(size))
	a.Active.Add(1)
	a.allocated.Add(float64(size))
	a.live.Inc()
	return a.Allocator.Allocate(size)
}

// Reallocate counts the new size as fresh allocation; the live count is unchanged.
func (a *TrackingAllocator) Reallocate(size int, b []byte) []byte {
	a.BytesAllocated.Add(int64(size))
	a.allocated.Add(float64(size))
	return a.Allocator.Reallocate(size, b)
}

func (a *TrackingAllocator) Free(b []byte) {
	a.BytesFreed.Add(int64(len(b)))
	a.Active.Add(-1)
	a.freed.Add(float64(len(b)))
	a.live.Dec()
	a.Allocator.Free(b)
}

var _ memory.Allocator = (*TrackingAllocator)(nil)

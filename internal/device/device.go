// Package device models accelerator memory owned by one worker process and the
// zero-copy IPC handles other processes on the same host use to read it.
//
// Buffers are allocated through an Arrow memory.Allocator so tests can run
// against a memory.CheckedAllocator and prove that every byte handed out during
// a fit/query cycle is returned once the owning model is closed.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	ErrInvalidShape    = errors.New("device: rows and cols must be non-negative")
	ErrForeignBuffer   = errors.New("device: buffer belongs to another device")
	ErrBufferReleased  = errors.New("device: buffer already released")
	ErrUnknownBuffer   = errors.New("device: unknown buffer")
	ErrNotExported     = errors.New("device: buffer has no exported ipc handle")
	ErrCrossHost       = errors.New("device: ipc handles cannot cross hosts")
	ErrUnknownDevice   = errors.New("device: unknown device")
	ErrDuplicateDevice = errors.New("device: device already registered")
	ErrMappingClosed   = errors.New("device: mapping already closed")
	ErrDeviceFault     = errors.New("device: device faulted")
)

// Order describes the memory layout of a matrix buffer.
type Order int

const (
	ColumnMajor Order = iota
	RowMajor
)

func (o Order) String() string {
	if o == RowMajor {
		return "C"
	}
	return "F"
}

// Device is the memory space of a single accelerator. It is exclusively owned
// by the worker process resident on it.
type Device struct {
	host string
	id   int
	mem  memory.Allocator

	mu      sync.Mutex
	next    uint64
	buffers map[uint64]*Buffer

	faulted atomic.Bool
}

// New creates a device on host with the given ordinal.
func New(host string, id int, mem memory.Allocator) *Device {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &Device{
		host:    host,
		id:      id,
		mem:     mem,
		buffers: make(map[uint64]*Buffer),
	}
}

func (d *Device) Host() string                { return d.host }
func (d *Device) ID() int                     { return d.id }
func (d *Device) Allocator() memory.Allocator { return d.mem }

// Fault marks the device as faulted. Mappings of its buffers still release
// their memory on Close but report ErrDeviceFault.
func (d *Device) Fault()        { d.faulted.Store(true) }
func (d *Device) Faulted() bool { return d.faulted.Load() }

func (d *Device) String() string {
	return fmt.Sprintf("%s/dev%d", d.host, d.id)
}

// Alloc reserves a rows x cols float32 matrix. The returned buffer carries one
// reference owned by the caller.
func (d *Device) Alloc(rows, cols int, order Order) (*Buffer, error) {
	if rows < 0 || cols < 0 {
		return nil, ErrInvalidShape
	}

	data := memory.NewResizableBuffer(d.mem)
	data.Resize(rows * cols * arrow.Float32SizeBytes)

	d.mu.Lock()
	d.next++
	b := &Buffer{
		dev:   d,
		id:    d.next,
		rows:  rows,
		cols:  cols,
		order: order,
		data:  data,
	}
	b.refs.Store(1)
	d.buffers[b.id] = b
	d.mu.Unlock()

	return b, nil
}

// Export creates a transferable IPC handle for b.
func (d *Device) Export(b *Buffer) (IPCHandle, error) {
	if b.dev != d {
		return IPCHandle{}, ErrForeignBuffer
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[b.id]; !ok {
		return IPCHandle{}, ErrBufferReleased
	}
	b.exported.Store(true)
	return IPCHandle{
		Host:   d.host,
		Device: d.id,
		Buffer: b.id,
		Rows:   b.rows,
		Cols:   b.cols,
		Order:  b.order,
	}, nil
}

// Live returns the number of buffers still allocated on the device.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// acquire looks up an exported buffer and takes a reference on it.
func (d *Device) acquire(id uint64) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, ErrUnknownBuffer
	}
	if !b.exported.Load() {
		return nil, ErrNotExported
	}
	b.refs.Add(1)
	return b, nil
}

// Buffer is a reference counted matrix in device memory.
type Buffer struct {
	dev   *Device
	id    uint64
	rows  int
	cols  int
	order Order
	data  *memory.Buffer

	refs     atomic.Int64
	exported atomic.Bool
}

func (b *Buffer) ID() uint64      { return b.id }
func (b *Buffer) Rows() int       { return b.rows }
func (b *Buffer) Cols() int       { return b.cols }
func (b *Buffer) Order() Order    { return b.order }
func (b *Buffer) Device() *Device { return b.dev }

// Float32s returns a view of the buffer contents. The view is only valid while
// a reference is held.
func (b *Buffer) Float32s() []float32 {
	n := b.rows * b.cols
	if n == 0 {
		return nil
	}
	return arrow.Float32Traits.CastFromBytes(b.data.Bytes())[:n]
}

// Retain adds a reference.
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Release drops a reference and frees the memory once none remain.
func (b *Buffer) Release() {
	d := b.dev
	d.mu.Lock()
	n := b.refs.Add(-1)
	if n == 0 {
		delete(d.buffers, b.id)
	}
	d.mu.Unlock()

	if n == 0 {
		b.data.Release()
	}
}

// AllocInfo describes the buffer for a local KNN engine.
func (b *Buffer) AllocInfo() AllocInfo {
	return AllocInfo{
		Host:   b.dev.host,
		Device: b.dev.id,
		Buffer: b.id,
		Rows:   b.rows,
		Cols:   b.cols,
		Order:  b.order,
		Data:   b.Float32s(),
		buf:    b,
	}
}

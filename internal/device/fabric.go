package device

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type deviceKey struct {
	host string
	id   int
}

// Fabric brokers IPC handle opens between devices. Opens are only permitted
// between devices on the same host.
type Fabric struct {
	mu      sync.RWMutex
	devices map[deviceKey]*Device

	opened atomic.Int64
	closed atomic.Int64
}

// FabricStats reports mapping lifecycle counters.
type FabricStats struct {
	Opened int64
	Closed int64
}

func NewFabric() *Fabric {
	return &Fabric{devices: make(map[deviceKey]*Device)}
}

// Register makes d reachable through IPC handles.
func (f *Fabric) Register(d *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := deviceKey{host: d.host, id: d.id}
	if _, ok := f.devices[k]; ok {
		return ErrDuplicateDevice
	}
	f.devices[k] = d
	return nil
}

// Open attaches h from the device at. The returned mapping pins the source
// buffer until it is closed.
func (f *Fabric) Open(h IPCHandle, at *Device) (*Mapping, error) {
	if at != nil && at.host != h.Host {
		return nil, ErrCrossHost
	}

	f.mu.RLock()
	src, ok := f.devices[deviceKey{host: h.Host, id: h.Device}]
	f.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownDevice
	}

	buf, err := src.acquire(h.Buffer)
	if err != nil {
		return nil, err
	}
	f.opened.Add(1)
	return &Mapping{fabric: f, handle: h, buf: buf}, nil
}

func (f *Fabric) Stats() FabricStats {
	return FabricStats{Opened: f.opened.Load(), Closed: f.closed.Load()}
}

// Mapping is an open IPC handle.
type Mapping struct {
	fabric *Fabric
	handle IPCHandle
	buf    *Buffer
	closed atomic.Bool
}

func (m *Mapping) Handle() IPCHandle { return m.handle }

// AllocInfo addresses the mapped memory. Holders that outlive the mapping must
// Retain the info.
func (m *Mapping) AllocInfo() AllocInfo {
	return m.buf.AllocInfo()
}

// Close unmaps the handle. A second Close returns ErrMappingClosed.
func (m *Mapping) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrMappingClosed
	}
	src := m.buf.dev
	m.buf.Release()
	m.fabric.closed.Add(1)
	if src.Faulted() {
		return fmt.Errorf("unmap %s: %w", m.handle, ErrDeviceFault)
	}
	return nil
}

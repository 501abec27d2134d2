// Package handles manages the zero-copy device handles a host coordinator
// opens to read shards that live on the other devices of its host.
//
// Handles are grouped by source device. Each group is served by one Context,
// which maps every handle of the group and keeps a holder goroutine alive
// until the context is closed. Teardown always closes every context before
// joining any of them.
package handles

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/23skdu/distknn/internal/device"
	apperrors "github.com/23skdu/distknn/internal/errors"
	"github.com/23skdu/distknn/internal/metrics"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Group is the handles exported by one source device.
type Group struct {
	Device  int
	Handles []device.IPCHandle
}

// GroupByDevice buckets handles by source device, keeping first-seen device
// order and the original handle order within each group.
func GroupByDevice(hs []device.IPCHandle) []Group {
	var groups []Group
	index := make(map[int]int)
	for _, h := range hs {
		i, ok := index[h.Device]
		if !ok {
			i = len(groups)
			index[h.Device] = i
			groups = append(groups, Group{Device: h.Device})
		}
		groups[i].Handles = append(groups[i].Handles, h)
	}
	return groups
}

// Export publishes buf so same-host peers can open it.
func Export(dev *device.Device, buf *device.Buffer) (device.IPCHandle, error) {
	h, err := dev.Export(buf)
	if err != nil {
		metrics.HandleOpsTotal.WithLabelValues("export", "error").Inc()
		return device.IPCHandle{}, apperrors.WrapHandleError(err, "Export",
			fmt.Sprintf("cannot export buffer %d", buf.ID())).
			WithContext("device", dev.ID())
	}
	metrics.HandleOpsTotal.WithLabelValues("export", "success").Inc()
	return h, nil
}

// Context holds the open mappings of one source device.
type Context struct {
	source  int
	handles []device.IPCHandle
	logger  zerolog.Logger

	mu       sync.Mutex
	mappings []*device.Mapping
	infos    []device.AllocInfo
	opened   bool

	stop chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closes    atomic.Int32
	joins     atomic.Int32
}

// NewContext prepares a context for g. Nothing is mapped until Open.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func NewContext(g Group, logger zerolog.Logger) *Context {
	return &Context{
		source:  g.Device,
		handles: g.Handles,
		logger:  logger.With().Int("source_device", g.Device).Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Context) SourceDevice() int { return c.source }

// Closed and Joined report how many Close and Join calls took effect.
func (c *Context) Closed() int { return int(c.closes.Load()) }
func (c *Context) Joined() int { return int(c.joins.Load()) }

// Open maps every handle of the group from the device at and starts the
// holder goroutine. On failure the mappings opened so far are closed.
func (c *Context) Open(fabric *device.Fabric, at *device.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return apperrors.NewHandleError("Open", "context already opened").WithContext("device", c.source)
	}

	mappings := make([]*device.Mapping, 0, len(c.handles))
	for _, h := range c.handles {
		m, err := fabric.Open(h, at)
		if err != nil {
			for _, opened := range mappings {
				_ = opened.Close()
			}
			metrics.HandleOpsTotal.WithLabelValues("open", "error").Inc()
			return apperrors.WrapHandleError(err, "Open", fmt.Sprintf("cannot open %s", h)).
				WithContext("device", c.source)
		}
		mappings = append(mappings, m)
	}

	infos := make([]device.AllocInfo, len(mappings))
	for i, m := range mappings {
		infos[i] = m.AllocInfo()
	}
	c.mappings = mappings
	c.infos = infos
	c.opened = true

	go c.hold()

	metrics.HandleContextsOpen.Inc()
	metrics.HandleOpsTotal.WithLabelValues("open", "success").Inc()
	c.logger.Debug().Int("handles", len(mappings)).Msg("Handle context opened")
	return nil
}

// hold is the attached reader of the mappings; it lives until Close.
func (c *Context) hold() {
	defer close(c.done)
	<-c.stop
}

// Info returns one alloc info per handle of the group, in handle order.
func (c *Context) Info() []device.AllocInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]device.AllocInfo, len(c.infos))
	copy(out, c.infos)
	return out
}

// Close unmaps every handle and signals the holder to exit. Only the first
// call has any effect; later calls return nil.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.close() })
	return err
}

func (c *Context) close() error {
	c.mu.Lock()
	opened := c.opened
	mappings := c.mappings
	c.mappings = nil
	c.infos = nil
	c.mu.Unlock()

	var err error
	for _, m := range mappings {
		err = multierr.Append(err, m.Close())
	}
	close(c.stop)
	if opened {
		metrics.HandleContextsOpen.Dec()
	} else {
		close(c.done)
	}
	c.closes.Add(1)

	if err != nil {
		metrics.HandleOpsTotal.WithLabelValues("close", "error").Inc()
		return apperrors.WrapHandleError(err, "Close", "unmapping failed").WithContext("device", c.source)
	}
	metrics.HandleOpsTotal.WithLabelValues("close", "success").Inc()
	return nil
}

// Join waits for the holder goroutine to exit. It must follow Close.
func (c *Context) Join(ctx context.Context) error {
	select {
	case <-c.done:
	case <-ctx.Done():
		metrics.HandleOpsTotal.WithLabelValues("join", "error").Inc()
		return apperrors.WrapHandleError(ctx.Err(), "Join", "holder did not exit").WithContext("device", c.source)
	}
	if c.joins.CompareAndSwap(0, 1) {
		metrics.HandleOpsTotal.WithLabelValues("join", "success").Inc()
	}
	return nil
}

package cluster

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/23skdu/distknn/internal/device"
	"github.com/23skdu/distknn/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config describes a simulated cluster: one worker per device, DevicesPerHost
// devices on every host.
type Config struct {
	Hosts            []string
	DevicesPerHost   int
	BasePort         int
	ThreadsPerWorker int
	// Allocator backs every device. Defaults to a Go allocator per device.
	Allocator memory.Allocator
}

// Worker is one process resident on one device.
type Worker struct {
	addr   string
	host   string
	dev    *device.Device
	fabric *device.Fabric
	logger zerolog.Logger
	slots  chan struct{}

	mu    sync.Mutex
	store map[string]*Future
}

func (w *Worker) Addr() string            { return w.addr }
func (w *Worker) Host() string            { return w.host }
func (w *Worker) Device() *device.Device  { return w.dev }
func (w *Worker) Fabric() *device.Fabric  { return w.fabric }
func (w *Worker) Logger() *zerolog.Logger { return &w.logger }

// Stored returns the number of results resident on the worker.
func (w *Worker) Stored() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.store)
}

func (w *Worker) put(f *Future) {
	w.mu.Lock()
	w.store[f.key] = f
	w.mu.Unlock()
	metrics.StoredResults.Inc()
}

func (w *Worker) remove(key string) bool {
	w.mu.Lock()
	_, ok := w.store[key]
	delete(w.store, key)
	w.mu.Unlock()
	if ok {
		metrics.StoredResults.Dec()
	}
	return ok
}

// LocalCluster runs tasks on goroutines, bounded per worker by
// ThreadsPerWorker, and keeps results on the worker that produced them.
type LocalCluster struct {
	logger  zerolog.Logger
	fabric  *device.Fabric
	workers []*Worker
	byAddr  map[string]*Worker
	next    atomic.Uint64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
}

var _ Scheduler = (*LocalCluster)(nil)

// NewLocalCluster starts a simulated cluster.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func NewLocalCluster(cfg Config, logger zerolog.Logger) (*LocalCluster, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("cluster: at least one host is required")
	}
	if cfg.DevicesPerHost <= 0 {
		cfg.DevicesPerHost = 1
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = 40000
	}
	if cfg.ThreadsPerWorker <= 0 {
		cfg.ThreadsPerWorker = 1
	}

	c := &LocalCluster{
		logger: logger,
		fabric: device.NewFabric(),
		byAddr: make(map[string]*Worker),
	}

	for _, host := range cfg.Hosts {
		for d := 0; d < cfg.DevicesPerHost; d++ {
			mem := device.NewTrackingAllocator(cfg.Allocator, fmt.Sprintf("%s/dev%d", host, d))
			dev := device.New(host, d, mem)
			if err := c.fabric.Register(dev); err != nil {
				return nil, fmt.Errorf("cluster: host %s listed twice: %w", host, err)
			}
			addr := "tcp://" + net.JoinHostPort(host, strconv.Itoa(cfg.BasePort+d))
			w := &Worker{
				addr:   addr,
				host:   host,
				dev:    dev,
				fabric: c.fabric,
				logger: logger.With().Str("worker", addr).Int("device", d).Logger(),
				slots:  make(chan struct{}, cfg.ThreadsPerWorker),
				store:  make(map[string]*Future),
			}
			c.workers = append(c.workers, w)
			c.byAddr[addr] = w
		}
	}

	logger.Info().
		Int("hosts", len(cfg.Hosts)).
		Int("workers", len(c.workers)).
		Msg("Local cluster started")
	return c, nil
}

// Workers returns worker addresses, host-major in configuration order.
func (c *LocalCluster) Workers() []string {
	out := make([]string, len(c.workers))
	for i, w := range c.workers {
		out[i] = w.addr
	}
	return out
}

func (c *LocalCluster) Worker(addr string) (*Worker, bool) {
	w, ok := c.byAddr[addr]
	return w, ok
}

func (c *LocalCluster) Fabric() *device.Fabric { return c.fabric }

// Submitted returns how many tasks have been submitted since start.
func (c *LocalCluster) Submitted() int64 { return c.submitted.Load() }

func (c *LocalCluster) pick(addr string) (*Worker, error) {
	if addr != "" {
		w, ok := c.byAddr[addr]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, addr)
		}
		return w, nil
	}
	n := c.next.Add(1) - 1
	return c.workers[n%uint64(len(c.workers))], nil
}

func (c *LocalCluster) Submit(ctx context.Context, fn TaskFunc, opts ...SubmitOption) *Future {
	o := submitOptions{name: "task"}
	for _, opt := range opts {
		opt(&o)
	}

	f := newFuture(o.name + "-" + uuid.NewString())
	c.submitted.Add(1)

	w, err := c.pick(o.worker)
	if err != nil {
		metrics.TasksTotal.WithLabelValues(o.name, "error").Inc()
		f.complete("", nil, err)
		return f
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.complete("", nil, ErrClosed)
		return f
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, w, f, fn, o)
	return f
}

func (c *LocalCluster) run(ctx context.Context, w *Worker, f *Future, fn TaskFunc, o submitOptions) {
	defer c.wg.Done()

	fail := func(err error) {
		metrics.TasksTotal.WithLabelValues(o.name, "error").Inc()
		f.complete("", nil, err)
	}

	for _, dep := range o.deps {
		if dep == nil {
			continue
		}
		select {
		case <-dep.Done():
			if err := dep.Err(); err != nil {
				fail(fmt.Errorf("dependency %s: %w", dep.Key(), err))
				return
			}
		case <-ctx.Done():
			fail(ctx.Err())
			return
		}
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		fail(ctx.Err())
		return
	}

	value, err := c.execute(ctx, w, f.key, fn)
	<-w.slots

	if err != nil {
		w.logger.Debug().Str("key", f.key).Err(err).Msg("Task failed")
		fail(err)
		return
	}

	w.put(f)
	metrics.TasksTotal.WithLabelValues(o.name, "success").Inc()
	f.complete(w.addr, value, nil)
}

func (c *LocalCluster) execute(ctx context.Context, w *Worker, key string, fn TaskFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", key, r)
		}
	}()
	return fn(ctx, w)
}

// Wait fails fast: it returns the first task error observed, without waiting
// for the remaining futures.
func (c *LocalCluster) Wait(ctx context.Context, futures ...*Future) error {
	pending := 0
	finished := make(chan *Future, len(futures))
	stop := make(chan struct{})
	defer close(stop)

	for _, f := range futures {
		if f == nil {
			continue
		}
		pending++
		go func(f *Future) {
			select {
			case <-f.Done():
				finished <- f
			case <-stop:
			}
		}(f)
	}

	for pending > 0 {
		select {
		case f := <-finished:
			if err := f.Err(); err != nil {
				return err
			}
			pending--
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WhoHas reports the holding worker of every finished, unreleased future.
// Pending, failed or released futures map to an empty list.
func (c *LocalCluster) WhoHas(ctx context.Context, futures ...*Future) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(futures))
	for _, f := range futures {
		if f == nil {
			continue
		}
		if addr := f.Worker(); addr != "" {
			out[f.key] = []string{addr}
		} else {
			out[f.key] = nil
		}
	}
	return out, nil
}

func (c *LocalCluster) Scatter(ctx context.Context, value any, workers []string) (map[string]*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]*Future, len(workers))
	for _, addr := range workers {
		w, ok := c.byAddr[addr]
		if !ok {
			for _, f := range out {
				c.Release(f)
			}
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, addr)
		}
		f := newFuture("scatter-" + uuid.NewString())
		w.put(f)
		f.complete(w.addr, value, nil)
		out[addr] = f
	}
	return out, nil
}

func (c *LocalCluster) Release(futures ...*Future) {
	for _, f := range futures {
		if f == nil {
			continue
		}
		select {
		case <-f.Done():
			c.release(f)
		default:
			go func(f *Future) {
				<-f.Done()
				c.release(f)
			}(f)
		}
	}
}

func (c *LocalCluster) release(f *Future) {
	w, ok := c.byAddr[f.Worker()]
	if !ok || !w.remove(f.key) {
		return
	}
	dispose(f.take(), &w.logger)
}

func dispose(v any, logger *zerolog.Logger) {
	switch x := v.(type) {
	case interface{ Release() }:
		x.Release()
	case io.Closer:
		if err := x.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close released result")
		}
	}
}

// Close waits for running tasks and drops every stored result.
func (c *LocalCluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()

	for _, w := range c.workers {
		w.mu.Lock()
		stored := make([]*Future, 0, len(w.store))
		for _, f := range w.store {
			stored = append(stored, f)
		}
		w.mu.Unlock()
		for _, f := range stored {
			c.release(f)
		}
	}
	c.logger.Info().Msg("Local cluster closed")
	return nil
}

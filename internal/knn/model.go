// Package knn orchestrates a multi-host k-nearest-neighbors model on top of a
// cluster scheduler.
//
// Fit locates every shard of a distributed table, elects one coordinator
// worker per host, gives each coordinator zero-copy access to the other
// shards of its host and builds one local index per host. KNeighbors
// broadcasts a query to every coordinator and merges the per-host answers
// under one global row numbering: the rows of the host at rank r are
// numbered from the sum of the row counts of ranks 0..r-1.
//
// A fitted Model pins device memory on the workers until Close is called.
package knn

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/23skdu/distknn/internal/cluster"
	"github.com/23skdu/distknn/internal/engine"
	"github.com/23skdu/distknn/internal/placement"
	"github.com/rs/zerolog"
)

// ErrNotFitted is returned when a model is queried before a successful Fit.
var ErrNotFitted = errors.New("knn: model not fitted")

// MergeMode selects how per-host answers are combined.
type MergeMode int

const (
	// MergeAll re-reduces every host's top-k into one global top-k.
	MergeAll MergeMode = iota
	// MergePrimary returns the answer of the rank 0 host only.
	MergePrimary
)

func (m MergeMode) String() string {
	if m == MergePrimary {
		return "primary"
	}
	return "all"
}

// HostMaster is the elected coordinator of one host.
type HostMaster struct {
	Worker    string
	Location  placement.WorkerLocation
	Rank      int
	Rows      int64
	RowOffset int64
}

// HostFitStats describes what one coordinator did during the last Fit.
type HostFitStats struct {
	Host        string
	Coordinator string
	Rank        int
	// Contexts is the number of handle contexts opened, one per source device.
	Contexts       int
	Handles        int
	LocalShards    int
	ContextsClosed int
	ContextsJoined int
}

// Option configures a Model.
type Option func(*Model)

// WithEngine sets the local engine. Defaults to engine.BruteForce.
func WithEngine(e engine.Engine) Option {
	return func(m *Model) { m.engine = e }
}

// WithMergeMode sets the fan-in behaviour. Defaults to MergeAll.
func WithMergeMode(mode MergeMode) Option {
	return func(m *Model) { m.merge = mode }
}

// WithRandomElection picks a random coordinator per host and ranks hosts in
// first-seen order instead of electing the lowest worker of hosts sorted by name.
func WithRandomElection(seed int64) Option {
	return func(m *Model) { m.rng = rand.New(rand.NewSource(seed)) }
}

// WithLogger sets the model logger.
//
//nolint:gocritic // Logger passed by value for option simplicity
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Model) { m.logger = logger }
}

// Model is a distributed KNN model.
type Model struct {
	sched   cluster.Scheduler
	locator *placement.Locator
	engine  engine.Engine
	merge   MergeMode
	rng     *rand.Rand
	logger  zerolog.Logger

	mu          sync.RWMutex
	fitted      bool
	columns     int
	masters     []HostMaster
	subModels   []*cluster.Future
	matrices    []*cluster.Future
	byShard     map[int]*cluster.Future
	layouts     [][]Span
	stats       []HostFitStats
	teardownErr error
}

// New creates an unfitted model on sched.
func New(sched cluster.Scheduler, opts ...Option) *Model {
	m := &Model{sched: sched, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	if m.engine == nil {
		m.engine = engine.NewBruteForce(m.logger)
	}
	m.locator = placement.NewLocator(sched, m.logger)
	return m
}

// Fitted reports whether the model can be queried.
func (m *Model) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fitted
}

// Columns returns the dimensionality of the fitted data.
func (m *Model) Columns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.columns
}

// HostMasters returns the coordinators in rank order.
func (m *Model) HostMasters() []HostMaster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HostMaster, len(m.masters))
	copy(out, m.masters)
	return out
}

// FitStats returns per-host statistics of the last successful Fit.
func (m *Model) FitStats() []HostFitStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HostFitStats, len(m.stats))
	copy(out, m.stats)
	return out
}

// TeardownErr reports handle teardown failures of the last Fit. They do not
// invalidate the fitted model.
func (m *Model) TeardownErr() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.teardownErr
}

// Close releases the sub-models and shard matrices pinned on the workers.
// The model can be fitted again afterwards.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	return nil
}

func (m *Model) releaseLocked() {
	if len(m.subModels) > 0 || len(m.matrices) > 0 {
		m.logger.Debug().
			Int("sub_models", len(m.subModels)).
			Int("matrices", len(m.matrices)).
			Msg("Releasing fitted model")
	}
	m.sched.Release(m.subModels...)
	m.sched.Release(m.matrices...)
	m.fitted = false
	m.columns = 0
	m.masters = nil
	m.subModels = nil
	m.matrices = nil
	m.byShard = nil
	m.layouts = nil
	m.stats = nil
	m.teardownErr = nil
}

func (m *Model) ranks() []engine.HostRank {
	out := make([]engine.HostRank, len(m.masters))
	for i, hm := range m.masters {
		out[i] = engine.HostRank{Worker: hm.Worker, Rank: hm.Rank, Rows: hm.Rows, RowOffset: hm.RowOffset}
	}
	return out
}

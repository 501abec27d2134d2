// Package engine defines the local KNN engine the orchestration layer builds
// one index per host with, plus two in-process engines: an exact BLAS
// brute-force engine and an approximate HNSW engine.
//
// An index answers queries for the rows of its own host only. Indices it
// returns are global: the host's row offset, taken from the rank table, is
// added to every local row position. Distances are squared Euclidean.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/distknn/internal/device"
)

var (
	ErrKTooLarge         = errors.New("engine: k exceeds the number of indexed rows")
	ErrInvalidK          = errors.New("engine: k must be positive")
	ErrDimensionMismatch = errors.New("engine: dimension mismatch")
	ErrIndexClosed       = errors.New("engine: index closed")
	ErrEmptyIndex        = errors.New("engine: no rows to index")
	ErrInvalidRank       = errors.New("engine: rank out of range")
)

// HostRank is one entry of the rank table shared by every host index.
type HostRank struct {
	Worker    string
	Rank      int
	Rows      int64
	RowOffset int64
}

// Result holds k neighbors per query row, row-major, ascending distance.
// Slots a host cannot fill carry index -1 and distance +Inf.
type Result struct {
	Rows      int
	K         int
	Distances []float32
	Indices   []int64
}

// NewResult allocates a result with every slot empty.
func NewResult(rows, k int) *Result {
	r := &Result{
		Rows:      rows,
		K:         k,
		Distances: make([]float32, rows*k),
		Indices:   make([]int64, rows*k),
	}
	for i := range r.Indices {
		r.Indices[i] = -1
		r.Distances[i] = float32(math.Inf(1))
	}
	return r
}

// Row returns the distances and indices of query row i.
func (r *Result) Row(i int) ([]float32, []int64) {
	lo, hi := i*r.K, (i+1)*r.K
	return r.Distances[lo:hi], r.Indices[lo:hi]
}

// Engine builds a host index over the shards of one host.
type Engine interface {
	// FitMultiDevice indexes infos as one logical matrix of dims columns.
	// Row positions follow the order of infos.
	FitMultiDevice(ctx context.Context, dims int, infos []device.AllocInfo) (Index, error)
}

// Index is a fitted host index.
type Index interface {
	// QueryMultiHost returns the k nearest local rows per row of q, numbered
	// globally through ranks[self].RowOffset.
	QueryMultiHost(ctx context.Context, q device.AllocInfo, k int, ranks []HostRank, self int) (*Result, error)
	Rows() int64
	Close() error
}

func validateInfos(dims int, infos []device.AllocInfo) (int64, error) {
	if dims <= 0 {
		return 0, fmt.Errorf("%w: %d columns", ErrDimensionMismatch, dims)
	}
	var rows int64
	for i, info := range infos {
		if info.Cols != dims {
			return 0, fmt.Errorf("%w: shard %d (%s) has %d columns, want %d", ErrDimensionMismatch, i, info, info.Cols, dims)
		}
		rows += int64(info.Rows)
	}
	if rows == 0 {
		return 0, ErrEmptyIndex
	}
	return rows, nil
}

func validateQuery(q device.AllocInfo, dims, k int, ranks []HostRank, self int) error {
	if k <= 0 {
		return ErrInvalidK
	}
	if q.Cols != dims {
		return fmt.Errorf("%w: query has %d columns, index has %d", ErrDimensionMismatch, q.Cols, dims)
	}
	if self < 0 || self >= len(ranks) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidRank, self, len(ranks))
	}
	var total int64
	for _, r := range ranks {
		total += r.Rows
	}
	if int64(k) > total {
		return fmt.Errorf("%w: k=%d, rows=%d", ErrKTooLarge, k, total)
	}
	return nil
}

// SquaredL2 is the distance every engine reports.
func SquaredL2(a, b []float32) float32 {
	var s float32
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

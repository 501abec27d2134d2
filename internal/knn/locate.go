package knn

import (
	"context"
	"fmt"
	"sort"

	"github.com/23skdu/distknn/internal/cluster"
	"github.com/23skdu/distknn/internal/device"
	apperrors "github.com/23skdu/distknn/internal/errors"
	"github.com/23skdu/distknn/internal/placement"
)

// Span is a contiguous run of local row positions in a host index that
// belongs to one shard.
type Span struct {
	Shard  int
	Name   string
	Worker string
	Device int
	Start  int64
	Rows   int64
}

func newSpan(s placement.ShardPlacement, start int64) Span {
	return Span{
		Shard:  s.Index,
		Name:   s.Name,
		Worker: s.Worker,
		Device: s.Device,
		Start:  start,
		Rows:   s.Rows,
	}
}

// RowLocation identifies the row a global index refers to.
type RowLocation struct {
	Rank        int
	Coordinator string
	Shard       int
	Name        string
	Worker      string
	Device      int
	Row         int64
}

func (l RowLocation) String() string {
	return fmt.Sprintf("rank %d shard %s (%s dev%d) row %d", l.Rank, l.Name, l.Worker, l.Device, l.Row)
}

// Locate maps a global row index returned by KNeighbors back to the shard and
// shard row it came from.
func (m *Model) Locate(index int64) (RowLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.fitted {
		return RowLocation{}, apperrors.WrapMisuseError(ErrNotFitted, "Locate", "model must be fitted first")
	}
	return m.locateLocked(index)
}

func (m *Model) locateLocked(index int64) (RowLocation, error) {
	r := sort.Search(len(m.masters), func(i int) bool {
		return m.masters[i].RowOffset+m.masters[i].Rows > index
	})
	if index < 0 || r == len(m.masters) {
		return RowLocation{}, apperrors.NewValidationError("Locate",
			fmt.Sprintf("index %d outside [0, %d)", index, m.totalRowsLocked()))
	}
	hm := m.masters[r]
	local := index - hm.RowOffset

	spans := m.layouts[r]
	s := sort.Search(len(spans), func(i int) bool { return spans[i].Start+spans[i].Rows > local })
	if s == len(spans) {
		return RowLocation{}, apperrors.NewValidationError("Locate",
			fmt.Sprintf("index %d has no shard on rank %d", index, r))
	}
	sp := spans[s]
	return RowLocation{
		Rank:        hm.Rank,
		Coordinator: hm.Worker,
		Shard:       sp.Shard,
		Name:        sp.Name,
		Worker:      sp.Worker,
		Device:      sp.Device,
		Row:         local - sp.Start,
	}, nil
}

// Vectors returns the feature vector of every global index, in the order
// given. Rows are read on the workers that own their shards.
func (m *Model) Vectors(ctx context.Context, indices []int64) ([][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.fitted {
		return nil, apperrors.WrapMisuseError(ErrNotFitted, "Vectors", "model must be fitted first")
	}

	type request struct {
		worker string
		rows   []int64
		slots  []int
	}
	var order []int
	byShard := make(map[int]*request)
	for i, idx := range indices {
		loc, err := m.locateLocked(idx)
		if err != nil {
			return nil, err
		}
		req, ok := byShard[loc.Shard]
		if !ok {
			req = &request{worker: loc.Worker}
			byShard[loc.Shard] = req
			order = append(order, loc.Shard)
		}
		req.rows = append(req.rows, loc.Row)
		req.slots = append(req.slots, i)
	}

	futs := make([]*cluster.Future, len(order))
	for i, shard := range order {
		matrix := m.byShard[shard]
		futs[i] = m.sched.Submit(ctx, readRowsTask(matrix, byShard[shard].rows),
			cluster.OnWorker(byShard[shard].worker),
			cluster.DependsOn(matrix),
			cluster.Named("read-rows"))
	}
	defer m.sched.Release(futs...)

	if err := m.sched.Wait(ctx, futs...); err != nil {
		return nil, apperrors.WrapQueryError(err, "Vectors", "cannot read rows")
	}
	out := make([][]float32, len(indices))
	for i, shard := range order {
		v, err := futs[i].Result(ctx)
		if err != nil {
			return nil, apperrors.WrapQueryError(err, "Vectors", "cannot read rows").WithContext("shard", shard)
		}
		for j, vec := range v.([][]float32) {
			out[byShard[shard].slots[j]] = vec
		}
	}
	return out, nil
}

func readRowsTask(matrix *cluster.Future, rows []int64) cluster.TaskFunc {
	return func(ctx context.Context, _ *cluster.Worker) (any, error) {
		v, err := matrix.Result(ctx)
		if err != nil {
			return nil, err
		}
		info := v.(*device.Buffer).AllocInfo()
		out := make([][]float32, len(rows))
		for i, r := range rows {
			out[i] = info.RowTo(int(r), nil)
		}
		return out, nil
	}
}

// TotalRows is the number of rows indexed across all hosts.
func (m *Model) TotalRows() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRowsLocked()
}

func (m *Model) totalRowsLocked() int64 {
	var n int64
	for _, hm := range m.masters {
		n += hm.Rows
	}
	return n
}

package engine

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/23skdu/distknn/internal/device"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// matrix allocates a column-major rows x cols buffer filled from rng.
func matrix(t *testing.T, dev *device.Device, rows, cols int, rng *rand.Rand) *device.Buffer {
	t.Helper()
	buf, err := dev.Alloc(rows, cols, device.ColumnMajor)
	require.NoError(t, err)
	data := buf.Float32s()
	for i := range data {
		data[i] = rng.Float32()
	}
	return buf
}

func fromRows(t *testing.T, dev *device.Device, rows [][]float32, order device.Order) *device.Buffer {
	t.Helper()
	cols := len(rows[0])
	buf, err := dev.Alloc(len(rows), cols, order)
	require.NoError(t, err)
	data := buf.Float32s()
	for r, row := range rows {
		for c, v := range row {
			if order == device.RowMajor {
				data[r*cols+c] = v
			} else {
				data[c*len(rows)+r] = v
			}
		}
	}
	return buf
}

type ref struct {
	dist float64
	idx  int64
}

// naive computes exact neighbors row by row.
func naive(q device.AllocInfo, parts []device.AllocInfo, k int, offset int64) [][]ref {
	out := make([][]ref, q.Rows)
	for i := 0; i < q.Rows; i++ {
		var all []ref
		base := offset
		for _, p := range parts {
			for r := 0; r < p.Rows; r++ {
				var s float64
				for c := 0; c < q.Cols; c++ {
					d := float64(q.At(i, c) - p.At(r, c))
					s += d * d
				}
				all = append(all, ref{dist: s, idx: base + int64(r)})
			}
			base += int64(p.Rows)
		}
		sort.Slice(all, func(a, b int) bool {
			if all[a].dist != all[b].dist {
				return all[a].dist < all[b].dist
			}
			return all[a].idx < all[b].idx
		})
		out[i] = all[:k]
	}
	return out
}

func TestBruteForce_MatchesNaive(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rng := rand.New(rand.NewSource(42))
	dev := device.New("h", 0, mem)
	a := matrix(t, dev, 40, 7, rng)
	b := matrix(t, dev, 25, 7, rng)
	q := matrix(t, dev, 6, 7, rng)
	defer q.Release()

	idx, err := NewBruteForce(zerolog.Nop()).FitMultiDevice(context.Background(), 7, []device.AllocInfo{a.AllocInfo(), b.AllocInfo()})
	require.NoError(t, err)
	// The index pins its shards.
	a.Release()
	b.Release()
	assert.Equal(t, int64(65), idx.Rows())

	ranks := []HostRank{{Rank: 0, Rows: 100, RowOffset: 0}, {Rank: 1, Rows: 65, RowOffset: 100}}
	res, err := idx.QueryMultiHost(context.Background(), q.AllocInfo(), 5, ranks, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Rows)
	assert.Equal(t, 5, res.K)

	want := naive(q.AllocInfo(), []device.AllocInfo{a.AllocInfo(), b.AllocInfo()}, 5, 100)
	for i := 0; i < res.Rows; i++ {
		dists, ids := res.Row(i)
		for j := range dists {
			assert.Equal(t, want[i][j].idx, ids[j], "row %d rank %d", i, j)
			assert.InDelta(t, want[i][j].dist, dists[j], 1e-3)
		}
		assert.True(t, sort.SliceIsSorted(dists, func(x, y int) bool { return dists[x] < dists[y] }))
	}

	require.NoError(t, idx.Close())
	assert.ErrorIs(t, idx.Close(), ErrIndexClosed)
	_, err = idx.QueryMultiHost(context.Background(), q.AllocInfo(), 1, ranks, 0)
	assert.ErrorIs(t, err, ErrIndexClosed)
}

func TestBruteForce_RowMajorAndTies(t *testing.T) {
	dev := device.New("h", 0, nil)
	data := fromRows(t, dev, [][]float32{{1, 0}, {0, 1}, {3, 4}, {-1, 0}}, device.RowMajor)
	defer data.Release()
	q := fromRows(t, dev, [][]float32{{0, 0}}, device.ColumnMajor)
	defer q.Release()

	idx, err := NewBruteForce(zerolog.Nop()).FitMultiDevice(context.Background(), 2, []device.AllocInfo{data.AllocInfo()})
	require.NoError(t, err)
	defer idx.Close()

	res, err := idx.QueryMultiHost(context.Background(), q.AllocInfo(), 4, []HostRank{{Rows: 4}}, 0)
	require.NoError(t, err)
	dists, ids := res.Row(0)
	assert.Equal(t, []int64{0, 1, 3, 2}, ids)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 25}, dists, 1e-5)
}

func TestBruteForce_PadsWhenHostHasFewerRowsThanK(t *testing.T) {
	dev := device.New("h", 0, nil)
	data := fromRows(t, dev, [][]float32{{1}, {2}}, device.ColumnMajor)
	defer data.Release()
	q := fromRows(t, dev, [][]float32{{0}}, device.ColumnMajor)
	defer q.Release()

	idx, err := NewBruteForce(zerolog.Nop()).FitMultiDevice(context.Background(), 1, []device.AllocInfo{data.AllocInfo()})
	require.NoError(t, err)
	defer idx.Close()

	res, err := idx.QueryMultiHost(context.Background(), q.AllocInfo(), 3, []HostRank{{Rows: 2}, {Rows: 5, RowOffset: 2}}, 0)
	require.NoError(t, err)
	dists, ids := res.Row(0)
	assert.Equal(t, []int64{0, 1, -1}, ids)
	assert.True(t, math.IsInf(float64(dists[2]), 1))
}

func TestEngines_ReportSquaredEuclidean(t *testing.T) {
	dev := device.New("h", 0, nil)
	data := fromRows(t, dev, [][]float32{{0, 0}, {3, 4}}, device.RowMajor)
	defer data.Release()
	q := fromRows(t, dev, [][]float32{{0, 0}}, device.RowMajor)
	defer q.Release()

	engines := map[string]Engine{
		"brute": NewBruteForce(zerolog.Nop()),
		"hnsw":  NewHNSW(HNSWConfig{}, zerolog.Nop()),
	}
	for name, e := range engines {
		t.Run(name, func(t *testing.T) {
			idx, err := e.FitMultiDevice(context.Background(), 2, []device.AllocInfo{data.AllocInfo()})
			require.NoError(t, err)
			defer idx.Close()

			res, err := idx.QueryMultiHost(context.Background(), q.AllocInfo(), 2, []HostRank{{Rows: 2}}, 0)
			require.NoError(t, err)
			dists, ids := res.Row(0)
			assert.Equal(t, []int64{0, 1}, ids)
			assert.InDeltaSlice(t, []float32{0, 25}, dists, 1e-5)
		})
	}
}

func TestValidation(t *testing.T) {
	dev := device.New("h", 0, nil)
	data := fromRows(t, dev, [][]float32{{1, 2}, {3, 4}}, device.ColumnMajor)
	defer data.Release()
	q3 := fromRows(t, dev, [][]float32{{1, 2, 3}}, device.ColumnMajor)
	defer q3.Release()
	q2 := fromRows(t, dev, [][]float32{{1, 2}}, device.ColumnMajor)
	defer q2.Release()

	engines := map[string]Engine{
		"brute": NewBruteForce(zerolog.Nop()),
		"hnsw":  NewHNSW(HNSWConfig{}, zerolog.Nop()),
	}
	for name, e := range engines {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := e.FitMultiDevice(ctx, 3, []device.AllocInfo{data.AllocInfo()})
			assert.ErrorIs(t, err, ErrDimensionMismatch)
			_, err = e.FitMultiDevice(ctx, 2, nil)
			assert.ErrorIs(t, err, ErrEmptyIndex)

			idx, err := e.FitMultiDevice(ctx, 2, []device.AllocInfo{data.AllocInfo()})
			require.NoError(t, err)
			defer idx.Close()

			ranks := []HostRank{{Rows: 2}}
			_, err = idx.QueryMultiHost(ctx, q3.AllocInfo(), 1, ranks, 0)
			assert.ErrorIs(t, err, ErrDimensionMismatch)
			_, err = idx.QueryMultiHost(ctx, q2.AllocInfo(), 0, ranks, 0)
			assert.ErrorIs(t, err, ErrInvalidK)
			_, err = idx.QueryMultiHost(ctx, q2.AllocInfo(), 3, ranks, 0)
			assert.ErrorIs(t, err, ErrKTooLarge)
			_, err = idx.QueryMultiHost(ctx, q2.AllocInfo(), 1, ranks, 1)
			assert.ErrorIs(t, err, ErrInvalidRank)
		})
	}
}

func TestHNSW_RecallAgainstExact(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dev := device.New("h", 0, nil)
	a := matrix(t, dev, 150, 8, rng)
	defer a.Release()
	b := matrix(t, dev, 100, 8, rng)
	defer b.Release()
	q := matrix(t, dev, 20, 8, rng)
	defer q.Release()
	parts := []device.AllocInfo{a.AllocInfo(), b.AllocInfo()}

	idx, err := NewHNSW(HNSWConfig{EfSearch: 128}, zerolog.Nop()).FitMultiDevice(context.Background(), 8, parts)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, int64(250), idx.Rows())

	const k = 5
	res, err := idx.QueryMultiHost(context.Background(), q.AllocInfo(), k, []HostRank{{Rows: 250, RowOffset: 1000}}, 0)
	require.NoError(t, err)

	want := naive(q.AllocInfo(), parts, k, 1000)
	hits := 0
	for i := 0; i < q.Rows(); i++ {
		truth := make(map[int64]bool, k)
		for _, r := range want[i] {
			truth[r.idx] = true
		}
		dists, ids := res.Row(i)
		for j, id := range ids {
			if truth[id] {
				hits++
			}
			if id >= 0 {
				assert.GreaterOrEqual(t, id, int64(1000))
				assert.GreaterOrEqual(t, dists[j], float32(0))
			}
		}
	}
	recall := float64(hits) / float64(q.Rows()*k)
	assert.GreaterOrEqual(t, recall, 0.9)
}

func TestTopK(t *testing.T) {
	s := NewTopK(3)
	for _, c := range []candidate{{5, 1}, {1, 9}, {1, 4}, {3, 2}, {0.5, 7}, {1, 3}, {2, -1}} {
		s.Push(c.dist, c.idx)
	}
	d := make([]float32, 3)
	i := make([]int64, 3)
	s.Fill(d, i)
	assert.Equal(t, []float32{0.5, 1, 1}, d)
	assert.Equal(t, []int64{7, 3, 4}, i)

	s.Reset()
	s.Push(9, 0)
	r := NewResult(1, 3)
	dists, ids := r.Row(0)
	s.Fill(dists, ids)
	assert.Equal(t, []int64{0, -1, -1}, ids)
}

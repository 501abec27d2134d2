package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/23skdu/distknn/internal/device"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// BruteForce is an exact engine. Shards stay in device memory: the index
// pins every alloc info it is given and computes distances with one GEMM per
// shard, using ||q||^2 + ||x||^2 - 2 q.x.
type BruteForce struct {
	logger zerolog.Logger
}

//nolint:gocritic // Logger passed by value for constructor simplicity
func NewBruteForce(logger zerolog.Logger) *BruteForce {
	return &BruteForce{logger: logger}
}

func (e *BruteForce) FitMultiDevice(ctx context.Context, dims int, infos []device.AllocInfo) (Index, error) {
	rows, err := validateInfos(dims, infos)
	if err != nil {
		return nil, err
	}

	parts := make([]device.AllocInfo, len(infos))
	norms := make([][]float32, len(infos))
	for i, info := range infos {
		if err := ctx.Err(); err != nil {
			for _, p := range parts[:i] {
				p.Release()
			}
			return nil, err
		}
		info.Retain()
		parts[i] = info
		norms[i] = rowNorms(info)
	}

	e.logger.Debug().Int("shards", len(parts)).Int64("rows", rows).Int("dims", dims).Msg("Brute-force index built")
	return &bruteIndex{dims: dims, parts: parts, norms: norms, rows: rows}, nil
}

type bruteIndex struct {
	dims  int
	parts []device.AllocInfo
	norms [][]float32
	rows  int64

	mu     sync.RWMutex
	closed atomic.Bool
}

func (x *bruteIndex) Rows() int64 { return x.rows }

func (x *bruteIndex) Close() error {
	if !x.closed.CompareAndSwap(false, true) {
		return ErrIndexClosed
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range x.parts {
		p.Release()
	}
	x.parts = nil
	x.norms = nil
	return nil
}

func (x *bruteIndex) QueryMultiHost(ctx context.Context, q device.AllocInfo, k int, ranks []HostRank, self int) (*Result, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed.Load() {
		return nil, ErrIndexClosed
	}
	if err := validateQuery(q, x.dims, k, ranks, self); err != nil {
		return nil, err
	}

	m := q.Rows
	qn := rowNorms(q)
	offset := ranks[self].RowOffset
	res := NewResult(m, k)
	if m == 0 {
		return res, nil
	}

	sel := make([]*TopK, m)
	for i := range sel {
		sel[i] = NewTopK(k)
	}

	base := offset
	for p, part := range x.parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := part.Rows
		if n == 0 {
			continue
		}
		dots := make([]float32, m*n)
		gemmDots(q, part, dots)
		xn := x.norms[p]
		for i := 0; i < m; i++ {
			row := dots[i*n : (i+1)*n]
			for j, dot := range row {
				d := qn[i] + xn[j] - 2*dot
				if d < 0 {
					d = 0
				}
				sel[i].Push(d, base+int64(j))
			}
		}
		base += int64(n)
	}

	for i, s := range sel {
		dists, idx := res.Row(i)
		s.Fill(dists, idx)
	}
	return res, nil
}

// gemmDots writes q.x^T (m x n, row-major) into dst.
func gemmDots(q, x device.AllocInfo, dst []float32) {
	a, transA := operand(q)
	b, transB := operand(x)
	// dst = A' * B'^T, hence the flipped transpose on B.
	if transB == blas.NoTrans {
		transB = blas.Trans
	} else {
		transB = blas.NoTrans
	}
	blas32.Gemm(transA, transB, 1, a, b, 0, blas32.General{
		Rows:   q.Rows,
		Cols:   x.Rows,
		Stride: x.Rows,
		Data:   dst,
	})
}

// operand describes an alloc info as a rows x cols matrix for BLAS.
// Column-major storage is the row-major transpose.
func operand(info device.AllocInfo) (blas32.General, blas.Transpose) {
	if info.Order == device.RowMajor {
		return blas32.General{Rows: info.Rows, Cols: info.Cols, Stride: info.Cols, Data: info.Data}, blas.NoTrans
	}
	return blas32.General{Rows: info.Cols, Cols: info.Rows, Stride: info.Rows, Data: info.Data}, blas.Trans
}

func rowNorms(info device.AllocInfo) []float32 {
	out := make([]float32, info.Rows)
	for r := 0; r < info.Rows; r++ {
		var s float32
		for c := 0; c < info.Cols; c++ {
			v := info.At(r, c)
			s += v * v
		}
		out[r] = s
	}
	return out
}

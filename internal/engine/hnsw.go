package engine

import (
	"context"
	"sync"

	"github.com/23skdu/distknn/internal/device"
	"github.com/coder/hnsw"
	"github.com/rs/zerolog"
)

// HNSWConfig tunes the approximate engine.
type HNSWConfig struct {
	M        int
	Ml       float64
	EfSearch int
}

func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, Ml: 0.25, EfSearch: 64}
}

// HNSW is an approximate engine. Rows are copied out of device memory into a
// graph keyed by local row position, so the shards need not stay pinned. The
// graph is navigated with Euclidean distance; reported distances are squared.
type HNSW struct {
	cfg    HNSWConfig
	logger zerolog.Logger
}

//nolint:gocritic // Logger passed by value for constructor simplicity
func NewHNSW(cfg HNSWConfig, logger zerolog.Logger) *HNSW {
	def := DefaultHNSWConfig()
	if cfg.M <= 0 {
		cfg.M = def.M
	}
	if cfg.Ml <= 0 {
		cfg.Ml = def.Ml
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = def.EfSearch
	}
	return &HNSW{cfg: cfg, logger: logger}
}

func (e *HNSW) FitMultiDevice(ctx context.Context, dims int, infos []device.AllocInfo) (Index, error) {
	rows, err := validateInfos(dims, infos)
	if err != nil {
		return nil, err
	}

	g := hnsw.NewGraph[int64]()
	g.M = e.cfg.M
	g.Ml = e.cfg.Ml
	g.EfSearch = e.cfg.EfSearch
	g.Distance = hnsw.EuclideanDistance

	var pos int64
	for _, info := range infos {
		for r := 0; r < info.Rows; r++ {
			if r%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			g.Add(hnsw.MakeNode(pos, info.RowTo(r, nil)))
			pos++
		}
	}

	e.logger.Debug().Int("shards", len(infos)).Int64("rows", rows).Int("dims", dims).Msg("HNSW index built")
	return &hnswIndex{dims: dims, rows: rows, efSearch: e.cfg.EfSearch, graph: g}, nil
}

type hnswIndex struct {
	dims     int
	rows     int64
	efSearch int

	mu     sync.RWMutex
	graph  *hnsw.Graph[int64]
	closed bool
}

func (x *hnswIndex) Rows() int64 { return x.rows }

func (x *hnswIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrIndexClosed
	}
	x.closed = true
	x.graph = nil
	return nil
}

func (x *hnswIndex) QueryMultiHost(ctx context.Context, q device.AllocInfo, k int, ranks []HostRank, self int) (*Result, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrIndexClosed
	}
	if err := validateQuery(q, x.dims, k, ranks, self); err != nil {
		return nil, err
	}

	offset := ranks[self].RowOffset
	res := NewResult(q.Rows, k)
	sel := NewTopK(k)
	vec := make([]float32, q.Cols)
	for i := 0; i < q.Rows; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec = q.RowTo(i, vec)
		sel.Reset()
		for _, n := range x.graph.Search(vec, k) {
			sel.Push(SquaredL2(vec, n.Value), offset+n.Key)
		}
		dists, idx := res.Row(i)
		sel.Fill(dists, idx)
	}
	return res, nil
}

package knn

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/distknn/internal/cluster"
	"github.com/23skdu/distknn/internal/engine"
	apperrors "github.com/23skdu/distknn/internal/errors"
	"github.com/23skdu/distknn/internal/metrics"
	"github.com/23skdu/distknn/internal/table"
	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/errgroup"
)

// KNeighbors returns the k nearest indexed rows of every row of query.
// Indices are global row numbers; see Locate.
func (m *Model) KNeighbors(ctx context.Context, query arrow.Record, k int) (res *engine.Result, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mode := m.merge.String()
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			if t, ok := apperrors.TypeOf(err); ok {
				status = string(t)
			}
		}
		metrics.QueryTotal.WithLabelValues(mode, status).Inc()
		metrics.QueryDurationSeconds.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	if !m.fitted {
		return nil, apperrors.WrapMisuseError(ErrNotFitted, "KNeighbors", "model must be fitted first")
	}
	if query == nil {
		return nil, apperrors.NewValidationError("KNeighbors", "query is nil")
	}
	if k <= 0 {
		return nil, apperrors.NewValidationError("KNeighbors", fmt.Sprintf("k must be positive, got %d", k))
	}
	if int(query.NumCols()) != m.columns {
		return nil, apperrors.NewValidationError("KNeighbors",
			fmt.Sprintf("query has %d columns, model was fitted on %d", query.NumCols(), m.columns))
	}

	payload, err := table.EncodeIPC(query)
	if err != nil {
		return nil, apperrors.WrapQueryError(err, "KNeighbors", "cannot encode query")
	}

	workers := make([]string, len(m.masters))
	for i, hm := range m.masters {
		workers[i] = hm.Worker
	}
	scattered, err := m.sched.Scatter(ctx, payload, workers)
	if err != nil {
		return nil, apperrors.WrapQueryError(err, "KNeighbors", "cannot broadcast query")
	}
	defer func() {
		for _, f := range scattered {
			m.sched.Release(f)
		}
	}()

	ranks := m.ranks()
	futs := make([]*cluster.Future, len(m.masters))
	for i, hm := range m.masters {
		q := scattered[hm.Worker]
		futs[i] = m.sched.Submit(ctx, queryTask(m.subModels[i], q, k, ranks, i),
			cluster.OnWorker(hm.Worker),
			cluster.DependsOn(m.subModels[i], q),
			cluster.Named("query"))
	}
	defer m.sched.Release(futs...)

	results := make([]*engine.Result, len(futs))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range futs {
		g.Go(func() error {
			v, err := f.Result(gctx)
			if err != nil {
				return apperrors.WrapQueryError(err, "KNeighbors", "host query failed").
					WithContext("worker", m.masters[i].Worker).
					WithContext("rank", i)
			}
			results[i] = v.(*engine.Result)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = cluster.Settle(ctx, futs...)
		return nil, err
	}

	out := merge(m.merge, results, k)
	m.logger.Debug().
		Int("rows", out.Rows).
		Int("k", k).
		Int("hosts", len(results)).
		Str("merge", mode).
		Dur("duration", time.Since(start)).
		Msg("Query answered")
	return out, nil
}

func queryTask(subModel, payload *cluster.Future, k int, ranks []engine.HostRank, self int) cluster.TaskFunc {
	return func(ctx context.Context, w *cluster.Worker) (any, error) {
		v, err := payload.Result(ctx)
		if err != nil {
			return nil, err
		}
		rec, err := table.DecodeIPC(v.([]byte), w.Device().Allocator())
		if err != nil {
			return nil, err
		}
		defer rec.Release()

		q, err := table.ToDeviceMatrix(rec, w.Device())
		if err != nil {
			return nil, err
		}
		defer q.Release()

		iv, err := subModel.Result(ctx)
		if err != nil {
			return nil, err
		}
		return iv.(engine.Index).QueryMultiHost(ctx, q.AllocInfo(), k, ranks, self)
	}
}

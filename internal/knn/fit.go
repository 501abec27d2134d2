package knn

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/23skdu/distknn/internal/cluster"
	"github.com/23skdu/distknn/internal/device"
	"github.com/23skdu/distknn/internal/engine"
	apperrors "github.com/23skdu/distknn/internal/errors"
	"github.com/23skdu/distknn/internal/handles"
	"github.com/23skdu/distknn/internal/metrics"
	"github.com/23skdu/distknn/internal/placement"
	"github.com/23skdu/distknn/internal/table"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// hostFit is what a coordinator's fit task leaves on its worker: the open
// handle contexts, the local shards and the index, released as one unit.
type hostFit struct {
	contexts []*handles.Context
	raw      []device.AllocInfo
	index    engine.Index
	layout   []Span
	handles  int

	extracted atomic.Bool
	logger    zerolog.Logger
}

// Release tears down any contexts still open and closes the index unless it
// was handed over as a sub-model.
func (u *hostFit) Release() {
	if err := handles.Teardown(context.Background(), u.contexts, u.logger); err != nil {
		u.logger.Warn().Err(err).Msg("Handle teardown during release reported errors")
	}
	if !u.extracted.Load() {
		if err := u.index.Close(); err != nil {
			u.logger.Warn().Err(err).Msg("Failed to close unextracted index")
		}
	}
}

// teardownReport is the outcome of one close or join phase on a coordinator.
type teardownReport struct {
	err error
}

// Fit builds one local index per host over the valid shards of t. Re-fitting
// releases the previous fit first. Any per-host failure aborts the call and
// releases everything built so far.
func (m *Model) Fit(ctx context.Context, t *table.Distributed) (err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.FitTotal.WithLabelValues(status).Inc()
		metrics.FitDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()

	pl, err := m.locator.Locate(ctx, t)
	if err != nil {
		return err
	}
	matrices := pl.Matrices()
	valid := pl.Valid()
	if len(valid) == 0 {
		return apperrors.NewFitError("Fit", "no shard could be converted").
			WithContext("shards", len(pl.Shards))
	}

	plans, err := elect(valid, m.rng)
	if err != nil {
		m.sched.Release(matrices...)
		return err
	}

	// Every host is dispatched before anything is awaited.
	fits := make([]*cluster.Future, len(plans))
	var exports []*cluster.Future
	for i, p := range plans {
		ex := make([]*cluster.Future, len(p.excluded))
		for j, s := range p.excluded {
			ex[j] = m.sched.Submit(ctx, exportTask(s.Matrix),
				cluster.OnWorker(s.Worker),
				cluster.DependsOn(s.Matrix),
				cluster.Named("export-handle"))
		}
		exports = append(exports, ex...)
		fits[i] = m.sched.Submit(ctx, m.fitTask(p, ex, pl.Columns),
			cluster.OnWorker(p.coordinator),
			cluster.DependsOn(ex...),
			cluster.Named("fit"))
	}

	abort := func(cause error) error {
		_ = cluster.Settle(ctx, fits...)
		m.sched.Release(fits...)
		m.sched.Release(exports...)
		m.sched.Release(matrices...)
		return cause
	}

	if err := m.sched.Wait(ctx, fits...); err != nil {
		m.logger.Error().Err(err).Msg("Host fit failed, aborting")
		if !apperrors.IsType(err, apperrors.ErrorTypeHandle) && !apperrors.IsType(err, apperrors.ErrorTypeFit) {
			err = apperrors.WrapFitError(err, "Fit", "host fit failed")
		}
		return abort(err)
	}
	m.sched.Release(exports...)

	teardownErr := m.teardown(ctx, plans, fits)

	subModels := make([]*cluster.Future, len(plans))
	for i, p := range plans {
		subModels[i] = m.sched.Submit(ctx, extractTask(fits[i]),
			cluster.OnWorker(p.coordinator),
			cluster.DependsOn(fits[i]),
			cluster.Named("extract-index"))
	}
	if err := m.sched.Wait(ctx, subModels...); err != nil {
		_ = cluster.Settle(ctx, subModels...)
		m.sched.Release(subModels...)
		return abort(apperrors.WrapFitError(err, "Fit", "sub-model extraction failed"))
	}

	masters := make([]HostMaster, len(plans))
	layouts := make([][]Span, len(plans))
	stats := make([]HostFitStats, len(plans))
	for i, p := range plans {
		masters[i] = HostMaster{
			Worker:    p.coordinator,
			Location:  p.location,
			Rank:      p.rank,
			Rows:      p.rows,
			RowOffset: p.offset,
		}
		unit := mustUnit(ctx, fits[i])
		layouts[i] = unit.layout
		stats[i] = HostFitStats{
			Host:        p.host,
			Coordinator: p.coordinator,
			Rank:        p.rank,
			Contexts:    len(unit.contexts),
			Handles:     unit.handles,
			LocalShards: len(unit.raw),
		}
		for _, c := range unit.contexts {
			stats[i].ContextsClosed += c.Closed()
			stats[i].ContextsJoined += c.Joined()
		}
	}
	m.sched.Release(fits...)

	m.fitted = true
	m.columns = pl.Columns
	m.masters = masters
	m.subModels = subModels
	m.matrices = matrices
	m.byShard = make(map[int]*cluster.Future, len(valid))
	for _, s := range valid {
		m.byShard[s.Index] = s.Matrix
	}
	m.layouts = layouts
	m.stats = stats
	m.teardownErr = teardownErr

	metrics.Coordinators.Set(float64(len(masters)))
	m.logger.Info().
		Int("hosts", len(masters)).
		Int("shards", len(valid)).
		Int("degraded", len(pl.Shards)-len(valid)).
		Int("columns", pl.Columns).
		Dur("duration", time.Since(start)).
		Msg("Model fitted")
	return nil
}

// teardown closes the handle contexts of every host, then joins them. Its
// failures are logged and returned without failing the fit.
func (m *Model) teardown(ctx context.Context, plans []*hostPlan, fits []*cluster.Future) error {
	phase := func(name string, step func(ctx context.Context, u *hostFit) error) error {
		futs := make([]*cluster.Future, len(plans))
		for i, p := range plans {
			fit := fits[i]
			futs[i] = m.sched.Submit(ctx, func(ctx context.Context, _ *cluster.Worker) (any, error) {
				v, err := fit.Result(ctx)
				if err != nil {
					return nil, err
				}
				return teardownReport{err: step(ctx, v.(*hostFit))}, nil
			}, cluster.OnWorker(p.coordinator), cluster.DependsOn(fit), cluster.Named(name))
		}
		defer m.sched.Release(futs...)

		var errs error
		if err := cluster.Settle(ctx, futs...); err != nil {
			return err
		}
		for i, f := range futs {
			v, err := f.Result(ctx)
			if err == nil {
				err = v.(teardownReport).err
			}
			if err != nil {
				m.logger.Warn().Str("worker", plans[i].coordinator).Str("phase", name).Err(err).Msg("Handle teardown failed")
				errs = multierr.Append(errs, err)
			}
		}
		return errs
	}

	errs := phase("close-handles", func(_ context.Context, u *hostFit) error {
		return handles.CloseAll(u.contexts, u.logger)
	})
	errs = multierr.Append(errs, phase("join-handles", func(ctx context.Context, u *hostFit) error {
		return handles.JoinAll(ctx, u.contexts, u.logger)
	}))
	if errs != nil {
		return apperrors.WrapCleanupError(errs, "Fit", "handle teardown incomplete")
	}
	return nil
}

func exportTask(matrix *cluster.Future) cluster.TaskFunc {
	return func(ctx context.Context, w *cluster.Worker) (any, error) {
		v, err := matrix.Result(ctx)
		if err != nil {
			return nil, err
		}
		return handles.Export(w.Device(), v.(*device.Buffer))
	}
}

func (m *Model) fitTask(p *hostPlan, exports []*cluster.Future, cols int) cluster.TaskFunc {
	eng := m.engine
	return func(ctx context.Context, w *cluster.Worker) (any, error) {
		logger := w.Logger().With().Int("rank", p.rank).Logger()

		hs := make([]device.IPCHandle, len(exports))
		for i, f := range exports {
			v, err := f.Result(ctx)
			if err != nil {
				return nil, apperrors.WrapHandleError(err, "Fit", "handle export failed").
					WithContext("shard", p.excluded[i].Name)
			}
			hs[i] = v.(device.IPCHandle)
		}

		ctxs, err := handles.OpenAll(w.Fabric(), w.Device(), hs, logger)
		if err != nil {
			return nil, err
		}

		infos := handles.Infos(ctxs)
		byBuffer := make(map[bufferKey]placement.ShardPlacement, len(p.excluded))
		for _, s := range p.excluded {
			byBuffer[bufferKey{s.Device, s.Buffer}] = s
		}
		spans := make([]Span, 0, len(p.excluded)+len(p.included))
		var pos int64
		for _, info := range infos {
			spans = append(spans, newSpan(byBuffer[bufferKey{info.Device, info.Buffer}], pos))
			pos += int64(info.Rows)
		}

		raw := make([]device.AllocInfo, 0, len(p.included))
		for _, s := range p.included {
			v, err := s.Matrix.Result(ctx)
			if err != nil {
				abortContexts(ctx, ctxs, logger, "local shard unavailable")
				return nil, apperrors.WrapFitError(err, "Fit", "local shard unavailable").WithContext("shard", s.Name)
			}
			info := v.(*device.Buffer).AllocInfo()
			raw = append(raw, info)
			spans = append(spans, newSpan(s, pos))
			pos += int64(info.Rows)
		}

		idx, err := eng.FitMultiDevice(ctx, cols, append(infos, raw...))
		if err != nil {
			abortContexts(ctx, ctxs, logger, "local fit failed")
			return nil, apperrors.WrapFitError(err, "Fit", fmt.Sprintf("local fit failed on %s", w.Addr())).
				WithContext("rank", p.rank)
		}

		logger.Debug().
			Int("contexts", len(ctxs)).
			Int("handles", len(hs)).
			Int("local_shards", len(raw)).
			Int64("rows", idx.Rows()).
			Msg("Host index built")
		return &hostFit{
			contexts: ctxs,
			raw:      raw,
			index:    idx,
			layout:   spans,
			handles:  len(hs),
			logger:   logger,
		}, nil
	}
}

// abortContexts tears down the contexts of a host whose fit is abandoned.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func abortContexts(ctx context.Context, ctxs []*handles.Context, logger zerolog.Logger, reason string) {
	if err := handles.Teardown(ctx, ctxs, logger); err != nil {
		logger.Warn().Err(err).Str("reason", reason).Msg("Teardown after failed fit reported errors")
	}
}

func extractTask(fit *cluster.Future) cluster.TaskFunc {
	return func(ctx context.Context, _ *cluster.Worker) (any, error) {
		v, err := fit.Result(ctx)
		if err != nil {
			return nil, err
		}
		u := v.(*hostFit)
		u.extracted.Store(true)
		return u.index, nil
	}
}

// mustUnit reads the metadata of a completed fit future.
func mustUnit(ctx context.Context, fit *cluster.Future) *hostFit {
	v, _ := fit.Result(ctx)
	return v.(*hostFit)
}

type bufferKey struct {
	device int
	buffer uint64
}

package placement

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/23skdu/distknn/internal/cluster"
	"github.com/23skdu/distknn/internal/device"
	apperrors "github.com/23skdu/distknn/internal/errors"
	"github.com/23skdu/distknn/internal/metrics"
	"github.com/23skdu/distknn/internal/table"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rs/zerolog"
)

// ShardPlacement records where one shard lives. Matrix is nil when the shard
// could not be converted; such entries are degraded and skipped downstream.
type ShardPlacement struct {
	Index    int
	Name     string
	Worker   string
	Location WorkerLocation
	// Matrix resolves to a *device.Buffer on Worker.
	Matrix *cluster.Future
	Device int
	Buffer uint64
	Rows   int64
	Err    error
}

func (s ShardPlacement) Degraded() bool { return s.Matrix == nil }

// Placement is the result of one discovery pass.
type Placement struct {
	Shards  []ShardPlacement
	Columns int
}

// Valid returns the shards that converted successfully, in shard order.
func (p *Placement) Valid() []ShardPlacement {
	out := make([]ShardPlacement, 0, len(p.Shards))
	for _, s := range p.Shards {
		if !s.Degraded() {
			out = append(out, s)
		}
	}
	return out
}

// Matrices returns the matrix futures of every valid shard.
func (p *Placement) Matrices() []*cluster.Future {
	var out []*cluster.Future
	for _, s := range p.Shards {
		if s.Matrix != nil {
			out = append(out, s.Matrix)
		}
	}
	return out
}

// Locator runs placement discovery on a scheduler.
type Locator struct {
	sched  cluster.Scheduler
	logger zerolog.Logger
}

//nolint:gocritic // Logger passed by value for constructor simplicity
func NewLocator(sched cluster.Scheduler, logger zerolog.Logger) *Locator {
	return &Locator{sched: sched, logger: logger}
}

type conversionError struct {
	device int
	err    error
}

func (e *conversionError) Error() string { return fmt.Sprintf("device %d: %v", e.device, e.err) }
func (e *conversionError) Unwrap() error { return e.err }

// Locate materialises every partition of t, finds the worker holding it and
// converts it into a device matrix there. Load failures and missing ownership
// abort the pass; conversion failures degrade the affected shard only.
func (l *Locator) Locate(ctx context.Context, t *table.Distributed) (*Placement, error) {
	if t == nil || t.NumPartitions() == 0 {
		return nil, apperrors.NewValidationError("Locate", "input is not a distributed table with partitions")
	}
	start := time.Now()
	defer func() { metrics.LocateDurationSeconds.Observe(time.Since(start).Seconds()) }()

	parts := t.Partitions()
	cols := t.NumColumns()

	loads := make([]*cluster.Future, len(parts))
	for i, p := range parts {
		load := p.Load
		opts := []cluster.SubmitOption{cluster.Named("load")}
		if p.Worker != "" {
			opts = append(opts, cluster.OnWorker(p.Worker))
		}
		loads[i] = l.sched.Submit(ctx, func(ctx context.Context, w *cluster.Worker) (any, error) {
			return load(ctx, w.Device().Allocator())
		}, opts...)
	}
	// Records are only needed until their matrices exist.
	defer l.sched.Release(loads...)

	if err := l.sched.Wait(ctx, loads...); err != nil {
		return nil, apperrors.WrapPlacementError(err, "Locate", "shard materialisation failed")
	}

	who, err := l.sched.WhoHas(ctx, loads...)
	if err != nil {
		return nil, apperrors.WrapPlacementError(err, "Locate", "ownership lookup failed")
	}

	shards := make([]ShardPlacement, len(parts))
	for i, f := range loads {
		owners := who[f.Key()]
		if len(owners) == 0 {
			return nil, apperrors.NewPlacementError("Locate",
				fmt.Sprintf("no worker reports ownership of shard %s", parts[i].Name)).
				WithContext("shard", parts[i].Name)
		}
		loc, err := ParseWorker(owners[0])
		if err != nil {
			return nil, err
		}
		shards[i] = ShardPlacement{Index: i, Name: parts[i].Name, Worker: owners[0], Location: loc}
	}

	convs := make([]*cluster.Future, len(shards))
	for i := range shards {
		rec := loads[i]
		convs[i] = l.sched.Submit(ctx, func(ctx context.Context, w *cluster.Worker) (any, error) {
			buf, err := convert(ctx, rec, cols, w.Device())
			if err != nil {
				return nil, &conversionError{device: w.Device().ID(), err: err}
			}
			return buf, nil
		}, cluster.OnWorker(shards[i].Worker), cluster.DependsOn(rec), cluster.Named("to-matrix"))
	}

	if err := cluster.Settle(ctx, convs...); err != nil {
		l.sched.Release(convs...)
		return nil, err
	}

	for i, f := range convs {
		s := &shards[i]
		if err := f.Err(); err != nil {
			dev := -1
			var ce *conversionError
			if stderrors.As(err, &ce) {
				dev = ce.device
			}
			s.Err = apperrors.WrapConversionError(err, "Locate",
				fmt.Sprintf("shard %s could not be converted", s.Name)).
				WithContext("worker", s.Worker).
				WithContext("device", dev)
			l.logger.Warn().
				Str("shard", s.Name).
				Str("worker", s.Worker).
				Int("device", dev).
				Err(err).
				Msg("Shard conversion failed, skipping shard")
			metrics.ConversionFailuresTotal.Inc()
			metrics.ShardsLocatedTotal.WithLabelValues("degraded").Inc()
			continue
		}

		v, err := f.Result(ctx)
		if err != nil {
			l.sched.Release(convs...)
			return nil, err
		}
		buf := v.(*device.Buffer)
		s.Matrix = f
		s.Device = buf.Device().ID()
		s.Buffer = buf.ID()
		s.Rows = int64(buf.Rows())
		metrics.ShardsLocatedTotal.WithLabelValues("valid").Inc()
	}

	l.logger.Debug().
		Int("shards", len(shards)).
		Int("columns", cols).
		Dur("duration", time.Since(start)).
		Msg("Placement discovered")
	return &Placement{Shards: shards, Columns: cols}, nil
}

func convert(ctx context.Context, recFuture *cluster.Future, cols int, dev *device.Device) (*device.Buffer, error) {
	v, err := recFuture.Result(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := v.(arrow.Record)
	if !ok {
		return nil, fmt.Errorf("shard value is %T, not an arrow record", v)
	}
	if int(rec.NumCols()) != cols {
		return nil, fmt.Errorf("shard has %d columns, table schema has %d", rec.NumCols(), cols)
	}
	return table.ToDeviceMatrix(rec, dev)
}

// Package table is the columnar data layer: a distributed table is an Arrow
// schema plus a list of partitions, each materialised lazily on a worker.
package table

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	ErrNilSchema    = errors.New("table: schema is required")
	ErrNoPartitions = errors.New("table: distributed table has no partitions")
	ErrNilLoader    = errors.New("table: partition has no loader")
	ErrNilRecord    = errors.New("table: record is nil")
)

// LoadFunc materialises one partition using the allocator of the worker it runs on.
type LoadFunc func(ctx context.Context, mem memory.Allocator) (arrow.Record, error)

// Partition is one shard source of a distributed table.
type Partition struct {
	// Name is used in logs and as the scheduler key prefix.
	Name string
	// Worker pins the load to a worker address. Empty lets the scheduler choose.
	Worker string
	Load   LoadFunc
}

// Distributed is a table split into independently materialised partitions.
type Distributed struct {
	schema *arrow.Schema
	parts  []Partition
}

// NewDistributed validates and builds a distributed table.
func NewDistributed(schema *arrow.Schema, parts ...Partition) (*Distributed, error) {
	if schema == nil {
		return nil, ErrNilSchema
	}
	if len(parts) == 0 {
		return nil, ErrNoPartitions
	}
	cp := make([]Partition, len(parts))
	for i, p := range parts {
		if p.Load == nil {
			return nil, fmt.Errorf("partition %d: %w", i, ErrNilLoader)
		}
		if p.Name == "" {
			p.Name = "part-" + strconv.Itoa(i)
		}
		cp[i] = p
	}
	return &Distributed{schema: schema, parts: cp}, nil
}

func (d *Distributed) Schema() *arrow.Schema { return d.schema }

// NumColumns is the dimensionality handed to the local index.
func (d *Distributed) NumColumns() int { return d.schema.NumFields() }

func (d *Distributed) NumPartitions() int { return len(d.parts) }

// Partitions returns a copy of the partition list.
func (d *Distributed) Partitions() []Partition {
	out := make([]Partition, len(d.parts))
	copy(out, d.parts)
	return out
}

// FloatSchema returns a schema of cols float32 feature columns f0..f{cols-1}.
func FloatSchema(cols int) *arrow.Schema {
	fields := make([]arrow.Field, cols)
	for i := range fields {
		fields[i] = arrow.Field{Name: "f" + strconv.Itoa(i), Type: arrow.PrimitiveTypes.Float32}
	}
	return arrow.NewSchema(fields, nil)
}

// Uniform builds a rows x cols record of uniform [0,1) float32 values.
func Uniform(mem memory.Allocator, rows, cols int, rng *rand.Rand) arrow.Record {
	b := array.NewRecordBuilder(mem, FloatSchema(cols))
	defer b.Release()

	for c := 0; c < cols; c++ {
		fb := b.Field(c).(*array.Float32Builder)
		fb.Reserve(rows)
		for r := 0; r < rows; r++ {
			fb.UnsafeAppend(rng.Float32())
		}
	}
	return b.NewRecord()
}

// Generated returns a loader producing a seeded Uniform record on the worker.
func Generated(rows, cols int, seed int64) LoadFunc {
	return func(_ context.Context, mem memory.Allocator) (arrow.Record, error) {
		return Uniform(mem, rows, cols, rand.New(rand.NewSource(seed))), nil
	}
}

// FromRecord returns a loader that ships a copy of rec to the worker through the
// Arrow IPC stream format. The caller keeps ownership of rec and must keep it
// alive until every load has run.
func FromRecord(rec arrow.Record) LoadFunc {
	return func(_ context.Context, mem memory.Allocator) (arrow.Record, error) {
		if rec == nil {
			return nil, ErrNilRecord
		}
		payload, err := EncodeIPC(rec)
		if err != nil {
			return nil, err
		}
		return DecodeIPC(payload, mem)
	}
}

// Split cuts rec into n contiguous slices sharing rec's memory. Slices must be
// released by the caller.
func Split(rec arrow.Record, n int) []arrow.Record {
	if n <= 0 {
		n = 1
	}
	rows := rec.NumRows()
	out := make([]arrow.Record, 0, n)
	for i := 0; i < n; i++ {
		lo := rows * int64(i) / int64(n)
		hi := rows * int64(i+1) / int64(n)
		out = append(out, rec.NewSlice(lo, hi))
	}
	return out
}

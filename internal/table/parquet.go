package table

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"
)

// VectorRow is the Parquet row layout for feature vectors
type VectorRow struct {
	ID     int64     `parquet:"id"`
	Vector []float32 `parquet:"vector"`
}

// ReadParquet reads VectorRows and returns them as a record of float32 feature
// columns, one column per vector component.
func ReadParquet(r io.ReaderAt, size int64, mem memory.Allocator) (arrow.Record, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, err
	}

	pr := parquet.NewGenericReader[VectorRow](pf)
	defer pr.Close()

	rows := make([]VectorRow, pr.NumRows())
	n, err := pr.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	rows = rows[:n]
	if len(rows) == 0 {
		return nil, ErrEmptyStream
	}

	dims := len(rows[0].Vector)
	b := array.NewRecordBuilder(mem, FloatSchema(dims))
	defer b.Release()

	for c := 0; c < dims; c++ {
		b.Field(c).(*array.Float32Builder).Reserve(len(rows))
	}
	for i, row := range rows {
		if len(row.Vector) != dims {
			return nil, fmt.Errorf("row %d: vector length %d, want %d", i, len(row.Vector), dims)
		}
		for c, v := range row.Vector {
			b.Field(c).(*array.Float32Builder).UnsafeAppend(v)
		}
	}
	return b.NewRecord(), nil
}

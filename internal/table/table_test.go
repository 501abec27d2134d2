package table

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/23skdu/distknn/internal/device"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDistributed_Validation(t *testing.T) {
	schema := FloatSchema(3)

	_, err := NewDistributed(nil, Partition{Load: Generated(1, 3, 1)})
	assert.ErrorIs(t, err, ErrNilSchema)

	_, err = NewDistributed(schema)
	assert.ErrorIs(t, err, ErrNoPartitions)

	_, err = NewDistributed(schema, Partition{Name: "p"})
	assert.ErrorIs(t, err, ErrNilLoader)

	d, err := NewDistributed(schema, Partition{Load: Generated(1, 3, 1)}, Partition{Name: "named", Load: Generated(1, 3, 2)})
	require.NoError(t, err)
	assert.Equal(t, 3, d.NumColumns())
	assert.Equal(t, 2, d.NumPartitions())
	parts := d.Partitions()
	assert.Equal(t, "part-0", parts[0].Name)
	assert.Equal(t, "named", parts[1].Name)
}

func TestToDeviceMatrix_ColumnMajor(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Float32},
		{Name: "b", Type: arrow.PrimitiveTypes.Float64},
		{Name: "c", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Float32Builder).AppendValues([]float32{1, 2}, nil)
	b.Field(1).(*array.Float64Builder).AppendValues([]float64{3, 4}, nil)
	b.Field(2).(*array.Int64Builder).AppendValues([]int64{5, 6}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	dev := device.New("h", 0, mem)
	buf, err := ToDeviceMatrix(rec, dev)
	require.NoError(t, err)
	defer buf.Release()

	assert.Equal(t, 2, buf.Rows())
	assert.Equal(t, 3, buf.Cols())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, buf.Float32s())
	assert.Equal(t, []float32{2, 4, 6}, buf.AllocInfo().RowTo(1, nil))
}

func TestToDeviceMatrix_RejectsStrings(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "x", Type: arrow.PrimitiveTypes.Float32},
		{Name: "label", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Float32Builder).Append(1)
	b.Field(1).(*array.StringBuilder).Append("cat")
	rec := b.NewRecord()
	defer rec.Release()

	dev := device.New("h", 0, mem)
	_, err := ToDeviceMatrix(rec, dev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "label"`)
	assert.Equal(t, 0, dev.Live(), "failed conversion must not leak device memory")
}

func TestToDeviceMatrix_RejectsNulls(t *testing.T) {
	b := array.NewRecordBuilder(memory.NewGoAllocator(), FloatSchema(1))
	defer b.Release()
	b.Field(0).(*array.Float32Builder).AppendNull()
	rec := b.NewRecord()
	defer rec.Release()

	_, err := ToDeviceMatrix(rec, device.New("h", 0, nil))
	assert.ErrorContains(t, err, "null")
}

func TestIPC_RoundTripIntoWorkerAllocator(t *testing.T) {
	src := memory.NewGoAllocator()
	dst := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer dst.AssertSize(t, 0)

	rec := Uniform(src, 9, 4, rand.New(rand.NewSource(7)))
	defer rec.Release()

	payload, err := EncodeIPC(rec)
	require.NoError(t, err)

	out, err := DecodeIPC(payload, dst)
	require.NoError(t, err)
	defer out.Release()

	assert.True(t, array.RecordEqual(rec, out))
}

func TestDecodeIPC_Garbage(t *testing.T) {
	_, err := DecodeIPC([]byte("not arrow"), memory.NewGoAllocator())
	assert.Error(t, err)
}

func TestFromRecord_LoadsCopy(t *testing.T) {
	rec := Uniform(memory.NewGoAllocator(), 5, 2, rand.New(rand.NewSource(1)))
	defer rec.Release()

	worker := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer worker.AssertSize(t, 0)

	got, err := FromRecord(rec)(context.Background(), worker)
	require.NoError(t, err)
	defer got.Release()
	assert.True(t, array.RecordEqual(rec, got))

	_, err = FromRecord(nil)(context.Background(), worker)
	assert.ErrorIs(t, err, ErrNilRecord)
}

func TestSplit(t *testing.T) {
	rec := Uniform(memory.NewGoAllocator(), 10, 2, rand.New(rand.NewSource(1)))
	defer rec.Release()

	parts := Split(rec, 3)
	require.Len(t, parts, 3)
	var total int64
	for _, p := range parts {
		total += p.NumRows()
		p.Release()
	}
	assert.Equal(t, int64(10), total)
}

// writeVectors encodes rec as VectorRows, one row per record row.
func writeVectors(t *testing.T, rec arrow.Record) []byte {
	t.Helper()
	rows := make([]VectorRow, rec.NumRows())
	for r := range rows {
		vec := make([]float32, rec.NumCols())
		for c := range vec {
			vec[c] = rec.Column(c).(*array.Float32).Value(r)
		}
		rows[r] = VectorRow{ID: int64(r), Vector: vec}
	}

	var buf bytes.Buffer
	pw := parquet.NewGenericWriter[VectorRow](&buf, parquet.Compression(&parquet.Zstd))
	_, err := pw.Write(rows)
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	return buf.Bytes()
}

func TestParquet_RoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := Uniform(mem, 20, 6, rand.New(rand.NewSource(3)))
	defer rec.Release()

	data := writeVectors(t, rec)
	out, err := ReadParquet(bytes.NewReader(data), int64(len(data)), mem)
	require.NoError(t, err)
	defer out.Release()

	assert.True(t, array.RecordEqual(rec, out))
}

package table

import (
	"fmt"

	"github.com/23skdu/distknn/internal/device"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// ToDeviceMatrix copies every column of rec into a column-major float32 matrix
// on dev. Numeric columns are cast to float32; nulls and non-numeric columns are
// rejected.
func ToDeviceMatrix(rec arrow.Record, dev *device.Device) (*device.Buffer, error) {
	if rec == nil {
		return nil, ErrNilRecord
	}
	rows := int(rec.NumRows())
	cols := int(rec.NumCols())

	buf, err := dev.Alloc(rows, cols, device.ColumnMajor)
	if err != nil {
		return nil, err
	}

	dst := buf.Float32s()
	for c := 0; c < cols; c++ {
		if err := copyColumn(dst[c*rows:(c+1)*rows], rec.Column(c)); err != nil {
			buf.Release()
			return nil, fmt.Errorf("column %q: %w", rec.Schema().Field(c).Name, err)
		}
	}
	return buf, nil
}

func copyColumn(dst []float32, col arrow.Array) error {
	if col.NullN() > 0 {
		return fmt.Errorf("%d null values", col.NullN())
	}

	switch arr := col.(type) {
	case *array.Float32:
		copy(dst, arr.Float32Values())
	case *array.Float64:
		for i, v := range arr.Float64Values() {
			dst[i] = float32(v)
		}
	case *array.Int32:
		for i, v := range arr.Int32Values() {
			dst[i] = float32(v)
		}
	case *array.Int64:
		for i, v := range arr.Int64Values() {
			dst[i] = float32(v)
		}
	case *array.Float16:
		for i, v := range arr.Values() {
			dst[i] = v.Float32()
		}
	default:
		return fmt.Errorf("unsupported column type %s", col.DataType())
	}
	return nil
}

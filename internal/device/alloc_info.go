package device

import "fmt"

// IPCHandle is an opaque capability granting another process on the same host
// zero-copy read access to an exported buffer.
type IPCHandle struct {
	Host   string
	Device int
	Buffer uint64
	Rows   int
	Cols   int
	Order  Order
}

func (h IPCHandle) String() string {
	return fmt.Sprintf("ipc://%s/dev%d/buf%d", h.Host, h.Device, h.Buffer)
}

// AllocInfo addresses a matrix in device memory, either local to the reading
// process or reached through an open IPC mapping. Data aliases device memory.
type AllocInfo struct {
	Host   string
	Device int
	Buffer uint64
	Rows   int
	Cols   int
	Order  Order
	Data   []float32

	buf *Buffer
}

// Retain pins the underlying buffer for holders that outlive the mapping the
// info was obtained from.
func (a AllocInfo) Retain() {
	if a.buf != nil {
		a.buf.Retain()
	}
}

// Release undoes one Retain.
func (a AllocInfo) Release() {
	if a.buf != nil {
		a.buf.Release()
	}
}

// At returns element (row, col).
func (a AllocInfo) At(row, col int) float32 {
	if a.Order == RowMajor {
		return a.Data[row*a.Cols+col]
	}
	return a.Data[col*a.Rows+row]
}

// RowTo copies row i into dst, growing it as needed.
func (a AllocInfo) RowTo(i int, dst []float32) []float32 {
	if cap(dst) < a.Cols {
		dst = make([]float32, a.Cols)
	}
	dst = dst[:a.Cols]
	if a.Order == RowMajor {
		copy(dst, a.Data[i*a.Cols:(i+1)*a.Cols])
		return dst
	}
	for c := 0; c < a.Cols; c++ {
		dst[c] = a.Data[c*a.Rows+i]
	}
	return dst
}

func (a AllocInfo) String() string {
	return fmt.Sprintf("%s/dev%d/buf%d[%dx%d,%s]", a.Host, a.Device, a.Buffer, a.Rows, a.Cols, a.Order)
}

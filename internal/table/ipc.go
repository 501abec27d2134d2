package table

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var ErrEmptyStream = errors.New("table: ipc stream holds no record")

// EncodeIPC serialises rec as a single-batch Arrow IPC stream.
func EncodeIPC(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("ipc write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ipc close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeIPC reads the first record of an IPC stream into memory owned by mem.
// The caller owns the returned record.
func DecodeIPC(payload []byte, mem memory.Allocator) (arrow.Record, error) {
	r, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("ipc reader: %w", err)
	}
	defer r.Release()

	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("ipc read: %w", err)
		}
		return nil, ErrEmptyStream
	}
	rec := r.Record()
	rec.Retain()
	return rec, nil
}

// buffer.go - Device-Puffer und Host-zu-Device-Transfers
//
// Dieses Modul enthaelt:
// - Buffer: Device-residenter Byte-Puffer
// - TransferEngine: Asynchrone H2D-Kopien mit Transfer-Statistik
package device

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Buffer is a device-resident byte buffer. It is owned by whichever
// context allocated it and must only be touched through that context's
// streams.
type Buffer struct {
	data []byte
}

// NewBuffer allocates a zeroed device buffer of n bytes.
func NewBuffer(n int) *Buffer {
	return &Buffer{data: make([]byte, n)}
}

// Len returns the buffer capacity in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Data exposes the device bytes for kernel execution. Host code must
// not read this while a copy targeting the buffer is in flight.
func (b *Buffer) Data() []byte { return b.data }

// TransferEngine issues host-to-device copies and keeps counters for
// diagnostics.
type TransferEngine struct {
	chunks     atomic.Int64
	bytes      atomic.Int64
	transferNs atomic.Int64
}

// TransferStats is a snapshot of the engine's counters.
type TransferStats struct {
	ChunksCopied     int64
	BytesTransferred int64
	TransferTime     time.Duration
}

// CopyAsync enqueues a copy of src into dst on the given stream.
// src must stay valid and unmodified until the copy has executed;
// pinned pager memory satisfies this for the duration of a forward.
func (e *TransferEngine) CopyAsync(s *Stream, dst *Buffer, src []byte) {
	s.Submit(func() error {
		if len(src) > len(dst.data) {
			return fmt.Errorf("copy of %d bytes into %d-byte buffer", len(src), len(dst.data))
		}
		start := time.Now()
		copy(dst.data, src)
		e.chunks.Add(1)
		e.bytes.Add(int64(len(src)))
		e.transferNs.Add(int64(time.Since(start)))
		return nil
	})
}

// Stats returns a snapshot of the transfer counters.
func (e *TransferEngine) Stats() TransferStats {
	return TransferStats{
		ChunksCopied:     e.chunks.Load(),
		BytesTransferred: e.bytes.Load(),
		TransferTime:     time.Duration(e.transferNs.Load()),
	}
}

// Reset zeroes the transfer counters.
func (e *TransferEngine) Reset() {
	e.chunks.Store(0)
	e.bytes.Store(0)
	e.transferNs.Store(0)
}

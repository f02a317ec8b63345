// bridge.go - Bruecke zwischen Graph-Dispatcher und Paged Attention
//
// Dieses Modul enthaelt den Einstiegspunkt, den der Op-Dispatcher des
// Host-Runtimes aufruft: rohe Q/K/V/dst-Puffer plus Geometrie. Die
// Chunk-Groesse wird bei 0 automatisch gewaehlt; der Context kommt aus
// dem prozessweiten Pool.
package paged

import (
	"errors"
	"fmt"

	"github.com/databloom/ollama-kv-cache-tiering/device"
)

// ErrNotSupported is returned for ABI parameter combinations that this
// revision does not implement.
var ErrNotSupported = errors.New("not supported")

// AutoChunkThreshold is the sequence length above which the automatic
// chunk size switches from 512 to 2048 positions.
var AutoChunkThreshold = 4096

// ComputeParams is the attention compute ABI as consumed by the host
// runtime's op dispatcher.
type ComputeParams struct {
	Q   []byte // device: [headDim, qHeads, seqQ, batch] f16
	Dst []byte // device: same geometry as Q
	K   []byte // host (pinned): [headDim, kvHeads, totalSeq] f16
	V   []byte // host (pinned): same geometry as K

	HeadDim  int
	HeadDimV int // must equal HeadDim in this revision
	QHeads   int
	KVHeads  int
	SeqQ     int
	TotalSeq int
	Batch    int

	Scale     float32
	ChunkSize int // 0 = auto
	Device    int
	Stream    *device.Stream // compute stream
}

// hostKV adapts raw host K/V buffers to the KVSource interface.
type hostKV struct {
	k, v     []byte
	rowBytes int
}

func (h hostKV) GetRange(_, start, count int) ([]byte, []byte, error) {
	end := (start + count) * h.rowBytes
	if end > len(h.k) || end > len(h.v) {
		return nil, nil, fmt.Errorf("kv range [%d, %d) outside host buffers", start, start+count)
	}
	return h.k[start*h.rowBytes : end], h.v[start*h.rowBytes : end], nil
}

// autoChunkSize picks the chunk size for a sequence length.
func autoChunkSize(totalSeq int) int {
	if totalSeq > AutoChunkThreshold {
		return 2048
	}
	return 512
}

// Compute runs paged attention for one op dispatch using the
// process-wide context pool.
func Compute(p ComputeParams) error {
	if p.HeadDimV != p.HeadDim {
		return fmt.Errorf("paged: head_dim_v %d != head_dim %d: %w",
			p.HeadDimV, p.HeadDim, ErrNotSupported)
	}
	if err := checkHeadDim(p.HeadDim); err != nil {
		return err
	}

	chunkSize := p.ChunkSize
	if chunkSize == 0 {
		chunkSize = autoChunkSize(p.TotalSeq)
	}

	pool, err := Default()
	if err != nil {
		return err
	}
	ctx, err := pool.GetOrCreate(Key{
		NumKVHeads: p.KVHeads,
		HeadDim:    p.HeadDim,
		ChunkSize:  chunkSize,
		Device:     p.Device,
	})
	if err != nil {
		return err
	}

	src := hostKV{k: p.K, v: p.V, rowBytes: p.KVHeads * p.HeadDim * 2}

	// seq_q and batch flatten into query rows for the kernel.
	return ctx.Forward(0, src, p.Q, p.Dst, p.Batch*p.SeqQ, p.QHeads, p.TotalSeq, p.Scale, p.Stream)
}

// context.go - Pipeline-Orchestrierung des Paged-Attention-Forwards
//
// Dieses Modul enthaelt den Orchestrator-Context:
// - Ping-Pong-K/V-Puffer auf dem Device
// - Kopier-Stream (H2D) und Event-Handshakes mit dem Compute-Stream
// - Forward: Doppelt gepufferte Copy/Compute-Schleife ueber Chunks
//
// Pro Chunk c stellt ein Event-Paar sicher, dass (a) der Kernel fuer
// Chunk c erst nach abgeschlossenem Transfer startet und (b) der
// Transfer von Chunk c+2 erst nach dem Kernel fuer Chunk c den Puffer
// ueberschreibt.
package paged

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/databloom/ollama-kv-cache-tiering/device"
)

// Key identifies a context configuration in the pool.
type Key struct {
	NumKVHeads int
	HeadDim    int
	ChunkSize  int
	Device     int
}

// KVSource supplies the host-resident KV sequence for one layer.
// pager.Pager implements this; the bridge wraps raw host buffers.
type KVSource interface {
	// GetRange returns K and V bytes covering count positions from
	// start: f16 rows of kvHeads x headDim elements.
	GetRange(layer, start, count int) (k, v []byte, err error)
}

// Stats are per-context pipeline diagnostics.
type Stats struct {
	ChunksProcessed  int64
	BytesTransferred int64
	TransferTime     time.Duration
	ComputeTime      time.Duration
}

// Context owns the device-side resources of one paged-attention
// pipeline: ping-pong chunk buffers, running state and the copy
// stream. The compute stream is supplied by the caller per Forward.
type Context struct {
	key       Key
	rowBytes  int // kvHeads * headDim * 2 (f16)
	kBuf      [2]*device.Buffer
	vBuf      [2]*device.Buffer
	copy      *device.Stream
	engine    device.TransferEngine
	state     runningState
	computeNs atomic.Int64
	chunks    atomic.Int64
}

// NewContext allocates the device buffers for one configuration.
func NewContext(key Key) (*Context, error) {
	if err := checkHeadDim(key.HeadDim); err != nil {
		return nil, err
	}
	if key.ChunkSize <= 0 || key.NumKVHeads <= 0 {
		return nil, fmt.Errorf("paged: invalid context key %+v", key)
	}

	c := &Context{
		key:      key,
		rowBytes: key.NumKVHeads * key.HeadDim * 2,
		copy:     device.NewStream(fmt.Sprintf("copy-dev%d", key.Device)),
	}
	chunkBytes := key.ChunkSize * c.rowBytes
	for i := range c.kBuf {
		c.kBuf[i] = device.NewBuffer(chunkBytes)
		c.vBuf[i] = device.NewBuffer(chunkBytes)
	}
	return c, nil
}

// Key returns the configuration this context was built for.
func (c *Context) Key() Key { return c.key }

// Forward computes exact attention for one layer over totalSeq KV
// positions sourced from src, streaming them through the ping-pong
// buffers in chunkSize pieces.
//
// q holds batch*qHeads query rows of headDim f16 elements on the
// device; dst receives the same geometry. On return the compute
// stream has been synchronized and dst holds the final output; on
// error dst is undefined.
func (c *Context) Forward(layer int, src KVSource, q, dst []byte, batch, qHeads, totalSeq int, scale float32, compute *device.Stream) error {
	headDim := c.key.HeadDim
	rows := batch * qHeads
	if len(q) < rows*headDim*2 || len(dst) < rows*headDim*2 {
		return fmt.Errorf("paged: q/dst smaller than %d rows of head dim %d", rows, headDim)
	}

	c.state.ensure(rows, headDim)

	if totalSeq == 0 {
		// Defined as zero output for empty input.
		compute.Submit(func() error {
			c.state.reset(rows, headDim)
			normalizeKernel(&c.state, dst, batch, qHeads, headDim)
			return nil
		})
		return compute.Synchronize()
	}

	kHost, vHost, err := src.GetRange(layer, 0, totalSeq)
	if err != nil {
		return fmt.Errorf("paged: kv source: %w", err)
	}

	chunkSize := c.key.ChunkSize
	numChunks := (totalSeq + chunkSize - 1) / chunkSize

	chunkSlice := func(host []byte, chunk int) []byte {
		begin := chunk * chunkSize
		end := min(begin+chunkSize, totalSeq)
		return host[begin*c.rowBytes : end*c.rowBytes]
	}
	chunkLen := func(chunk int) int {
		return min(chunkSize, totalSeq-chunk*chunkSize)
	}

	// Prime the pipeline: chunk 0 into the ping buffer.
	c.engine.CopyAsync(c.copy, c.kBuf[0], chunkSlice(kHost, 0))
	c.engine.CopyAsync(c.copy, c.vBuf[0], chunkSlice(vHost, 0))
	if err := c.copy.Synchronize(); err != nil {
		return err
	}

	ping := 0
	for chunk := 0; chunk < numChunks; chunk++ {
		if next := chunk + 1; next < numChunks {
			other := 1 - ping
			c.engine.CopyAsync(c.copy, c.kBuf[other], chunkSlice(kHost, next))
			c.engine.CopyAsync(c.copy, c.vBuf[other], chunkSlice(vHost, next))
		}

		// Kernel for chunk c starts only after its transfer completed.
		compute.Wait(c.copy.Record())

		chunk, cur, length := chunk, ping, chunkLen(chunk)
		compute.Submit(func() error {
			start := time.Now()
			chunkKernel(&c.state, q,
				c.kBuf[cur].Data(), c.vBuf[cur].Data(),
				batch, qHeads, c.key.NumKVHeads, headDim, length,
				scale, chunk == 0)
			c.computeNs.Add(int64(time.Since(start)))
			c.chunks.Add(1)
			return nil
		})

		// The buffer may be overwritten only after the kernel is done.
		c.copy.Wait(compute.Record())

		ping = 1 - ping
	}

	compute.Submit(func() error {
		normalizeKernel(&c.state, dst, batch, qHeads, headDim)
		return nil
	})

	return compute.Synchronize()
}

// Stats returns pipeline counters for this context.
func (c *Context) Stats() Stats {
	ts := c.engine.Stats()
	return Stats{
		ChunksProcessed:  c.chunks.Load(),
		BytesTransferred: ts.BytesTransferred,
		TransferTime:     ts.TransferTime,
		ComputeTime:      time.Duration(c.computeNs.Load()),
	}
}

// ResetStats zeroes the pipeline counters.
func (c *Context) ResetStats() {
	c.engine.Reset()
	c.chunks.Store(0)
	c.computeNs.Store(0)
}

// Close tears down the copy stream and releases the device buffers.
func (c *Context) Close() error {
	return c.copy.Close()
}

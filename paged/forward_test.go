// forward_test.go - End-to-End-Test: Pager -> Orchestrator -> Kernel
//
// Fuettert den Forward Pass aus einem Page Manager, dessen Positionen
// teilweise auf die Disk ausgelagert wurden. Das Ergebnis muss mit der
// Referenz uebereinstimmen, als haette alles im Host-Speicher gelegen.
package paged

import (
	"encoding/binary"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/databloom/ollama-kv-cache-tiering/blockstore"
	"github.com/databloom/ollama-kv-cache-tiering/device"
	"github.com/databloom/ollama-kv-cache-tiering/pager"
)

func TestForwardFromSpilledPager(t *testing.T) {
	const (
		kvHeads  = 2
		headDim  = 64
		totalSeq = 96
		qHeads   = 4
		batch    = 1
	)

	store, err := blockstore.New(blockstore.Config{
		LocalPath:   filepath.Join(t.TempDir(), "local"),
		LocalBudget: 1 << 20,
	})
	if err != nil {
		t.Fatalf("blockstore.New: %v", err)
	}
	defer store.Close()

	cfg := pager.Config{
		NumLayers:  1,
		NumKVHeads: kvHeads,
		HeadDim:    headDim,
		ElemBytes:  2,
		DType:      "f16",
		Store:      store,
	}
	// Budget for a quarter of the sequence: most rows must spill.
	cfg.HostBudget = int64(totalSeq / 4 * 2 * cfg.RowBytes())

	p, err := pager.New(cfg)
	if err != nil {
		t.Fatalf("pager.New: %v", err)
	}
	defer p.Close()

	rng := rand.New(rand.NewSource(6))
	q := gaussianF16(rng, batch*qHeads*headDim)
	k := gaussianF16(rng, totalSeq*kvHeads*headDim)
	v := gaussianF16(rng, totalSeq*kvHeads*headDim)

	rb := cfg.RowBytes()
	for pos := 0; pos < totalSeq; pos++ {
		if _, err := p.Append(0, k[pos*rb:(pos+1)*rb], v[pos*rb:(pos+1)*rb]); err != nil {
			t.Fatalf("Append %d: %v", pos, err)
		}
	}
	if p.Stats().DiskPositions == 0 {
		t.Fatal("expected spilled positions before the forward")
	}

	ctx, err := NewContext(Key{NumKVHeads: kvHeads, HeadDim: headDim, ChunkSize: 32})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	compute := device.NewStream("compute")
	defer compute.Close()

	dst := make([]byte, batch*qHeads*headDim*2)
	scale := float32(1 / math.Sqrt(float64(headDim)))
	if err := ctx.Forward(0, p, q, dst, batch, qHeads, totalSeq, scale, compute); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	want := referenceAttention(q, k, v, batch, qHeads, kvHeads, headDim, totalSeq, scale)
	checkTolerance(t, dst, want)
}

// Guard against layout drift between pager rows and kernel chunks: a
// row written through the pager must decode back to the same floats.
func TestPagerRowLayoutMatchesKernel(t *testing.T) {
	cfg := pager.Config{NumLayers: 1, NumKVHeads: 2, HeadDim: 64, ElemBytes: 2, DType: "f16"}
	p, err := pager.New(cfg)
	if err != nil {
		t.Fatalf("pager.New: %v", err)
	}
	defer p.Close()

	row := make([]byte, cfg.RowBytes())
	for i := 0; i < cfg.NumKVHeads*cfg.HeadDim; i++ {
		binary.LittleEndian.PutUint16(row[2*i:], uint16(i))
	}
	if _, err := p.Append(0, row, row); err != nil {
		t.Fatalf("Append: %v", err)
	}

	k, _, err := p.GetRange(0, 0, 1)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	for i := 0; i < cfg.NumKVHeads*cfg.HeadDim; i++ {
		if got := binary.LittleEndian.Uint16(k[2*i:]); got != uint16(i) {
			t.Fatalf("element %d = %d after round trip", i, got)
		}
	}
}

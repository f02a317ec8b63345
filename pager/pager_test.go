// pager_test.go - Unit Tests fuer den Page Manager
package pager

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/databloom/ollama-kv-cache-tiering/blockstore"
)

func testConfig(t *testing.T, withStore bool, hostBudget int64) Config {
	t.Helper()
	cfg := Config{
		NumLayers:  2,
		NumKVHeads: 4,
		HeadDim:    8,
		ElemBytes:  2,
		HostBudget: hostBudget,
		Seq:        0,
		DType:      "f16",
	}
	if withStore {
		store, err := blockstore.New(blockstore.Config{
			LocalPath:   filepath.Join(t.TempDir(), "local"),
			LocalBudget: 1 << 20,
		})
		if err != nil {
			t.Fatalf("blockstore.New: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		cfg.Store = store
	}
	return cfg
}

// row builds a deterministic KV row for (layer, pos, k/v).
func row(cfg Config, layer, pos int, isKey bool) []byte {
	b := make([]byte, cfg.RowBytes())
	tag := byte(1)
	if !isKey {
		tag = 2
	}
	for i := range b {
		b[i] = byte(layer)*31 + byte(pos)*7 + tag + byte(i)
	}
	return b
}

func TestAppendAssignsPositions(t *testing.T) {
	p, err := New(testConfig(t, false, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	cfg := testConfig(t, false, 0)
	for i := 0; i < 10; i++ {
		pos, err := p.Append(0, row(cfg, 0, i, true), row(cfg, 0, i, false))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if pos != i {
			t.Errorf("Append %d: assigned position %d", i, pos)
		}
	}
	if got := p.Count(0); got != 10 {
		t.Errorf("Count = %d, want 10", got)
	}
	if got := p.Count(1); got != 0 {
		t.Errorf("Count(1) = %d, want 0", got)
	}
}

func TestGetRangeReturnsStoredBytes(t *testing.T) {
	cfg := testConfig(t, false, 0)
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	for i := 0; i < 8; i++ {
		if _, err := p.Append(1, row(cfg, 1, i, true), row(cfg, 1, i, false)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	k, v, err := p.GetRange(1, 2, 4)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	rb := cfg.RowBytes()
	if len(k) != 4*rb || len(v) != 4*rb {
		t.Fatalf("GetRange: k=%d v=%d bytes, want %d", len(k), len(v), 4*rb)
	}
	for i := 0; i < 4; i++ {
		if !bytes.Equal(k[i*rb:(i+1)*rb], row(cfg, 1, 2+i, true)) {
			t.Errorf("K row %d differs", 2+i)
		}
		if !bytes.Equal(v[i*rb:(i+1)*rb], row(cfg, 1, 2+i, false)) {
			t.Errorf("V row %d differs", 2+i)
		}
	}

	if _, _, err := p.GetRange(1, 5, 10); err == nil {
		t.Error("GetRange past filled region should fail")
	}
}

func TestStoreAtExplicitPosition(t *testing.T) {
	cfg := testConfig(t, false, 0)
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Store(0, 5, row(cfg, 0, 5, true), row(cfg, 0, 5, false)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got := p.Count(0); got != 6 {
		t.Errorf("Count = %d after Store at 5, want 6", got)
	}

	// Positions 0-4 were never written.
	if _, _, err := p.GetRange(0, 0, 6); err == nil {
		t.Error("GetRange over empty positions should fail")
	}
	if _, _, err := p.GetRange(0, 5, 1); err != nil {
		t.Errorf("GetRange over the stored position: %v", err)
	}
}

func TestSpillAndReload(t *testing.T) {
	cfg := testConfig(t, true, 0)
	// Budget for 6 row pairs across both layers.
	cfg.HostBudget = int64(6 * 2 * cfg.RowBytes())

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	// 5 positions x 2 layers = 10 row pairs, well over budget.
	for i := 0; i < 5; i++ {
		for layer := 0; layer < 2; layer++ {
			if _, err := p.Append(layer, row(cfg, layer, i, true), row(cfg, layer, i, false)); err != nil {
				t.Fatalf("Append layer %d pos %d: %v", layer, i, err)
			}
		}
	}

	stats := p.Stats()
	if stats.DiskPositions == 0 {
		t.Fatal("expected spilled positions under budget pressure")
	}
	if stats.HostUsedBytes > cfg.HostBudget {
		t.Errorf("host usage %d over budget %d", stats.HostUsedBytes, cfg.HostBudget)
	}

	// GetRange must transparently load spilled rows back.
	rb := cfg.RowBytes()
	for layer := 0; layer < 2; layer++ {
		k, v, err := p.GetRange(layer, 0, 5)
		if err != nil {
			t.Fatalf("GetRange layer %d: %v", layer, err)
		}
		for i := 0; i < 5; i++ {
			if !bytes.Equal(k[i*rb:(i+1)*rb], row(cfg, layer, i, true)) {
				t.Errorf("layer %d K row %d differs after reload", layer, i)
			}
			if !bytes.Equal(v[i*rb:(i+1)*rb], row(cfg, layer, i, false)) {
				t.Errorf("layer %d V row %d differs after reload", layer, i)
			}
		}
	}
}

func TestSpillRangeExplicit(t *testing.T) {
	cfg := testConfig(t, true, 0)
	cfg.NumLayers = 1

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	for i := 0; i < 8; i++ {
		if _, err := p.Append(0, row(cfg, 0, i, true), row(cfg, 0, i, false)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Push the cold prefix out explicitly.
	if err := p.SpillRange(0, 0, 4); err != nil {
		t.Fatalf("SpillRange: %v", err)
	}

	stats := p.Stats()
	if stats.DiskPositions != 4 || stats.HostPositions != 4 {
		t.Fatalf("positions = %d host / %d disk, want 4 / 4", stats.HostPositions, stats.DiskPositions)
	}
	if got := cfg.Store.Stats().LocalBlocks; got != 8 {
		t.Errorf("store holds %d blocks, want 8 (K and V per position)", got)
	}

	// Spilling the same range again is a no-op.
	if err := p.SpillRange(0, 0, 4); err != nil {
		t.Fatalf("second SpillRange: %v", err)
	}
	if got := p.Stats().DiskPositions; got != 4 {
		t.Errorf("disk positions = %d after repeat spill, want 4", got)
	}

	// GetRange loads the spilled rows back with identical bytes.
	rb := cfg.RowBytes()
	k, v, err := p.GetRange(0, 0, 8)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	for i := 0; i < 8; i++ {
		if !bytes.Equal(k[i*rb:(i+1)*rb], row(cfg, 0, i, true)) {
			t.Errorf("K row %d differs after reload", i)
		}
		if !bytes.Equal(v[i*rb:(i+1)*rb], row(cfg, 0, i, false)) {
			t.Errorf("V row %d differs after reload", i)
		}
	}
}

func TestSpillRangeWithoutStoreFails(t *testing.T) {
	p, err := New(testConfig(t, false, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.SpillRange(0, 0, 1); err == nil {
		t.Fatal("SpillRange without a store should fail")
	}
}

func TestBudgetWithoutStoreFails(t *testing.T) {
	cfg := testConfig(t, false, 0)
	cfg.HostBudget = int64(2 * 2 * cfg.RowBytes()) // 2 row pairs

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	var lastErr error
	for i := 0; i < 4 && lastErr == nil; i++ {
		_, lastErr = p.Append(0, row(cfg, 0, i, true), row(cfg, 0, i, false))
	}
	if !errors.Is(lastErr, ErrHostBudgetExhausted) {
		t.Fatalf("err = %v, want ErrHostBudgetExhausted", lastErr)
	}
}

func TestRemoveRange(t *testing.T) {
	cfg := testConfig(t, false, 0)
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	for i := 0; i < 10; i++ {
		for layer := 0; layer < 2; layer++ {
			if _, err := p.Append(layer, row(cfg, layer, i, true), row(cfg, layer, i, false)); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
	}

	// Interior removal leaves a hole; count is unchanged.
	if err := p.RemoveRange(3, 2); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}
	if got := p.Count(0); got != 10 {
		t.Errorf("Count = %d after interior removal, want 10", got)
	}
	if _, _, err := p.GetRange(0, 3, 2); err == nil {
		t.Error("GetRange over removed positions should fail")
	}

	// Tail removal shrinks the count past the earlier hole.
	if err := p.RemoveRange(5, 5); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}
	if got := p.Count(0); got != 3 {
		t.Errorf("Count = %d after tail removal, want 3", got)
	}
}

func TestRemoveRangeDeletesSpilledBlocks(t *testing.T) {
	cfg := testConfig(t, true, 0)
	cfg.HostBudget = int64(2 * 2 * cfg.RowBytes())
	cfg.NumLayers = 1

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	for i := 0; i < 6; i++ {
		if _, err := p.Append(0, row(cfg, 0, i, true), row(cfg, 0, i, false)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if p.Stats().DiskPositions == 0 {
		t.Fatal("expected spilled positions")
	}

	if err := p.RemoveRange(0, 6); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}

	if stats := cfg.Store.Stats(); stats.LocalBlocks != 0 {
		t.Errorf("%d blocks left in store after RemoveRange", stats.LocalBlocks)
	}
	if got := p.Count(0); got != 0 {
		t.Errorf("Count = %d after removing everything, want 0", got)
	}
}

func TestClear(t *testing.T) {
	cfg := testConfig(t, true, 0)
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	for i := 0; i < 4; i++ {
		if _, err := p.Append(0, row(cfg, 0, i, true), row(cfg, 0, i, false)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	p.Clear()

	stats := p.Stats()
	if stats.TotalPositions != 0 || stats.HostUsedBytes != 0 {
		t.Errorf("Stats after Clear = %+v, want empty", stats)
	}
}

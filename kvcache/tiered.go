// Package kvcache - Tiered Causal Cache
//
// Dieses Modul enthaelt den TieredCausal Wrapper:
// - Remove: Snapshot der betroffenen KV-Zeilen in den Block Store,
//   dann Freigabe der Zellen
// - RestoreRange: Laedt einen zusammenhaengenden Praefix von der Disk
//   zurueck in freie Zellen
//
// Tiering-Fehler brechen niemals den umgebenden Request ab: ein
// fehlgeschlagener Snapshot wird mit Warnung verworfen (die Zellen
// werden ohnehin freigegeben), ein fehlgeschlagener Restore faellt auf
// Neuberechnung zurueck.
package kvcache

import (
	"log/slog"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/databloom/ollama-kv-cache-tiering/blockstore"
)

// snapshotParallelism bounds the per-layer snapshot goroutines.
const snapshotParallelism = 4

// TieredConfig configures the tiered cache behaviour.
type TieredConfig struct {
	// Store is the storage backend for evicted blocks.
	Store *blockstore.Store

	// BlockSize is kept on the wrapper as the configured number of
	// token positions per block. Snapshots do not read it: every
	// snapshot block holds exactly one position.
	BlockSize int32

	// Enable controls whether tiering is active. When false, the
	// cache behaves identically to the plain Causal.
	Enable bool
}

// DefaultTieredConfig returns a sensible default configuration.
func DefaultTieredConfig() TieredConfig {
	return TieredConfig{
		BlockSize: 256,
		Enable:    true,
	}
}

// TieredCausal wraps a *Causal with disk-backed eviction.
type TieredCausal struct {
	*Causal
	store     *blockstore.Store
	blockSize int32
	enabled   bool
}

func NewTieredCausal(causal *Causal, cfg TieredConfig) *TieredCausal {
	return &TieredCausal{
		Causal:    causal,
		store:     cfg.Store,
		blockSize: cfg.BlockSize,
		enabled:   cfg.Enable && cfg.Store != nil,
	}
}

// Remove snapshots the evicted KV rows to the block store, then
// releases the cells. A full purge (endIndex == MaxInt32) skips the
// snapshot: the sequence is going away, not being shifted out.
func (t *TieredCausal) Remove(seq int, beginIndex, endIndex int32) error {
	if t.enabled && endIndex != math.MaxInt32 {
		t.snapshotRange(seq, beginIndex, endIndex)
	}
	return t.Causal.Remove(seq, beginIndex, endIndex)
}

// snapshotRange copies the K/V tensor bytes for every occupied cell of
// seq in [beginPos, endPos) out to the block store. Layers snapshot in
// parallel; the call returns only when all writes have finished, so
// the cells can be released safely afterwards.
func (t *TieredCausal) snapshotRange(seq int, beginPos, endPos int32) {
	var g errgroup.Group
	g.SetLimit(snapshotParallelism)

	for layer := 0; layer < t.Causal.numLayers; layer++ {
		g.Go(func() error {
			key := t.Causal.keys[layer]
			value := t.Causal.values[layer]
			dtype := t.Causal.DType.String()

			for i := range t.Causal.cells {
				cell := &t.Causal.cells[i]
				if !slices.Contains(cell.sequences, seq) {
					continue
				}
				if cell.pos < beginPos || cell.pos >= endPos {
					continue
				}

				bk := blockstore.BlockKey{
					Seq: seq, Layer: layer,
					BeginPos: cell.pos, EndPos: cell.pos + 1,
					IsKey: true,
				}
				if err := t.store.Put(bk, dtype, key.Shape(), key.Row(i)); err != nil {
					slog.Warn("tiered: snapshot dropped", "block", bk, "error", err)
					continue
				}

				bv := bk
				bv.IsKey = false
				if err := t.store.Put(bv, dtype, value.Shape(), value.Row(i)); err != nil {
					slog.Warn("tiered: snapshot dropped", "block", bv, "error", err)
					// The K block alone is useless for restore.
					t.store.Remove(bk)
				}
			}
			return nil
		})
	}
	g.Wait()

	slog.Debug("tiered: snapshot evicted KV", "seq", seq, "begin", beginPos, "end", endPos)
}

// RestoreRange loads KV data from disk back into free cells, extending
// an in-memory prefix match. Positions restore strictly in order; the
// scan stops at the first position missing on disk. Returns the number
// of positions restored.
func (t *TieredCausal) RestoreRange(seq int, beginPos, endPos int32) (int32, error) {
	if !t.enabled {
		return 0, nil
	}

	var restored int32
	for pos := beginPos; pos < endPos; pos++ {
		// Idempotence: a position already in cache needs no restore.
		if t.Causal.CellForPos(seq, pos) >= 0 {
			continue
		}

		if !t.hasPosition(seq, pos) {
			break
		}

		loc := t.Causal.findFreeCell()
		if loc < 0 {
			slog.Warn("tiered: no free cell for restore", "seq", seq, "pos", pos)
			break
		}

		if !t.restorePosition(seq, pos, loc) {
			break
		}

		t.Causal.cells[loc] = cacheCell{pos: pos, sequences: []int{seq}}
		seqRange, ok := t.Causal.cellRanges[seq]
		if !ok {
			seqRange = newRange()
		}
		seqRange.min = min(seqRange.min, loc)
		seqRange.max = max(seqRange.max, loc)
		t.Causal.cellRanges[seq] = seqRange

		restored++
	}

	if restored > 0 {
		slog.Debug("tiered: restored prefix from disk",
			"seq", seq, "begin", beginPos, "restored", restored)
	}
	return restored, nil
}

// hasPosition reports whether every layer has both K and V blocks for
// (seq, pos) on disk.
func (t *TieredCausal) hasPosition(seq int, pos int32) bool {
	for layer := 0; layer < t.Causal.numLayers; layer++ {
		bk := blockstore.BlockKey{
			Seq: seq, Layer: layer,
			BeginPos: pos, EndPos: pos + 1,
			IsKey: true,
		}
		bv := bk
		bv.IsKey = false
		if !t.store.Has(bk) || !t.store.Has(bv) {
			return false
		}
	}
	return true
}

// restorePosition copies the stored rows of every layer into cell loc.
func (t *TieredCausal) restorePosition(seq int, pos int32, loc int) bool {
	for layer := 0; layer < t.Causal.numLayers; layer++ {
		bk := blockstore.BlockKey{
			Seq: seq, Layer: layer,
			BeginPos: pos, EndPos: pos + 1,
			IsKey: true,
		}
		kData, _, err := t.store.Get(bk)
		if err != nil {
			slog.Warn("tiered: restore failed", "block", bk, "error", err)
			return false
		}

		bv := bk
		bv.IsKey = false
		vData, _, err := t.store.Get(bv)
		if err != nil {
			slog.Warn("tiered: restore failed", "block", bv, "error", err)
			return false
		}

		copy(t.Causal.keys[layer].Row(loc), kData)
		copy(t.Causal.values[layer].Row(loc), vData)
	}
	return true
}

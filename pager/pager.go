// pager.go - Page Manager fuer KV-Zeilen in gepinntem Host-Speicher
//
// Dieses Modul enthaelt den Page Manager:
// - Append/Store: Schreibt KV-Zeilen in die Layer-Arena
// - GetRange/GetLayer: Liefert zusammenhaengende gepinnte Bereiche
// - RemoveRange/Clear: Entfernt Positionen
// - Stats/Close: Statistiken und Teardown
//
// Pro Layer haelt der Pager je einen gepinnten K- und V-Puffer als
// Folge von Zeilen (kv_heads x head_dim x elem_bytes Bytes). Laeuft
// das Host-Budget voll, werden die aeltesten Host-Zeilen in den Block
// Store ausgelagert und bei Bedarf in GetRange zurueckgeladen.
package pager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/databloom/ollama-kv-cache-tiering/blockstore"
)

var (
	// ErrHostBudgetExhausted is returned when the pinned budget is
	// full and no disk spill backend is configured.
	ErrHostBudgetExhausted = errors.New("host memory budget exhausted")

	// ErrRowSize is returned when a row's byte length does not match
	// the configured geometry.
	ErrRowSize = errors.New("row size does not match kv geometry")
)

// location tags one position slot in a layer arena.
type location uint8

const (
	locEmpty location = iota
	locHost
	locDisk
)

// Config describes the KV row geometry and budgets of a pager.
type Config struct {
	NumLayers  int
	NumKVHeads int
	HeadDim    int
	ElemBytes  int // 2 for f16, 4 for f32

	// HostBudget bounds the bytes of host-resident KV rows across all
	// layers. 0 means unlimited.
	HostBudget int64

	// Seq is the sequence id under which spilled rows are stored.
	Seq int

	// DType is the dtype tag recorded on spilled blocks.
	DType string

	// Store is the disk spill backend. Nil disables spilling; the
	// pager then fails hard when the host budget is exhausted.
	Store *blockstore.Store
}

// RowBytes returns the stride of one KV row.
func (c Config) RowBytes() int {
	return c.NumKVHeads * c.HeadDim * c.ElemBytes
}

type layerArena struct {
	k, v     *pinnedBuf
	meta     []location
	capacity int // allocated rows
	count    int // highest filled position + 1
}

// Pager owns the pinned per-layer KV arenas.
//
// A single mutex serializes all operations: one writer (the generate
// loop) and occasional stats readers are the intended usage.
type Pager struct {
	mu       sync.Mutex
	cfg      Config
	rowBytes int
	layers   []layerArena

	// hostUsed counts bytes of host-resident rows (K and V) across
	// all layers.
	hostUsed int64
}

// New creates a pager for the given geometry.
func New(cfg Config) (*Pager, error) {
	if cfg.NumLayers <= 0 || cfg.NumKVHeads <= 0 || cfg.HeadDim <= 0 || cfg.ElemBytes <= 0 {
		return nil, fmt.Errorf("pager: invalid geometry %+v", cfg)
	}

	return &Pager{
		cfg:      cfg,
		rowBytes: cfg.RowBytes(),
		layers:   make([]layerArena, cfg.NumLayers),
	}, nil
}

// Append stores a KV row pair at the next free position of a layer and
// returns the position index assigned.
func (p *Pager) Append(layer int, kRow, vRow []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkRows(layer, kRow, vRow); err != nil {
		return -1, err
	}

	pos := p.layers[layer].count
	if err := p.storeLocked(layer, pos, kRow, vRow); err != nil {
		return -1, err
	}
	return pos, nil
}

// Store writes a KV row pair at an explicit position, extending the
// layer's count when the position is past the current end.
func (p *Pager) Store(layer, pos int, kRow, vRow []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkRows(layer, kRow, vRow); err != nil {
		return err
	}
	if pos < 0 {
		return fmt.Errorf("pager: negative position %d", pos)
	}
	return p.storeLocked(layer, pos, kRow, vRow)
}

// GetRange returns the K and V bytes covering exactly count contiguous
// positions starting at start. Disk-resident positions are loaded back
// into the arena first; other host rows are spilled if the budget
// requires it, lowest positions first. The spill order follows token
// position; access times are not tracked.
//
// The returned slices alias the pinned arena and are valid until the
// next GetRange call on this layer or Close.
func (p *Pager) GetRange(layer, start, count int) ([]byte, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if layer < 0 || layer >= len(p.layers) {
		return nil, nil, fmt.Errorf("pager: layer %d out of range", layer)
	}
	lyr := &p.layers[layer]
	if start < 0 || count < 0 || start+count > lyr.count {
		return nil, nil, fmt.Errorf("pager: range [%d, %d) outside filled region [0, %d)",
			start, start+count, lyr.count)
	}
	if count == 0 {
		return nil, nil, nil
	}

	for pos := start; pos < start+count; pos++ {
		switch lyr.meta[pos] {
		case locHost:
		case locDisk:
			if err := p.loadLocked(layer, pos); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, fmt.Errorf("pager: position %d of layer %d is empty", pos, layer)
		}
	}

	if err := p.enforceBudgetLocked(layer, start, start+count); err != nil {
		return nil, nil, err
	}

	k := lyr.k.data[start*p.rowBytes : (start+count)*p.rowBytes]
	v := lyr.v.data[start*p.rowBytes : (start+count)*p.rowBytes]
	return k, v, nil
}

// GetLayer returns the full filled range of a layer.
func (p *Pager) GetLayer(layer int) ([]byte, []byte, error) {
	p.mu.Lock()
	count := 0
	if layer >= 0 && layer < len(p.layers) {
		count = p.layers[layer].count
	}
	p.mu.Unlock()

	return p.GetRange(layer, 0, count)
}

// SpillRange writes the host-resident rows of [start, start+count) of
// a layer to the block store and marks them disk-resident. Positions
// already on disk or empty are skipped. The runtime uses this to push
// cold ranges out ahead of budget pressure; GetRange loads them back
// transparently.
func (p *Pager) SpillRange(layer, start, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if layer < 0 || layer >= len(p.layers) {
		return fmt.Errorf("pager: layer %d out of range", layer)
	}
	if p.cfg.Store == nil {
		return fmt.Errorf("pager: no spill backend configured")
	}
	if start < 0 || count < 0 {
		return fmt.Errorf("pager: invalid range [%d, %d)", start, start+count)
	}

	lyr := &p.layers[layer]
	for pos := start; pos < min(start+count, lyr.count); pos++ {
		if lyr.meta[pos] != locHost {
			continue
		}
		if err := p.spillLocked(layer, pos); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the filled position count of a layer.
func (p *Pager) Count(layer int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if layer < 0 || layer >= len(p.layers) {
		return 0
	}
	return p.layers[layer].count
}

// RemoveRange marks positions [start, start+count) empty across all
// layers. Emptying a contiguous tail shrinks the filled count;
// interior removals leave holes. Spilled blocks for the affected
// positions are deleted from the block store.
func (p *Pager) RemoveRange(start, count int) error {
	if count <= 0 || start < 0 {
		return fmt.Errorf("pager: invalid range [%d, %d)", start, start+count)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for layer := range p.layers {
		lyr := &p.layers[layer]
		if start >= lyr.count {
			continue
		}

		end := min(start+count, lyr.count)
		for pos := start; pos < end; pos++ {
			switch lyr.meta[pos] {
			case locHost:
				p.hostUsed -= int64(2 * p.rowBytes)
			case locDisk:
				p.removeSpilled(layer, pos)
			}
			lyr.meta[pos] = locEmpty
		}

		if end >= lyr.count {
			newCount := start
			for pos := start - 1; pos >= 0; pos-- {
				if lyr.meta[pos] != locEmpty {
					newCount = pos + 1
					break
				}
				newCount = pos
			}
			lyr.count = newCount
		}
	}

	return nil
}

// Clear empties all layers. Spilled blocks for the pager's sequence
// are removed from the block store.
func (p *Pager) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for layer := range p.layers {
		lyr := &p.layers[layer]
		lyr.count = 0
		for i := range lyr.meta {
			lyr.meta[i] = locEmpty
		}
	}
	p.hostUsed = 0

	if p.cfg.Store != nil {
		p.cfg.Store.RemoveSeq(p.cfg.Seq)
	}
}

// Stats reports position counts and host memory usage.
type Stats struct {
	TotalPositions int
	HostPositions  int
	DiskPositions  int
	HostUsedBytes  int64
	HostBudget     int64
}

func (p *Pager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		HostUsedBytes: p.hostUsed,
		HostBudget:    p.cfg.HostBudget,
	}
	for layer := range p.layers {
		lyr := &p.layers[layer]
		for pos := 0; pos < lyr.count; pos++ {
			switch lyr.meta[pos] {
			case locHost:
				s.HostPositions++
			case locDisk:
				s.DiskPositions++
			}
		}
		s.TotalPositions += lyr.count
	}
	return s
}

// Close frees all pinned arenas in bulk.
func (p *Pager) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for layer := range p.layers {
		lyr := &p.layers[layer]
		if lyr.k != nil {
			lyr.k.free()
			lyr.v.free()
		}
		lyr.meta = nil
		lyr.capacity = 0
		lyr.count = 0
	}
	p.hostUsed = 0
}

// ── internal ────────────────────────────────────────────────────────────────

func (p *Pager) checkRows(layer int, kRow, vRow []byte) error {
	if layer < 0 || layer >= len(p.layers) {
		return fmt.Errorf("pager: layer %d out of range", layer)
	}
	if len(kRow) != p.rowBytes || len(vRow) != p.rowBytes {
		return fmt.Errorf("pager: k=%d v=%d bytes, want %d: %w",
			len(kRow), len(vRow), p.rowBytes, ErrRowSize)
	}
	return nil
}

// storeLocked writes one row pair at pos, growing the arena and
// spilling under budget pressure as needed.
func (p *Pager) storeLocked(layer, pos int, kRow, vRow []byte) error {
	lyr := &p.layers[layer]

	if err := p.ensureCapacityLocked(lyr, pos+1); err != nil {
		return err
	}

	if lyr.meta[pos] != locHost {
		if p.cfg.Store == nil && p.cfg.HostBudget > 0 &&
			p.hostUsed+int64(2*p.rowBytes) > p.cfg.HostBudget {
			return fmt.Errorf("pager: host rows use %d bytes, budget %d: %w",
				p.hostUsed, p.cfg.HostBudget, ErrHostBudgetExhausted)
		}
		p.hostUsed += int64(2 * p.rowBytes)
	}

	copy(lyr.k.data[pos*p.rowBytes:], kRow)
	copy(lyr.v.data[pos*p.rowBytes:], vRow)
	lyr.meta[pos] = locHost
	if pos >= lyr.count {
		lyr.count = pos + 1
	}

	return p.enforceBudgetLocked(layer, pos, pos+1)
}

// ensureCapacityLocked grows a layer arena geometrically to hold need
// rows, starting at 256 and doubling.
func (p *Pager) ensureCapacityLocked(lyr *layerArena, need int) error {
	if need <= lyr.capacity {
		return nil
	}

	newCap := lyr.capacity
	if newCap == 0 {
		newCap = 256
	}
	for newCap < need {
		newCap *= 2
	}

	if lyr.k == nil {
		lyr.k = allocPinned(newCap * p.rowBytes)
		lyr.v = allocPinned(newCap * p.rowBytes)
	} else {
		lyr.k.grow(newCap * p.rowBytes)
		lyr.v.grow(newCap * p.rowBytes)
	}

	meta := make([]location, newCap)
	copy(meta, lyr.meta)
	lyr.meta = meta
	lyr.capacity = newCap
	return nil
}

// enforceBudgetLocked spills the oldest host rows until hostUsed fits
// the budget again. Positions [keepStart, keepEnd) of keepLayer are
// never spilled (they are the caller's active range).
func (p *Pager) enforceBudgetLocked(keepLayer, keepStart, keepEnd int) error {
	if p.cfg.HostBudget <= 0 || p.hostUsed <= p.cfg.HostBudget {
		return nil
	}
	if p.cfg.Store == nil {
		return fmt.Errorf("pager: host rows use %d bytes, budget %d: %w",
			p.hostUsed, p.cfg.HostBudget, ErrHostBudgetExhausted)
	}

	// Oldest positions first, round-robin across layers. Token age is
	// the access pattern that matters here: generation always reads
	// the newest tail.
	for pos := 0; p.hostUsed > p.cfg.HostBudget; pos++ {
		spilled := false
		for layer := range p.layers {
			lyr := &p.layers[layer]
			if pos >= lyr.count {
				continue
			}
			if layer == keepLayer && pos >= keepStart && pos < keepEnd {
				continue
			}
			if lyr.meta[pos] != locHost {
				continue
			}
			if err := p.spillLocked(layer, pos); err != nil {
				return err
			}
			spilled = true
			if p.hostUsed <= p.cfg.HostBudget {
				return nil
			}
		}
		if !spilled && pos >= p.maxCount() {
			// Nothing left to spill; the active range alone is over
			// budget. Let it proceed rather than fail the forward.
			slog.Warn("pager: active range exceeds host budget",
				"used", p.hostUsed, "budget", p.cfg.HostBudget)
			return nil
		}
	}
	return nil
}

func (p *Pager) maxCount() int {
	var n int
	for layer := range p.layers {
		n = max(n, p.layers[layer].count)
	}
	return n
}

// spillLocked writes the K and V rows at (layer, pos) to the block
// store and marks the slot disk-resident.
func (p *Pager) spillLocked(layer, pos int) error {
	lyr := &p.layers[layer]
	shape := []int{p.cfg.HeadDim, p.cfg.NumKVHeads, 1}

	kRow := lyr.k.data[pos*p.rowBytes : (pos+1)*p.rowBytes]
	vRow := lyr.v.data[pos*p.rowBytes : (pos+1)*p.rowBytes]

	kKey := p.blockKey(layer, pos, true)
	if err := p.cfg.Store.Put(kKey, p.cfg.DType, shape, kRow); err != nil {
		return fmt.Errorf("pager: spill %s: %w", kKey, err)
	}
	vKey := p.blockKey(layer, pos, false)
	if err := p.cfg.Store.Put(vKey, p.cfg.DType, shape, vRow); err != nil {
		return fmt.Errorf("pager: spill %s: %w", vKey, err)
	}

	lyr.meta[pos] = locDisk
	p.hostUsed -= int64(2 * p.rowBytes)
	return nil
}

// loadLocked reads the K and V rows at (layer, pos) back from the
// block store into the arena slot.
func (p *Pager) loadLocked(layer, pos int) error {
	lyr := &p.layers[layer]

	kData, _, err := p.cfg.Store.Get(p.blockKey(layer, pos, true))
	if err != nil {
		return fmt.Errorf("pager: load layer %d pos %d: %w", layer, pos, err)
	}
	vData, _, err := p.cfg.Store.Get(p.blockKey(layer, pos, false))
	if err != nil {
		return fmt.Errorf("pager: load layer %d pos %d: %w", layer, pos, err)
	}
	if len(kData) != p.rowBytes || len(vData) != p.rowBytes {
		return fmt.Errorf("pager: load layer %d pos %d: k=%d v=%d bytes, want %d: %w",
			layer, pos, len(kData), len(vData), p.rowBytes, ErrRowSize)
	}

	copy(lyr.k.data[pos*p.rowBytes:], kData)
	copy(lyr.v.data[pos*p.rowBytes:], vData)
	lyr.meta[pos] = locHost
	p.hostUsed += int64(2 * p.rowBytes)
	return nil
}

func (p *Pager) removeSpilled(layer, pos int) {
	if p.cfg.Store == nil {
		return
	}
	p.cfg.Store.Remove(p.blockKey(layer, pos, true))
	p.cfg.Store.Remove(p.blockKey(layer, pos, false))
}

func (p *Pager) blockKey(layer, pos int, isKey bool) blockstore.BlockKey {
	return blockstore.BlockKey{
		Seq:      p.cfg.Seq,
		Layer:    layer,
		BeginPos: int32(pos),
		EndPos:   int32(pos + 1),
		IsKey:    isKey,
	}
}

// store.go - Tiered Block Store fuer ausgelagerte KV-Bloecke
//
// Dieses Modul enthaelt die Kern-Operationen des Block Stores:
// - Put: Schreibt einen Block ins lokale Tier (mit Budget-Migration)
// - Get: Liest einen Block und aktualisiert den Zugriffszeitpunkt
// - Has/GetRange: Index-Abfragen
// - RemoveSeq: Entfernt alle Bloecke einer Sequenz
// - Stats/Close: Statistiken und Index-Persistenz
//
// Bloecke werden zuerst ins lokale Tier (SSD) geschrieben. Laeuft das
// lokale Budget voll, migrieren die aeltesten Bloecke (LRU nach
// Zugriffszeit) ins Remote-Tier (NFS/HDD). Daten werden optional mit
// zstd komprimiert.
package blockstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrNotFound is returned by Get when the key has no index entry.
	ErrNotFound = errors.New("block not found")

	// ErrBudgetExhausted is returned by Put when the payload cannot fit
	// on the local tier even after migrating blocks to remote.
	ErrBudgetExhausted = errors.New("storage budget exhausted")
)

// BlockKey uniquely identifies an evicted KV block.
type BlockKey struct {
	Seq      int   `json:"seq"`       // Sequence (slot) ID
	Layer    int   `json:"layer"`     // Transformer layer index
	BeginPos int32 `json:"begin_pos"` // First token position in block
	EndPos   int32 `json:"end_pos"`   // One-past-last token position
	IsKey    bool  `json:"is_key"`    // true = key tensor, false = value tensor
}

// String returns the canonical key string used for index keys, file
// names and logging.
func (k BlockKey) String() string {
	kv := "v"
	if k.IsKey {
		kv = "k"
	}
	return fmt.Sprintf("seq%d_L%d_%s_p%d-%d", k.Seq, k.Layer, kv, k.BeginPos, k.EndPos)
}

// BlockMeta holds metadata about a stored block, persisted as part of
// the index.
type BlockMeta struct {
	Key        BlockKey  `json:"key"`
	DTypeStr   string    `json:"dtype"`      // e.g. "f16"
	Shape      []int     `json:"shape"`      // original tensor shape
	SizeBytes  int       `json:"size_bytes"` // uncompressed size
	Compressed bool      `json:"compressed"`
	Tier       Tier      `json:"tier"`
	StoredAt   time.Time `json:"stored_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Store is the tiered disk-backed storage engine.
//
// All byte accounting uses the uncompressed block size so that per-tier
// usage can be recomputed from the index alone at startup.
type Store struct {
	mu sync.RWMutex

	// id correlates log lines from this store instance.
	id uuid.UUID

	localPath  string
	remotePath string

	// In-memory index of all stored blocks, keyed by BlockKey.String().
	index map[string]*BlockMeta

	localBudget  int64
	remoteBudget int64
	localUsed    int64
	remoteUsed   int64

	highWater float64
	lowWater  float64

	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// Config for creating a new Store.
type Config struct {
	LocalPath    string // Directory root of the local tier.
	RemotePath   string // Directory root of the remote tier (empty to disable).
	LocalBudget  int64  // Max bytes on local tier before migration starts.
	RemoteBudget int64  // Hard cap on remote tier.
	Compress     bool   // Apply zstd compression (default level).

	// HighWatermark starts proactive local->remote migration once
	// local usage exceeds this fraction of the budget; migration then
	// continues until usage drops below LowWatermark (hysteresis).
	// 0 disables proactive migration; blocks still migrate under hard
	// budget pressure. LowWatermark defaults to HighWatermark.
	HighWatermark float64
	LowWatermark  float64
}

// New creates a tiered block store rooted at the configured paths and
// loads the persisted index if one exists.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: create local dir: %w", err)
	}
	if cfg.RemotePath != "" {
		if err := os.MkdirAll(cfg.RemotePath, 0o755); err != nil {
			return nil, fmt.Errorf("blockstore: create remote dir: %w", err)
		}
	}

	var enc *zstd.Encoder
	var dec *zstd.Decoder
	if cfg.Compress {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("blockstore: create zstd encoder: %w", err)
		}
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("blockstore: create zstd decoder: %w", err)
		}
	}

	lowWater := cfg.LowWatermark
	if lowWater <= 0 || lowWater > cfg.HighWatermark {
		lowWater = cfg.HighWatermark
	}

	s := &Store{
		id:           uuid.New(),
		localPath:    cfg.LocalPath,
		remotePath:   cfg.RemotePath,
		index:        make(map[string]*BlockMeta),
		localBudget:  cfg.LocalBudget,
		remoteBudget: cfg.RemoteBudget,
		highWater:    cfg.HighWatermark,
		lowWater:     lowWater,
		compress:     cfg.Compress,
		encoder:      enc,
		decoder:      dec,
	}

	s.loadIndex()

	slog.Debug("blockstore: opened",
		"store", s.id,
		"local", s.localPath,
		"remote", s.remotePath,
		"blocks", len(s.index),
		"local_used", s.localUsed,
		"remote_used", s.remoteUsed)

	return s, nil
}

// Put stores a KV tensor block on the local tier.
//
// If compression is enabled, the payload is stored zstd-compressed.
// When the local tier is over budget, the least recently accessed local
// blocks migrate to the remote tier until the new block fits. Put fails
// with ErrBudgetExhausted if no more blocks can migrate and the payload
// still does not fit.
func (s *Store) Put(key BlockKey, dtype string, shape []int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing an existing block releases its accounting first.
	if old, ok := s.index[key.String()]; ok {
		s.removeLocked(old)
	}

	payload := data
	compressed := false
	if s.compress && s.encoder != nil {
		payload = s.encoder.EncodeAll(data, nil)
		compressed = true
	}

	for s.localUsed+int64(len(data)) > s.localBudget {
		if !s.migrateOldestLocked() {
			if s.localUsed+int64(len(data)) > s.localBudget {
				return fmt.Errorf("blockstore: put %s (%d bytes): %w", key, len(data), ErrBudgetExhausted)
			}
			break
		}
	}

	path := s.blockPath(key, TierLocal)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("blockstore: put %s: %w", key, err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("blockstore: put %s: %w", key, err)
	}

	now := time.Now()
	s.index[key.String()] = &BlockMeta{
		Key:        key,
		DTypeStr:   dtype,
		Shape:      shape,
		SizeBytes:  len(data),
		Compressed: compressed,
		Tier:       TierLocal,
		StoredAt:   now,
		AccessedAt: now,
	}
	s.localUsed += int64(len(data))

	s.settleWatermarkLocked()

	return nil
}

// settleWatermarkLocked runs proactive migration: once local usage
// crosses the high watermark, the oldest blocks move to remote until
// usage falls below the low watermark or migration is impossible.
// Must be called with s.mu held.
func (s *Store) settleWatermarkLocked() {
	if s.highWater <= 0 || s.localBudget == 0 {
		return
	}

	fraction := func() float64 { return float64(s.localUsed) / float64(s.localBudget) }
	if fraction() <= s.highWater {
		return
	}

	for fraction() >= s.lowWater {
		if !s.migrateOldestLocked() {
			break
		}
	}
}

// Get retrieves a block. Returns the decompressed bytes and a copy of
// the metadata, or ErrNotFound. The accessed-at timestamp is advanced.
func (s *Store) Get(key BlockKey) ([]byte, *BlockMeta, error) {
	s.mu.RLock()
	meta, ok := s.index[key.String()]
	if !ok {
		s.mu.RUnlock()
		return nil, nil, fmt.Errorf("blockstore: get %s: %w", key, ErrNotFound)
	}

	payload, err := os.ReadFile(s.blockPath(key, meta.Tier))
	if err != nil {
		s.mu.RUnlock()
		return nil, nil, fmt.Errorf("blockstore: read block %s: %w", key, err)
	}

	data := payload
	if meta.Compressed && s.decoder != nil {
		data, err = s.decoder.DecodeAll(payload, nil)
		if err != nil {
			s.mu.RUnlock()
			return nil, nil, fmt.Errorf("blockstore: decompress block %s: %w", key, err)
		}
	}
	s.mu.RUnlock()

	// Read-to-write upgrade; acceptable for the single-reader request path.
	s.mu.Lock()
	meta.AccessedAt = time.Now()
	metaCopy := *meta
	s.mu.Unlock()

	return data, &metaCopy, nil
}

// Has checks whether a block exists in the index.
func (s *Store) Has(key BlockKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[key.String()]
	return ok
}

// GetRange returns the stored blocks for a sequence, layer and K/V side
// that overlap [beginPos, endPos), ordered by begin position.
func (s *Store) GetRange(seq, layer int, isKey bool, beginPos, endPos int32) []BlockMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []BlockMeta
	for _, meta := range s.index {
		if meta.Key.Seq == seq &&
			meta.Key.Layer == layer &&
			meta.Key.IsKey == isKey &&
			meta.Key.BeginPos < endPos &&
			meta.Key.EndPos > beginPos {
			results = append(results, *meta)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Key.BeginPos < results[j].Key.BeginPos
	})
	return results
}

// RemoveSeq removes every block belonging to the given sequence from
// both tiers. Returns the number of blocks removed.
func (s *Store) RemoveSeq(seq int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for _, meta := range s.index {
		if meta.Key.Seq == seq {
			s.removeLocked(meta)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("blockstore: removed sequence", "store", s.id, "seq", seq, "blocks", removed)
	}
	return removed
}

// Index returns a snapshot of every indexed block, ordered by key
// string.
func (s *Store) Index() []BlockMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]BlockMeta, 0, len(s.index))
	for _, meta := range s.index {
		metas = append(metas, *meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Key.String() < metas[j].Key.String()
	})
	return metas
}

// Remove deletes a single block from whichever tier holds it.
// Returns false if the key has no index entry.
func (s *Store) Remove(key BlockKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.index[key.String()]
	if !ok {
		return false
	}
	s.removeLocked(meta)
	return true
}

// Stats describes per-tier block counts and byte usage.
type Stats struct {
	LocalBlocks  int   `json:"local_blocks"`
	RemoteBlocks int   `json:"remote_blocks"`
	LocalUsed    int64 `json:"local_used"`
	RemoteUsed   int64 `json:"remote_used"`
	LocalBudget  int64 `json:"local_budget"`
	RemoteBudget int64 `json:"remote_budget"`
}

// LocalUsageFraction returns local usage as a fraction of the budget.
func (st Stats) LocalUsageFraction() float64 {
	if st.LocalBudget == 0 {
		return 0
	}
	return float64(st.LocalUsed) / float64(st.LocalBudget)
}

// RemoteUsageFraction returns remote usage as a fraction of the budget.
func (st Stats) RemoteUsageFraction() float64 {
	if st.RemoteBudget == 0 {
		return 0
	}
	return float64(st.RemoteUsed) / float64(st.RemoteBudget)
}

// AboveHighWatermark reports whether the local tier has exceeded the
// given high watermark and proactive migration should run.
func (st Stats) AboveHighWatermark(watermark float64) bool {
	return st.LocalUsageFraction() > watermark
}

// BelowLowWatermark reports whether the local tier is below the given
// low watermark and migration can stop.
func (st Stats) BelowLowWatermark(watermark float64) bool {
	return st.LocalUsageFraction() < watermark
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var local, remote int
	for _, meta := range s.index {
		if meta.Tier == TierLocal {
			local++
		} else {
			remote++
		}
	}

	return Stats{
		LocalBlocks:  local,
		RemoteBlocks: remote,
		LocalUsed:    s.localUsed,
		RemoteUsed:   s.remoteUsed,
		LocalBudget:  s.localBudget,
		RemoteBudget: s.remoteBudget,
	}
}

// Close persists the index and releases compression resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveIndex(); err != nil {
		return err
	}
	if s.encoder != nil {
		s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}

// ── internal ────────────────────────────────────────────────────────────────

// blockPath returns <root>/<seq mod 256 as hex>/<key>.kvblk.
func (s *Store) blockPath(key BlockKey, tier Tier) string {
	base := s.localPath
	if tier == TierRemote {
		base = s.remotePath
	}
	shard := key.Seq % 256
	return filepath.Join(base, fmt.Sprintf("%02x", shard), key.String()+".kvblk")
}

// removeLocked deletes a block's file and index entry and releases its
// accounting. Must be called with s.mu held exclusively.
func (s *Store) removeLocked(meta *BlockMeta) {
	os.Remove(s.blockPath(meta.Key, meta.Tier))
	if meta.Tier == TierLocal {
		s.localUsed -= int64(meta.SizeBytes)
	} else {
		s.remoteUsed -= int64(meta.SizeBytes)
	}
	delete(s.index, meta.Key.String())
}

// migrateOldestLocked moves the least recently accessed local block to
// the remote tier. Ties break on earlier stored-at, then lexicographic
// key. Returns false when no remote is configured, the remote is full,
// or no local block remains. Must be called with s.mu held.
func (s *Store) migrateOldestLocked() bool {
	if s.remotePath == "" {
		return false
	}

	var oldest *BlockMeta
	for _, meta := range s.index {
		if meta.Tier != TierLocal {
			continue
		}
		if oldest == nil || lruBefore(meta, oldest) {
			oldest = meta
		}
	}
	if oldest == nil {
		return false
	}

	if s.remoteUsed+int64(oldest.SizeBytes) > s.remoteBudget {
		return false
	}

	srcPath := s.blockPath(oldest.Key, TierLocal)
	dstPath := s.blockPath(oldest.Key, TierRemote)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return false
	}

	// Destination is written before the source is deleted so an
	// interrupted migration leaves the index pointing at an intact
	// local copy; the orphaned remote file is overwritten on retry.
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return false
	}
	if err := os.WriteFile(dstPath, data, 0o644); err != nil {
		return false
	}
	os.Remove(srcPath)

	s.localUsed -= int64(oldest.SizeBytes)
	s.remoteUsed += int64(oldest.SizeBytes)
	oldest.Tier = TierRemote

	slog.Debug("blockstore: migrated block to remote",
		"store", s.id, "block", oldest.Key, "size", oldest.SizeBytes)

	return true
}

// lruBefore reports whether a should be evicted before b.
func lruBefore(a, b *BlockMeta) bool {
	if !a.AccessedAt.Equal(b.AccessedAt) {
		return a.AccessedAt.Before(b.AccessedAt)
	}
	if !a.StoredAt.Equal(b.StoredAt) {
		return a.StoredAt.Before(b.StoredAt)
	}
	return a.Key.String() < b.Key.String()
}

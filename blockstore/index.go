// index.go - Index-Persistenz des Block Stores
//
// Dieses Modul enthaelt:
// - loadIndex: Laedt den Index beim Start und rekonstruiert die Nutzung
// - saveIndex: Persistiert den Index atomar (tmp + rename)
//
// Der Index ist eine einzelne JSON-Datei index.json unterhalb des
// lokalen Tier-Roots: ein Header (Formatversion, Store-ID) plus das
// Objekt von Key-String auf BlockMeta. Aeltere Index-Dateien ohne
// Header (nacktes Objekt) werden weiterhin gelesen. Eine defekte
// Index-Datei wird als leer behandelt (Warnung im Log); Block-Dateien
// ohne Index-Eintrag werden ignoriert und koennen mit Scrub entfernt
// werden.
package blockstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	indexFile    = "index.json"
	indexVersion = 1
)

// indexFileData is the on-disk index format: a header identifying the
// format revision and the store instance, plus the block entries.
type indexFileData struct {
	Version int                   `json:"version"`
	StoreID uuid.UUID             `json:"store_id"`
	Blocks  map[string]*BlockMeta `json:"blocks"`
}

func (s *Store) indexPath() string {
	return filepath.Join(s.localPath, indexFile)
}

// loadIndex reads the persisted index and recomputes per-tier usage
// from the block metadata. A persisted store id replaces the freshly
// generated one so log correlation survives restarts. Called once from
// New; no locking needed.
func (s *Store) loadIndex() {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		// A missing index is a fresh store.
		return
	}

	var file indexFileData
	if err := json.Unmarshal(data, &file); err == nil && file.Blocks != nil {
		s.index = file.Blocks
		if file.StoreID != uuid.Nil {
			s.id = file.StoreID
		}
	} else if err := json.Unmarshal(data, &s.index); err != nil {
		// Neither the headered format nor a legacy bare map.
		slog.Warn("blockstore: corrupt index, starting empty",
			"store", s.id, "path", s.indexPath(), "error", err)
		s.index = make(map[string]*BlockMeta)
		return
	}

	for _, meta := range s.index {
		if meta.Tier == TierLocal {
			s.localUsed += int64(meta.SizeBytes)
		} else {
			s.remoteUsed += int64(meta.SizeBytes)
		}
	}
}

// saveIndex writes the index to a temporary file and renames it into
// place so a crash mid-write never corrupts the previous index.
// Must be called with s.mu held.
func (s *Store) saveIndex() error {
	data, err := json.MarshalIndent(indexFileData{
		Version: indexVersion,
		StoreID: s.id,
		Blocks:  s.index,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

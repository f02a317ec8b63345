// scrub.go - Bereinigung verwaister Block-Dateien
//
// Dieses Modul enthaelt Scrub: entfernt .kvblk-Dateien ohne
// Index-Eintrag aus beiden Tier-Roots. Solche Dateien entstehen durch
// unterbrochene Migrationen oder einen verworfenen Index und werden
// vom Store selbst ignoriert.
package blockstore

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Scrub walks both tier roots and deletes block files that have no
// index entry. Returns the number of files removed.
func (s *Store) Scrub() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for _, root := range []string{s.localPath, s.remotePath} {
		if root == "" {
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if !strings.HasSuffix(d.Name(), ".kvblk") {
				return nil
			}

			key := strings.TrimSuffix(d.Name(), ".kvblk")
			meta, ok := s.index[key]
			if ok && s.blockPath(meta.Key, meta.Tier) == path {
				return nil
			}

			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
			return nil
		})
		if err != nil {
			return removed, err
		}
	}

	if removed > 0 {
		slog.Info("blockstore: scrubbed orphaned block files", "store", s.id, "removed", removed)
	}
	return removed, nil
}

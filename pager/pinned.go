// pinned.go - Pinned Host-Memory-Verwaltung
//
// Dieses Modul enthaelt die Allokation der gepinnten Host-Puffer:
// - allocPinned: Allokiert und lockt einen Puffer (unix.Mlock)
// - grow: Vergroessert einen Puffer unter Erhalt des Inhalts
// - free: Entlockt und gibt einen Puffer frei
//
// Schlaegt Mlock fehl (typisch: RLIMIT_MEMLOCK), wird einmalig gewarnt
// und mit ungelocktem Speicher weitergearbeitet. Transfers bleiben
// korrekt, nur die Async-Transfer-Garantie entfaellt.
package pager

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

var mlockWarnOnce sync.Once

// pinnedBuf is a host buffer locked into physical memory so the device
// can transfer from it asynchronously.
type pinnedBuf struct {
	data   []byte
	locked bool
}

func allocPinned(n int) *pinnedBuf {
	b := &pinnedBuf{data: make([]byte, n)}
	if n == 0 {
		return b
	}
	if err := unix.Mlock(b.data); err != nil {
		mlockWarnOnce.Do(func() {
			slog.Warn("pager: mlock failed, continuing with unpinned memory",
				"error", err)
		})
	} else {
		b.locked = true
	}
	return b
}

// grow reallocates the buffer to n bytes, preserving its contents.
func (b *pinnedBuf) grow(n int) {
	if n <= len(b.data) {
		return
	}
	nb := allocPinned(n)
	copy(nb.data, b.data)
	b.free()
	*b = *nb
}

func (b *pinnedBuf) free() {
	if b.locked {
		unix.Munlock(b.data)
		b.locked = false
	}
	b.data = nil
}

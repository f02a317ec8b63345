// pool.go - Context-Pool fuer Paged Attention
//
// Dieses Modul enthaelt den prozessweiten Context-Pool:
// - Init: Einmalige Initialisierung beim Runtime-Boot
// - GetOrCreate: Liefert oder erzeugt einen Context pro Konfiguration
// - Cleanup: Teardown aller Contexts beim Shutdown
//
// Der Pool ist explizit zu initialisieren; eine implizite Erzeugung
// beim ersten Zugriff gibt es nicht.
package paged

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrPoolExhausted is returned when the pool holds its maximum
	// number of contexts and a new configuration is requested.
	ErrPoolExhausted = errors.New("context pool exhausted")

	// ErrPoolNotInitialized is returned when the default pool is used
	// before Init.
	ErrPoolNotInitialized = errors.New("context pool not initialized")
)

// Pool is a bounded set of contexts keyed by configuration.
type Pool struct {
	mu       sync.Mutex
	max      int
	contexts map[Key]*Context
}

// NewPool creates a pool holding at most max contexts.
func NewPool(max int) *Pool {
	return &Pool{
		max:      max,
		contexts: make(map[Key]*Context),
	}
}

// GetOrCreate returns the context for a configuration, constructing it
// on first use. Fails with ErrPoolExhausted when the pool is full.
func (p *Pool) GetOrCreate(key Key) (*Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx, ok := p.contexts[key]; ok {
		return ctx, nil
	}
	if len(p.contexts) >= p.max {
		return nil, fmt.Errorf("paged: %d contexts in use: %w", len(p.contexts), ErrPoolExhausted)
	}

	ctx, err := NewContext(key)
	if err != nil {
		return nil, err
	}
	p.contexts[key] = ctx

	slog.Debug("paged: created context",
		"kv_heads", key.NumKVHeads, "head_dim", key.HeadDim,
		"chunk_size", key.ChunkSize, "device", key.Device)

	return ctx, nil
}

// Cleanup tears down every context in the pool.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, ctx := range p.contexts {
		if err := ctx.Close(); err != nil {
			slog.Warn("paged: context teardown failed", "key", key, "error", err)
		}
		delete(p.contexts, key)
	}
}

// Len returns the number of live contexts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// ── process-wide default pool ───────────────────────────────────────────────

var (
	defaultMu   sync.Mutex
	defaultPool *Pool
	initOnce    sync.Once
)

// Init creates the process-wide pool. Guarded so initialization runs
// exactly once; later calls are no-ops.
func Init(max int) {
	initOnce.Do(func() {
		defaultMu.Lock()
		defaultPool = NewPool(max)
		defaultMu.Unlock()
	})
}

// Default returns the process-wide pool, or ErrPoolNotInitialized if
// Init has not run.
func Default() (*Pool, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool == nil {
		return nil, ErrPoolNotInitialized
	}
	return defaultPool, nil
}

// Cleanup tears down the process-wide pool's contexts.
func Cleanup() {
	defaultMu.Lock()
	pool := defaultPool
	defaultMu.Unlock()
	if pool != nil {
		pool.Cleanup()
	}
}

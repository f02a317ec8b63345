// config.go - Konfiguration des KV-Tierings ueber Umgebungsvariablen
//
// Dieses Modul enthaelt:
// - Var/Bool/String/Uint64: Getter fuer Umgebungsvariablen
// - Tiering/TierLocal/TierRemote/...: Die OLLAMA_KV_* Variablen
// - KVTieringConfig: Gebuendelte Konfiguration fuer den Runtime-Boot
// - AsMap: Alle Variablen mit Beschreibung (fuer Diagnose-Ausgaben)
package envconfig

import (
	"os"
	"strconv"
	"strings"
)

// Var liest eine Umgebungsvariable (getrimmt, ohne Anfuehrungszeichen)
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// String gibt eine Funktion zurueck, die einen String liest
func String(k string) func() string {
	return func() string {
		return Var(k)
	}
}

// Uint64 gibt eine Funktion zurueck, die einen uint64 mit Default-Wert liest
func Uint64(k string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(k); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err == nil {
				return n
			}
		}
		return defaultValue
	}
}

var (
	// Tiering aktiviert das KV-Cache-Tiering (OLLAMA_KV_TIERING)
	Tiering = Bool("OLLAMA_KV_TIERING")
	// TierLocal ist das Verzeichnis des lokalen Tiers (OLLAMA_KV_TIER_LOCAL)
	TierLocal = String("OLLAMA_KV_TIER_LOCAL")
	// TierRemote ist das Verzeichnis des Remote-Tiers (OLLAMA_KV_TIER_REMOTE, leer = kein Remote)
	TierRemote = String("OLLAMA_KV_TIER_REMOTE")
	// TierLocalGB ist das lokale Budget in GB (OLLAMA_KV_TIER_LOCAL_GB, Default 20)
	TierLocalGB = Uint64("OLLAMA_KV_TIER_LOCAL_GB", 20)
	// TierRemoteGB ist das Remote-Budget in GB (OLLAMA_KV_TIER_REMOTE_GB, Default 5000)
	TierRemoteGB = Uint64("OLLAMA_KV_TIER_REMOTE_GB", 5000)
	// TierCompress aktiviert zstd-Kompression (OLLAMA_KV_TIER_COMPRESS)
	TierCompress = Bool("OLLAMA_KV_TIER_COMPRESS")
	// BlockSize ist die Positionszahl pro Snapshot-Block (OLLAMA_KV_BLOCK_SIZE, Default 256)
	BlockSize = Uint64("OLLAMA_KV_BLOCK_SIZE", 256)
	// HostBudgetGB ist das gepinnte Host-Budget in GB (OLLAMA_KV_HOST_BUDGET_GB, Default 8)
	HostBudgetGB = Uint64("OLLAMA_KV_HOST_BUDGET_GB", 8)
	// ChunkSize ist die Chunk-Groesse des Orchestrators (OLLAMA_KV_CHUNK_SIZE, 0 = auto)
	ChunkSize = Uint64("OLLAMA_KV_CHUNK_SIZE", 0)
	// ChunkThreshold ist die Sequenzlaenge, ab der auto auf 2048 wechselt (OLLAMA_KV_CHUNK_THRESHOLD)
	ChunkThreshold = Uint64("OLLAMA_KV_CHUNK_THRESHOLD", 4096)
)

const gb = 1 << 30

// KVTieringConfig buendelt die Tiering-Konfiguration fuer den Boot.
type KVTieringConfig struct {
	Enabled        bool
	LocalPath      string
	RemotePath     string
	LocalBudget    int64
	RemoteBudget   int64
	Compress       bool
	BlockSize      int32
	HostBudget     int64
	ChunkSize      int
	ChunkThreshold int
}

// KVTiering liest die komplette Tiering-Konfiguration.
func KVTiering() KVTieringConfig {
	return KVTieringConfig{
		Enabled:        Tiering(),
		LocalPath:      TierLocal(),
		RemotePath:     TierRemote(),
		LocalBudget:    int64(TierLocalGB()) * gb,
		RemoteBudget:   int64(TierRemoteGB()) * gb,
		Compress:       TierCompress(),
		BlockSize:      int32(BlockSize()),
		HostBudget:     int64(HostBudgetGB()) * gb,
		ChunkSize:      int(ChunkSize()),
		ChunkThreshold: int(ChunkThreshold()),
	}
}

// EnvVar beschreibt eine Umgebungsvariable fuer Diagnose-Ausgaben.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Tiering-Variablen mit aktuellem Wert zurueck.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"OLLAMA_KV_TIERING":         {"OLLAMA_KV_TIERING", Tiering(), "Enable disk-backed KV cache tiering"},
		"OLLAMA_KV_TIER_LOCAL":      {"OLLAMA_KV_TIER_LOCAL", TierLocal(), "Local tier directory (SSD)"},
		"OLLAMA_KV_TIER_REMOTE":     {"OLLAMA_KV_TIER_REMOTE", TierRemote(), "Remote tier directory (NFS, optional)"},
		"OLLAMA_KV_TIER_LOCAL_GB":   {"OLLAMA_KV_TIER_LOCAL_GB", TierLocalGB(), "Local tier budget in GB"},
		"OLLAMA_KV_TIER_REMOTE_GB":  {"OLLAMA_KV_TIER_REMOTE_GB", TierRemoteGB(), "Remote tier budget in GB"},
		"OLLAMA_KV_TIER_COMPRESS":   {"OLLAMA_KV_TIER_COMPRESS", TierCompress(), "Compress blocks with zstd"},
		"OLLAMA_KV_BLOCK_SIZE":      {"OLLAMA_KV_BLOCK_SIZE", BlockSize(), "Token positions per snapshot block"},
		"OLLAMA_KV_HOST_BUDGET_GB":  {"OLLAMA_KV_HOST_BUDGET_GB", HostBudgetGB(), "Pinned host memory budget in GB"},
		"OLLAMA_KV_CHUNK_SIZE":      {"OLLAMA_KV_CHUNK_SIZE", ChunkSize(), "Positions per attention chunk (0 = auto)"},
		"OLLAMA_KV_CHUNK_THRESHOLD": {"OLLAMA_KV_CHUNK_THRESHOLD", ChunkThreshold(), "Sequence length where auto chunking switches to 2048"},
	}
}

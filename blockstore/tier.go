// tier.go - Storage-Tier-Typen
//
// Dieses Modul definiert die Speicher-Tiers des Block Stores:
// - TierLocal: schnelles lokales Tier (SSD/NVMe)
// - TierRemote: langsames Remote-Tier (NFS/HDD)
// - Level/Demote/Promote: Hierarchie-Navigation
package blockstore

// Tier identifies a storage level of the block store hierarchy.
// Serialized verbatim into the index ("local" | "remote").
type Tier string

const (
	// TierLocal is the fast, capacity-limited tier (SSD/NVMe).
	TierLocal Tier = "local"

	// TierRemote is the slow, bulk tier (NFS/HDD).
	TierRemote Tier = "remote"
)

// Level returns the numeric tier level (lower = faster).
func (t Tier) Level() int {
	if t == TierLocal {
		return 0
	}
	return 1
}

// Demote returns the next slower tier, or "" if already coldest.
func (t Tier) Demote() Tier {
	if t == TierLocal {
		return TierRemote
	}
	return ""
}

// Promote returns the next faster tier, or "" if already hottest.
func (t Tier) Promote() Tier {
	if t == TierRemote {
		return TierLocal
	}
	return ""
}

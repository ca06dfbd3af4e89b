// Package model defines domain structs shared across the gateway:
// entities, command batches, and per-command results.
package model

// Entity kind tags. An entity decoded from the ephemeral document store
// carries KindEphemeral; one loaded from the durable store KindPersistent.
const (
	KindEphemeral  = "ephemeral"
	KindPersistent = "persistent"
)

// RankScores maps a score type to its partitioned leaderboard values
// (partition key -> numeric score). Values are `any` because diff results
// may carry the null-marker sentinel in place of a number.
type RankScores = map[string]map[string]any

// Entity is the logical entity shared by both storage tiers.
// Primary identity is (Environment, EntityType, EntityID); WorldID partitions
// queries but is not part of identity.
type Entity struct {
	Environment     string         `json:"environment"`
	EntityType      string         `json:"entityType"`
	EntityID        string         `json:"entityId"`
	WorldID         int64          `json:"worldId"`
	Attributes      map[string]any `json:"attributes"`
	RankScores      RankScores     `json:"rankScores"`
	Version         int64          `json:"version"`
	IsDeleted       bool           `json:"isDeleted"`
	LastWrite       int64          `json:"lastWrite"` // ms since epoch
	Kind            string         `json:"type"`
	WorldInstanceID string         `json:"worldInstanceId,omitempty"`
}

// Fingerprint returns the cache-dependency unit "<entityType>:<entityId>".
func (e *Entity) Fingerprint() string {
	return e.EntityType + ":" + e.EntityID
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Attributes = cloneAnyMap(e.Attributes)
	if e.RankScores != nil {
		out.RankScores = make(RankScores, len(e.RankScores))
		for st, parts := range e.RankScores {
			out.RankScores[st] = cloneAnyMap(parts)
		}
	}
	return &out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAnyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// EntityUpdate is a partial write against one entity. Attribute values equal
// to the null-marker sentinel delete the key at its (possibly nested) path.
// In RankScores, a nil partition map removes the whole score type; a
// null-marker partition value removes that partition.
type EntityUpdate struct {
	Environment string
	EntityType  string
	EntityID    string
	WorldID     int64
	Attributes  map[string]any
	RankScores  RankScores
	IsCreate    bool
	IsDelete    bool
}

// Fingerprint returns "<entityType>:<entityId>".
func (u *EntityUpdate) Fingerprint() string {
	return u.EntityType + ":" + u.EntityID
}

// LoadRequest identifies one entity to read. Version > 0 asks for a diff
// against the versioned snapshot taken when Version became current.
type LoadRequest struct {
	Environment string
	EntityType  string
	EntityID    string
	WorldID     int64
	Version     int64
}

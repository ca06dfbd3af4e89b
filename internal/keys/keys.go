// Package keys builds the namespaced identifiers used across the cache,
// ephemeral store, stream store, and admission control. All functions are
// pure; key layout changes here must stay in sync with persisted data.
package keys

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// DirtySet is the Redis set holding dirty-keys of entities pending
// durable persistence.
const DirtySet = "ephemeral:dirty_entities"

// EntityCache returns the cache key for a durable entity:
// <env>:entity:<type>:<world>:<id>.
func EntityCache(env, entityType string, worldID int64, entityID string) string {
	return env + ":entity:" + entityType + ":" + strconv.FormatInt(worldID, 10) + ":" + entityID
}

// EntityCacheVersioned returns the versioned variant of EntityCache.
func EntityCacheVersioned(env, entityType string, worldID int64, entityID string, version int64) string {
	return EntityCache(env, entityType, worldID, entityID) + ":v" + strconv.FormatInt(version, 10)
}

// Ephemeral returns the document key for an ephemeral entity:
// <env>:ephemeral:<type>:<world>:<id>.
func Ephemeral(env, entityType string, worldID int64, entityID string) string {
	return env + ":ephemeral:" + entityType + ":" + strconv.FormatInt(worldID, 10) + ":" + entityID
}

// EphemeralVersioned returns the versioned snapshot key for an ephemeral
// entity document.
func EphemeralVersioned(env, entityType string, worldID int64, entityID string, version int64) string {
	return Ephemeral(env, entityType, worldID, entityID) + ":v" + strconv.FormatInt(version, 10)
}

// EphemeralVersionCounter returns the sibling counter key holding the
// entity's current version.
func EphemeralVersionCounter(env, entityType string, worldID int64, entityID string) string {
	return Ephemeral(env, entityType, worldID, entityID) + ":version"
}

// Dirty returns the dirty-set member for an entity:
// <env>:<type>:<world>:<id>.
func Dirty(env, entityType string, worldID int64, entityID string) string {
	return env + ":" + entityType + ":" + strconv.FormatInt(worldID, 10) + ":" + entityID
}

// ParseDirty splits a dirty-set member back into its components.
// Entity ids may contain '-' but never ':', so a 4-way split is unambiguous.
func ParseDirty(key string) (env, entityType string, worldID int64, entityID string, err error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 {
		return "", "", 0, "", fmt.Errorf("malformed dirty key %q", key)
	}
	world, perr := strconv.ParseInt(parts[2], 10, 64)
	if perr != nil {
		return "", "", 0, "", fmt.Errorf("malformed dirty key %q: world id: %w", key, perr)
	}
	return parts[0], parts[1], world, parts[3], nil
}

// Stream returns the per-entity stream key:
// stream:<env>:entity:<type>:<world>:<id>.
func Stream(env, entityType string, worldID int64, entityID string) string {
	return "stream:" + EntityCache(env, entityType, worldID, entityID)
}

// StreamAffinity returns the world-instance affinity key for a stream.
func StreamAffinity(streamID string) string {
	return "stream_world_instance:" + streamID
}

// Sequence returns the admission-control key tracking the last accepted
// sequence number for a world instance.
func Sequence(worldInstanceID string) string {
	return "sequence:" + worldInstanceID
}

// Rankings returns the cache key for a leaderboard query.
func Rankings(env, entityType string, worldID int64, rankKey, sortOrder string, limit int) string {
	return "rankings:" + env + ":" + entityType + ":" + strconv.FormatInt(worldID, 10) +
		":" + rankKey + ":" + sortOrder + ":" + strconv.Itoa(limit)
}

// Rank returns the cache key for a single entity's rank computation.
func Rank(env, entityType string, worldID int64, entityID, rankKey string) string {
	return "rank:" + env + ":" + entityType + ":" + strconv.FormatInt(worldID, 10) +
		":" + entityID + ":" + rankKey
}

// Search returns the cache key for a name-search query. The pattern is
// folded into a fixed-width xxh3 fingerprint so arbitrary client input
// never lands verbatim in a key.
func Search(env, entityType string, worldID int64, pattern string, limit int) string {
	sum := xxh3.HashString(pattern)
	return "search:" + env + ":" + entityType + ":" + strconv.FormatInt(worldID, 10) +
		":" + strconv.FormatUint(sum, 16) + ":" + strconv.Itoa(limit)
}

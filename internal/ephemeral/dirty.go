package ephemeral

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/worldgate/worldgate/internal/keys"
	"github.com/worldgate/worldgate/internal/model"
)

// PendingUpdate is one dirty entity resolved to its live document.
type PendingUpdate struct {
	Entity   *model.Entity
	DirtyKey string
}

// PendingBatch is a non-destructive sample of the dirty set. Stale holds
// dirty-keys whose documents no longer exist (already flushed or purged);
// callers should remove them without persisting anything.
type PendingBatch struct {
	Updates []PendingUpdate
	Stale   []string
}

// PersistedEntity identifies an entity the durable store has ingested at
// Version, eligible for conditional removal from the ephemeral tier.
type PersistedEntity struct {
	Environment string
	EntityType  string
	EntityID    string
	WorldID     int64
	Version     int64
	DirtyKey    string
}

// GetPendingUpdates samples up to n dirty-keys without removing them and
// resolves each to its live entity in one pipeline.
func (s *Store) GetPendingUpdates(ctx context.Context, n int) (*PendingBatch, error) {
	opctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	members, err := s.client.SRandMemberN(opctx, keys.DirtySet, int64(n)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("sample dirty set: %w", err)
	}
	batch := &PendingBatch{}
	if len(members) == 0 {
		return batch, nil
	}

	type target struct {
		dirtyKey string
		cmd      *redis.StringCmd
	}
	targets := make([]target, 0, len(members))
	_, err = s.client.Pipelined(opctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			env, entityType, worldID, entityID, perr := keys.ParseDirty(m)
			if perr != nil {
				log.Printf("[ephemeral] dropping malformed dirty key %q", m)
				batch.Stale = append(batch.Stale, m)
				continue
			}
			targets = append(targets, target{
				dirtyKey: m,
				cmd:      pipe.Get(opctx, keys.Ephemeral(env, entityType, worldID, entityID)),
			})
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("resolve dirty entities: %w", err)
	}

	for _, t := range targets {
		raw, err := t.cmd.Bytes()
		if err != nil {
			batch.Stale = append(batch.Stale, t.dirtyKey)
			continue
		}
		entity, err := decodeEntity(raw)
		if err != nil {
			log.Printf("[ephemeral] corrupt dirty document for %q: %v", t.dirtyKey, err)
			batch.Stale = append(batch.Stale, t.dirtyKey)
			continue
		}
		batch.Updates = append(batch.Updates, PendingUpdate{Entity: entity, DirtyKey: t.dirtyKey})
	}
	return batch, nil
}

// GetPendingCount returns the dirty-set cardinality.
func (s *Store) GetPendingCount(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, keys.DirtySet).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("dirty count: %w", err)
	}
	return n, nil
}

// RemoveDirtyKeys removes members after successful durable persistence.
func (s *Store) RemoveDirtyKeys(ctx context.Context, dirtyKeys []string) error {
	if len(dirtyKeys) == 0 {
		return nil
	}
	members := make([]any, len(dirtyKeys))
	for i, k := range dirtyKeys {
		members[i] = k
	}
	if err := s.client.SRem(ctx, keys.DirtySet, members...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("remove dirty keys: %w", err)
	}
	return nil
}

// FlushPersistedEntities conditionally deletes each document and its version
// counter, refusing any entity whose stored version now exceeds the
// persisted one. Returns, per input, whether the entity was flushed.
func (s *Store) FlushPersistedEntities(ctx context.Context, items []PersistedEntity) ([]bool, error) {
	flushed := make([]bool, len(items))
	if len(items) == 0 {
		return flushed, nil
	}

	opctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cmds := make([]*redis.Cmd, len(items))
	_, err := s.client.Pipelined(opctx, func(pipe redis.Pipeliner) error {
		for i, it := range items {
			docKey := keys.Ephemeral(it.Environment, it.EntityType, it.WorldID, it.EntityID)
			verKey := keys.EphemeralVersionCounter(it.Environment, it.EntityType, it.WorldID, it.EntityID)
			cmds[i] = pipe.Eval(opctx, conditionalFlushScript, []string{docKey, verKey}, it.Version)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("conditional flush: %w", err)
	}

	for i, cmd := range cmds {
		n, err := cmd.Int64()
		if err != nil {
			// Version conflicts return 0, not an error; an error here means
			// the script itself failed. Keep the entity for the next round.
			log.Printf("[ephemeral] flush script failed for %s: %v", items[i].DirtyKey, err)
			continue
		}
		flushed[i] = n == 1
	}
	return flushed, nil
}

package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/stream"
	"github.com/worldgate/worldgate/internal/validate"
)

// upsertChunkSize bounds how many entities share one transaction so a batch
// of thousands never holds the write lock for its full duration.
const upsertChunkSize = 150

// MergeUpdates collapses multiple updates to the same entity into one,
// preserving first-seen order. Later attribute values override earlier ones
// key by key; rank scores merge per partition, with a nil partition map
// overriding the whole score type. Create and delete flags OR together, so a
// delete anywhere in the batch tombstones the entity even when later updates
// follow it. That matches the ephemeral tier, where the patch script never
// resets isDeleted within a request.
func MergeUpdates(updates []model.EntityUpdate) []model.EntityUpdate {
	merged := make([]model.EntityUpdate, 0, len(updates))
	index := make(map[string]int, len(updates))

	for _, u := range updates {
		id := u.Environment + "\x00" + u.EntityType + "\x00" + u.EntityID
		at, ok := index[id]
		if !ok {
			index[id] = len(merged)
			cp := u
			cp.Attributes = cloneShallow(u.Attributes)
			cp.RankScores = cloneRanks(u.RankScores)
			merged = append(merged, cp)
			continue
		}

		m := &merged[at]
		m.WorldID = u.WorldID
		if m.Attributes == nil && u.Attributes != nil {
			m.Attributes = map[string]any{}
		}
		for k, v := range u.Attributes {
			m.Attributes[k] = v
		}
		for scoreType, parts := range u.RankScores {
			if m.RankScores == nil {
				m.RankScores = model.RankScores{}
			}
			if parts == nil {
				m.RankScores[scoreType] = nil
				continue
			}
			existing := m.RankScores[scoreType]
			if existing == nil {
				existing = map[string]any{}
				m.RankScores[scoreType] = existing
			}
			for pk, pv := range parts {
				existing[pk] = pv
			}
		}
		if u.IsCreate {
			m.IsCreate = true
		}
		if u.IsDelete {
			m.IsDelete = true
		}
	}
	return merged
}

// PerformBatchUpsert merges the updates and applies them in chunks, one
// transaction per chunk. Rows are inserted at version 1 when absent and
// otherwise merged in Go with null-marker keys removed and the version
// bumped. Deletes set the tombstone flag; rows are never removed here.
// After each committed chunk the affected cache entries are invalidated and
// change events are emitted on the entity streams.
func (r *Repo) PerformBatchUpsert(ctx context.Context, updates []model.EntityUpdate) error {
	merged := MergeUpdates(updates)
	if len(merged) == 0 {
		return nil
	}

	for start := 0; start < len(merged); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(merged) {
			end = len(merged)
		}
		if err := r.upsertChunk(ctx, merged[start:end]); err != nil {
			return err
		}
		r.notifyChunk(merged[start:end])
	}
	return nil
}

func (r *Repo) upsertChunk(ctx context.Context, chunk []model.EntityUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert chunk: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for i := range chunk {
		if err := upsertOne(ctx, tx, &chunk[i], now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert chunk: commit: %w", err)
	}
	return nil
}

func upsertOne(ctx context.Context, tx *sql.Tx, u *model.EntityUpdate, nowMS int64) error {
	var (
		attrsJSON string
		ranksJSON string
		version   int64
		isDeleted int
	)
	err := tx.QueryRowContext(ctx, `
		SELECT attributes, rank_scores, version, is_deleted
		FROM entities
		WHERE environment = ? AND entity_type = ? AND id = ?
	`, u.Environment, u.EntityType, u.EntityID).Scan(&attrsJSON, &ranksJSON, &version, &isDeleted)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		attrs := stripNullAttrs(u.Attributes)
		ranks := stripNullRanks(u.RankScores)
		attrsOut, ranksOut, encErr := encodeMaps(attrs, ranks)
		if encErr != nil {
			return fmt.Errorf("upsert %s/%s: %w", u.EntityType, u.EntityID, encErr)
		}
		deleted := 0
		if u.IsDelete {
			deleted = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (environment, entity_type, id, world_id, attributes, rank_scores, version, is_deleted, last_write_ms)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		`, u.Environment, u.EntityType, u.EntityID, u.WorldID, attrsOut, ranksOut, deleted, nowMS)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: insert: %w", u.EntityType, u.EntityID, err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("upsert %s/%s: select: %w", u.EntityType, u.EntityID, err)
	}

	attrs := map[string]any{}
	if attrsJSON != "" {
		if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
			return fmt.Errorf("upsert %s/%s: decode attributes: %w", u.EntityType, u.EntityID, err)
		}
	}
	ranks := model.RankScores{}
	if ranksJSON != "" {
		if err := json.Unmarshal([]byte(ranksJSON), &ranks); err != nil {
			return fmt.Errorf("upsert %s/%s: decode rank scores: %w", u.EntityType, u.EntityID, err)
		}
	}

	mergeAttrs(attrs, u.Attributes)
	mergeRanks(ranks, u.RankScores)

	deleted := isDeleted
	switch {
	case u.IsDelete:
		deleted = 1
	case u.IsCreate:
		deleted = 0
	default:
		deleted = 0
	}

	attrsOut, ranksOut, encErr := encodeMaps(attrs, ranks)
	if encErr != nil {
		return fmt.Errorf("upsert %s/%s: %w", u.EntityType, u.EntityID, encErr)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE entities
		SET world_id = ?, attributes = ?, rank_scores = ?, version = ?, is_deleted = ?, last_write_ms = ?
		WHERE environment = ? AND entity_type = ? AND id = ?
	`, u.WorldID, attrsOut, ranksOut, version+1, deleted, nowMS,
		u.Environment, u.EntityType, u.EntityID)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: update: %w", u.EntityType, u.EntityID, err)
	}
	return nil
}

// notifyChunk invalidates cache entries depending on the written entities and
// emits change events on their streams. Runs on the runner when configured.
func (r *Repo) notifyChunk(chunk []model.EntityUpdate) {
	if r.cache == nil && r.streams == nil {
		return
	}

	fingerprints := make([]string, 0, len(chunk))
	events := make([]stream.AddCommand, 0, len(chunk))
	for i := range chunk {
		u := &chunk[i]
		fingerprints = append(fingerprints, u.Fingerprint())

		var payload any
		if u.IsDelete {
			payload = map[string]any{"deleted": true}
		} else {
			payload = map[string]any{"attributes": u.Attributes}
		}
		events = append(events, stream.AddCommand{
			Environment: u.Environment,
			EntityType:  u.EntityType,
			EntityID:    u.EntityID,
			WorldID:     u.WorldID,
			Payload:     payload,
		})
	}

	work := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if r.cache != nil {
			r.cache.InvalidateEntities(ctx, fingerprints)
			// Query-level keys hang off entity fingerprints too, but searches
			// that never matched this entity can only expire by TTL.
		}
		if r.streams != nil {
			r.streams.BatchAddToStreams(ctx, events)
		}
	}
	if r.runner == nil {
		work()
		return
	}
	r.runner.Go("durable.notify", work)
}

// PurgeTombstones removes soft-deleted rows whose last write is older than
// cutoffMS and returns how many were purged.
func (r *Repo) PurgeTombstones(ctx context.Context, cutoffMS int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		"DELETE FROM entities WHERE is_deleted = 1 AND last_write_ms < ?", cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: rows affected: %w", err)
	}
	if n > 0 {
		log.Printf("[durable] purged %d tombstones older than %d", n, cutoffMS)
	}
	return n, nil
}

func encodeMaps(attrs map[string]any, ranks model.RankScores) (string, string, error) {
	attrsOut, err := json.Marshal(attrs)
	if err != nil {
		return "", "", fmt.Errorf("encode attributes: %w", err)
	}
	ranksOut, err := json.Marshal(ranks)
	if err != nil {
		return "", "", fmt.Errorf("encode rank scores: %w", err)
	}
	return string(attrsOut), string(ranksOut), nil
}

// mergeAttrs applies update values onto base, removing null-marked keys.
func mergeAttrs(base map[string]any, update map[string]any) {
	for k, v := range update {
		if isNullMarker(v) {
			delete(base, k)
			continue
		}
		base[k] = v
	}
}

// mergeRanks applies update partitions onto base. A nil partition map drops
// the whole score type; a null-marked partition value drops that partition.
func mergeRanks(base model.RankScores, update model.RankScores) {
	for scoreType, parts := range update {
		if parts == nil {
			delete(base, scoreType)
			continue
		}
		existing := base[scoreType]
		if existing == nil {
			existing = map[string]any{}
			base[scoreType] = existing
		}
		for pk, pv := range parts {
			if isNullMarker(pv) {
				delete(existing, pk)
				continue
			}
			existing[pk] = pv
		}
		if len(existing) == 0 {
			delete(base, scoreType)
		}
	}
}

func stripNullAttrs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isNullMarker(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func stripNullRanks(rs model.RankScores) model.RankScores {
	out := make(model.RankScores, len(rs))
	for scoreType, parts := range rs {
		if parts == nil {
			continue
		}
		clean := make(map[string]any, len(parts))
		for pk, pv := range parts {
			if isNullMarker(pv) {
				continue
			}
			clean[pk] = pv
		}
		if len(clean) > 0 {
			out[scoreType] = clean
		}
	}
	return out
}

func cloneShallow(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRanks(rs model.RankScores) model.RankScores {
	if rs == nil {
		return nil
	}
	out := make(model.RankScores, len(rs))
	for scoreType, parts := range rs {
		out[scoreType] = cloneShallow(parts)
	}
	return out
}

func isNullMarker(v any) bool {
	s, ok := v.(string)
	return ok && s == validate.NullMarker
}

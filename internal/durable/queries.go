package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/worldgate/worldgate/internal/keys"
	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/validate"
)

const (
	// DefaultQueryLimit applies when a search or leaderboard command omits
	// its limit; MaxQueryLimit caps client-supplied values.
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// SearchByName returns live entities whose name attribute contains pattern,
// case-insensitively, ordered by name. Results are cached with the matched
// entities as dependencies.
func (r *Repo) SearchByName(ctx context.Context, env, entityType string, worldID int64, pattern string, limit int) ([]*model.Entity, error) {
	limit = clampLimit(limit)
	folded := strings.ToLower(pattern)

	cacheKey := keys.Search(env, entityType, worldID, folded, limit)
	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, cacheKey); ok {
			var cached []*model.Entity
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
			log.Printf("[durable] corrupt search cache entry %s", cacheKey)
		}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT environment, entity_type, id, world_id, attributes, rank_scores, version, is_deleted, last_write_ms
		FROM entities
		WHERE environment = ? AND entity_type = ? AND world_id = ?
		  AND is_deleted = 0
		  AND lower(json_extract(attributes, '$.name')) LIKE ? ESCAPE '\'
		ORDER BY lower(json_extract(attributes, '$.name'))
		LIMIT ?
	`, env, entityType, worldID, "%"+escapeLike(folded)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search %s/%s: %w", env, entityType, err)
	}
	defer rows.Close()

	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("search %s/%s: %w", env, entityType, err)
	}

	r.cacheQueryResult(ctx, cacheKey, entities, searchTTL)
	return entities, nil
}

// GetRankedEntities returns the leaderboard for rankKey, skipping entities
// that do not hold the score.
func (r *Repo) GetRankedEntities(ctx context.Context, env, entityType string, worldID int64, rankKey, sortOrder string, limit int) ([]*model.Entity, error) {
	scoreType, partitionKey, err := validate.RankKey(rankKey)
	if err != nil {
		return nil, err
	}
	order, err := validate.SortOrder(sortOrder)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	cacheKey := keys.Rankings(env, entityType, worldID, rankKey, order, limit)
	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, cacheKey); ok {
			var cached []*model.Entity
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
			log.Printf("[durable] corrupt rankings cache entry %s", cacheKey)
		}
	}

	// scoreType and partitionKey are shape-checked above, so embedding them
	// in the JSON path is safe.
	scorePath := scoreExpr(scoreType, partitionKey)
	query := fmt.Sprintf(`
		SELECT environment, entity_type, id, world_id, attributes, rank_scores, version, is_deleted, last_write_ms
		FROM entities
		WHERE environment = ? AND entity_type = ? AND world_id = ?
		  AND is_deleted = 0
		  AND %s IS NOT NULL
		ORDER BY %s %s
		LIMIT ?
	`, scorePath, scorePath, order)

	rows, err := r.db.QueryContext(ctx, query, env, entityType, worldID, limit)
	if err != nil {
		return nil, fmt.Errorf("rankings %s/%s/%s: %w", env, entityType, rankKey, err)
	}
	defer rows.Close()

	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("rankings %s/%s/%s: %w", env, entityType, rankKey, err)
	}

	r.cacheQueryResult(ctx, cacheKey, entities, rankingsTTL)
	return entities, nil
}

// RankComputation is one entity's standing for a rank key. Score and Rank
// are nil when the entity does not hold the key; TotalEntities always counts
// every holder.
type RankComputation struct {
	Score         *float64 `json:"score"`
	Rank          *int64   `json:"rank"`
	TotalEntities int64    `json:"totalEntities"`
}

// CalculateEntityRank computes the 1-based descending rank of one entity for
// rankKey, counting entities with strictly greater scores ahead of it.
func (r *Repo) CalculateEntityRank(ctx context.Context, env, entityType string, worldID int64, entityID, rankKey string) (*RankComputation, error) {
	scoreType, partitionKey, err := validate.RankKey(rankKey)
	if err != nil {
		return nil, err
	}

	cacheKey := keys.Rank(env, entityType, worldID, entityID, rankKey)
	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, cacheKey); ok {
			var cached RankComputation
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
			log.Printf("[durable] corrupt rank cache entry %s", cacheKey)
		}
	}

	scorePath := scoreExpr(scoreType, partitionKey)

	var total int64
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM entities
		WHERE environment = ? AND entity_type = ? AND world_id = ?
		  AND is_deleted = 0 AND %s IS NOT NULL
	`, scorePath), env, entityType, worldID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("rank %s/%s/%s: total: %w", env, entityType, entityID, err)
	}

	out := &RankComputation{TotalEntities: total}

	var score float64
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM entities
		WHERE environment = ? AND entity_type = ? AND id = ?
		  AND is_deleted = 0 AND %s IS NOT NULL
	`, scorePath, scorePath), env, entityType, entityID).Scan(&score)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Entity absent or not holding the key: rank and score stay nil.
		r.cacheRank(ctx, cacheKey, entityType, entityID, out)
		return out, nil
	case err != nil:
		return nil, fmt.Errorf("rank %s/%s/%s: score: %w", env, entityType, entityID, err)
	}

	// Dense ranking: ties share a rank and the next distinct score follows
	// immediately, so count distinct scores ahead rather than rows.
	var ahead int64
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(DISTINCT %s)
		FROM entities
		WHERE environment = ? AND entity_type = ? AND world_id = ?
		  AND is_deleted = 0 AND %s > ?
	`, scorePath, scorePath), env, entityType, worldID, score).Scan(&ahead)
	if err != nil {
		return nil, fmt.Errorf("rank %s/%s/%s: position: %w", env, entityType, entityID, err)
	}

	rank := ahead + 1
	out.Score = &score
	out.Rank = &rank
	r.cacheRank(ctx, cacheKey, entityType, entityID, out)
	return out, nil
}

func (r *Repo) cacheQueryResult(ctx context.Context, cacheKey string, entities []*model.Entity, ttl time.Duration) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(entities)
	if err != nil {
		return
	}
	deps := make([]string, len(entities))
	for i, e := range entities {
		deps[i] = e.Fingerprint()
	}
	r.cache.Set(ctx, cacheKey, raw, ttl, deps)
}

func (r *Repo) cacheRank(ctx context.Context, cacheKey, entityType, entityID string, rc *RankComputation) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(rc)
	if err != nil {
		return
	}
	r.cache.Set(ctx, cacheKey, raw, rankTTL, []string{entityType + ":" + entityID})
}

// scoreExpr builds the numeric extraction expression for one rank partition.
func scoreExpr(scoreType, partitionKey string) string {
	return fmt.Sprintf(`CAST(json_extract(rank_scores, '$."%s"."%s"') AS REAL)`, scoreType, partitionKey)
}

// escapeLike escapes LIKE metacharacters in user-supplied patterns.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func collectEntities(rows *sql.Rows) ([]*model.Entity, error) {
	entities := []*model.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/worldgate/worldgate/internal/async"
	"github.com/worldgate/worldgate/internal/cache"
	"github.com/worldgate/worldgate/internal/keys"
	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/stream"
)

// Cache TTLs per query class. Entity rows invalidate eagerly on upsert, so
// their TTL is a backstop; query results live shorter because dependency
// tracking only covers entities that appeared in the result.
const (
	entityTTL   = 10 * time.Minute
	searchTTL   = 5 * time.Minute
	rankingsTTL = 15 * time.Minute
	rankTTL     = 10 * time.Minute
)

// Repo wraps the entity table and provides batch reads, merged batch
// upserts, and the query surface. All writes are serialized by an internal
// mutex. Cache, Streams, and Runner may be nil; the repo then runs without
// caching, change events, or async notification.
type Repo struct {
	db      *sql.DB
	mu      sync.Mutex
	cache   *cache.Hybrid
	streams *stream.Manager
	runner  *async.Runner
}

// Config configures a Repo.
type Config struct {
	DB      *sql.DB
	Cache   *cache.Hybrid
	Streams *stream.Manager
	Runner  *async.Runner
}

// NewRepo creates a Repo.
func NewRepo(cfg Config) *Repo {
	return &Repo{
		db:      cfg.DB,
		cache:   cfg.Cache,
		streams: cfg.Streams,
		runner:  cfg.Runner,
	}
}

// BatchLoad resolves each request through the hybrid cache and falls back to
// one grouped SELECT per (environment, entityType) for the misses. Tombstoned
// and absent entities yield nil slots.
func (r *Repo) BatchLoad(ctx context.Context, reqs []model.LoadRequest) ([]*model.Entity, error) {
	out := make([]*model.Entity, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}

	cacheKeys := make([]string, len(reqs))
	for i, req := range reqs {
		cacheKeys[i] = keys.EntityCache(req.Environment, req.EntityType, req.WorldID, req.EntityID)
	}

	missed := make(map[int]struct{}, len(reqs))
	if r.cache != nil {
		hits := r.cache.MGet(ctx, cacheKeys)
		for i := range reqs {
			raw, ok := hits[cacheKeys[i]]
			if !ok {
				missed[i] = struct{}{}
				continue
			}
			e := &model.Entity{}
			if err := json.Unmarshal(raw, e); err != nil {
				log.Printf("[durable] corrupt cache entry %s: %v", cacheKeys[i], err)
				missed[i] = struct{}{}
				continue
			}
			out[i] = e
		}
	} else {
		for i := range reqs {
			missed[i] = struct{}{}
		}
	}
	if len(missed) == 0 {
		return out, nil
	}

	// Group misses per (environment, entityType) so each group is one
	// SELECT ... WHERE id IN (...).
	type group struct {
		env        string
		entityType string
		indexes    []int
	}
	groups := make(map[string]*group)
	for i := range missed {
		req := reqs[i]
		gk := req.Environment + "\x00" + req.EntityType
		g, ok := groups[gk]
		if !ok {
			g = &group{env: req.Environment, entityType: req.EntityType}
			groups[gk] = g
		}
		g.indexes = append(g.indexes, i)
	}

	var fill []cache.Entry
	for _, g := range groups {
		ids := make([]any, 0, len(g.indexes)+2)
		ids = append(ids, g.env, g.entityType)
		placeholders := make([]string, 0, len(g.indexes))
		seen := make(map[string]struct{}, len(g.indexes))
		for _, i := range g.indexes {
			id := reqs[i].EntityID
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
			placeholders = append(placeholders, "?")
		}

		query := fmt.Sprintf(`
			SELECT environment, entity_type, id, world_id, attributes, rank_scores, version, is_deleted, last_write_ms
			FROM entities
			WHERE environment = ? AND entity_type = ? AND id IN (%s)
		`, strings.Join(placeholders, ","))

		rows, err := r.db.QueryContext(ctx, query, ids...)
		if err != nil {
			return nil, fmt.Errorf("load %s/%s: %w", g.env, g.entityType, err)
		}
		byID := make(map[string]*model.Entity)
		for rows.Next() {
			e, err := scanEntity(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("load %s/%s: %w", g.env, g.entityType, err)
			}
			byID[e.EntityID] = e
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("load %s/%s: %w", g.env, g.entityType, err)
		}
		rows.Close()

		for _, i := range g.indexes {
			e, ok := byID[reqs[i].EntityID]
			if !ok || e.IsDeleted {
				continue // absent and tombstoned both read as null
			}
			out[i] = e
			if r.cache != nil {
				if raw, err := json.Marshal(e); err == nil {
					fill = append(fill, cache.Entry{
						Key:   cacheKeys[i],
						Value: raw,
						Deps:  []string{e.Fingerprint()},
					})
				}
			}
		}
	}

	if len(fill) > 0 {
		r.cache.SetMany(ctx, fill, entityTTL)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntity decodes one entities row into a model.Entity.
func scanEntity(row rowScanner) (*model.Entity, error) {
	var (
		e         model.Entity
		attrs     string
		ranks     string
		isDeleted int
	)
	if err := row.Scan(&e.Environment, &e.EntityType, &e.EntityID, &e.WorldID,
		&attrs, &ranks, &e.Version, &isDeleted, &e.LastWrite); err != nil {
		return nil, err
	}
	e.IsDeleted = isDeleted != 0
	e.Kind = model.KindPersistent
	e.Attributes = map[string]any{}
	e.RankScores = model.RankScores{}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for %s: %w", e.EntityID, err)
		}
	}
	if ranks != "" {
		var rs map[string]map[string]any
		if err := json.Unmarshal([]byte(ranks), &rs); err != nil {
			return nil, fmt.Errorf("decode rank scores for %s: %w", e.EntityID, err)
		}
		e.RankScores = rs
	}
	return &e, nil
}

// Package ephemeral implements the versioned document tier: partial saves
// with nested-path set/delete, versioned snapshots for diff reads, and the
// dirty-set handshake with the background persistence worker.
package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/worldgate/worldgate/internal/diff"
	"github.com/worldgate/worldgate/internal/keys"
	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/validate"
)

// DefaultSnapshotTTL bounds versioned snapshots used for diff reads.
const DefaultSnapshotTTL = time.Hour

const opTimeout = 5 * time.Second

// Store is the ephemeral entity manager.
type Store struct {
	client        redis.UniversalClient
	db            int
	ephemeralOnly map[string]struct{}
	snapshotTTL   time.Duration
}

// Config configures a Store. EphemeralOnlyTypes enumerates entity types
// that never reach the durable store. DB must match the logical database the
// client is configured on; COPY names its destination database explicitly.
type Config struct {
	Client             redis.UniversalClient
	DB                 int
	EphemeralOnlyTypes []string
	SnapshotTTL        time.Duration
}

// New creates a Store.
func New(cfg Config) *Store {
	only := make(map[string]struct{}, len(cfg.EphemeralOnlyTypes))
	for _, t := range cfg.EphemeralOnlyTypes {
		only[t] = struct{}{}
	}
	ttl := cfg.SnapshotTTL
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Store{client: cfg.Client, db: cfg.DB, ephemeralOnly: only, snapshotTTL: ttl}
}

// IsEphemeralOnly reports whether entityType never persists durably.
func (s *Store) IsEphemeralOnly(entityType string) bool {
	_, ok := s.ephemeralOnly[entityType]
	return ok
}

// patchOp is one nested mutation passed to the patch script.
type patchOp struct {
	Op    string   `json:"op"` // "set" or "del"
	Path  []string `json:"path"`
	Value any      `json:"value,omitempty"`
}

// BatchSave applies partial updates in submission order inside a single
// transactional pipeline. Per-update admission errors (create conflict,
// missing target) land in the matching result slot without aborting the
// batch. Dirty-set marking for non-ephemeral-only types happens in the same
// atomic unit as the mutation.
func (s *Store) BatchSave(ctx context.Context, updates []model.EntityUpdate) []model.SaveResult {
	results := make([]model.SaveResult, len(updates))
	if len(updates) == 0 {
		return results
	}

	opctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := s.probeExistence(opctx, updates)
	if err != nil {
		for i := range results {
			results[i] = model.SaveResult{Success: false, Error: fmt.Sprintf("%s: %v", model.CodeStoreUnavailable, err)}
		}
		return results
	}

	type pending struct {
		index    int
		docKey   string
		verKey   string
		isCreate bool
		hardDel  bool
		verCmd   *redis.Cmd // nil for creates and hard deletes
	}
	var applied []pending

	pipe := s.client.TxPipeline()
	now := time.Now().UnixMilli()

	for i, u := range updates {
		docKey := keys.Ephemeral(u.Environment, u.EntityType, u.WorldID, u.EntityID)
		verKey := keys.EphemeralVersionCounter(u.Environment, u.EntityType, u.WorldID, u.EntityID)

		switch {
		case u.IsDelete && !exists[docKey]:
			results[i] = model.SaveResult{Success: false, Error: fmt.Sprintf("%s: %s/%s does not exist", model.CodeDeleteNonexistent, u.EntityType, u.EntityID)}
			continue
		case u.IsCreate && exists[docKey]:
			results[i] = model.SaveResult{Success: false, Error: fmt.Sprintf("%s: %s/%s already exists", model.CodeCreateConflict, u.EntityType, u.EntityID)}
			continue
		case !u.IsCreate && !u.IsDelete && !exists[docKey]:
			results[i] = model.SaveResult{Success: false, Error: fmt.Sprintf("%s: %s/%s does not exist", model.CodeNotFound, u.EntityType, u.EntityID)}
			continue
		}

		// Dirty-before-mutate, inside the same transaction, so a crash can
		// never leave an undiscoverable dirty entity.
		if !s.IsEphemeralOnly(u.EntityType) {
			pipe.SAdd(opctx, keys.DirtySet, keys.Dirty(u.Environment, u.EntityType, u.WorldID, u.EntityID))
		}

		p := pending{index: i, docKey: docKey, verKey: verKey}
		switch {
		case u.IsDelete && s.IsEphemeralOnly(u.EntityType):
			pipe.Del(opctx, docKey, verKey)
			p.hardDel = true
			exists[docKey] = false
		case u.IsDelete:
			ops := []patchOp{{Op: "set", Path: []string{"isDeleted"}, Value: true}}
			p.verCmd = s.evalPatch(opctx, pipe, docKey, verKey, ops, now)
		case u.IsCreate:
			doc, err := json.Marshal(newDocument(&u, now))
			if err != nil {
				results[i] = model.SaveResult{Success: false, Error: fmt.Sprintf("%s: encode: %v", model.CodeValidation, err)}
				continue
			}
			pipe.Set(opctx, docKey, doc, 0)
			pipe.Set(opctx, verKey, 1, 0)
			p.isCreate = true
			exists[docKey] = true
		default:
			ops := buildPatchOps(&u)
			p.verCmd = s.evalPatch(opctx, pipe, docKey, verKey, ops, now)
		}
		applied = append(applied, p)
	}

	if _, err := pipe.Exec(opctx); err != nil && err != redis.Nil {
		// Per-command errors are inspected below; a transport-level failure
		// fails every slot that was not already rejected.
		if len(applied) == 0 || isTransportError(err) {
			for _, p := range applied {
				results[p.index] = model.SaveResult{Success: false, Error: fmt.Sprintf("%s: %v", model.CodeStoreUnavailable, err)}
			}
			return results
		}
	}

	// Resolve versions and cut snapshots for successful mutations.
	type snap struct {
		index   int
		docKey  string
		version int64
	}
	var snaps []snap
	for _, p := range applied {
		switch {
		case p.hardDel:
			results[p.index] = model.SaveResult{Success: true}
		case p.isCreate:
			results[p.index] = model.SaveResult{Success: true, Version: 1}
			snaps = append(snaps, snap{index: p.index, docKey: p.docKey, version: 1})
		default:
			version, err := p.verCmd.Int64()
			if err != nil {
				results[p.index] = model.SaveResult{Success: false, Error: fmt.Sprintf("%s: %v", model.CodeStoreUnavailable, err)}
				continue
			}
			results[p.index] = model.SaveResult{Success: true, Version: version}
			snaps = append(snaps, snap{index: p.index, docKey: p.docKey, version: version})
		}
	}

	if len(snaps) > 0 {
		copyCmds := make([]*redis.IntCmd, len(snaps))
		_, err := s.client.Pipelined(opctx, func(pipe redis.Pipeliner) error {
			for i, sn := range snaps {
				snapKey := fmt.Sprintf("%s:v%d", sn.docKey, sn.version)
				copyCmds[i] = pipe.Copy(opctx, sn.docKey, snapKey, s.db, true)
				pipe.Expire(opctx, snapKey, s.snapshotTTL)
			}
			return nil
		})
		for i, sn := range snaps {
			if err != nil || copyCmds[i].Err() != nil {
				// The mutation already succeeded; only diff reads degrade.
				results[sn.index].Warning = "versioned snapshot unavailable"
			}
		}
		if err != nil {
			log.Printf("[ephemeral] snapshot pipeline failed: %v", err)
		}
	}

	return results
}

// BatchLoad retrieves the newest documents in one pipeline, serving diff
// reads against versioned snapshots when requested and available, and
// attaching the current stream affinity owner to every hit.
func (s *Store) BatchLoad(ctx context.Context, reqs []model.LoadRequest) ([]*model.Entity, error) {
	out := make([]*model.Entity, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}

	opctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	docCmds := make([]*redis.StringCmd, len(reqs))
	snapCmds := make([]*redis.StringCmd, len(reqs))
	affCmds := make([]*redis.StringCmd, len(reqs))
	_, err := s.client.Pipelined(opctx, func(pipe redis.Pipeliner) error {
		for i, r := range reqs {
			docCmds[i] = pipe.Get(opctx, keys.Ephemeral(r.Environment, r.EntityType, r.WorldID, r.EntityID))
			if r.Version > 0 {
				snapCmds[i] = pipe.Get(opctx, keys.EphemeralVersioned(r.Environment, r.EntityType, r.WorldID, r.EntityID, r.Version))
			}
			streamID := keys.Stream(r.Environment, r.EntityType, r.WorldID, r.EntityID)
			affCmds[i] = pipe.Get(opctx, keys.StreamAffinity(streamID))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("ephemeral load: %w", err)
	}

	for i := range reqs {
		raw, err := docCmds[i].Bytes()
		if err != nil {
			continue // absent -> null
		}
		cur, err := decodeEntity(raw)
		if err != nil {
			log.Printf("[ephemeral] corrupt document %s: %v", docCmds[i].Args()[1], err)
			continue
		}
		if cur.IsDeleted {
			continue // tombstones are hidden from reads
		}

		instance := ""
		if affCmds[i] != nil {
			if v, err := affCmds[i].Result(); err == nil {
				instance = v
			}
		}

		if snapCmds[i] != nil {
			if snapRaw, err := snapCmds[i].Bytes(); err == nil {
				if snapshot, err := decodeEntity(snapRaw); err == nil {
					d := diff.Entities(snapshot, cur)
					d.WorldInstanceID = instance
					out[i] = d
					continue
				}
			}
			// Snapshot gone or unreadable: fall back to the full document.
		}
		cur.WorldInstanceID = instance
		out[i] = cur
	}
	return out, nil
}

// probeExistence pipelines EXISTS for every target document key.
func (s *Store) probeExistence(ctx context.Context, updates []model.EntityUpdate) (map[string]bool, error) {
	exists := make(map[string]bool, len(updates))
	cmds := make(map[string]*redis.IntCmd, len(updates))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range updates {
			docKey := keys.Ephemeral(u.Environment, u.EntityType, u.WorldID, u.EntityID)
			if _, ok := cmds[docKey]; !ok {
				cmds[docKey] = pipe.Exists(ctx, docKey)
			}
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("probe existence: %w", err)
	}
	for key, cmd := range cmds {
		n, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("probe existence %s: %w", key, err)
		}
		exists[key] = n > 0
	}
	return exists, nil
}

func (s *Store) evalPatch(ctx context.Context, pipe redis.Pipeliner, docKey, verKey string, ops []patchOp, nowMS int64) *redis.Cmd {
	payload, _ := json.Marshal(ops)
	return pipe.Eval(ctx, patchScript, []string{docKey, verKey}, string(payload), nowMS)
}

// buildPatchOps translates an update's attribute and rank-score maps into
// nested set/del operations. Null-marker values become deletes.
func buildPatchOps(u *model.EntityUpdate) []patchOp {
	var ops []patchOp
	for k, v := range u.Attributes {
		if isNullMarker(v) {
			ops = append(ops, patchOp{Op: "del", Path: []string{"attributes", k}})
			continue
		}
		ops = append(ops, patchOp{Op: "set", Path: []string{"attributes", k}, Value: v})
	}
	for scoreType, parts := range u.RankScores {
		if parts == nil {
			ops = append(ops, patchOp{Op: "del", Path: []string{"rankScores", scoreType}})
			continue
		}
		for pk, pv := range parts {
			if isNullMarker(pv) {
				ops = append(ops, patchOp{Op: "del", Path: []string{"rankScores", scoreType, pk}})
				continue
			}
			ops = append(ops, patchOp{Op: "set", Path: []string{"rankScores", scoreType, pk}, Value: pv})
		}
	}
	return ops
}

// newDocument builds the full entity for a create, dropping null-marker
// values so the sentinel never lands in stored state.
func newDocument(u *model.EntityUpdate, nowMS int64) *model.Entity {
	attrs := make(map[string]any, len(u.Attributes))
	for k, v := range u.Attributes {
		if isNullMarker(v) {
			continue
		}
		attrs[k] = v
	}
	ranks := make(model.RankScores, len(u.RankScores))
	for scoreType, parts := range u.RankScores {
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
			ranks[scoreType] = clean
		}
	}
	return &model.Entity{
		Environment: u.Environment,
		EntityType:  u.EntityType,
		EntityID:    u.EntityID,
		WorldID:     u.WorldID,
		Attributes:  attrs,
		RankScores:  ranks,
		Version:     1,
		LastWrite:   nowMS,
		Kind:        model.KindEphemeral,
	}
}

func isNullMarker(v any) bool {
	s, ok := v.(string)
	return ok && s == validate.NullMarker
}

func isTransportError(err error) bool {
	// redis.Nil and per-command script errors keep the pipeline results
	// usable; anything else means the round-trip itself failed.
	if err == redis.Nil {
		return false
	}
	_, isRedisErr := err.(redis.Error)
	return !isRedisErr
}

// rawEntity mirrors model.Entity with raw JSON payloads so documents whose
// empty maps were re-encoded as arrays by the script engine still decode.
type rawEntity struct {
	Environment string          `json:"environment"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	WorldID     int64           `json:"worldId"`
	Attributes  json.RawMessage `json:"attributes"`
	RankScores  json.RawMessage `json:"rankScores"`
	Version     int64           `json:"version"`
	IsDeleted   bool            `json:"isDeleted"`
	LastWrite   int64           `json:"lastWrite"`
	Kind        string          `json:"type"`
}

func decodeEntity(data []byte) (*model.Entity, error) {
	var raw rawEntity
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	e := &model.Entity{
		Environment: raw.Environment,
		EntityType:  raw.EntityType,
		EntityID:    raw.EntityID,
		WorldID:     raw.WorldID,
		Version:     raw.Version,
		IsDeleted:   raw.IsDeleted,
		LastWrite:   raw.LastWrite,
		Kind:        raw.Kind,
		Attributes:  map[string]any{},
		RankScores:  model.RankScores{},
	}
	if len(raw.Attributes) > 0 && raw.Attributes[0] == '{' {
		if err := json.Unmarshal(raw.Attributes, &e.Attributes); err != nil {
			return nil, fmt.Errorf("attributes: %w", err)
		}
	}
	if len(raw.RankScores) > 0 && raw.RankScores[0] == '{' {
		var ranks map[string]map[string]any
		if err := json.Unmarshal(raw.RankScores, &ranks); err != nil {
			return nil, fmt.Errorf("rankScores: %w", err)
		}
		e.RankScores = ranks
	}
	return e, nil
}

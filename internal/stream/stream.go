// Package stream implements the per-entity append-only event logs with
// world-instance affinity. Appends are fire-and-forget through the async
// runner; pulls are synchronous.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/worldgate/worldgate/internal/async"
	"github.com/worldgate/worldgate/internal/keys"
	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/validate"
)

const (
	// DefaultStreamTTL is the sliding TTL refreshed on every append.
	DefaultStreamTTL = 24 * time.Hour
	// DefaultAffinityTTL bounds how long a world instance owns a stream.
	DefaultAffinityTTL = 30 * time.Second
	// DefaultPullCount caps entries returned per pull.
	DefaultPullCount = 1000

	opTimeout = 5 * time.Second
)

// AddCommand appends one payload to an entity's stream.
type AddCommand struct {
	Environment string
	EntityType  string
	EntityID    string
	WorldID     int64
	Payload     any
}

// PullCommand reads an entity's stream on behalf of a world instance.
type PullCommand struct {
	Environment     string
	EntityType      string
	EntityID        string
	WorldID         int64
	WorldInstanceID string
	SinceMS         int64
	Count           int64
}

// Manager owns the stream store client and TTL policy.
type Manager struct {
	client      redis.UniversalClient
	runner      *async.Runner
	streamTTL   time.Duration
	affinityTTL time.Duration
}

// Config configures a Manager.
type Config struct {
	Client      redis.UniversalClient
	Runner      *async.Runner
	StreamTTL   time.Duration
	AffinityTTL time.Duration
}

// New creates a stream Manager.
func New(cfg Config) *Manager {
	streamTTL := cfg.StreamTTL
	if streamTTL <= 0 {
		streamTTL = DefaultStreamTTL
	}
	affinityTTL := cfg.AffinityTTL
	if affinityTTL <= 0 {
		affinityTTL = DefaultAffinityTTL
	}
	return &Manager{
		client:      cfg.Client,
		runner:      cfg.Runner,
		streamTTL:   streamTTL,
		affinityTTL: affinityTTL,
	}
}

// BatchAddMessages appends client messages. The caller receives immediate
// success results; the actual appends run on the runner and failures are
// logged only.
func (m *Manager) BatchAddMessages(ctx context.Context, cmds []AddCommand) []model.SendResult {
	results := make([]model.SendResult, len(cmds))
	for i := range results {
		results[i] = model.SendResult{Success: true}
	}
	m.scheduleAppend(cmds, false)
	return results
}

// BatchAddToStreams emits internal change events for entity mutations.
// Null-marker values are filtered out of the emitted payloads.
func (m *Manager) BatchAddToStreams(ctx context.Context, updates []AddCommand) {
	m.scheduleAppend(updates, true)
}

// BatchPullMessages reads each requested stream from the caller's timestamp
// and binds world-instance affinity when the stream is unowned or already
// owned by the caller. An existing foreign owner is reported and never
// overwritten.
func (m *Manager) BatchPullMessages(ctx context.Context, cmds []PullCommand) []model.RecvResult {
	results := make([]model.RecvResult, len(cmds))
	if len(cmds) == 0 {
		return results
	}

	streamIDs := make([]string, len(cmds))
	affinityKeys := make([]string, len(cmds))
	for i, cmd := range cmds {
		streamIDs[i] = keys.Stream(cmd.Environment, cmd.EntityType, cmd.WorldID, cmd.EntityID)
		affinityKeys[i] = keys.StreamAffinity(streamIDs[i])
	}

	opctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	owners := make([]string, len(cmds))
	vals, err := m.client.MGet(opctx, affinityKeys...).Result()
	if err != nil && err != redis.Nil {
		// Without the current owners a pull could bind affinity over a
		// foreign instance, so the whole batch fails instead.
		for i := range results {
			results[i] = model.RecvResult{Success: false, Error: fmt.Sprintf("%s: %v", model.CodeStreamFailure, err)}
		}
		return results
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			owners[i] = s
		}
	}

	rangeCmds := make([]*redis.XMessageSliceCmd, len(cmds))
	_, err = m.client.Pipelined(opctx, func(pipe redis.Pipeliner) error {
		for i, cmd := range cmds {
			start := "-"
			if cmd.SinceMS > 0 {
				start = strconv.FormatInt(cmd.SinceMS, 10)
			}
			count := cmd.Count
			if count <= 0 || count > DefaultPullCount {
				count = DefaultPullCount
			}
			rangeCmds[i] = pipe.XRangeN(ctx, streamIDs[i], start, "+", count)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		for i := range results {
			results[i] = model.RecvResult{Success: false, Error: fmt.Sprintf("%s: %v", model.CodeStreamFailure, err)}
		}
		return results
	}

	// Bind affinity once per stream; later commands in the same batch see
	// the binding made by the first.
	bound := make(map[string]string)
	for i, cmd := range cmds {
		owner := owners[i]
		if b, ok := bound[streamIDs[i]]; ok {
			owner = b
		}
		if owner == "" || owner == cmd.WorldInstanceID {
			if err := m.client.Set(opctx, affinityKeys[i], cmd.WorldInstanceID, m.affinityTTL).Err(); err != nil {
				log.Printf("[stream] affinity set %s failed: %v", affinityKeys[i], err)
			} else {
				owner = cmd.WorldInstanceID
				bound[streamIDs[i]] = owner
			}
		}

		entries, decodeErr := decodeEntries(rangeCmds[i])
		if decodeErr != nil {
			results[i] = model.RecvResult{Success: false, Error: fmt.Sprintf("%s: %v", model.CodeStreamFailure, decodeErr)}
			continue
		}
		results[i] = model.RecvResult{
			Success:         true,
			WorldInstanceID: owner,
			Data:            entries,
		}
	}
	return results
}

// Flush drains pending appends. Test hook.
func (m *Manager) Flush() {
	if m.runner != nil {
		m.runner.Flush()
	}
}

// scheduleAppend pipelines XADDs grouped per stream, refreshing the sliding
// TTL on each touched stream. Runs inline when no runner is configured.
func (m *Manager) scheduleAppend(cmds []AddCommand, filterNulls bool) {
	if len(cmds) == 0 {
		return
	}
	entries := make([]streamAppend, 0, len(cmds))
	now := time.Now().UnixMilli()
	for _, cmd := range cmds {
		payload := cmd.Payload
		if filterNulls {
			payload = stripNullMarkers(payload)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[stream] drop unencodable payload for %s/%s: %v", cmd.EntityType, cmd.EntityID, err)
			continue
		}
		entries = append(entries, streamAppend{
			stream: keys.Stream(cmd.Environment, cmd.EntityType, cmd.WorldID, cmd.EntityID),
			data:   string(data),
			ts:     now,
		})
	}
	if len(entries) == 0 {
		return
	}

	work := func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			touched := make(map[string]struct{})
			for _, e := range entries {
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: e.stream,
					Values: map[string]any{"data": e.data, "timestamp": e.ts},
				})
				touched[e.stream] = struct{}{}
			}
			for s := range touched {
				pipe.Expire(ctx, s, m.streamTTL)
			}
			return nil
		})
		if err != nil {
			log.Printf("[stream] append pipeline failed (%d entries): %v", len(entries), err)
		}
	}
	if m.runner == nil {
		work()
		return
	}
	m.runner.Go("stream.append", work)
}

type streamAppend struct {
	stream string
	data   string
	ts     int64
}

func decodeEntries(cmd *redis.XMessageSliceCmd) ([]model.StreamEntry, error) {
	msgs, err := cmd.Result()
	if err == redis.Nil {
		return []model.StreamEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]model.StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		entry := model.StreamEntry{}
		if raw, ok := msg.Values["data"].(string); ok {
			var data any
			if err := json.Unmarshal([]byte(raw), &data); err == nil {
				entry.Data = data
			} else {
				entry.Data = raw
			}
		}
		switch ts := msg.Values["timestamp"].(type) {
		case string:
			entry.Timestamp, _ = strconv.ParseInt(ts, 10, 64)
		case int64:
			entry.Timestamp = ts
		}
		if entry.Timestamp == 0 {
			// Fall back to the entry id's millisecond prefix.
			if idx := strings.IndexByte(msg.ID, '-'); idx > 0 {
				entry.Timestamp, _ = strconv.ParseInt(msg.ID[:idx], 10, 64)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// stripNullMarkers removes null-marker values from map payloads, descending
// into nested objects.
func stripNullMarkers(payload any) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok && s == validate.NullMarker {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = stripNullMarkers(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Package dispatch validates an authenticated command batch, partitions it
// by type and storage tier, runs the per-type sub-batches concurrently, and
// reassembles results in original command order.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/worldgate/worldgate/internal/async"
	"github.com/worldgate/worldgate/internal/durable"
	"github.com/worldgate/worldgate/internal/ephemeral"
	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/stream"
	"github.com/worldgate/worldgate/internal/validate"
)

// Dispatcher routes command batches to the storage tiers.
type Dispatcher struct {
	environment    string
	ephemeralTypes map[string]struct{}

	ephemeral *ephemeral.Store
	durable   *durable.Repo
	streams   *stream.Manager
	runner    *async.Runner
}

// Config configures a Dispatcher. EphemeralTypes enumerates the entity types
// served by the ephemeral tier; everything else goes straight to durable.
type Config struct {
	Environment    string
	EphemeralTypes []string

	Ephemeral *ephemeral.Store
	Durable   *durable.Repo
	Streams   *stream.Manager
	Runner    *async.Runner
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	types := make(map[string]struct{}, len(cfg.EphemeralTypes))
	for _, t := range cfg.EphemeralTypes {
		types[t] = struct{}{}
	}
	return &Dispatcher{
		environment:    cfg.Environment,
		ephemeralTypes: types,
		ephemeral:      cfg.Ephemeral,
		durable:        cfg.Durable,
		streams:        cfg.Streams,
		runner:         cfg.Runner,
	}
}

func (d *Dispatcher) isEphemeral(entityType string) bool {
	_, ok := d.ephemeralTypes[entityType]
	return ok
}

// Execute runs one validated batch. A validation failure anywhere rejects the
// whole request before any tier is touched.
func (d *Dispatcher) Execute(ctx context.Context, worldInstanceID string, batch *model.CommandBatch) (*model.GatewayResponse, error) {
	if err := validateBatch(batch); err != nil {
		return nil, err
	}

	resp := &model.GatewayResponse{}
	g, gctx := errgroup.WithContext(ctx)

	if len(batch.Load) > 0 {
		g.Go(func() error {
			out, err := d.runLoads(gctx, batch.Load)
			if err != nil {
				return err
			}
			resp.Load = out
			return nil
		})
	}
	if len(batch.Save) > 0 {
		g.Go(func() error {
			resp.Save = d.runSaves(gctx, batch.Save)
			return nil
		})
	}
	if len(batch.Send) > 0 {
		g.Go(func() error {
			resp.Send = d.streams.BatchAddMessages(gctx, sendCommands(d.environment, batch.Send))
			return nil
		})
	}
	if len(batch.Recv) > 0 {
		g.Go(func() error {
			resp.Recv = d.streams.BatchPullMessages(gctx, recvCommands(d.environment, worldInstanceID, batch.Recv))
			return nil
		})
	}
	if len(batch.Search) > 0 {
		g.Go(func() error {
			resp.Search = d.runSearches(gctx, batch.Search)
			return nil
		})
	}
	if len(batch.Rank) > 0 {
		g.Go(func() error {
			resp.Rank = d.runRanks(gctx, batch.Rank)
			return nil
		})
	}
	if len(batch.Top) > 0 {
		g.Go(func() error {
			resp.Top = d.runTops(gctx, batch.Top)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resp, nil
}

// runLoads splits loads by tier, runs both sub-batches, and reassembles the
// index-aligned result array.
func (d *Dispatcher) runLoads(ctx context.Context, cmds []model.LoadCommand) ([]*model.Entity, error) {
	out := make([]*model.Entity, len(cmds))

	var (
		ephReqs, durReqs       []model.LoadRequest
		ephIndexes, durIndexes []int
	)
	for i, cmd := range cmds {
		req := model.LoadRequest{
			Environment: d.environment,
			EntityType:  cmd.EntityType,
			EntityID:    cmd.EntityID,
			WorldID:     cmd.WorldID,
			Version:     cmd.Version,
		}
		if d.isEphemeral(cmd.EntityType) {
			ephReqs = append(ephReqs, req)
			ephIndexes = append(ephIndexes, i)
		} else {
			durReqs = append(durReqs, req)
			durIndexes = append(durIndexes, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(ephReqs) > 0 {
		g.Go(func() error {
			got, err := d.ephemeral.BatchLoad(gctx, ephReqs)
			if err != nil {
				return model.NewError(model.CodeStoreUnavailable, "ephemeral load: %v", err)
			}
			for j, e := range got {
				out[ephIndexes[j]] = e
			}
			return nil
		})
	}
	if len(durReqs) > 0 {
		g.Go(func() error {
			got, err := d.durable.BatchLoad(gctx, durReqs)
			if err != nil {
				return model.NewError(model.CodeStoreUnavailable, "durable load: %v", err)
			}
			for j, e := range got {
				out[durIndexes[j]] = e
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// runSaves splits saves by tier. Ephemeral saves are synchronous and return
// versions; durable saves are accepted immediately and applied on the runner.
func (d *Dispatcher) runSaves(ctx context.Context, cmds []model.SaveCommand) []model.SaveResult {
	results := make([]model.SaveResult, len(cmds))

	var (
		ephUpdates []model.EntityUpdate
		ephIndexes []int
		durUpdates []model.EntityUpdate
	)
	for i, cmd := range cmds {
		attrs, ranks := splitRankScores(cmd.Attributes)
		update := model.EntityUpdate{
			Environment: d.environment,
			EntityType:  cmd.EntityType,
			EntityID:    cmd.EntityID,
			WorldID:     cmd.WorldID,
			Attributes:  attrs,
			RankScores:  ranks,
			IsCreate:    cmd.IsCreate,
			IsDelete:    cmd.IsDelete,
		}
		if d.isEphemeral(cmd.EntityType) {
			ephUpdates = append(ephUpdates, update)
			ephIndexes = append(ephIndexes, i)
		} else {
			durUpdates = append(durUpdates, update)
			results[i] = model.SaveResult{Success: true}
		}
	}

	if len(durUpdates) > 0 {
		d.scheduleDurableSaves(durUpdates)
	}
	if len(ephUpdates) > 0 {
		for j, res := range d.ephemeral.BatchSave(ctx, ephUpdates) {
			results[ephIndexes[j]] = res
		}
	}
	return results
}

// scheduleDurableSaves applies durable updates off the request path. The
// client already got its acceptance; failures here are logged only, and the
// write is lost unless the entity is also dirty in the ephemeral tier.
func (d *Dispatcher) scheduleDurableSaves(updates []model.EntityUpdate) {
	work := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.durable.PerformBatchUpsert(ctx, updates); err != nil {
			log.Printf("[dispatch] durable save batch (%d updates) failed: %v", len(updates), err)
		}
	}
	if d.runner == nil {
		work()
		return
	}
	d.runner.Go("dispatch.durable_save", work)
}

func (d *Dispatcher) runSearches(ctx context.Context, cmds []model.SearchCommand) []model.SearchResult {
	results := make([]model.SearchResult, len(cmds))
	for i, cmd := range cmds {
		entities, err := d.durable.SearchByName(ctx, d.environment, cmd.EntityType, cmd.WorldID, cmd.NamePattern, cmd.Limit)
		if err != nil {
			results[i] = model.SearchResult{Success: false, Error: fmt.Sprintf("%s: %v", model.CodeStoreUnavailable, err)}
			continue
		}
		results[i] = model.SearchResult{Success: true, Entities: entities}
	}
	return results
}

func (d *Dispatcher) runRanks(ctx context.Context, cmds []model.RankCommand) []model.RankResult {
	results := make([]model.RankResult, len(cmds))
	for i, cmd := range cmds {
		rc, err := d.durable.CalculateEntityRank(ctx, d.environment, cmd.EntityType, cmd.WorldID, cmd.EntityID, cmd.RankKey)
		if err != nil {
			results[i] = model.RankResult{Success: false, Error: fmt.Sprintf("%s: %v", model.CodeStoreUnavailable, err)}
			continue
		}
		results[i] = model.RankResult{
			Success:       true,
			Score:         rc.Score,
			Rank:          rc.Rank,
			TotalEntities: rc.TotalEntities,
		}
	}
	return results
}

func (d *Dispatcher) runTops(ctx context.Context, cmds []model.TopCommand) []model.TopResult {
	results := make([]model.TopResult, len(cmds))
	for i, cmd := range cmds {
		entities, err := d.durable.GetRankedEntities(ctx, d.environment, cmd.EntityType, cmd.WorldID, cmd.RankKey, cmd.SortOrder, cmd.Limit)
		if err != nil {
			results[i] = model.TopResult{Success: false, Error: fmt.Sprintf("%s: %v", model.CodeStoreUnavailable, err)}
			continue
		}
		results[i] = model.TopResult{Success: true, Entities: entities}
	}
	return results
}

func sendCommands(env string, cmds []model.SendCommand) []stream.AddCommand {
	out := make([]stream.AddCommand, len(cmds))
	for i, cmd := range cmds {
		out[i] = stream.AddCommand{
			Environment: env,
			EntityType:  cmd.EntityType,
			EntityID:    cmd.EntityID,
			WorldID:     cmd.WorldID,
			Payload:     cmd.Message,
		}
	}
	return out
}

func recvCommands(env, worldInstanceID string, cmds []model.RecvCommand) []stream.PullCommand {
	out := make([]stream.PullCommand, len(cmds))
	for i, cmd := range cmds {
		out[i] = stream.PullCommand{
			Environment:     env,
			EntityType:      cmd.EntityType,
			EntityID:        cmd.EntityID,
			WorldID:         cmd.WorldID,
			WorldInstanceID: worldInstanceID,
			SinceMS:         cmd.Timestamp,
			Count:           cmd.Count,
		}
	}
	return out
}

// validateBatch shape-checks every command up front; the first failure
// rejects the whole request.
func validateBatch(batch *model.CommandBatch) error {
	shared := func(entityType string, worldID int64) error {
		if err := validate.EntityType(entityType); err != nil {
			return err
		}
		return validate.WorldID(worldID)
	}
	check := func(entityType, entityID string, worldID int64) error {
		if err := shared(entityType, worldID); err != nil {
			return err
		}
		return validate.EntityID(entityID)
	}

	for _, cmd := range batch.Load {
		if err := check(cmd.EntityType, cmd.EntityID, cmd.WorldID); err != nil {
			return model.NewError(model.CodeValidation, "load: %v", err)
		}
	}
	for _, cmd := range batch.Save {
		if err := check(cmd.EntityType, cmd.EntityID, cmd.WorldID); err != nil {
			return model.NewError(model.CodeValidation, "save: %v", err)
		}
		if err := validate.Attributes(cmd.Attributes); err != nil {
			return model.NewError(model.CodeValidation, "save: %v", err)
		}
	}
	for _, cmd := range batch.Send {
		if err := check(cmd.EntityType, cmd.EntityID, cmd.WorldID); err != nil {
			return model.NewError(model.CodeValidation, "send: %v", err)
		}
	}
	for _, cmd := range batch.Recv {
		if err := check(cmd.EntityType, cmd.EntityID, cmd.WorldID); err != nil {
			return model.NewError(model.CodeValidation, "recv: %v", err)
		}
	}
	for _, cmd := range batch.Search {
		if err := shared(cmd.EntityType, cmd.WorldID); err != nil {
			return model.NewError(model.CodeValidation, "search: %v", err)
		}
	}
	for _, cmd := range batch.Rank {
		if err := check(cmd.EntityType, cmd.EntityID, cmd.WorldID); err != nil {
			return model.NewError(model.CodeValidation, "rank: %v", err)
		}
		if _, _, err := validate.RankKey(cmd.RankKey); err != nil {
			return model.NewError(model.CodeValidation, "rank: %v", err)
		}
	}
	for _, cmd := range batch.Top {
		if err := shared(cmd.EntityType, cmd.WorldID); err != nil {
			return model.NewError(model.CodeValidation, "top: %v", err)
		}
		if _, _, err := validate.RankKey(cmd.RankKey); err != nil {
			return model.NewError(model.CodeValidation, "top: %v", err)
		}
		if _, err := validate.SortOrder(cmd.SortOrder); err != nil {
			return model.NewError(model.CodeValidation, "top: %v", err)
		}
	}
	return nil
}

package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/worldgate/worldgate/internal/async"
	"github.com/worldgate/worldgate/internal/cache"
	"github.com/worldgate/worldgate/internal/durable"
	"github.com/worldgate/worldgate/internal/ephemeral"
	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/stream"
	"github.com/worldgate/worldgate/internal/validate"
)

type testGateway struct {
	dispatcher *Dispatcher
	runner     *async.Runner
}

// flush drains all fire-and-forget work queued so far. Durable saves enqueue
// cache/stream notification from inside runner tasks, so drain twice.
func (g *testGateway) flush() {
	g.runner.Flush()
	g.runner.Flush()
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	runner := async.NewRunner(1024)
	runner.Start()
	t.Cleanup(runner.Stop)

	c, err := cache.New(cache.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	db, err := durable.OpenDB(filepath.Join(t.TempDir(), "entities.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := durable.Migrate(db); err != nil {
		t.Fatal(err)
	}

	streams := stream.New(stream.Config{Client: client, Runner: runner})
	repo := durable.NewRepo(durable.Config{DB: db, Cache: c, Streams: streams, Runner: runner})
	eph := ephemeral.New(ephemeral.Config{Client: client, EphemeralOnlyTypes: []string{"Session"}})

	d := New(Config{
		Environment:    "staging",
		EphemeralTypes: []string{"Player", "Session"},
		Ephemeral:      eph,
		Durable:        repo,
		Streams:        streams,
		Runner:         runner,
	})
	return &testGateway{dispatcher: d, runner: runner}
}

func TestValidationFailureRejectsWholeBatch(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.dispatcher.Execute(context.Background(), "inst-1", &model.CommandBatch{
		Save: []model.SaveCommand{
			{EntityType: "Player", EntityID: "p1", WorldID: 1, Attributes: map[string]any{"hp": float64(1)}},
			{EntityType: "bad type!", EntityID: "p2", WorldID: 1},
		},
	})
	var ge *model.GatewayError
	if !errors.As(err, &ge) || ge.Code != model.CodeValidation {
		t.Fatalf("err = %v, want validation rejection", err)
	}

	// The valid first save must not have been applied.
	resp, err := g.dispatcher.Execute(context.Background(), "inst-1", &model.CommandBatch{
		Load: []model.LoadCommand{{EntityType: "Player", EntityID: "p1", WorldID: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Load[0] != nil {
		t.Fatalf("rejected batch leaked a write: %+v", resp.Load[0])
	}
}

func TestEphemeralSaveLoadRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	resp, err := g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Save: []model.SaveCommand{{
			EntityType: "Player", EntityID: "p1", WorldID: 1,
			Attributes: map[string]any{"name": "Avi", "kills_score": float64(100)},
			IsCreate:   true,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Save[0].Success || resp.Save[0].Version != 1 {
		t.Fatalf("save = %+v", resp.Save[0])
	}

	resp, err = g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Load: []model.LoadCommand{{EntityType: "Player", EntityID: "p1", WorldID: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	e := resp.Load[0]
	if e == nil || e.Attributes["name"] != "Avi" {
		t.Fatalf("load = %+v", e)
	}
	// The rank attribute must have been extracted out of plain attributes.
	if _, ok := e.Attributes["kills_score"]; ok {
		t.Fatal("rank attribute left in plain attributes")
	}
	if e.RankScores["kills_score"]["0"] != float64(100) {
		t.Fatalf("rank scores = %+v", e.RankScores)
	}
}

func TestDurableSaveIsFireAndForget(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	resp, err := g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Save: []model.SaveCommand{{
			EntityType: "Guild", EntityID: "g1", WorldID: 1,
			Attributes: map[string]any{"name": "Iron Pact"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Save[0].Success || resp.Save[0].Version != 0 {
		t.Fatalf("durable save = %+v, want immediate acceptance without version", resp.Save[0])
	}

	g.flush()

	resp, err = g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Load: []model.LoadCommand{{EntityType: "Guild", EntityID: "g1", WorldID: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Load[0] == nil || resp.Load[0].Attributes["name"] != "Iron Pact" {
		t.Fatalf("durable load = %+v", resp.Load[0])
	}
	if resp.Load[0].Kind != model.KindPersistent {
		t.Fatalf("kind = %q", resp.Load[0].Kind)
	}
}

func TestMixedTierLoadsKeepCommandOrder(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Save: []model.SaveCommand{
			{EntityType: "Player", EntityID: "p1", WorldID: 1, Attributes: map[string]any{"hp": float64(1)}, IsCreate: true},
			{EntityType: "Guild", EntityID: "g1", WorldID: 1, Attributes: map[string]any{"name": "Iron Pact"}},
		},
	})
	g.flush()

	resp, err := g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Load: []model.LoadCommand{
			{EntityType: "Guild", EntityID: "g1", WorldID: 1},
			{EntityType: "Player", EntityID: "p1", WorldID: 1},
			{EntityType: "Guild", EntityID: "missing", WorldID: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Load[0] == nil || resp.Load[0].EntityID != "g1" {
		t.Fatalf("slot 0 = %+v", resp.Load[0])
	}
	if resp.Load[1] == nil || resp.Load[1].EntityID != "p1" || resp.Load[1].Kind != model.KindEphemeral {
		t.Fatalf("slot 1 = %+v", resp.Load[1])
	}
	if resp.Load[2] != nil {
		t.Fatalf("slot 2 = %+v, want nil", resp.Load[2])
	}
}

func TestSendRecvThroughDispatcher(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	resp, err := g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Send: []model.SendCommand{{EntityType: "Player", EntityID: "p1", WorldID: 1, Message: map[string]any{"event": "hello"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Send[0].Success {
		t.Fatalf("send = %+v", resp.Send[0])
	}
	g.flush()

	resp, err = g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Recv: []model.RecvCommand{{EntityType: "Player", EntityID: "p1", WorldID: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	recv := resp.Recv[0]
	if !recv.Success || len(recv.Data) != 1 {
		t.Fatalf("recv = %+v", recv)
	}
	if recv.WorldInstanceID != "inst-1" {
		t.Fatalf("affinity owner = %q", recv.WorldInstanceID)
	}
}

func TestSearchRankTopThroughDispatcher(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	// Guild is a durable type; seed three of them with kill scores.
	g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Save: []model.SaveCommand{
			{EntityType: "Guild", EntityID: "g1", WorldID: 1, Attributes: map[string]any{"name": "Alpha", "rank_kills": map[string]any{"1": float64(100)}}},
			{EntityType: "Guild", EntityID: "g2", WorldID: 1, Attributes: map[string]any{"name": "Beta", "rank_kills": map[string]any{"1": float64(150)}}},
			{EntityType: "Guild", EntityID: "g3", WorldID: 1, Attributes: map[string]any{"name": "Gamma", "rank_kills": map[string]any{"1": float64(75)}}},
		},
	})
	g.flush()

	resp, err := g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Search: []model.SearchCommand{{EntityType: "Guild", WorldID: 1, NamePattern: "a"}},
		Rank:   []model.RankCommand{{EntityType: "Guild", WorldID: 1, EntityID: "g1", RankKey: "rank_kills:1"}},
		Top:    []model.TopCommand{{EntityType: "Guild", WorldID: 1, RankKey: "rank_kills:1", Limit: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if !resp.Search[0].Success || len(resp.Search[0].Entities) != 3 {
		t.Fatalf("search = %+v", resp.Search[0])
	}

	rank := resp.Rank[0]
	if !rank.Success || rank.Score == nil || *rank.Score != 100 {
		t.Fatalf("rank = %+v", rank)
	}
	if rank.Rank == nil || *rank.Rank != 2 || rank.TotalEntities != 3 {
		t.Fatalf("rank position = %+v", rank)
	}

	top := resp.Top[0]
	if !top.Success || len(top.Entities) != 2 {
		t.Fatalf("top = %+v", top)
	}
	if top.Entities[0].EntityID != "g2" || top.Entities[1].EntityID != "g1" {
		t.Fatalf("top order = %s, %s", top.Entities[0].EntityID, top.Entities[1].EntityID)
	}
}

func TestSplitRankScores(t *testing.T) {
	plain, ranks := splitRankScores(map[string]any{
		"name":       "Avi",
		"rank_kills": map[string]any{"1": float64(10)},
		"pvp_score":  float64(42),
		"old_rank":   validate.NullMarker,
	})
	if _, ok := plain["rank_kills"]; ok {
		t.Fatal("rank attribute not extracted")
	}
	if plain["name"] != "Avi" {
		t.Fatalf("plain = %+v", plain)
	}
	if ranks["rank_kills"]["1"] != float64(10) {
		t.Fatalf("ranks = %+v", ranks)
	}
	if ranks["pvp_score"]["0"] != float64(42) {
		t.Fatalf("scalar score = %+v", ranks["pvp_score"])
	}
	if parts, ok := ranks["old_rank"]; !ok || parts != nil {
		t.Fatalf("null-marked score type = %+v", ranks["old_rank"])
	}
}

func TestDurableSaveEmitsChangeEvent(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Save: []model.SaveCommand{{EntityType: "Guild", EntityID: "g1", WorldID: 1, Attributes: map[string]any{"name": "Alpha"}}},
	})
	g.flush()
	// One more drain for the stream append scheduled by the notify task.
	g.flush()

	resp, err := g.dispatcher.Execute(ctx, "inst-1", &model.CommandBatch{
		Recv: []model.RecvCommand{{EntityType: "Guild", EntityID: "g1", WorldID: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Recv[0].Data) != 1 {
		t.Fatalf("change events = %+v", resp.Recv[0].Data)
	}
}

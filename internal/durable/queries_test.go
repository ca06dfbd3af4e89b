package durable

import (
	"context"
	"testing"
	"time"

	"github.com/worldgate/worldgate/internal/model"
)

func seedPlayers(t *testing.T, r *Repo) {
	t.Helper()
	updates := []model.EntityUpdate{
		playerUpdate("p1", map[string]any{"name": "Alara"}),
		playerUpdate("p2", map[string]any{"name": "Boreas"}),
		playerUpdate("p3", map[string]any{"name": "alarm_bot"}),
	}
	updates[0].RankScores = model.RankScores{"power": {"global": float64(30)}}
	updates[1].RankScores = model.RankScores{"power": {"global": float64(10)}}
	updates[2].RankScores = model.RankScores{"power": {"global": float64(20)}}
	if err := r.PerformBatchUpsert(context.Background(), updates); err != nil {
		t.Fatal(err)
	}
}

func TestSearchByNameIsCaseInsensitiveContainment(t *testing.T) {
	r := newTestRepo(t)
	seedPlayers(t, r)

	got, err := r.SearchByName(context.Background(), "staging", "Player", 1, "ALAR", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("matched %d entities, want 2", len(got))
	}
	// Ordered by folded name: "alara" before "alarm_bot".
	if got[0].EntityID != "p1" || got[1].EntityID != "p3" {
		t.Fatalf("order = %s, %s", got[0].EntityID, got[1].EntityID)
	}
}

func TestSearchByNameEscapesLikeMetacharacters(t *testing.T) {
	r := newTestRepo(t)
	seedPlayers(t, r)

	got, err := r.SearchByName(context.Background(), "staging", "Player", 1, "%", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("wildcard leaked: matched %d entities", len(got))
	}
}

func TestSearchByNameSkipsTombstones(t *testing.T) {
	r := newTestRepo(t)
	seedPlayers(t, r)
	ctx := context.Background()

	del := playerUpdate("p1", nil)
	del.IsDelete = true
	r.PerformBatchUpsert(ctx, []model.EntityUpdate{del})

	got, err := r.SearchByName(ctx, "staging", "Player", 1, "alar", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EntityID != "p3" {
		t.Fatalf("got %d entities, want only p3", len(got))
	}
}

func TestGetRankedEntitiesOrdersBothWays(t *testing.T) {
	r := newTestRepo(t)
	seedPlayers(t, r)
	ctx := context.Background()

	desc, err := r.GetRankedEntities(ctx, "staging", "Player", 1, "power:global", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(desc) != 3 || desc[0].EntityID != "p1" || desc[2].EntityID != "p2" {
		t.Fatalf("desc order = %+v", ids(desc))
	}

	asc, err := r.GetRankedEntities(ctx, "staging", "Player", 1, "power:global", "ASC", 10)
	if err != nil {
		t.Fatal(err)
	}
	if asc[0].EntityID != "p2" {
		t.Fatalf("asc order = %+v", ids(asc))
	}
}

func TestGetRankedEntitiesSkipsNonHolders(t *testing.T) {
	r := newTestRepo(t)
	seedPlayers(t, r)
	ctx := context.Background()

	// p4 has no power:global score and must not appear.
	r.PerformBatchUpsert(ctx, []model.EntityUpdate{playerUpdate("p4", map[string]any{"name": "Drifter"})})

	got, err := r.GetRankedEntities(ctx, "staging", "Player", 1, "power:global", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entities, want 3", len(got))
	}
}

func TestCalculateEntityRank(t *testing.T) {
	r := newTestRepo(t)
	seedPlayers(t, r)

	rc, err := r.CalculateEntityRank(context.Background(), "staging", "Player", 1, "p3", "power:global")
	if err != nil {
		t.Fatal(err)
	}
	if rc.Score == nil || *rc.Score != 20 {
		t.Fatalf("score = %v", rc.Score)
	}
	if rc.Rank == nil || *rc.Rank != 2 {
		t.Fatalf("rank = %v", rc.Rank)
	}
	if rc.TotalEntities != 3 {
		t.Fatalf("total = %d", rc.TotalEntities)
	}
}

func TestCalculateEntityRankIsDenseUnderTies(t *testing.T) {
	r := newTestRepo(t)
	seedPlayers(t, r)
	ctx := context.Background()

	// p4 ties p1 at the top: 30, 30, 20, 10. Dense ranking puts p3 at 2 and
	// p2 at 3, not 3 and 4.
	p4 := playerUpdate("p4", map[string]any{"name": "Drifter"})
	p4.RankScores = model.RankScores{"power": {"global": float64(30)}}
	if err := r.PerformBatchUpsert(ctx, []model.EntityUpdate{p4}); err != nil {
		t.Fatal(err)
	}

	rc, err := r.CalculateEntityRank(ctx, "staging", "Player", 1, "p3", "power:global")
	if err != nil {
		t.Fatal(err)
	}
	if rc.Rank == nil || *rc.Rank != 2 {
		t.Fatalf("rank of p3 = %v, want 2", rc.Rank)
	}

	rc, err = r.CalculateEntityRank(ctx, "staging", "Player", 1, "p2", "power:global")
	if err != nil {
		t.Fatal(err)
	}
	if rc.Rank == nil || *rc.Rank != 3 {
		t.Fatalf("rank of p2 = %v, want 3", rc.Rank)
	}
	if rc.TotalEntities != 4 {
		t.Fatalf("total = %d", rc.TotalEntities)
	}
}

func TestCalculateEntityRankForNonHolder(t *testing.T) {
	r := newTestRepo(t)
	seedPlayers(t, r)
	ctx := context.Background()

	r.PerformBatchUpsert(ctx, []model.EntityUpdate{playerUpdate("p4", map[string]any{"name": "Drifter"})})

	rc, err := r.CalculateEntityRank(ctx, "staging", "Player", 1, "p4", "power:global")
	if err != nil {
		t.Fatal(err)
	}
	if rc.Score != nil || rc.Rank != nil {
		t.Fatalf("non-holder rank = %+v", rc)
	}
	if rc.TotalEntities != 3 {
		t.Fatalf("total = %d", rc.TotalEntities)
	}
}

func TestCalculateEntityRankRejectsBadKey(t *testing.T) {
	r := newTestRepo(t)

	if _, err := r.CalculateEntityRank(context.Background(), "staging", "Player", 1, "p1", "no-colon"); err == nil {
		t.Fatal("malformed rank key accepted")
	}
}

func TestPurgeTombstones(t *testing.T) {
	r := newTestRepo(t)
	seedPlayers(t, r)
	ctx := context.Background()

	del := playerUpdate("p1", nil)
	del.IsDelete = true
	r.PerformBatchUpsert(ctx, []model.EntityUpdate{del})

	// A cutoff in the past purges nothing.
	n, err := r.PurgeTombstones(ctx, time.Now().Add(-time.Hour).UnixMilli())
	if err != nil || n != 0 {
		t.Fatalf("early purge = %d (err=%v)", n, err)
	}

	n, err = r.PurgeTombstones(ctx, time.Now().Add(time.Hour).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}

	// The row is gone outright now, not just hidden.
	got, _ := r.BatchLoad(ctx, []model.LoadRequest{{Environment: "staging", EntityType: "Player", EntityID: "p1", WorldID: 1}})
	if got[0] != nil {
		t.Fatalf("purged entity still loads: %+v", got[0])
	}
}

func ids(entities []*model.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.EntityID
	}
	return out
}

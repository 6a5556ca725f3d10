package repo

import (
	"context"
	"reflect"
	"testing"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

func TestSaveQueue_ReplacesSnapshot(t *testing.T) {
	db := newTestDB(t, &domain.OrderRecord{})
	ctx := context.Background()

	first := []domain.PendingOrder{
		{OrderID: "AAA111", Quantity: 100, Stage: domain.StageAwaitConfirm, Candidate: "buyer_one", Prompted: true},
		{OrderID: "BBB222", Quantity: 200, Stage: domain.StageAwaitUsername},
	}
	if err := SaveQueue(ctx, db, "c1", first); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}
	if err := SaveQueue(ctx, db, "c2", []domain.PendingOrder{{OrderID: "CCC333", Quantity: 50, Stage: domain.StageAwaitPaid, Candidate: "pre_buyer"}}); err != nil {
		t.Fatalf("SaveQueue c2: %v", err)
	}

	got, err := LoadQueues(ctx, db)
	if err != nil {
		t.Fatalf("LoadQueues: %v", err)
	}
	if !reflect.DeepEqual(got["c1"], first) {
		t.Fatalf("c1 mismatch:\n got %+v\nwant %+v", got["c1"], first)
	}
	if len(got["c2"]) != 1 || got["c2"][0].Stage != domain.StageAwaitPaid {
		t.Fatalf("c2 mismatch: %+v", got["c2"])
	}

	// replace c1 with its tail, then clear it
	if err := SaveQueue(ctx, db, "c1", first[1:]); err != nil {
		t.Fatalf("SaveQueue replace: %v", err)
	}
	got, _ = LoadQueues(ctx, db)
	if len(got["c1"]) != 1 || got["c1"][0].OrderID != "BBB222" {
		t.Fatalf("expected tail only, got %+v", got["c1"])
	}
	if err := SaveQueue(ctx, db, "c1", nil); err != nil {
		t.Fatalf("SaveQueue clear: %v", err)
	}
	got, _ = LoadQueues(ctx, db)
	if _, ok := got["c1"]; ok {
		t.Fatalf("expected c1 cleared, got %+v", got["c1"])
	}
}

func TestLoadQueues_SkipsUnknownStage(t *testing.T) {
	db := newTestDB(t, &domain.OrderRecord{})
	bad := domain.OrderRecord{ID: "r1", ChatKey: "c1", OrderID: "ZZZ999", Quantity: 100, Stage: "SHIPPED"}
	if err := db.Create(&bad).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := LoadQueues(context.Background(), db)
	if err != nil {
		t.Fatalf("LoadQueues: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no queues, got %+v", got)
	}
}

func TestMarkDone_IdempotentAndListed(t *testing.T) {
	db := newTestDB(t, &domain.DoneOrder{})
	ctx := context.Background()

	for _, id := range []string{"AAA111", "BBB222", "AAA111"} {
		if err := MarkDone(ctx, db, "c1", id); err != nil {
			t.Fatalf("MarkDone(%s): %v", id, err)
		}
	}
	ids, err := ListDone(ctx, db)
	if err != nil {
		t.Fatalf("ListDone: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 done ids, got %v", ids)
	}
}

func TestStore_AdaptsFunctions(t *testing.T) {
	db := newTestDB(t, &domain.OrderRecord{}, &domain.DoneOrder{})
	s := Store{DB: db}
	ctx := context.Background()

	items := []domain.PendingOrder{{OrderID: "AAA111", Quantity: 100, Stage: domain.StageAwaitUsername}}
	if err := s.SaveQueue(ctx, "c1", items); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}
	if err := s.MarkDone(ctx, "c1", "OLD000"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	q, err := s.LoadQueues(ctx)
	if err != nil || len(q["c1"]) != 1 {
		t.Fatalf("LoadQueues: %v %+v", err, q)
	}
	done, err := s.ListDone(ctx)
	if err != nil || len(done) != 1 || done[0] != "OLD000" {
		t.Fatalf("ListDone: %v %v", err, done)
	}
}

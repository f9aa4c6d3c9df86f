package store

import (
	"context"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestActorCollection_UpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ac := &ActorCollection{
		ActorID:        "char_42",
		ActorKind:      "character",
		CollectionName: "character_char_42",
		Dimensions:     768,
	}
	if err := db.UpsertActorCollection(ctx, ac); err != nil {
		t.Fatalf("UpsertActorCollection failed: %v", err)
	}

	got, err := db.GetActorCollection(ctx, "char_42")
	if err != nil {
		t.Fatalf("GetActorCollection failed: %v", err)
	}
	if got.CollectionName != "character_char_42" {
		t.Errorf("Expected collection name character_char_42, got %s", got.CollectionName)
	}
	if got.MemoryCount != 0 {
		t.Errorf("Expected zero initial count, got %d", got.MemoryCount)
	}
}

func TestActorCollection_UpsertKeepsCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ac := &ActorCollection{ActorID: "a1", ActorKind: "character", CollectionName: "character_a1", Dimensions: 4}
	db.UpsertActorCollection(ctx, ac)
	db.AddMemoryCount(ctx, "a1", 5)

	// Re-ensuring the collection must not reset the cached count
	if err := db.UpsertActorCollection(ctx, ac); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	got, _ := db.GetActorCollection(ctx, "a1")
	if got.MemoryCount != 5 {
		t.Errorf("Expected count 5 after re-upsert, got %d", got.MemoryCount)
	}
}

func TestActorCollection_CountNeverNegative(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.UpsertActorCollection(ctx, &ActorCollection{
		ActorID: "a1", ActorKind: "civilization", CollectionName: "civilization_a1", Dimensions: 4,
	})
	db.AddMemoryCount(ctx, "a1", 2)
	db.AddMemoryCount(ctx, "a1", -10)

	got, _ := db.GetActorCollection(ctx, "a1")
	if got.MemoryCount != 0 {
		t.Errorf("Expected count clamped to 0, got %d", got.MemoryCount)
	}
}

func TestActorCollection_GetMissing(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetActorCollection(context.Background(), "nope"); err == nil {
		t.Error("Expected error for missing actor")
	}
}

func TestActorCollection_List(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.UpsertActorCollection(ctx, &ActorCollection{ActorID: "b", ActorKind: "character", CollectionName: "character_b", Dimensions: 4})
	db.UpsertActorCollection(ctx, &ActorCollection{ActorID: "a", ActorKind: "character", CollectionName: "character_a", Dimensions: 4})

	list, err := db.ListActorCollections(ctx)
	if err != nil {
		t.Fatalf("ListActorCollections failed: %v", err)
	}
	if len(list) != 2 || list[0].ActorID != "a" {
		t.Errorf("Expected sorted [a b], got %v", list)
	}
}

func TestActorCollection_SetCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.UpsertActorCollection(ctx, &ActorCollection{ActorID: "a1", ActorKind: "character", CollectionName: "character_a1", Dimensions: 4})
	if err := db.SetMemoryCount(ctx, "a1", 99); err != nil {
		t.Fatalf("SetMemoryCount failed: %v", err)
	}
	got, _ := db.GetActorCollection(ctx, "a1")
	if got.MemoryCount != 99 {
		t.Errorf("Expected count 99, got %d", got.MemoryCount)
	}
}

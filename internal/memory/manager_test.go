package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lorebank/internal/embedding"
	"lorebank/internal/store"
	"lorebank/internal/vecindex"
)

func newTestManager(t *testing.T) (*Manager, *store.DB) {
	t.Helper()
	idx, err := vecindex.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewManager(idx, db, embedding.NewMock(8)), db
}

func TestDeriveCollectionName(t *testing.T) {
	cases := []struct {
		kind ActorKind
		id   string
		want string
	}{
		{KindCharacter, "alice", "character_alice"},
		{KindCharacter, "char-42!x", "character_char_42_x"},
		{KindCivilization, "civ.7", "civilization_civ_7"},
		{KindCharacter, "Ab_9", "character_Ab_9"},
	}
	for _, c := range cases {
		got := DeriveCollectionName(c.kind, c.id)
		if got != c.want {
			t.Errorf("DeriveCollectionName(%s, %s) = %s, want %s", c.kind, c.id, got, c.want)
		}
		// Pure function: second call agrees
		if again := DeriveCollectionName(c.kind, c.id); again != got {
			t.Errorf("DeriveCollectionName not stable for %s", c.id)
		}
	}
}

func TestEnsureCollection_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	name1, err := m.EnsureCollection(ctx, KindCharacter, "alice", nil)
	if err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	name2, err := m.EnsureCollection(ctx, KindCharacter, "alice", nil)
	if err != nil {
		t.Fatalf("Second EnsureCollection failed: %v", err)
	}
	if name1 != name2 {
		t.Errorf("Collection names differ: %s vs %s", name1, name2)
	}
}

func TestEnsureCollection_Concurrent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.EnsureCollection(ctx, KindCharacter, "racer", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent EnsureCollection failed: %v", err)
	}
}

func TestEnsureCollection_EmptyActor(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.EnsureCollection(context.Background(), KindCharacter, "", nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestStore_WriteVisibility(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Store(ctx, KindCharacter, "alice", Entry{
		Content:     "hello",
		ContentType: "observation",
	}, nil)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected non-empty memory id")
	}

	results, err := m.Search(ctx, KindCharacter, "alice", "hello", SearchOptions{ThresholdSet: true})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Expected stored memory to be findable immediately")
	}
	if results[0].Content != "hello" {
		t.Errorf("Expected content 'hello', got '%s'", results[0].Content)
	}
	if results[0].Score < 0.99 {
		t.Errorf("Expected near-exact score for identical text, got %f", results[0].Score)
	}
}

func TestStoreBatch_EquivalentToSequential(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ids, err := m.StoreBatch(ctx, KindCharacter, "alice", []Entry{
		{Content: "the fleet arrived", ContentType: "event"},
		{Content: "trade agreement signed", ContentType: "event"},
	}, nil)
	if err != nil {
		t.Fatalf("StoreBatch failed: %v", err)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("Expected 2 distinct ids, got %v", ids)
	}

	for _, query := range []string{"the fleet arrived", "trade agreement signed"} {
		results, err := m.Search(ctx, KindCharacter, "alice", query, SearchOptions{ThresholdSet: true})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		found := false
		for _, r := range results {
			if r.Content == query {
				found = true
			}
		}
		if !found {
			t.Errorf("Batch-stored memory %q not findable", query)
		}
	}
}

func TestStoreBatch_Empty(t *testing.T) {
	m, _ := newTestManager(t)
	ids, err := m.StoreBatch(context.Background(), KindCharacter, "alice", nil, nil)
	if err != nil {
		t.Fatalf("Empty StoreBatch failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected empty id list, got %v", ids)
	}
}

func TestStore_EmbeddingFailureIsHard(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	mock := embedding.NewMock(8)
	mock.EmbedFunc = func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("gateway down")
	}
	m.engine = mock

	if _, err := m.Store(ctx, KindCharacter, "alice", Entry{Content: "x", ContentType: "t"}, nil); err == nil {
		t.Error("Expected embedding failure to fail the store")
	}
}

// failingCounter passes registry writes through but fails every counter
// update, simulating a relational outage after the vector write.
type failingCounter struct {
	Registry
}

func (f failingCounter) AddMemoryCount(ctx context.Context, actorID string, delta int64) error {
	return errors.New("relational store down")
}

func TestStore_CounterDivergenceTolerated(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	m.db = failingCounter{db}

	id, err := m.Store(ctx, KindCharacter, "alice", Entry{Content: "survives", ContentType: "t"}, nil)
	if err != nil {
		t.Fatalf("Store should succeed despite counter failure, got: %v", err)
	}
	if id == "" {
		t.Fatal("Expected memory id despite counter failure")
	}

	results, err := m.Search(ctx, KindCharacter, "alice", "survives", SearchOptions{ThresholdSet: true})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 || results[0].Content != "survives" {
		t.Error("Expected entry findable despite counter divergence")
	}

	// The vector index now leads the cached count
	st, err := m.Stats(ctx, KindCharacter, "alice")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	ac, err := db.GetActorCollection(ctx, "alice")
	if err != nil {
		t.Fatalf("GetActorCollection failed: %v", err)
	}
	if st.TotalMemories <= ac.MemoryCount {
		t.Errorf("Expected index total %d to exceed cached count %d", st.TotalMemories, ac.MemoryCount)
	}
}

func TestSearch_ClassificationFilter(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.StoreBatch(ctx, KindCivilization, "civ1", []Entry{
		{Content: "public decree", ContentType: "record", Classification: ClassPublic},
		{Content: "secret weapons program", ContentType: "record", Classification: ClassSecret},
	}, nil)

	results, err := m.Search(ctx, KindCivilization, "civ1", "", SearchOptions{
		Classifications: []Classification{ClassSecret},
		ThresholdSet:    true,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Classification != ClassSecret {
		t.Errorf("Expected only the SECRET entry, got %v", results)
	}
}

func TestSearch_EmptyQueryZeroThreshold(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.StoreBatch(ctx, KindCharacter, "alice", []Entry{
		{Content: "alpha", ContentType: "note"},
		{Content: "beta", ContentType: "journal"},
	}, nil)

	// The get-all-of-type idiom: empty query, explicit zero threshold
	results, err := m.Search(ctx, KindCharacter, "alice", "", SearchOptions{
		ContentTypes: []string{"journal"},
		ThresholdSet: true,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].ContentType != "journal" {
		t.Errorf("Expected only the journal entry, got %v", results)
	}
}

func TestRecent_SortsByTimestampDescending(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Store(ctx, KindCharacter, "alice", Entry{
			Content:     fmt.Sprintf("memory %d", i),
			ContentType: "note",
		}, nil)
		if err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	results, err := m.Recent(ctx, KindCharacter, "alice", 2, nil, nil)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Content != "memory 2" {
		t.Errorf("Expected newest first, got %s", results[0].Content)
	}
	if results[0].Score != 1.0 {
		t.Errorf("Expected nominal score 1.0, got %f", results[0].Score)
	}
	if results[0].Timestamp.Before(results[1].Timestamp) {
		t.Error("Expected descending timestamp order")
	}
}

func TestSearch_TimeRange(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Minute)
	m.Store(ctx, KindCharacter, "alice", Entry{Content: "in range", ContentType: "note"}, nil)
	after := time.Now().UTC().Add(time.Minute)

	inRange, err := m.Search(ctx, KindCharacter, "alice", "in range", SearchOptions{
		TimeStart:    before,
		TimeEnd:      after,
		ThresholdSet: true,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(inRange) != 1 {
		t.Fatalf("Expected 1 result in range, got %d", len(inRange))
	}

	outOfRange, err := m.Search(ctx, KindCharacter, "alice", "in range", SearchOptions{
		TimeStart:    after,
		ThresholdSet: true,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(outOfRange) != 0 {
		t.Errorf("Expected no results after the window, got %d", len(outOfRange))
	}
}

func TestStats(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	m.StoreBatch(ctx, KindCivilization, "civ1", []Entry{
		{Content: "a", ContentType: "record", Classification: ClassPublic},
		{Content: "b", ContentType: "record", Classification: ClassPublic},
		{Content: "c", ContentType: "event", Classification: ClassSecret},
	}, nil)

	st, err := m.Stats(ctx, KindCivilization, "civ1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.TotalMemories != 3 {
		t.Errorf("Expected 3 total, got %d", st.TotalMemories)
	}
	if st.MemoriesByType["record"] != 2 || st.MemoriesByType["event"] != 1 {
		t.Errorf("Unexpected type breakdown: %v", st.MemoriesByType)
	}
	if st.MemoriesByClassification[ClassPublic] != 2 {
		t.Errorf("Unexpected classification breakdown: %v", st.MemoriesByClassification)
	}
	if st.OldestMemory.IsZero() || st.NewestMemory.Before(st.OldestMemory) {
		t.Error("Expected oldest/newest to be populated and ordered")
	}

	// The cached relational count agrees here since nothing failed
	ac, err := db.GetActorCollection(ctx, "civ1")
	if err != nil {
		t.Fatalf("GetActorCollection failed: %v", err)
	}
	if ac.MemoryCount != 3 {
		t.Errorf("Expected cached count 3, got %d", ac.MemoryCount)
	}
}

func TestDeleteAndClearAll(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	ids, _ := m.StoreBatch(ctx, KindCharacter, "alice", []Entry{
		{Content: "one", ContentType: "note"},
		{Content: "two", ContentType: "note"},
	}, nil)

	if err := m.Delete(ctx, KindCharacter, "alice", ids[0]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	st, _ := m.Stats(ctx, KindCharacter, "alice")
	if st.TotalMemories != 1 {
		t.Errorf("Expected 1 memory after delete, got %d", st.TotalMemories)
	}

	if err := m.ClearAll(ctx, KindCharacter, "alice"); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	ac, err := db.GetActorCollection(ctx, "alice")
	if err != nil {
		t.Fatalf("GetActorCollection failed: %v", err)
	}
	if ac.MemoryCount != 0 {
		t.Errorf("Expected counter reset to 0, got %d", ac.MemoryCount)
	}
	if _, err := m.Stats(ctx, KindCharacter, "alice"); err == nil {
		t.Error("Expected Stats to fail after collection drop")
	}
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"lorebank/internal/embedding"
	"lorebank/internal/logging"
	"lorebank/internal/store"
	"lorebank/internal/vecindex"
)

// Registry is the relational side the manager needs: the actor collection
// rows and their cached counts. *store.DB satisfies it.
type Registry interface {
	UpsertActorCollection(ctx context.Context, ac *store.ActorCollection) error
	AddMemoryCount(ctx context.Context, actorID string, delta int64) error
	SetMemoryCount(ctx context.Context, actorID string, count int64) error
}

// Manager is the memory subsystem's front door, serving both actor kinds
// behind one generic implementation. Safe for concurrent use; no locks are
// taken around operations, concurrent counter updates may lose increments
// but the vector index never corrupts since every write gets a fresh id.
type Manager struct {
	index  vecindex.Index
	db     Registry
	engine embedding.Engine
	ensure singleflight.Group
}

// NewManager wires the three dependencies together.
func NewManager(index vecindex.Index, db Registry, engine embedding.Engine) *Manager {
	return &Manager{index: index, db: db, engine: engine}
}

// EnsureCollection creates the actor's vector collection if absent and
// upserts its registry row. Concurrent callers for the same actor are
// coalesced; duplicate creates are swallowed by the index. Either store
// being unreachable fails the call.
func (m *Manager) EnsureCollection(ctx context.Context, kind ActorKind, actorID string, campaignID *int64) (string, error) {
	if actorID == "" {
		return "", &ValidationError{Field: "actorId", Reason: "must not be empty"}
	}
	name := DeriveCollectionName(kind, actorID)

	_, err, _ := m.ensure.Do(name, func() (interface{}, error) {
		if err := m.index.EnsureCollection(ctx, name, m.engine.Dimensions()); err != nil {
			return nil, fmt.Errorf("ensure collection for %s: %w", actorID, err)
		}
		err := m.db.UpsertActorCollection(ctx, &store.ActorCollection{
			ActorID:        actorID,
			ActorKind:      string(kind),
			CollectionName: name,
			CampaignID:     campaignID,
			Dimensions:     m.engine.Dimensions(),
		})
		if err != nil {
			return nil, fmt.Errorf("register collection for %s: %w", actorID, err)
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// Store ingests a single memory and returns its id. The entry is durably
// in the vector index when this returns; the relational count update is
// best-effort and never fails the call.
func (m *Manager) Store(ctx context.Context, kind ActorKind, actorID string, entry Entry, campaignID *int64) (string, error) {
	if entry.Content == "" {
		return "", &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	name, err := m.EnsureCollection(ctx, kind, actorID, campaignID)
	if err != nil {
		return "", err
	}

	vector, err := m.engine.Embed(ctx, entry.Content)
	if err != nil {
		return "", fmt.Errorf("embed memory for %s: %w", actorID, err)
	}

	point := m.buildPoint(kind, actorID, campaignID, entry, vector)
	if err := m.index.Upsert(ctx, name, []vecindex.Point{point}, true); err != nil {
		return "", fmt.Errorf("store memory for %s: %w", actorID, err)
	}

	m.bumpCount(ctx, actorID, 1)
	logging.MemoryDebug("stored memory %s for %s/%s", point.ID, kind, actorID)
	return point.ID, nil
}

// StoreBatch ingests many memories with one batched embedding call and one
// upsert. Batching amortizes embedding round-trips, it is not a
// transaction; any failure fails the whole call with nothing reported
// stored. An empty batch is a no-op.
func (m *Manager) StoreBatch(ctx context.Context, kind ActorKind, actorID string, entries []Entry, campaignID *int64) ([]string, error) {
	if len(entries) == 0 {
		return []string{}, nil
	}
	name, err := m.EnsureCollection(ctx, kind, actorID, campaignID)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		if e.Content == "" {
			return nil, &ValidationError{Field: "content", Reason: fmt.Sprintf("entry %d must not be empty", i)}
		}
		texts[i] = e.Content
	}

	vectors, err := m.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch for %s: %w", actorID, err)
	}
	if len(vectors) != len(entries) {
		return nil, fmt.Errorf("embed batch for %s: got %d vectors for %d entries", actorID, len(vectors), len(entries))
	}

	points := make([]vecindex.Point, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		points[i] = m.buildPoint(kind, actorID, campaignID, e, vectors[i])
		ids[i] = points[i].ID
	}

	if err := m.index.Upsert(ctx, name, points, true); err != nil {
		return nil, fmt.Errorf("store batch for %s: %w", actorID, err)
	}

	m.bumpCount(ctx, actorID, int64(len(entries)))
	logging.MemoryDebug("stored %d memories for %s/%s", len(entries), kind, actorID)
	return ids, nil
}

// Search embeds the query and runs a ranked similarity query with a
// conjunctive filter. An empty query is degenerate but valid; paired with
// a zero threshold it is the fetch-everything-of-type idiom.
func (m *Manager) Search(ctx context.Context, kind ActorKind, actorID, query string, opts SearchOptions) ([]Result, error) {
	if actorID == "" {
		return nil, &ValidationError{Field: "actorId", Reason: "must not be empty"}
	}
	name := DeriveCollectionName(kind, actorID)

	vector, err := m.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query for %s: %w", actorID, err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	threshold := opts.ScoreThreshold
	if !opts.ThresholdSet && threshold == 0 {
		threshold = defaultScoreThreshold
	}

	scored, err := m.index.Search(ctx, name, vector, buildFilter(actorID, opts), limit, threshold)
	if err != nil {
		return nil, fmt.Errorf("search memories for %s: %w", actorID, err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		r := resultFromPoint(sp.Point)
		r.Score = sp.Score
		results = append(results, r)
	}
	return results, nil
}

// Recent returns the newest memories matching the filters. The index has
// no native recency query, so this scrolls a bounded window and sorts by
// timestamp client-side; every result carries a nominal score of 1.0.
func (m *Manager) Recent(ctx context.Context, kind ActorKind, actorID string, limit int, contentTypes []string, classifications []Classification) ([]Result, error) {
	if actorID == "" {
		return nil, &ValidationError{Field: "actorId", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	name := DeriveCollectionName(kind, actorID)

	opts := SearchOptions{ContentTypes: contentTypes, Classifications: classifications}
	points, err := m.index.Scroll(ctx, name, buildFilter(actorID, opts), scrollWindow)
	if err != nil {
		return nil, fmt.Errorf("fetch recent memories for %s: %w", actorID, err)
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		r := resultFromPoint(p)
		r.Score = 1.0
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Stats reports collection statistics. The total comes from the index
// itself, not the relational cache. Breakdowns scan a bounded window, so
// they approximate once the collection outgrows it.
func (m *Manager) Stats(ctx context.Context, kind ActorKind, actorID string) (*Stats, error) {
	if actorID == "" {
		return nil, &ValidationError{Field: "actorId", Reason: "must not be empty"}
	}
	name := DeriveCollectionName(kind, actorID)

	info, err := m.index.CollectionInfo(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("stats for %s: %w", actorID, err)
	}

	points, err := m.index.Scroll(ctx, name, buildFilter(actorID, SearchOptions{}), scrollWindow)
	if err != nil {
		return nil, fmt.Errorf("stats for %s: %w", actorID, err)
	}

	st := &Stats{
		TotalMemories:            info.PointCount,
		MemoriesByType:           make(map[string]int),
		MemoriesByClassification: make(map[Classification]int),
	}
	for _, p := range points {
		r := resultFromPoint(p)
		st.MemoriesByType[r.ContentType]++
		if r.Classification != "" {
			st.MemoriesByClassification[r.Classification]++
		}
		if st.OldestMemory.IsZero() || r.Timestamp.Before(st.OldestMemory) {
			st.OldestMemory = r.Timestamp
		}
		if r.Timestamp.After(st.NewestMemory) {
			st.NewestMemory = r.Timestamp
		}
	}
	return st, nil
}

// Delete removes one memory from the index, then decrements the advisory
// counter best-effort.
func (m *Manager) Delete(ctx context.Context, kind ActorKind, actorID, memoryID string) error {
	if actorID == "" {
		return &ValidationError{Field: "actorId", Reason: "must not be empty"}
	}
	name := DeriveCollectionName(kind, actorID)
	if err := m.index.Delete(ctx, name, []string{memoryID}); err != nil {
		return fmt.Errorf("delete memory %s for %s: %w", memoryID, actorID, err)
	}
	m.bumpCount(ctx, actorID, -1)
	return nil
}

// ClearAll drops the actor's entire collection and resets the counter.
// Irreversible.
func (m *Manager) ClearAll(ctx context.Context, kind ActorKind, actorID string) error {
	if actorID == "" {
		return &ValidationError{Field: "actorId", Reason: "must not be empty"}
	}
	name := DeriveCollectionName(kind, actorID)
	if err := m.index.DropCollection(ctx, name); err != nil {
		return fmt.Errorf("clear memories for %s: %w", actorID, err)
	}
	if err := m.db.SetMemoryCount(ctx, actorID, 0); err != nil {
		logging.Memory("memory count reset failed for %s: %v", actorID, err)
	}
	logging.Memory("cleared all memories for %s/%s", kind, actorID)
	return nil
}

// bumpCount adjusts the relational counter. Failures are logged and
// swallowed; the counter is a cache, the index is authoritative.
func (m *Manager) bumpCount(ctx context.Context, actorID string, delta int64) {
	if err := m.db.AddMemoryCount(ctx, actorID, delta); err != nil {
		logging.Memory("memory count update failed for %s (delta %d): %v", actorID, delta, err)
	}
}

// timeLayout is RFC3339 with a fixed-width fraction so stored timestamps
// compare correctly as strings in range filters.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (m *Manager) buildPoint(kind ActorKind, actorID string, campaignID *int64, entry Entry, vector []float32) vecindex.Point {
	payload := map[string]interface{}{
		"actorId":     actorID,
		"timestamp":   time.Now().UTC().Format(timeLayout),
		"contentType": entry.ContentType,
		"content":     entry.Content,
	}
	if campaignID != nil {
		payload["campaignId"] = *campaignID
	}
	if kind == KindCivilization && entry.Classification != "" {
		payload["classification"] = string(entry.Classification)
	}
	if len(entry.Metadata) > 0 {
		payload["metadata"] = entry.Metadata
	}
	if entry.OriginalID != "" {
		payload["originalId"] = entry.OriginalID
	}
	return vecindex.Point{
		ID:      newMemoryID(actorID),
		Vector:  vector,
		Payload: payload,
	}
}

// newMemoryID builds a globally unique id from the actor id, the current
// time, and a random suffix, so concurrent writers never collide.
func newMemoryID(actorID string) string {
	return fmt.Sprintf("%s_%d_%s", actorID, time.Now().UnixMilli(), uuid.NewString()[:8])
}

func buildFilter(actorID string, opts SearchOptions) vecindex.Filter {
	must := []vecindex.Condition{
		{Key: "actorId", AnyOf: []string{actorID}},
	}
	if len(opts.ContentTypes) > 0 {
		must = append(must, vecindex.Condition{Key: "contentType", AnyOf: opts.ContentTypes})
	}
	if len(opts.Classifications) > 0 {
		vals := make([]string, len(opts.Classifications))
		for i, c := range opts.Classifications {
			vals[i] = string(c)
		}
		must = append(must, vecindex.Condition{Key: "classification", AnyOf: vals})
	}
	cond := vecindex.Condition{Key: "timestamp"}
	if !opts.TimeStart.IsZero() {
		cond.Gte = opts.TimeStart.UTC().Format(timeLayout)
	}
	if !opts.TimeEnd.IsZero() {
		cond.Lte = opts.TimeEnd.UTC().Format(timeLayout)
	}
	if cond.Gte != "" || cond.Lte != "" {
		must = append(must, cond)
	}
	return vecindex.Filter{Must: must}
}

func resultFromPoint(p vecindex.Point) Result {
	r := Result{ID: p.ID}
	if v, ok := p.Payload["content"].(string); ok {
		r.Content = v
	}
	if v, ok := p.Payload["contentType"].(string); ok {
		r.ContentType = v
	}
	if v, ok := p.Payload["classification"].(string); ok {
		r.Classification = Classification(v)
	}
	if v, ok := p.Payload["originalId"].(string); ok {
		r.OriginalID = v
	}
	if v, ok := p.Payload["metadata"].(map[string]interface{}); ok {
		r.Metadata = v
	}
	if v, ok := p.Payload["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			r.Timestamp = t
		}
	}
	return r
}

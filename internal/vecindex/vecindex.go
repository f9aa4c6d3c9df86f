// Package vecindex provides the vector index used for semantic memory
// search: named collections of embedded points with payload filtering,
// similarity search, and unranked scrolling. Backed by SQLite with a
// brute-force cosine scan; the sqlite-vec extension is registered when the
// sqlite_vec build tag is set.
package vecindex

import "context"

// Point is one entry in a collection.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// ScoredPoint is a search result with its similarity score.
type ScoredPoint struct {
	Point
	Score float64
}

// Condition matches one payload key. AnyOf matches if the payload value
// equals any listed value; Gte/Lte bound the value lexicographically
// (RFC3339 timestamps sort correctly this way). Empty bounds are open.
type Condition struct {
	Key   string
	AnyOf []string
	Gte   string
	Lte   string
}

// Filter is a conjunction of conditions: every condition must match.
type Filter struct {
	Must []Condition
}

// CollectionInfo reports collection statistics.
type CollectionInfo struct {
	Name       string
	Dimensions int
	PointCount int64
}

// Index is the vector index contract. Implementations must be safe for
// concurrent use; writes with wait=true must be durable and visible to
// subsequent reads before returning.
type Index interface {
	// EnsureCollection creates a collection if absent. Calling it again
	// with the same name is a no-op, never an error.
	EnsureCollection(ctx context.Context, name string, dimensions int) error

	// DropCollection removes a collection and all its points.
	DropCollection(ctx context.Context, name string) error

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// CollectionInfo returns statistics for a collection.
	CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)

	// Upsert inserts or replaces points. With wait=true the write is
	// committed durably before returning.
	Upsert(ctx context.Context, collection string, points []Point, wait bool) error

	// Search returns up to limit points matching the filter, ordered by
	// descending cosine similarity to the query vector, dropping results
	// below scoreThreshold.
	Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, scoreThreshold float64) ([]ScoredPoint, error)

	// Scroll returns up to limit points matching the filter with no
	// ranking, in insertion order.
	Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error)

	// Delete removes points by id. Missing ids are not an error.
	Delete(ctx context.Context, collection string, ids []string) error

	// Close releases resources.
	Close() error
}

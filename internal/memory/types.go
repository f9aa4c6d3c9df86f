// Package memory implements the per-actor memory lifecycle: collection
// registration, single and batched ingestion, classification-aware semantic
// search, recency retrieval, stats, and deletion. The vector index is the
// source of truth for memory existence and content; the relational store
// carries an advisory count that is allowed to lag.
package memory

import (
	"errors"
	"fmt"
	"time"
)

// ActorKind distinguishes the two memory owners.
type ActorKind string

const (
	KindCharacter    ActorKind = "character"
	KindCivilization ActorKind = "civilization"
)

// Classification is the sensitivity tier attached to civilization memories.
type Classification string

const (
	ClassPublic       Classification = "PUBLIC"
	ClassConfidential Classification = "CONFIDENTIAL"
	ClassSecret       Classification = "SECRET"
	ClassTopSecret    Classification = "TOP_SECRET"
)

// Entry is the caller-facing shape of one memory to ingest.
type Entry struct {
	Content        string
	ContentType    string
	Classification Classification
	Metadata       map[string]interface{}
	OriginalID     string
}

// SearchOptions narrows a search. Zero values mean unfiltered; Limit and
// ScoreThreshold get defaults when unset.
type SearchOptions struct {
	ContentTypes    []string
	Classifications []Classification
	TimeStart       time.Time
	TimeEnd         time.Time
	Limit           int
	ScoreThreshold  float64
	// ThresholdSet distinguishes an explicit 0 threshold (fetch-everything
	// idiom) from an unset one that should default to 0.7.
	ThresholdSet bool
}

const (
	defaultSearchLimit    = 10
	defaultScoreThreshold = 0.7
	scrollWindow          = 1000
)

// Result is one retrieved memory.
type Result struct {
	ID             string
	Score          float64
	Content        string
	ContentType    string
	Classification Classification
	Timestamp      time.Time
	Metadata       map[string]interface{}
	OriginalID     string
}

// Stats summarizes one actor's collection. TotalMemories comes from the
// vector index itself; the breakdowns scan a bounded window and are an
// approximation once the collection outgrows it.
type Stats struct {
	TotalMemories            int64
	MemoriesByType           map[string]int
	MemoriesByClassification map[Classification]int
	OldestMemory             time.Time
	NewestMemory             time.Time
}

// ErrNotFound marks a missing actor, collection, or memory.
var ErrNotFound = errors.New("not found")

// ValidationError marks malformed input such as an empty actor id.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

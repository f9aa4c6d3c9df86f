// Package store provides the relational side of the memory subsystem: the
// actor collection registry with its cached memory counts, and the tables
// backing conversation capture. Backed by SQLite through the pure-Go
// modernc driver so the relational store builds without cgo.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"lorebank/internal/logging"
)

// DB wraps the relational database handle.
type DB struct {
	db *sql.DB
}

// Open opens or creates the relational database at path. Use ":memory:"
// for tests.
func Open(path string) (*DB, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("set busy_timeout failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("set journal_mode=WAL failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("set foreign_keys=ON failed: %v", err)
	}

	s := &DB{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS actor_collections (
		actor_id        TEXT PRIMARY KEY,
		actor_kind      TEXT NOT NULL,
		collection_name TEXT NOT NULL UNIQUE,
		campaign_id     INTEGER,
		dimensions      INTEGER NOT NULL,
		memory_count    INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id                TEXT PRIMARY KEY,
		campaign_id       INTEGER,
		conversation_type TEXT NOT NULL,
		participants      TEXT NOT NULL,
		is_private        INTEGER NOT NULL DEFAULT 0,
		metadata          TEXT,
		message_count     INTEGER NOT NULL DEFAULT 0,
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_messages (
		id                  TEXT PRIMARY KEY,
		conversation_id     TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		campaign_id         INTEGER,
		sender_id           TEXT NOT NULL,
		sender_type         TEXT NOT NULL,
		content             TEXT NOT NULL,
		timestamp           DATETIME NOT NULL,
		message_index       INTEGER NOT NULL,
		entities            TEXT,
		action_type         TEXT,
		game_state          TEXT,
		is_stored_in_memory INTEGER NOT NULL DEFAULT 0,
		vector_id           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON conversation_messages(sender_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_type ON conversations(conversation_type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create store schema: %w", err)
	}
	return nil
}

// Conn exposes the underlying handle for packages that own their own
// tables in this database.
func (s *DB) Conn() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// ActorCollection is one row of the collection registry. MemoryCount is a
// cached count of vectors in the actor's collection; the vector index is
// authoritative and the cache may lag behind it.
type ActorCollection struct {
	ActorID        string
	ActorKind      string
	CollectionName string
	CampaignID     *int64
	Dimensions     int
	MemoryCount    int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertActorCollection records the collection for an actor, keeping the
// existing memory count on conflict.
func (s *DB) UpsertActorCollection(ctx context.Context, ac *ActorCollection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actor_collections (actor_id, actor_kind, collection_name, campaign_id, dimensions)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_id) DO UPDATE SET
			actor_kind = excluded.actor_kind,
			collection_name = excluded.collection_name,
			campaign_id = COALESCE(excluded.campaign_id, actor_collections.campaign_id),
			dimensions = excluded.dimensions,
			updated_at = CURRENT_TIMESTAMP`,
		ac.ActorID, ac.ActorKind, ac.CollectionName, ac.CampaignID, ac.Dimensions)
	if err != nil {
		return fmt.Errorf("upsert actor collection %s: %w", ac.ActorID, err)
	}
	return nil
}

// GetActorCollection returns the registry row for an actor, or
// sql.ErrNoRows wrapped if absent.
func (s *DB) GetActorCollection(ctx context.Context, actorID string) (*ActorCollection, error) {
	ac := &ActorCollection{}
	err := s.db.QueryRowContext(ctx, `
		SELECT actor_id, actor_kind, collection_name, campaign_id, dimensions, memory_count, created_at, updated_at
		FROM actor_collections WHERE actor_id = ?`, actorID).
		Scan(&ac.ActorID, &ac.ActorKind, &ac.CollectionName, &ac.CampaignID, &ac.Dimensions,
			&ac.MemoryCount, &ac.CreatedAt, &ac.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get actor collection %s: %w", actorID, err)
	}
	return ac, nil
}

// ListActorCollections returns every registry row.
func (s *DB) ListActorCollections(ctx context.Context) ([]*ActorCollection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, actor_kind, collection_name, campaign_id, dimensions, memory_count, created_at, updated_at
		FROM actor_collections ORDER BY actor_id`)
	if err != nil {
		return nil, fmt.Errorf("list actor collections: %w", err)
	}
	defer rows.Close()

	var out []*ActorCollection
	for rows.Next() {
		ac := &ActorCollection{}
		if err := rows.Scan(&ac.ActorID, &ac.ActorKind, &ac.CollectionName, &ac.CampaignID, &ac.Dimensions,
			&ac.MemoryCount, &ac.CreatedAt, &ac.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}

// AddMemoryCount adjusts the cached memory count for an actor. Callers
// treat failures as non-fatal; the count is advisory.
func (s *DB) AddMemoryCount(ctx context.Context, actorID string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actor_collections
		SET memory_count = MAX(0, memory_count + ?), updated_at = CURRENT_TIMESTAMP
		WHERE actor_id = ?`, delta, actorID)
	if err != nil {
		return fmt.Errorf("add memory count for %s: %w", actorID, err)
	}
	return nil
}

// SetMemoryCount overwrites the cached memory count, used when
// resynchronizing from the vector index.
func (s *DB) SetMemoryCount(ctx context.Context, actorID string, count int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actor_collections
		SET memory_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE actor_id = ?`, count, actorID)
	if err != nil {
		return fmt.Errorf("set memory count for %s: %w", actorID, err)
	}
	return nil
}

// DeleteActorCollection removes an actor's registry row.
func (s *DB) DeleteActorCollection(ctx context.Context, actorID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM actor_collections WHERE actor_id = ?", actorID)
	if err != nil {
		return fmt.Errorf("delete actor collection %s: %w", actorID, err)
	}
	return nil
}

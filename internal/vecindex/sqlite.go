package vecindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"lorebank/internal/embedding"
	"lorebank/internal/logging"
)

// SQLiteIndex implements Index on a single SQLite database. Vectors are
// stored as JSON arrays and scanned with brute-force cosine similarity,
// which is exact and fast enough for per-actor collections. When sqlite-vec
// is compiled in (sqlite_vec build tag) its availability is detected and
// logged; the scan path stays the same either way.
type SQLiteIndex struct {
	db        *sql.DB
	mu        sync.RWMutex
	vectorExt bool
}

// Open opens or creates the vector index database at path. Use ":memory:"
// for tests.
func Open(path string) (*SQLiteIndex, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.VectorDebug("set busy_timeout failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.VectorDebug("set journal_mode=WAL failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.VectorDebug("set synchronous=NORMAL failed: %v", err)
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	idx.detectVecExtension()
	if idx.vectorExt {
		logging.Vector("sqlite-vec extension detected")
	} else {
		logging.VectorDebug("sqlite-vec extension not available, using brute-force scan")
	}

	return idx, nil
}

func (x *SQLiteIndex) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name       TEXT PRIMARY KEY,
		dimensions INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS points (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		embedding  TEXT NOT NULL,
		payload    TEXT,
		seq        INTEGER,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_points_collection ON points(collection);
	`
	if _, err := x.db.Exec(schema); err != nil {
		return fmt.Errorf("create vector index schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for vec0 virtual table support.
func (x *SQLiteIndex) detectVecExtension() {
	if _, err := x.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		x.vectorExt = true
		_, _ = x.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	x.vectorExt = false
}

// EnsureCollection creates the collection row if absent. Racing creators
// both succeed.
func (x *SQLiteIndex) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	if name == "" {
		return fmt.Errorf("collection name required")
	}
	if dimensions <= 0 {
		return fmt.Errorf("collection %s: dimensions must be positive", name)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, dimensions) VALUES (?, ?)",
		name, dimensions)
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	logging.VectorDebug("collection ensured: %s (dim=%d)", name, dimensions)
	return nil
}

// DropCollection removes the collection and all of its points.
func (x *SQLiteIndex) DropCollection(ctx context.Context, name string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM points WHERE collection = ?", name); err != nil {
		return fmt.Errorf("drop collection %s points: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}

	logging.Vector("collection dropped: %s", name)
	return nil
}

// ListCollections returns all collection names.
func (x *SQLiteIndex) ListCollections(ctx context.Context) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CollectionInfo returns statistics for one collection.
func (x *SQLiteIndex) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	info := &CollectionInfo{Name: name}
	err := x.db.QueryRowContext(ctx,
		"SELECT dimensions FROM collections WHERE name = ?", name).Scan(&info.Dimensions)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("collection not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("collection info %s: %w", name, err)
	}

	if err := x.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM points WHERE collection = ?", name).Scan(&info.PointCount); err != nil {
		return nil, fmt.Errorf("collection info %s: %w", name, err)
	}
	return info, nil
}

// Upsert inserts or replaces points in one transaction. The commit itself
// provides the durability that wait=true requests; with wait=false the
// semantics are identical here, the flag exists for index backends with
// asynchronous ingestion.
func (x *SQLiteIndex) Upsert(ctx context.Context, collection string, points []Point, wait bool) error {
	if len(points) == 0 {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryVector, "Upsert")
	defer timer.Stop()

	x.mu.Lock()
	defer x.mu.Unlock()

	var dims int
	err := x.db.QueryRowContext(ctx,
		"SELECT dimensions FROM collections WHERE name = ?", collection).Scan(&dims)
	if err == sql.ErrNoRows {
		return fmt.Errorf("collection not found: %s", collection)
	}
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", collection, err)
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", collection, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO points (collection, id, embedding, payload, seq)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM points WHERE collection = ?))`)
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", collection, err)
	}
	defer stmt.Close()

	for _, p := range points {
		if len(p.Vector) != dims {
			return fmt.Errorf("upsert into %s: point %s has %d dimensions, collection expects %d",
				collection, p.ID, len(p.Vector), dims)
		}
		vecJSON, err := json.Marshal(p.Vector)
		if err != nil {
			return fmt.Errorf("serialize vector for %s: %w", p.ID, err)
		}
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("serialize payload for %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, collection, p.ID, string(vecJSON), string(payloadJSON), collection); err != nil {
			return fmt.Errorf("upsert point %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert into %s: %w", collection, err)
	}

	logging.VectorDebug("upserted %d points into %s (wait=%v)", len(points), collection, wait)
	return nil
}

// Search scans the collection, filters by payload, and ranks by cosine
// similarity.
func (x *SQLiteIndex) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, scoreThreshold float64) ([]ScoredPoint, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.QueryContext(ctx,
		"SELECT id, embedding, payload FROM points WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	defer rows.Close()

	var results []ScoredPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", collection, err)
		}
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		score := embedding.Cosine(vector, p.Vector)
		if score < scoreThreshold {
			continue
		}
		results = append(results, ScoredPoint{Point: p, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	logging.VectorDebug("search in %s returned %d results (limit=%d threshold=%.2f)",
		collection, len(results), limit, scoreThreshold)
	return results, nil
}

// Scroll returns filtered points with no ranking, in insertion order.
func (x *SQLiteIndex) Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error) {
	if limit <= 0 {
		limit = 1000
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.QueryContext(ctx,
		"SELECT id, embedding, payload FROM points WHERE collection = ? ORDER BY seq", collection)
	if err != nil {
		return nil, fmt.Errorf("scroll %s: %w", collection, err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", collection, err)
		}
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		points = append(points, p)
		if len(points) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scroll %s: %w", collection, err)
	}
	return points, nil
}

// Delete removes points by id.
func (x *SQLiteIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM points WHERE collection = ? AND id = ?")
	if err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, collection, id); err != nil {
			return fmt.Errorf("delete point %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	logging.VectorDebug("deleted %d points from %s", len(ids), collection)
	return nil
}

// Close closes the database.
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

func scanPoint(rows *sql.Rows) (Point, error) {
	var p Point
	var vecJSON string
	var payloadJSON sql.NullString

	if err := rows.Scan(&p.ID, &vecJSON, &payloadJSON); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(vecJSON), &p.Vector); err != nil {
		return p, fmt.Errorf("parse vector for %s: %w", p.ID, err)
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &p.Payload); err != nil {
			return p, fmt.Errorf("parse payload for %s: %w", p.ID, err)
		}
	}
	return p, nil
}

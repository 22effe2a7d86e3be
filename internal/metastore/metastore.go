// Package metastore persists per-stream control metadata (tombstone
// state, max-age, max-count, truncate-before, cache-control) in a
// WAL-mode SQLite database, append-only the way the teacher's
// internal/storage/sqlite keeps its chronicle_route_index and entries
// tables: every metadata change is inserted as a new revision row
// rather than updated in place, and a trigger forbids UPDATE/DELETE on
// the revision log. Store implements reader.MetadataProvider by
// reading the latest revision per stream.
package metastore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"chronicles/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_metadata_revisions (
	stream TEXT NOT NULL,
	revision INTEGER NOT NULL,
	tombstoned INTEGER NOT NULL DEFAULT 0,
	max_age_ns INTEGER NOT NULL DEFAULT 0,
	max_count INTEGER NOT NULL DEFAULT 0,
	truncate_before INTEGER NOT NULL DEFAULT 0,
	cache_control_ns INTEGER NOT NULL DEFAULT 0,
	custom_json TEXT NOT NULL DEFAULT '{}',
	recorded_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (stream, revision)
);

CREATE INDEX IF NOT EXISTS idx_stream_metadata_latest ON stream_metadata_revisions(stream, revision DESC);

CREATE TRIGGER IF NOT EXISTS trg_stream_metadata_no_update
BEFORE UPDATE ON stream_metadata_revisions
BEGIN
	SELECT RAISE(ABORT, 'stream metadata revisions are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_stream_metadata_no_delete
BEFORE DELETE ON stream_metadata_revisions
BEGIN
	SELECT RAISE(ABORT, 'stream metadata revisions are append-only: DELETE forbidden');
END;
`

// Store is a SQLite-backed, append-only revision log of stream
// metadata. It satisfies reader.MetadataProvider.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[domain.StreamID]domain.StreamMetadata
}

// Open creates (if needed) and opens the metadata database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir metastore dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metastore db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s := &Store{db: db, cache: make(map[domain.StreamID]domain.StreamMetadata)}
	if err := s.warmCache(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warmCache() error {
	rows, err := s.db.Query(`
SELECT r.stream, r.tombstoned, r.max_age_ns, r.max_count, r.truncate_before, r.cache_control_ns, r.custom_json
FROM stream_metadata_revisions r
INNER JOIN (SELECT stream, MAX(revision) AS revision FROM stream_metadata_revisions GROUP BY stream) latest
ON r.stream = latest.stream AND r.revision = latest.revision`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var stream string
		var tombstoned int
		var maxAgeNs, truncateBefore, cacheControlNs int64
		var maxCount int64
		var customJSON string
		if err := rows.Scan(&stream, &tombstoned, &maxAgeNs, &maxCount, &truncateBefore, &cacheControlNs, &customJSON); err != nil {
			return err
		}
		s.cache[domain.StreamID(stream)] = decodeMetadata(tombstoned, maxAgeNs, maxCount, truncateBefore, cacheControlNs, customJSON)
	}
	return rows.Err()
}

// IsTombstoned reports whether the stream currently carries a
// tombstone revision.
func (s *Store) IsTombstoned(stream domain.StreamID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.cache[stream]
	return ok && meta.Custom["__tombstoned"] == "true"
}

// Metadata returns the latest revision's control attributes for stream.
func (s *Store) Metadata(stream domain.StreamID) domain.StreamMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[stream]
}

// Record appends a new metadata revision for stream and updates the
// in-memory read cache. revision must be the metadata stream's event
// number (monotonic per stream) so replays are idempotent.
func (s *Store) Record(stream domain.StreamID, revision int64, tombstoned bool, meta domain.StreamMetadata, at time.Time) error {
	custom := meta.Custom
	if tombstoned {
		if custom == nil {
			custom = map[string]string{}
		} else {
			cp := make(map[string]string, len(custom)+1)
			for k, v := range custom {
				cp[k] = v
			}
			custom = cp
		}
		custom["__tombstoned"] = "true"
	}
	customJSON, err := json.Marshal(custom)
	if err != nil {
		return fmt.Errorf("marshal custom metadata: %w", err)
	}

	tombstonedInt := 0
	if tombstoned {
		tombstonedInt = 1
	}
	res, err := s.db.Exec(`
INSERT INTO stream_metadata_revisions(
	stream, revision, tombstoned, max_age_ns, max_count, truncate_before, cache_control_ns, custom_json, recorded_at_utc_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(stream, revision) DO NOTHING`,
		string(stream), revision, tombstonedInt, int64(meta.MaxAge), meta.MaxCount, int64(meta.TruncateBefore), int64(meta.CacheControl), string(customJSON), at.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert metadata revision: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// A replayed revision leaves the stored row and the cache as they were.
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	merged := meta
	merged.Custom = custom
	merged.Version = revision
	s.cache[stream] = merged
	return nil
}

func decodeMetadata(tombstoned int, maxAgeNs, maxCount, truncateBefore, cacheControlNs int64, customJSON string) domain.StreamMetadata {
	custom := map[string]string{}
	_ = json.Unmarshal([]byte(customJSON), &custom)
	if tombstoned != 0 {
		custom["__tombstoned"] = "true"
	}
	return domain.StreamMetadata{
		MaxAge:         time.Duration(maxAgeNs),
		MaxCount:       maxCount,
		TruncateBefore: domain.EventNumber(truncateBefore),
		CacheControl:   time.Duration(cacheControlNs),
		Custom:         custom,
	}
}

// Package store implements the local record store: durable, crash-consistent
// persistence for the detection and training-image collections. Each
// collection is kept as a single versioned JSON snapshot row in SQLite, and
// every mutation path persists through a merge keyed by record ID so a stale
// in-memory copy can never clobber a concurrently written record.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/irisync/irisync/internal/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCorrupt is returned when a stored collection snapshot cannot be decoded.
// The bad payload is preserved in the corrupt_blobs table and the live row is
// reset, so callers treat the collection as empty and later writes succeed.
var ErrCorrupt = errors.New("stored collection is corrupt")

// collectionSchema is the snapshot envelope version written by this build.
const collectionSchema = 1

const (
	detectionsCollection = "detections"
	trainingCollection   = "training_images"
)

// envelope wraps a collection snapshot with its schema version.
type envelope struct {
	Schema  int             `json:"schema"`
	Records json.RawMessage `json:"records"`
}

// CorruptBlob is a quarantined snapshot kept for diagnostics.
type CorruptBlob struct {
	ID         int64
	Collection string
	Payload    string
	DetectedAt time.Time
}

// Store wraps a SQLite database holding both record collections.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// One mutex per collection serializes load-merge-save cycles.
	detMu   sync.Mutex
	trainMu sync.Mutex
}

// Open opens (or creates) the store database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "irisync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migration files that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Detections ---

// LoadDetections returns the persisted detection collection. A snapshot that
// cannot be decoded is quarantined and reported as ErrCorrupt; the caller
// treats the collection as empty.
func (s *Store) LoadDetections(ctx context.Context) ([]record.DetectionRecord, error) {
	s.detMu.Lock()
	defer s.detMu.Unlock()
	return s.loadDetectionsLocked(ctx)
}

// SaveDetections overwrites the detection collection with one atomic snapshot.
func (s *Store) SaveDetections(ctx context.Context, recs []record.DetectionRecord) error {
	s.detMu.Lock()
	defer s.detMu.Unlock()
	return s.saveSnapshot(ctx, detectionsCollection, recs)
}

// MergeDetections persists the union of the stored collection and recs keyed
// by record ID, and returns the merged snapshot. An incoming record replaces
// the stored one except that Synced=true is sticky. This is the only persist
// path the sync engine and mutation API use.
func (s *Store) MergeDetections(ctx context.Context, recs []record.DetectionRecord) ([]record.DetectionRecord, error) {
	s.detMu.Lock()
	defer s.detMu.Unlock()

	current, err := s.loadDetectionsLocked(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return nil, err
		}
		s.logger.Warn("merging over quarantined detection snapshot", "error", err)
		current = nil
	}

	merged := mergeDetections(current, recs)
	if err := s.saveSnapshot(ctx, detectionsCollection, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Store) loadDetectionsLocked(ctx context.Context) ([]record.DetectionRecord, error) {
	raw, ok, err := s.getBlob(ctx, detectionsCollection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var recs []record.DetectionRecord
	if err := decodeSnapshot(raw, &recs); err != nil {
		if qErr := s.quarantine(ctx, detectionsCollection, raw); qErr != nil {
			return nil, fmt.Errorf("quarantining corrupt snapshot: %w", qErr)
		}
		return nil, fmt.Errorf("decoding %s snapshot: %w: %v", detectionsCollection, ErrCorrupt, err)
	}
	return recs, nil
}

func mergeDetections(current, incoming []record.DetectionRecord) []record.DetectionRecord {
	index := make(map[string]int, len(current))
	merged := make([]record.DetectionRecord, len(current))
	copy(merged, current)
	for i, r := range merged {
		index[r.ID] = i
	}
	for _, r := range incoming {
		if i, ok := index[r.ID]; ok {
			r.Synced = r.Synced || merged[i].Synced
			merged[i] = r
			continue
		}
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}
	return merged
}

// --- Training images ---

// LoadTrainingImages returns the persisted training-image collection, with
// the same corruption handling as LoadDetections.
func (s *Store) LoadTrainingImages(ctx context.Context) ([]record.TrainingImageRecord, error) {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()
	return s.loadTrainingLocked(ctx)
}

// SaveTrainingImages overwrites the training-image collection atomically.
func (s *Store) SaveTrainingImages(ctx context.Context, recs []record.TrainingImageRecord) error {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()
	return s.saveSnapshot(ctx, trainingCollection, recs)
}

// MergeTrainingImages is MergeDetections for the training collection; both
// Synced=true and Validated=true are sticky across merges.
func (s *Store) MergeTrainingImages(ctx context.Context, recs []record.TrainingImageRecord) ([]record.TrainingImageRecord, error) {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	current, err := s.loadTrainingLocked(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return nil, err
		}
		s.logger.Warn("merging over quarantined training snapshot", "error", err)
		current = nil
	}

	merged := mergeTrainingImages(current, recs)
	if err := s.saveSnapshot(ctx, trainingCollection, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Store) loadTrainingLocked(ctx context.Context) ([]record.TrainingImageRecord, error) {
	raw, ok, err := s.getBlob(ctx, trainingCollection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var recs []record.TrainingImageRecord
	if err := decodeSnapshot(raw, &recs); err != nil {
		if qErr := s.quarantine(ctx, trainingCollection, raw); qErr != nil {
			return nil, fmt.Errorf("quarantining corrupt snapshot: %w", qErr)
		}
		return nil, fmt.Errorf("decoding %s snapshot: %w: %v", trainingCollection, ErrCorrupt, err)
	}
	return recs, nil
}

func mergeTrainingImages(current, incoming []record.TrainingImageRecord) []record.TrainingImageRecord {
	index := make(map[string]int, len(current))
	merged := make([]record.TrainingImageRecord, len(current))
	copy(merged, current)
	for i, r := range merged {
		index[r.ID] = i
	}
	for _, r := range incoming {
		if i, ok := index[r.ID]; ok {
			prev := merged[i]
			r.Synced = r.Synced || prev.Synced
			if prev.Validated && !r.Validated {
				r.Validated = true
				if r.ValidationReason == "" {
					r.ValidationReason = prev.ValidationReason
				}
			}
			merged[i] = r
			continue
		}
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}
	return merged
}

// --- Snapshot plumbing ---

func decodeSnapshot(raw string, out any) error {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("parsing envelope: %w", err)
	}
	if env.Schema != collectionSchema {
		return fmt.Errorf("unsupported snapshot schema %d", env.Schema)
	}
	if err := json.Unmarshal(env.Records, out); err != nil {
		return fmt.Errorf("parsing records: %w", err)
	}
	return nil
}

func (s *Store) saveSnapshot(ctx context.Context, collection string, recs any) error {
	records, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encoding %s records: %w", collection, err)
	}
	payload, err := json.Marshal(envelope{Schema: collectionSchema, Records: records})
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", collection, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collections (name, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		collection, string(payload), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving %s snapshot: %w", collection, err)
	}
	return nil
}

func (s *Store) getBlob(ctx context.Context, collection string) (string, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM collections WHERE name = ?", collection).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading %s snapshot: %w", collection, err)
	}
	return payload, true, nil
}

// quarantine moves a bad snapshot into corrupt_blobs and clears the live row
// so subsequent writes start from an empty collection.
func (s *Store) quarantine(ctx context.Context, collection, payload string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning quarantine transaction: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`INSERT INTO corrupt_blobs (collection, payload, detected_at) VALUES (?, ?, ?)`,
		collection, payload, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("preserving corrupt blob: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM collections WHERE name = ?`, collection); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing corrupt snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing quarantine: %w", err)
	}
	s.logger.Warn("quarantined corrupt collection snapshot", "collection", collection, "bytes", len(payload))
	return nil
}

// CorruptBlobs lists quarantined snapshots, newest first.
func (s *Store) CorruptBlobs(ctx context.Context) ([]CorruptBlob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, payload, detected_at FROM corrupt_blobs ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blobs []CorruptBlob
	for rows.Next() {
		var b CorruptBlob
		var detectedAt string
		if err := rows.Scan(&b.ID, &b.Collection, &b.Payload, &detectedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, detectedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing detected_at: %w", err)
		}
		b.DetectedAt = t
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

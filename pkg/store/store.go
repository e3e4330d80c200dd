// Package store provides the durable fingerprint store: a SQLite-backed
// map from head commit SHA to the serialized merge-pipeline record.
//
// Rows are keyed by (owner, repo, sha) rather than SHA alone so that two
// pull requests in different repositories sharing a head SHA cannot
// collide. Lookups by bare SHA remain the common path because status
// webhooks carry only the commit.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"mergebot/pkg/logx"
	"mergebot/pkg/model"
)

// CurrentSchemaVersion guards against running on a database written by an
// incompatible build. There is no migration path; operators wipe the
// database when the record shape changes.
const CurrentSchemaVersion = 1

// Store is the fingerprint database handle. The engine serializes all
// access behind its delivery mutex, so the store only needs the
// single-writer guarantees SQLite already provides.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the fingerprint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logx.NewLogger("store")}
	s.logger.Info("Fingerprint store opened: %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	switch version {
	case 0:
		return createSchema(db)
	case CurrentSchemaVersion:
		return nil
	default:
		return fmt.Errorf("unsupported schema version %d (want %d); wipe the database and restart", version, CurrentSchemaVersion)
	}
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS fingerprints (
			owner      TEXT NOT NULL,
			repo       TEXT NOT NULL,
			sha        TEXT NOT NULL,
			data       BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (owner, repo, sha)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fingerprints_sha ON fingerprints (sha)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		// Table absent means a fresh database.
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// Put inserts or replaces the record keyed by its identity and SHA.
// SHA rewrites are modeled by the caller as delete-then-put.
func (s *Store) Put(mr *model.MergeRequest) error {
	data, err := mr.Encode()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO fingerprints (owner, repo, sha, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, repo, sha) DO UPDATE SET
			data = excluded.data
	`
	_, err = s.db.Exec(query, mr.Owner, mr.Repo, strings.TrimSpace(mr.SHA), data)
	if err != nil {
		return fmt.Errorf("failed to put fingerprint %s@%s: %w", mr.Ref(), mr.SHA, err)
	}
	return nil
}

// GetBySHA returns the record stored under sha, or nil when absent.
// When the pathological cross-repo SHA collision occurs, the first row in
// (owner, repo) order wins; callers that know the repository should use
// GetByRepoSHA.
func (s *Store) GetBySHA(sha string) (*model.MergeRequest, error) {
	row := s.db.QueryRow(
		`SELECT data FROM fingerprints WHERE sha = ? ORDER BY owner, repo LIMIT 1`,
		strings.TrimSpace(sha),
	)
	return scanRecord(row)
}

// GetByRepoSHA returns the record for a specific repository and SHA.
func (s *Store) GetByRepoSHA(owner, repo, sha string) (*model.MergeRequest, error) {
	row := s.db.QueryRow(
		`SELECT data FROM fingerprints WHERE owner = ? AND repo = ? AND sha = ?`,
		owner, repo, strings.TrimSpace(sha),
	)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (*model.MergeRequest, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read fingerprint: %w", err)
	}
	return model.DecodeMergeRequest(data)
}

// Delete removes the record keyed by (owner, repo, sha). Deleting an
// absent key is not an error.
func (s *Store) Delete(owner, repo, sha string) error {
	_, err := s.db.Exec(
		`DELETE FROM fingerprints WHERE owner = ? AND repo = ? AND sha = ?`,
		owner, repo, strings.TrimSpace(sha),
	)
	if err != nil {
		return fmt.Errorf("failed to delete fingerprint %s/%s@%s: %w", owner, repo, sha, err)
	}
	return nil
}

// List returns every stored record in insertion order. rowid, not
// created_at: the timestamp has second granularity, and rows seeded in
// the same second must still come back in the order they were put.
func (s *Store) List() ([]*model.MergeRequest, error) {
	rows, err := s.db.Query(`SELECT data FROM fingerprints ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan fingerprints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*model.MergeRequest
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to read fingerprint row: %w", err)
		}
		mr, err := model.DecodeMergeRequest(data)
		if err != nil {
			return nil, err
		}
		records = append(records, mr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fingerprints: %w", err)
	}
	return records, nil
}

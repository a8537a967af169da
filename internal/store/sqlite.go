package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cloudidian/internal/model"

	_ "modernc.org/sqlite"
)

// Metadata keys.
const (
	KeyAPIURL       = "apiUrl"
	KeyCurrentJobID = "current_job_id"
)

// ErrIncompleteCredential is returned when asked to persist half a credential.
var ErrIncompleteCredential = errors.New("credential must carry both token and user")

// SQLiteStore is the durable key-value store for credentials, settings and
// the read-only job cache.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at the given path and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	_, _ = db.Exec("PRAGMA busy_timeout=5000")

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	token      TEXT NOT NULL,
	user_json  TEXT NOT NULL,
	saved_at   INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id     TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	job_json   TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS categories (
	position INTEGER PRIMARY KEY,
	name     TEXT NOT NULL,
	color    TEXT NOT NULL DEFAULT '',
	label    TEXT NOT NULL DEFAULT ''
);
`
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCredential replaces the stored credential. Token and user are written
// in the same row, so a reader never sees one without the other.
func (s *SQLiteStore) SaveCredential(ctx context.Context, c model.Credential) error {
	if !c.Complete() {
		return ErrIncompleteCredential
	}
	userJSON, err := json.Marshal(c.User)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, token, user_json) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token     = excluded.token,
			user_json = excluded.user_json,
			saved_at  = strftime('%s','now')
	`, c.Token, string(userJSON))
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadCredential returns a copy of the stored credential. ok is false when
// nothing (or something unusable) is stored.
func (s *SQLiteStore) LoadCredential(ctx context.Context) (model.Credential, bool, error) {
	var token, userJSON string
	err := s.db.QueryRowContext(ctx, "SELECT token, user_json FROM credentials WHERE id = 1").Scan(&token, &userJSON)
	if err == sql.ErrNoRows {
		return model.Credential{}, false, nil
	}
	if err != nil {
		return model.Credential{}, false, fmt.Errorf("load credential: %w", err)
	}
	var c model.Credential
	c.Token = token
	if err := json.Unmarshal([]byte(userJSON), &c.User); err != nil || !c.Complete() {
		return model.Credential{}, false, nil
	}
	return c, true, nil
}

func (s *SQLiteStore) ClearCredential(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials"); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// Token returns the stored bearer token, or "" when signed out.
func (s *SQLiteStore) Token(ctx context.Context) (string, error) {
	c, ok, err := s.LoadCredential(ctx)
	if err != nil || !ok {
		return "", err
	}
	return c.Token, nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return val, err
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *SQLiteStore) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM metadata WHERE key = ?", key)
	return err
}

// CacheJob stores the latest polled copy of a job.
func (s *SQLiteStore) CacheJob(ctx context.Context, j model.Job) error {
	if j.JobID == "" {
		return fmt.Errorf("cache job: empty job id")
	}
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, status, job_json) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status     = excluded.status,
			job_json   = excluded.job_json,
			updated_at = strftime('%s','now')
	`, j.JobID, string(j.Status), string(b))
	return err
}

func (s *SQLiteStore) CachedJob(ctx context.Context, jobID string) (model.Job, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT job_json FROM jobs WHERE job_id = ?", jobID).Scan(&raw)
	if err == sql.ErrNoRows {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, err
	}
	var j model.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return model.Job{}, false, fmt.Errorf("decode cached job %s: %w", jobID, err)
	}
	return j, true, nil
}

// RecentJobs returns up to limit cached jobs, most recently updated first.
func (s *SQLiteStore) RecentJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_json FROM jobs ORDER BY updated_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var j model.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CacheCategories replaces the cached category list, keeping its order.
func (s *SQLiteStore) CacheCategories(ctx context.Context, cats []model.Category) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM categories"); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO categories (position, name, color, label) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, c := range cats {
		if _, err := stmt.ExecContext(ctx, i, c.Name, c.Color, c.GmailLabel); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) CachedCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, color, label FROM categories ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cats []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.Name, &c.Color, &c.GmailLabel); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

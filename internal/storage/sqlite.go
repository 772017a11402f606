package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"jobrunner/internal/job"
	"jobrunner/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "jobs.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; every call gets
	// its own connection from this pool, none is shared across goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, name, command, parameters, tags, metadata, priority, timeout_sec,
	max_retries, status, created_at, scheduled_at, started_at, completed_at,
	retry_count, error_message, result`

func (s *sqliteStore) Save(j *job.Job) error {
	if s.db == nil {
		return ErrClosed
	}
	r, err := encodeJob(j)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return err
	}
	md, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO jobs (`+jobColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Name, r.Command, string(r.Parameters), string(tags), string(md),
		r.Priority, r.TimeoutSec, r.MaxRetries, r.Status,
		r.CreatedAt, nullStr(r.ScheduledAt), nullStr(r.StartedAt), nullStr(r.CompletedAt),
		r.RetryCount, nullStr(r.ErrorMessage), nullStr(string(r.Result)),
	)
	return err
}

func (s *sqliteStore) Update(j *job.Job) error { return s.Save(j) }

func (s *sqliteStore) Get(id string) (*job.Job, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *sqliteStore) Delete(id string) (bool, error) {
	if s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) List(status job.Status, limit int) ([]*job.Job, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Count(status job.Status) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	}
	return n, err
}

func (s *sqliteStore) Cleanup(olderThanDays int) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	cutoff := encodeTime(cleanupCutoff(olderThanDays))
	res, err := s.db.Exec(
		`DELETE FROM jobs WHERE status IN (?,?,?) AND created_at < ?`,
		string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCancelled), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var r record
	var params, tags, md, result, scheduled, started, completed, errMsg sql.NullString
	err := row.Scan(
		&r.ID, &r.Name, &r.Command, &params, &tags, &md, &r.Priority, &r.TimeoutSec,
		&r.MaxRetries, &r.Status, &r.CreatedAt, &scheduled, &started, &completed,
		&r.RetryCount, &errMsg, &result,
	)
	if err != nil {
		return nil, err
	}
	if params.Valid {
		r.Parameters = json.RawMessage(params.String)
	}
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return nil, fmt.Errorf("storage: job %s: tags: %w", r.ID, err)
		}
	}
	if md.Valid && md.String != "" && md.String != "null" {
		if err := json.Unmarshal([]byte(md.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("storage: job %s: metadata: %w", r.ID, err)
		}
	}
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	r.ScheduledAt = scheduled.String
	r.StartedAt = started.String
	r.CompletedAt = completed.String
	r.ErrorMessage = errMsg.String
	return decodeJob(r)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

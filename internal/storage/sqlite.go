package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "droidsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) SaveTemplate(ctx context.Context, t Template) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("template id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates(id, name, task, spec, device_id, max_retries, timeout_ms)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, task=excluded.task, spec=excluded.spec,
		   device_id=excluded.device_id, max_retries=excluded.max_retries,
		   timeout_ms=excluded.timeout_ms`,
		t.ID, t.Name, t.Task, t.Spec, nullStr(t.DeviceID), t.MaxRetries, t.Timeout.Milliseconds(),
	)
	return err
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListTemplates(ctx context.Context) ([]Template, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, task, spec, COALESCE(device_id, ''), max_retries, timeout_ms FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var t Template
		var timeoutMS int64
		if err := rows.Scan(&t.ID, &t.Name, &t.Task, &t.Spec, &t.DeviceID, &t.MaxRetries, &timeoutMS); err != nil {
			return nil, err
		}
		t.Timeout = time.Duration(timeoutMS) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendJob(ctx context.Context, r JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, task, device_id, status, retry_count, max_retries,
		                  created_at, started_at, finished_at, duration_ms, steps, message, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Name, r.Task, nullStr(r.DeviceID), r.Status, r.RetryCount, r.MaxRetries,
		r.CreatedAt.Format(time.RFC3339Nano), nullTime(r.StartedAt), nullTime(r.FinishedAt),
		r.DurationMS, r.Steps, nullStr(r.Message), nullStr(r.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

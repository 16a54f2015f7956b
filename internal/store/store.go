// Package store persists the update records produced by each run.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"fleetupdater/internal/models"
)

const timeFormat = time.RFC3339Nano

// Store is a record store backed by SQLite or PostgreSQL.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     logrus.FieldLogger
}

// RunInfo summarises one stored run.
type RunInfo struct {
	RunID   string
	Updates int
}

// Open connects to dsn. A postgres:// URL selects PostgreSQL, anything else
// is treated as a SQLite database path whose directory is created if needed.
func Open(ctx context.Context, dsn string, log logrus.FieldLogger) (*Store, error) {
	dialect, driver := dialectFor(dsn)

	source := dsn
	if dialect.Name() == "sqlite" {
		if err := ensureDirectory(dsn); err != nil {
			return nil, err
		}
		source = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dsn)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name(), err)
	}
	if dialect.Name() == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect.Name(), err)
	}

	s := &Store{db: db, dialect: dialect, log: log.WithField("dialect", dialect.Name())}
	if dialect.Name() == "sqlite" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			s.log.WithError(err).Warn("could not enable WAL mode")
		}
	}
	return s, nil
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the record tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []struct {
		label string
		sql   string
	}{
		{"update_records", `
			CREATE TABLE IF NOT EXISTS update_records (
				id                 ` + s.dialect.AutoIncrement() + `,
				run_id             TEXT NOT NULL,
				agent_id           TEXT NOT NULL,
				tenant_id          TEXT NOT NULL,
				tenant_name        TEXT NOT NULL,
				parent_tenant_id   TEXT NOT NULL,
				parent_tenant_name TEXT NOT NULL,
				hostname           TEXT NOT NULL,
				os                 TEXT NOT NULL,
				version_before     TEXT NOT NULL,
				version_after      TEXT NOT NULL,
				activity_id        TEXT NOT NULL,
				created_at         TEXT NOT NULL,
				UNIQUE (run_id, agent_id)
			)`},
		{"update_records run index", `
			CREATE INDEX IF NOT EXISTS idx_update_records_run ON update_records(run_id)`},
	}

	for _, st := range statements {
		if _, err := s.db.ExecContext(ctx, st.sql); err != nil {
			return fmt.Errorf("migration failed at [%s]: %w", st.label, err)
		}
		s.log.WithField("step", st.label).Debug("migration applied")
	}
	return nil
}

// RecordUpdates stores records in one transaction. A record whose
// (run_id, agent_id) is already stored fails the whole batch.
func (s *Store) RecordUpdates(ctx context.Context, records []models.UpdateRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO update_records (
			run_id, agent_id, tenant_id, tenant_name, parent_tenant_id, parent_tenant_name,
			hostname, os, version_before, version_after, activity_id, created_at
		) VALUES (`+placeholders(s.dialect, 12)+`)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.RunID, r.AgentID.String(), r.TenantID.String(), r.TenantName,
			r.ParentTenantID.String(), r.ParentTenantName,
			r.Hostname, r.OS, r.VersionBefore, r.VersionAfter,
			r.ActivityID.String(), r.CreatedAt.UTC().Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("insert record for agent %s in run %s: %w", r.AgentID, r.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.WithFields(logrus.Fields{"run_id": records[0].RunID, "records": len(records)}).Info("update records stored")
	return nil
}

// ListRun returns the records of one run ordered by parent tenant, tenant
// and hostname.
func (s *Store) ListRun(ctx context.Context, runID string) ([]models.UpdateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, agent_id, tenant_id, tenant_name, parent_tenant_id, parent_tenant_name,
		       hostname, os, version_before, version_after, activity_id, created_at
		FROM update_records WHERE run_id = `+s.dialect.Placeholder(1)+`
		ORDER BY parent_tenant_name, tenant_name, hostname`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []models.UpdateRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRuns returns every stored run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*) FROM update_records
		GROUP BY run_id ORDER BY run_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var ri RunInfo
		if err := rows.Scan(&ri.RunID, &ri.Updates); err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (models.UpdateRecord, error) {
	var (
		r                                                models.UpdateRecord
		agentID, tenantID, parentID, activityID, created string
	)
	err := rows.Scan(
		&r.RunID, &agentID, &tenantID, &r.TenantName, &parentID, &r.ParentTenantName,
		&r.Hostname, &r.OS, &r.VersionBefore, &r.VersionAfter, &activityID, &created,
	)
	if err != nil {
		return r, fmt.Errorf("scan record: %w", err)
	}

	for _, f := range []struct {
		dst *uuid.UUID
		src string
	}{
		{&r.AgentID, agentID},
		{&r.TenantID, tenantID},
		{&r.ParentTenantID, parentID},
		{&r.ActivityID, activityID},
	} {
		if *f.dst, err = uuid.Parse(f.src); err != nil {
			return r, fmt.Errorf("scan record: %w", err)
		}
	}
	if r.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return r, fmt.Errorf("scan record created_at: %w", err)
	}
	return r, nil
}

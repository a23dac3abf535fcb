// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package store keeps the vault catalog (workspaces and their grants) and
// the audit log in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultFilename is the database file name inside the state directory.
const DefaultFilename = "avp.db"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DB is the catalog database.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path and brings its schema up to
// date.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	// The file may have been created with the process umask.
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("restricting database permissions: %w", err)
	}
	return d, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	state      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	deleted_at INTEGER
);

CREATE TABLE IF NOT EXISTS workspace_grants (
	workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
	caller       TEXT NOT NULL,
	PRIMARY KEY (workspace_id, caller)
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	timestamp    INTEGER NOT NULL,
	workspace_id TEXT NOT NULL,
	secret_name  TEXT NOT NULL,
	action       TEXT NOT NULL,
	result       TEXT NOT NULL,
	caller       TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_log(workspace_id, seq);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update
BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit log is append-only');
END;
`

func (d *DB) migrate() error {
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// WorkspaceRecord is a row of the workspaces table with its grants.
type WorkspaceRecord struct {
	ID        string
	Owner     string
	State     string
	Grants    []string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// GetWorkspace loads a workspace and its grants.
func (d *DB) GetWorkspace(ctx context.Context, id string) (*WorkspaceRecord, error) {
	var (
		rec       = &WorkspaceRecord{}
		createdAt int64
		deletedAt sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, owner, state, created_at, deleted_at FROM workspaces WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Owner, &rec.State, &createdAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying workspace: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64).UTC()
		rec.DeletedAt = &t
	}

	rec.Grants, err = d.grants(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *DB) grants(ctx context.Context, id string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT caller FROM workspace_grants WHERE workspace_id = ? ORDER BY caller`, id)
	if err != nil {
		return nil, fmt.Errorf("querying grants: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var callers []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning grant: %w", err)
		}
		callers = append(callers, c)
	}
	return callers, rows.Err()
}

// PutWorkspace inserts or replaces a workspace and its grants.
func (d *DB) PutWorkspace(ctx context.Context, rec *WorkspaceRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var deletedAt sql.NullInt64
	if rec.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: rec.DeletedAt.UnixNano(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workspaces (id, owner, state, created_at, deleted_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, state = excluded.state,
		 created_at = excluded.created_at, deleted_at = excluded.deleted_at`,
		rec.ID, rec.Owner, rec.State, rec.CreatedAt.UnixNano(), deletedAt,
	); err != nil {
		return fmt.Errorf("writing workspace: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workspace_grants WHERE workspace_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clearing grants: %w", err)
	}
	for _, caller := range rec.Grants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspace_grants (workspace_id, caller) VALUES (?, ?)`, rec.ID, caller,
		); err != nil {
			return fmt.Errorf("writing grant: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteWorkspace removes a workspace row and its grants.
func (d *DB) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("workspace %q: %w", id, ErrNotFound)
	}
	return nil
}

// ListWorkspaces returns every workspace ordered by id.
func (d *DB) ListWorkspaces(ctx context.Context) ([]*WorkspaceRecord, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id FROM workspaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck,gosec
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close() //nolint:errcheck,gosec
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recs := make([]*WorkspaceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := d.GetWorkspace(ctx, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// AuditRecord is a row of the audit_log table.
type AuditRecord struct {
	Seq         int64
	ID          string
	Timestamp   time.Time
	WorkspaceID string
	SecretName  string
	Action      string
	Result      string
	Caller      string
	Version     uint64
}

// AppendAudit inserts an audit record and returns its sequence number.
func (d *DB) AppendAudit(ctx context.Context, rec *AuditRecord) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, timestamp, workspace_id, secret_name, action, result, caller, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixNano(), rec.WorkspaceID, rec.SecretName,
		rec.Action, rec.Result, rec.Caller, int64(rec.Version), //nolint:gosec
	)
	if err != nil {
		return 0, fmt.Errorf("inserting audit record: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading audit sequence: %w", err)
	}
	return seq, nil
}

// LastAuditTimestamp returns the timestamp of the newest audit record, or
// the zero time for an empty log.
func (d *DB) LastAuditTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullInt64
	if err := d.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM audit_log`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("querying audit log: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ts.Int64).UTC(), nil
}

// AuditPage returns up to limit records with a sequence number above after,
// oldest first. An empty workspace matches every workspace.
func (d *DB) AuditPage(ctx context.Context, workspace string, since time.Time, after int64, limit int) ([]*AuditRecord, error) {
	conditions := []string{"seq > ?"}
	args := []any{after}
	if workspace != "" {
		conditions = append(conditions, "workspace_id = ?")
		args = append(args, workspace)
	}
	if !since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, since.UnixNano())
	}
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx,
		`SELECT seq, id, timestamp, workspace_id, secret_name, action, result, caller, version
		 FROM audit_log WHERE `+strings.Join(conditions, " AND ")+` ORDER BY seq LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var page []*AuditRecord
	for rows.Next() {
		var (
			rec     = &AuditRecord{}
			ts      int64
			version int64
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &ts, &rec.WorkspaceID, &rec.SecretName,
			&rec.Action, &rec.Result, &rec.Caller, &version); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Version = uint64(version) //nolint:gosec
		page = append(page, rec)
	}
	return page, rows.Err()
}

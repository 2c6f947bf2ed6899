// Package store — SQLite-backed Store implementation (modernc.org/sqlite, no cgo).
// This is the durable default: the journal survives restarts and pruned rowids
// are never reused, so operation IDs stay strictly increasing forever.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/opsgate/opsgate/pkg/models"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

const operationColumns = `id,source,actor,session_id,command,tool,arguments,project_id,risk,approval_required,status,credential_scope,result_excerpt,error,retry_of,approved_by,created_at,updated_at,approved_at`

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the journal database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "opsgate.db")
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes transactions, so read-check-write inside a
	// tx never races another writer and SQLITE_BUSY cannot occur.
	db.SetMaxOpenConns(1)

	log.Info().Str("path", path).Msg("SQLite store configured")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── Migrations ──────────────────────────────────────────────

type migration struct {
	Version int
	Name    string
	UpSQL   string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate applies embedded migrations in order, tracked in schema_version.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
	}
	return tx.Commit()
}

// ── Operation Store ─────────────────────────────────────────

func (s *SQLiteStore) CreateOperation(ctx context.Context, op *models.Operation) error {
	// Second precision matches the stored RFC3339 text, so the struct the
	// caller holds equals what a later read returns.
	now := time.Now().UTC().Truncate(time.Second)
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = op.CreatedAt

	args, err := json.Marshal(op.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO operations(source,actor,session_id,command,tool,arguments,project_id,risk,approval_required,status,credential_scope,result_excerpt,error,retry_of,approved_by,created_at,updated_at,approved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		op.Source, op.Actor, nullable(op.SessionID), op.Command, op.Tool, string(args), nullable(op.ProjectID),
		op.Risk, op.ApprovalRequired, op.Status, op.CredentialScope, nullable(op.ResultExcerpt), nullable(op.Error),
		nullableInt64(op.RetryOf), nullable(op.ApprovedBy), fmtTime(op.CreatedAt), fmtTime(op.UpdatedAt), nullableTime(op.ApprovedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	op.ID = id
	return nil
}

func (s *SQLiteStore) GetOperation(ctx context.Context, id int64) (*models.Operation, error) {
	return scanOperation(s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id), id)
}

func (s *SQLiteStore) ListOperations(ctx context.Context, filter OperationFilter) ([]models.Operation, error) {
	clauses := []string{"1=1"}
	var args []interface{}
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, filter.Status)
	}
	if filter.SinceID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, filter.SinceID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + operationColumns + ` FROM operations WHERE ` + clauses[0]
	for _, c := range clauses[1:] {
		query += " AND " + c
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows, 0)
		if err != nil {
			return nil, err
		}
		res = append(res, *op)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) TransitionOperation(ctx context.Context, id int64, from, to models.OperationStatus, update func(*models.Operation)) (*models.Operation, error) {
	if !models.ValidTransition(from, to) {
		return nil, fmt.Errorf("invalid transition %s -> %s", from, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	op, err := scanOperation(tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id), id)
	if err != nil {
		return nil, err
	}
	if op.Status != from {
		return nil, &ErrStatusConflict{ID: id, Current: op.Status, Want: from}
	}

	if update != nil {
		update(op)
	}
	op.Status = to
	op.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	// Only transition-owned fields are written; source, command, tool,
	// arguments and the rest stay immutable after creation.
	if _, err := tx.ExecContext(ctx, `UPDATE operations SET status=?, updated_at=?, result_excerpt=?, error=?, credential_scope=?, approved_by=?, approved_at=? WHERE id=?`,
		op.Status, fmtTime(op.UpdatedAt), nullable(op.ResultExcerpt), nullable(op.Error),
		op.CredentialScope, nullable(op.ApprovedBy), nullableTime(op.ApprovedAt), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *SQLiteStore) PruneOperations(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE status IN (?,?) AND updated_at < ?`,
		models.StatusCompleted, models.StatusFailed, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ── Session Store ───────────────────────────────────────────

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	var projectID, lastCommand sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT id,actor,project_id,last_command,created_at,updated_at FROM sessions WHERE id=?`, id).
		Scan(&sess.ID, &sess.Actor, &projectID, &lastCommand, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if err != nil {
		return nil, err
	}
	if projectID.Valid {
		sess.ProjectID = projectID.String
	}
	if lastCommand.Valid {
		sess.LastCommand = lastCommand.String
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, session *models.Session) error {
	now := time.Now().UTC().Truncate(time.Second)
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(id,actor,project_id,last_command,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET actor=excluded.actor, project_id=excluded.project_id, last_command=excluded.last_command, updated_at=excluded.updated_at`,
		session.ID, session.Actor, nullable(session.ProjectID), nullable(session.LastCommand), fmtTime(session.CreatedAt), fmtTime(session.UpdatedAt))
	return err
}

// ── Scan helpers ────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner, id int64) (*models.Operation, error) {
	var op models.Operation
	var sessionID, projectID, resultExcerpt, opErr, approvedBy, approvedAt sql.NullString
	var retryOf sql.NullInt64
	var arguments, createdAt, updatedAt string
	err := row.Scan(&op.ID, &op.Source, &op.Actor, &sessionID, &op.Command, &op.Tool, &arguments, &projectID,
		&op.Risk, &op.ApprovalRequired, &op.Status, &op.CredentialScope, &resultExcerpt, &opErr,
		&retryOf, &approvedBy, &createdAt, &updatedAt, &approvedAt)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "operation", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(arguments), &op.Arguments); err != nil {
		return nil, fmt.Errorf("unmarshal arguments for operation %d: %w", op.ID, err)
	}
	if sessionID.Valid {
		op.SessionID = sessionID.String
	}
	if projectID.Valid {
		op.ProjectID = projectID.String
	}
	if resultExcerpt.Valid {
		op.ResultExcerpt = resultExcerpt.String
	}
	if opErr.Valid {
		op.Error = opErr.String
	}
	if retryOf.Valid {
		op.RetryOf = retryOf.Int64
	}
	if approvedBy.Valid {
		op.ApprovedBy = approvedBy.String
	}
	op.CreatedAt = parseTime(createdAt)
	op.UpdatedAt = parseTime(updatedAt)
	if approvedAt.Valid {
		t := parseTime(approvedAt.String)
		op.ApprovedAt = &t
	}
	return &op, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

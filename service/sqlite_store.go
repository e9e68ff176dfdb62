package service

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// Fixed width so lexical order matches time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

var taskColumns = []string{
	"id", "owner", "status", "contract_type", "role", "party_names",
	"entities", "entities_extracted_at", "error_msg", "created_at", "updated_at",
}

// SQLiteStore is the durable Repository backed by modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Repository = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d",
			ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// SchemaVersion reports the version recorded in the database.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execBuilder(ctx context.Context, db execer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var res sql.Result
	err = retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// inTx runs fn in a transaction, retrying the whole unit on SQLITE_BUSY.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	values, err := taskValues(task)
	if err != nil {
		return err
	}
	if _, err := execBuilder(ctx, s.db, sq.Insert("tasks").Columns(taskColumns...).Values(values...)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return invalidInputf("task %s already exists", task.ID)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query, args, err := sq.Select(taskColumns...).From("tasks").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.Task) error {
	return updateTask(ctx, s.db, task)
}

func updateTask(ctx context.Context, db execer, task *model.Task) error {
	task.UpdatedAt = time.Now().UTC()
	values, err := taskValues(task)
	if err != nil {
		return err
	}
	set := make(map[string]any, len(taskColumns)-2)
	for i, col := range taskColumns {
		if col == "id" || col == "created_at" {
			continue
		}
		set[col] = values[i]
	}

	res, err := execBuilder(ctx, db, sq.Update("tasks").SetMap(set).Where(sq.Eq{"id": task.ID}))
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFoundf("task %s not found", task.ID)
	}
	return nil
}

func (s *SQLiteStore) SaveEntities(ctx context.Context, taskID string, entities model.Entities, at time.Time) error {
	raw, err := json.Marshal(entities.Normalize())
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	res, err := execBuilder(ctx, s.db, sq.Update("tasks").
		Set("entities", string(raw)).
		Set("entities_extracted_at", formatTime(at)).
		Set("updated_at", formatTime(time.Now())).
		Where(sq.Eq{"id": taskID}))
	if err != nil {
		return fmt.Errorf("failed to save entities: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFoundf("task %s not found", taskID)
	}
	return nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	b := sq.Select(taskColumns...).From("tasks").OrderBy("created_at DESC", "id DESC")
	if filter.Owner != "" {
		b = b.Where(sq.Eq{"owner": filter.Owner})
	}
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	switch {
	case filter.Limit > 0:
		b = b.Limit(uint64(filter.Limit))
	case filter.Offset > 0:
		// SQLite only accepts OFFSET after LIMIT.
		b = b.Limit(uint64(math.MaxInt64))
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*model.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) SaveFile(ctx context.Context, file *model.File) error {
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	if _, err := s.GetTask(ctx, file.TaskID); err != nil {
		return err
	}
	ins := sq.Insert("files").
		Columns("task_id", "filename", "object_key", "file_type", "size", "text", "created_at").
		Values(file.TaskID, file.Filename, file.ObjectKey, file.FileType, file.Size, file.Text, formatTime(file.CreatedAt)).
		Suffix("ON CONFLICT(task_id) DO UPDATE SET filename = excluded.filename, object_key = excluded.object_key, " +
			"file_type = excluded.file_type, size = excluded.size, text = excluded.text")
	if _, err := execBuilder(ctx, s.db, ins); err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, taskID string) (*model.File, error) {
	query, args, err := sq.Select("task_id", "filename", "object_key", "file_type", "size", "text", "created_at").
		From("files").Where(sq.Eq{"task_id": taskID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		f       model.File
		created string
	)
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&f.TaskID, &f.Filename, &f.ObjectKey, &f.FileType, &f.Size, &f.Text, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("no file found for task %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	f.CreatedAt = parseTime(created)
	return &f, nil
}

func (s *SQLiteStore) UpdateFileText(ctx context.Context, taskID, text string) error {
	res, err := execBuilder(ctx, s.db, sq.Update("files").Set("text", text).Where(sq.Eq{"task_id": taskID}))
	if err != nil {
		return fmt.Errorf("failed to update file text: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFoundf("no file found for task %s", taskID)
	}
	return nil
}

func (s *SQLiteStore) SaveRoleConfirmation(ctx context.Context, task *model.Task, record model.RoleRecord) error {
	names, err := json.Marshal(nonNil(record.PartyNames))
	if err != nil {
		return fmt.Errorf("encode party names: %w", err)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateTask(ctx, tx, task); err != nil {
			return err
		}
		ins := sq.Insert("roles").
			Columns("id", "task_id", "role_key", "party_names", "created_at").
			Values(record.ID, task.ID, record.RoleKey, string(names), formatTime(record.CreatedAt))
		if _, err := execBuilder(ctx, tx, ins); err != nil {
			return fmt.Errorf("failed to insert role: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListRoles(ctx context.Context, taskID string) ([]model.RoleRecord, error) {
	query, args, err := sq.Select("id", "task_id", "role_key", "party_names", "created_at").
		From("roles").Where(sq.Eq{"task_id": taskID}).OrderBy("seq").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []model.RoleRecord
	for rows.Next() {
		var (
			r              model.RoleRecord
			names, created sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.RoleKey, &names, &created); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		if names.Valid {
			_ = json.Unmarshal([]byte(names.String), &r.PartyNames)
		}
		r.CreatedAt = parseTime(created.String)
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *SQLiteStore) ReplaceParagraphs(ctx context.Context, taskID string, paragraphs []model.Paragraph) error {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := execBuilder(ctx, tx, sq.Delete("paragraphs").Where(sq.Eq{"task_id": taskID})); err != nil {
			return fmt.Errorf("failed to clear paragraphs: %w", err)
		}
		if len(paragraphs) == 0 {
			return nil
		}
		ins := sq.Insert("paragraphs").Columns("task_id", "paragraph_index", "text", "embedding")
		for _, p := range paragraphs {
			emb, err := json.Marshal(p.Embedding)
			if err != nil {
				return fmt.Errorf("encode embedding: %w", err)
			}
			ins = ins.Values(taskID, p.Index, p.Text, string(emb))
		}
		if _, err := execBuilder(ctx, tx, ins); err != nil {
			return fmt.Errorf("failed to insert paragraphs: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListParagraphs(ctx context.Context, taskID string) ([]model.Paragraph, error) {
	query, args, err := sq.Select("task_id", "paragraph_index", "text", "embedding").
		From("paragraphs").Where(sq.Eq{"task_id": taskID}).OrderBy("paragraph_index").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list paragraphs: %w", err)
	}
	defer rows.Close()

	var paragraphs []model.Paragraph
	for rows.Next() {
		var (
			p   model.Paragraph
			emb sql.NullString
		)
		if err := rows.Scan(&p.TaskID, &p.Index, &p.Text, &emb); err != nil {
			return nil, fmt.Errorf("scan paragraph: %w", err)
		}
		if emb.Valid && emb.String != "" {
			_ = json.Unmarshal([]byte(emb.String), &p.Embedding)
		}
		paragraphs = append(paragraphs, p)
	}
	return paragraphs, rows.Err()
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, task *model.Task, findings []model.RiskFinding) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := execBuilder(ctx, tx, sq.Delete("risks").Where(sq.Eq{"task_id": task.ID})); err != nil {
			return fmt.Errorf("failed to clear risks: %w", err)
		}
		if len(findings) > 0 {
			ins := sq.Insert("risks").Columns("id", "task_id", "clause_id", "title", "risk_level",
				"summary", "suggestion", "statutes", "created_at")
			for _, f := range findings {
				statutes, err := json.Marshal(f.Statutes)
				if err != nil {
					return fmt.Errorf("encode statutes: %w", err)
				}
				created := f.CreatedAt
				if created.IsZero() {
					created = time.Now().UTC()
				}
				ins = ins.Values(f.ID, task.ID, f.ClauseID, f.Title, string(f.Level),
					f.Summary, f.Suggestion, string(statutes), formatTime(created))
			}
			if _, err := execBuilder(ctx, tx, ins); err != nil {
				return fmt.Errorf("failed to insert risks: %w", err)
			}
		}
		return updateTask(ctx, tx, task)
	})
}

func (s *SQLiteStore) ListFindings(ctx context.Context, taskID string) ([]model.RiskFinding, error) {
	query, args, err := sq.Select("id", "task_id", "clause_id", "title", "risk_level",
		"summary", "suggestion", "statutes", "created_at").
		From("risks").Where(sq.Eq{"task_id": taskID}).OrderBy("seq").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list risks: %w", err)
	}
	defer rows.Close()

	var findings []model.RiskFinding
	for rows.Next() {
		var (
			f                 model.RiskFinding
			level             string
			statutes, created sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.TaskID, &f.ClauseID, &f.Title, &level,
			&f.Summary, &f.Suggestion, &statutes, &created); err != nil {
			return nil, fmt.Errorf("scan risk: %w", err)
		}
		f.Level = model.RiskLevel(level)
		if statutes.Valid && statutes.String != "" {
			_ = json.Unmarshal([]byte(statutes.String), &f.Statutes)
		}
		f.CreatedAt = parseTime(created.String)
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func taskValues(t *model.Task) ([]any, error) {
	names, err := json.Marshal(nonNil(t.PartyNames))
	if err != nil {
		return nil, fmt.Errorf("encode party names: %w", err)
	}
	var entities any
	if t.Entities != nil {
		raw, err := json.Marshal(t.Entities.Normalize())
		if err != nil {
			return nil, fmt.Errorf("encode entities: %w", err)
		}
		entities = string(raw)
	}
	var extracted any
	if t.ExtractedAt != nil {
		extracted = formatTime(*t.ExtractedAt)
	}
	return []any{
		t.ID, t.Owner, string(t.Status), t.ContractType, t.Role, string(names),
		entities, extracted, t.ErrorMsg, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	}, nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*model.Task, error) {
	var (
		t                          model.Task
		status                     string
		names, entities, extracted sql.NullString
		created, updated           string
	)
	if err := scanner.Scan(&t.ID, &t.Owner, &status, &t.ContractType, &t.Role, &names,
		&entities, &extracted, &t.ErrorMsg, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	if names.Valid && names.String != "" {
		_ = json.Unmarshal([]byte(names.String), &t.PartyNames)
		if len(t.PartyNames) == 0 {
			t.PartyNames = nil
		}
	}
	if entities.Valid && entities.String != "" {
		var e model.Entities
		if err := json.Unmarshal([]byte(entities.String), &e); err == nil {
			e = e.Normalize()
			t.Entities = &e
		}
	}
	if extracted.Valid && extracted.String != "" {
		at := parseTime(extracted.String)
		t.ExtractedAt = &at
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

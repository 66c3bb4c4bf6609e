package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cwygoda/urldrop/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id           TEXT PRIMARY KEY,
    source_url   TEXT NOT NULL,
    file_name    TEXT,
    content_type TEXT,
    storage_id   TEXT,
    storage_link TEXT,
    status       TEXT NOT NULL DEFAULT 'pending',
    error_detail TEXT,
    created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
`

const pragmas = `
PRAGMA busy_timeout = 5000;
PRAGMA journal_mode = WAL;
`

const selectColumns = `SELECT id, source_url, COALESCE(file_name, ''), COALESCE(content_type, ''),
	COALESCE(storage_id, ''), COALESCE(storage_link, ''), status, COALESCE(error_detail, ''),
	created_at, updated_at FROM records`

// Repository implements domain.RecordStore using SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// single connection: writers are serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new pending record.
func (r *Repository) Create(ctx context.Context, sourceURL string) (*domain.Record, error) {
	now := r.now()
	rec := &domain.Record{
		ID:        uuid.NewString(),
		SourceURL: sourceURL,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO records (id, source_url, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceURL, rec.Status, now, now,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies u if the record's current status is one of u.From.
func (r *Repository) Update(ctx context.Context, id string, u domain.RecordUpdate) error {
	if len(u.From) == 0 {
		return fmt.Errorf("update record %s: no source statuses", id)
	}

	var (
		set  = []string{"status = ?", "error_detail = ?", "updated_at = ?"}
		args = []any{u.To, nullIf(u.To != domain.StatusFailed, u.ErrorDetail), r.now()}
	)
	if u.To == domain.StatusCompleted {
		set = append(set, "file_name = ?", "content_type = ?", "storage_id = ?", "storage_link = ?")
		args = append(args, u.FileName, u.ContentType, u.StorageID, nullIf(false, u.StorageLink))
	}
	args = append(args, id)
	for _, s := range u.From {
		args = append(args, s)
	}

	query := `UPDATE records SET ` + strings.Join(set, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(u.From)) + `)`
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM records WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrRecordNotFound
	}
	if err != nil {
		return err
	}
	return &domain.TransitionError{RecordID: id, From: domain.Status(current), To: u.To}
}

// FindByID retrieves a record by id.
func (r *Repository) FindByID(ctx context.Context, id string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	return scanRecord(row)
}

// FindAll returns every record ordered by creation time.
func (r *Repository) FindAll(ctx context.Context, order domain.SortOrder) ([]domain.Record, error) {
	dir := "DESC"
	if order == domain.OldestFirst {
		dir = "ASC"
	}
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY created_at `+dir+`, rowid `+dir)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.Record, error) {
	var rec domain.Record
	var status string
	err := row.Scan(&rec.ID, &rec.SourceURL, &rec.FileName, &rec.ContentType,
		&rec.StorageID, &rec.StorageLink, &status, &rec.ErrorDetail,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = domain.Status(status)
	return &rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// nullIf maps empty or suppressed strings to NULL.
func nullIf(suppress bool, s string) sql.NullString {
	if suppress || s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

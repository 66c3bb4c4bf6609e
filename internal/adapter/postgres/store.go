// Package postgres implements the record store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cwygoda/urldrop/internal/domain"
)

const selectColumns = `SELECT id::text, source_url, COALESCE(file_name, ''), COALESCE(content_type, ''),
	COALESCE(storage_id, ''), COALESCE(storage_link, ''), status, COALESCE(error_detail, ''),
	created_at, updated_at FROM records`

// Store implements domain.RecordStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and pings the server.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to postgres",
		"host", cfg.ConnConfig.Host,
		"port", cfg.ConnConfig.Port,
		"database", cfg.ConnConfig.Database,
	)
	return pool, nil
}

// New wraps pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a pending record with a fresh UUID.
func (s *Store) Create(ctx context.Context, sourceURL string) (*domain.Record, error) {
	rec := &domain.Record{
		ID:        uuid.NewString(),
		SourceURL: sourceURL,
		Status:    domain.StatusPending,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO records (id, source_url, status) VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		rec.ID, rec.SourceURL, string(rec.Status),
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

// Update applies u in one conditional statement. Storage fields are only
// written on the completed transition; error_detail only survives on failed.
func (s *Store) Update(ctx context.Context, id string, u domain.RecordUpdate) error {
	if len(u.From) == 0 {
		return fmt.Errorf("update record %s: no source statuses", id)
	}
	if !domain.ValidID(id) {
		return domain.ErrRecordNotFound
	}

	from := make([]string, len(u.From))
	for i, st := range u.From {
		from[i] = string(st)
	}
	completed := u.To == domain.StatusCompleted

	var detail *string
	if u.To == domain.StatusFailed {
		detail = &u.ErrorDetail
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET
			status       = $2,
			error_detail = $3,
			file_name    = CASE WHEN $4 THEN $5 ELSE file_name END,
			content_type = CASE WHEN $4 THEN $6 ELSE content_type END,
			storage_id   = CASE WHEN $4 THEN $7 ELSE storage_id END,
			storage_link = CASE WHEN $4 THEN NULLIF($8, '') ELSE storage_link END,
			updated_at   = now()
		WHERE id = $1 AND status = ANY($9)`,
		id, string(u.To), detail, completed,
		u.FileName, u.ContentType, u.StorageID, u.StorageLink, from,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM records WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("read record %s: %w", id, err)
	}
	return &domain.TransitionError{RecordID: id, From: domain.Status(current), To: u.To}
}

// FindByID returns ErrRecordNotFound for unknown or malformed ids.
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Record, error) {
	if !domain.ValidID(id) {
		return nil, domain.ErrRecordNotFound
	}
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindAll returns every record in the given creation order.
func (s *Store) FindAll(ctx context.Context, order domain.SortOrder) ([]domain.Record, error) {
	q := selectColumns + ` ORDER BY created_at DESC, id DESC`
	if order == domain.OldestFirst {
		q = selectColumns + ` ORDER BY created_at ASC, id ASC`
	}
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (domain.Record, error) {
	var rec domain.Record
	var status string
	err := row.Scan(&rec.ID, &rec.SourceURL, &rec.FileName, &rec.ContentType,
		&rec.StorageID, &rec.StorageLink, &status, &rec.ErrorDetail,
		&rec.CreatedAt, &rec.UpdatedAt)
	rec.Status = domain.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, err
}

var _ domain.RecordStore = (*Store)(nil)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/stocktide/stocktide/internal/common"
	"github.com/stocktide/stocktide/internal/models"
	"github.com/stocktide/stocktide/internal/store/migrations"
)

// SQLiteStore persists records and mutations in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies pending
// migrations. Failure to open or migrate is reported as
// common.ErrStorageUnavailable so callers can degrade to in-memory mode.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Put upserts a row by (collection, local_id).
func (s *SQLiteStore) Put(ctx context.Context, row Row) error {
	if err := normalizeRow(&row); err != nil {
		return err
	}
	query := `INSERT INTO records (collection, local_id, server_id, owner_id, payload, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(collection, local_id) DO UPDATE SET
				server_id = excluded.server_id,
				owner_id = excluded.owner_id,
				payload = excluded.payload,
				updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		row.Collection, row.LocalID, row.ServerID, row.OwnerID, row.Payload, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection models.Collection, localID int64) (*Row, error) {
	query := `SELECT collection, local_id, server_id, owner_id, payload, updated_at
			FROM records WHERE collection=? AND local_id=?`
	row := s.db.QueryRowContext(ctx, query, collection, localID)

	r := &Row{}
	err := row.Scan(&r.Collection, &r.LocalID, &r.ServerID, &r.OwnerID, &r.Payload, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, collection models.Collection) ([]Row, error) {
	query := `SELECT collection, local_id, server_id, owner_id, payload, updated_at
			FROM records WHERE collection=? ORDER BY local_id`
	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Collection, &r.LocalID, &r.ServerID, &r.OwnerID, &r.Payload, &r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection models.Collection, localID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection=? AND local_id=?`, collection, localID)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, collection models.Collection) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection=?`, collection)
	if err != nil {
		return fmt.Errorf("failed to clear collection: %w", err)
	}
	return nil
}

// Append inserts a pending mutation and fills in the auto-assigned ID.
func (s *SQLiteStore) Append(ctx context.Context, m *models.Mutation) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mutations (kind, collection, owner_id, payload, enqueued_at, settled) VALUES (?, ?, ?, ?, ?, 0)`,
		m.Kind, m.Collection, m.OwnerID, m.Payload, m.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to append mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get mutation id: %w", err)
	}
	m.ID = id
	return nil
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]models.Mutation, error) {
	return s.selectMutations(ctx,
		`SELECT id, kind, collection, owner_id, payload, enqueued_at, settled FROM mutations WHERE settled=0 ORDER BY id`)
}

func (s *SQLiteStore) Settled(ctx context.Context, limit int) ([]models.Mutation, error) {
	return s.selectMutations(ctx,
		`SELECT id, kind, collection, owner_id, payload, enqueued_at, settled FROM mutations WHERE settled=1 ORDER BY id DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) selectMutations(ctx context.Context, query string, args ...any) ([]models.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select mutations: %w", err)
	}
	defer rows.Close()

	var result []models.Mutation
	for rows.Next() {
		var m models.Mutation
		if err := rows.Scan(&m.ID, &m.Kind, &m.Collection, &m.OwnerID, &m.Payload, &m.EnqueuedAt, &m.Settled); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Settle marks a mutation as confirmed. It expects exactly one row affected.
func (s *SQLiteStore) Settle(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mutations SET settled=1 WHERE id=? AND settled=0`, id)
	if err != nil {
		return fmt.Errorf("failed to settle mutation: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("wrong rows affected count: %d", ra)
	}
	return nil
}

// Rebind rewrites a pending mutation's payload in place.
func (s *SQLiteStore) Rebind(ctx context.Context, id int64, payload []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mutations SET payload=? WHERE id=? AND settled=0`, payload, id)
	if err != nil {
		return fmt.Errorf("failed to rebind mutation: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("wrong rows affected count: %d", ra)
	}
	return nil
}

// Discard removes a rejected mutation from the queue.
func (s *SQLiteStore) Discard(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to discard mutation: %w", err)
	}
	return nil
}

// PruneSettled deletes settled mutations beyond the keep most recent.
func (s *SQLiteStore) PruneSettled(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE settled=1 AND id NOT IN
			(SELECT id FROM mutations WHERE settled=1 ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune mutations: %w", err)
	}
	return nil
}

// normalizeRow derives a LocalID from the ServerID when a caller writes a
// record without one, rather than failing the write.
func normalizeRow(row *Row) error {
	if row.LocalID == 0 {
		if row.ServerID == "" {
			return errors.New("record has neither local nor server id")
		}
		row.LocalID = FoldServerID(row.ServerID)
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mozhii/curator/internal/common"
	"github.com/mozhii/curator/internal/dbx"
	"github.com/mozhii/curator/internal/server/store/migrations"
	"github.com/mozhii/curator/internal/server/models"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store over a single records table. A status
// transition is one UPDATE inside the table's uniqueness constraint, so Move
// is atomic without any reconciliation bookkeeping.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool for the given DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle (used by tests).
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// RunMigrations applies the embedded goose migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, ".")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func chunkIndexOf(rec *models.Record) int {
	if rec.IsChunk() && rec.Chunk != nil {
		return rec.Chunk.ChunkIndex
	}
	return -1
}

func putRecord(ctx context.Context, db dbx.DBTX, rec *models.Record) error {
	if err := checkName(rec.Filename); err != nil {
		return err
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", common.ErrIOFailure, err)
	}
	var chunk any
	if rec.Chunk != nil {
		doc, err := json.Marshal(rec.Chunk)
		if err != nil {
			return fmt.Errorf("%w: marshal chunk: %v", common.ErrIOFailure, err)
		}
		chunk = doc
	}

	query := `
		INSERT INTO records (stage, status, filename, chunk_index, content, chunk, metadata, submitted_at, approved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err = db.ExecContext(ctx, query,
		rec.Stage, rec.Status, rec.Filename, chunkIndexOf(rec),
		rec.Content, chunk, meta, rec.Metadata.SubmittedAt, rec.Metadata.ApprovedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrConflict
		}
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *models.Record) error {
	return putRecord(ctx, s.db, rec)
}

// PutBatch inserts all records inside one transaction, so a chunk batch is
// all-or-nothing.
func (s *PostgresStore) PutBatch(ctx context.Context, recs []*models.Record) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, rec := range recs {
			if err := putRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) Replace(ctx context.Context, rec *models.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", common.ErrIOFailure, err)
	}
	var chunk any
	if rec.Chunk != nil {
		doc, err := json.Marshal(rec.Chunk)
		if err != nil {
			return fmt.Errorf("%w: marshal chunk: %v", common.ErrIOFailure, err)
		}
		chunk = doc
	}

	query := `
		UPDATE records SET content = $5, chunk = $6, metadata = $7
		WHERE stage = $1 AND status = $2 AND filename = $3 AND chunk_index = $4;
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.Stage, rec.Status, rec.Filename, chunkIndexOf(rec), rec.Content, chunk, meta)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", common.ErrIOFailure, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (*models.Record, error) {
	var (
		rec        models.Record
		chunkIndex int
		chunk      []byte
		meta       []byte
	)
	if err := scan(&rec.Stage, &rec.Status, &rec.Filename, &chunkIndex, &rec.Content, &chunk, &meta); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(chunk) > 0 {
		rec.Chunk = &models.Chunk{}
		if err := json.Unmarshal(chunk, rec.Chunk); err != nil {
			return nil, fmt.Errorf("decode chunk: %w", err)
		}
	}
	return &rec, nil
}

const recordColumns = `stage, status, filename, chunk_index, content, chunk, metadata`

func (s *PostgresStore) Get(ctx context.Context, status models.Status, ref Ref) (*models.Record, error) {
	if err := checkName(ref.Filename); err != nil {
		return nil, err
	}
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE stage = $1 AND status = $2 AND filename = $3 AND chunk_index = $4;`
	row := s.db.QueryRowContext(ctx, query, ref.Stage, status, ref.Filename, normalizeIndex(ref))
	rec, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return rec, nil
}

func normalizeIndex(ref Ref) int {
	if ref.Stage == models.StageChunked {
		return ref.ChunkIndex
	}
	return -1
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return records, nil
}

func (s *PostgresStore) List(ctx context.Context, stage models.Stage, status models.Status, orderBy OrderField) ([]*models.Record, error) {
	order := "submitted_at"
	if orderBy == OrderByApprovedAt {
		order = "approved_at"
	}
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE stage = $1 AND status = $2
		ORDER BY ` + order + ` DESC NULLS LAST, filename, chunk_index;`
	return s.queryRecords(ctx, query, stage, status)
}

func (s *PostgresStore) ListChunks(ctx context.Context, status models.Status, source string) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE stage = $1 AND status = $2 AND filename = $3
		ORDER BY chunk_index;`
	return s.queryRecords(ctx, query, models.StageChunked, status, source)
}

func (s *PostgresStore) ListChunkSources(ctx context.Context, status models.Status) ([]string, error) {
	query := `SELECT DISTINCT filename FROM records
		WHERE stage = $1 AND status = $2 ORDER BY filename;`
	rows, err := s.db.QueryContext(ctx, query, models.StageChunked, status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		sources = append(sources, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return sources, nil
}

func (s *PostgresStore) CountChunks(ctx context.Context, source string) (int, error) {
	query := `SELECT COUNT(DISTINCT chunk_index) FROM records WHERE stage = $1 AND filename = $2;`
	var n int
	if err := s.db.QueryRowContext(ctx, query, models.StageChunked, source).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return n, nil
}

// Move is a single UPDATE; the primary key makes a pre-existing target a
// unique violation and rows-affected 0 means the source was missing.
func (s *PostgresStore) Move(ctx context.Context, ref Ref, from, to models.Status, approvedAt *time.Time) error {
	if err := checkName(ref.Filename); err != nil {
		return err
	}
	query := `
		UPDATE records
		SET status = $1,
		    approved_at = COALESCE($2, approved_at),
		    metadata = CASE WHEN $2::timestamptz IS NULL THEN metadata
		               ELSE jsonb_set(metadata, '{approved_at}', to_jsonb($2::timestamptz)) END
		WHERE stage = $3 AND status = $4 AND filename = $5 AND chunk_index = $6;
	`
	res, err := s.db.ExecContext(ctx, query, to, approvedAt, ref.Stage, from, ref.Filename, normalizeIndex(ref))
	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrConflict
		}
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", common.ErrIOFailure, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, status models.Status, ref Ref) error {
	if err := checkName(ref.Filename); err != nil {
		return err
	}
	query := `DELETE FROM records
		WHERE stage = $1 AND status = $2 AND filename = $3 AND chunk_index = $4;`
	res, err := s.db.ExecContext(ctx, query, ref.Stage, status, ref.Filename, normalizeIndex(ref))
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", common.ErrIOFailure, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSource(ctx context.Context, status models.Status, source string) (int, error) {
	query := `DELETE FROM records WHERE stage = $1 AND status = $2 AND filename = $3;`
	res, err := s.db.ExecContext(ctx, query, models.StageChunked, status, source)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", common.ErrIOFailure, err)
	}
	return int(n), nil
}

// Recover is a no-op: every transition is a single SQL statement.
func (s *PostgresStore) Recover(ctx context.Context) error {
	return nil
}

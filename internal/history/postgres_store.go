package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists analyses in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the analyses table if it doesn't exist. Deployments
// normally run migrations/ via the migrate command; this keeps ad-hoc
// and test setups working.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS analyses (
			share_id   VARCHAR(64)  PRIMARY KEY,
			network    VARCHAR(16)  NOT NULL,
			function   VARCHAR(512) NOT NULL DEFAULT '',
			sender     VARCHAR(66)  NOT NULL DEFAULT '',
			rating     VARCHAR(16)  NOT NULL,
			score      NUMERIC(5,2) NOT NULL DEFAULT 0,
			result     JSONB        NOT NULL,
			created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_analyses_created_at
			ON analyses (created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (share_id, network, function, sender, rating, score, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (share_id) DO UPDATE SET
			network = EXCLUDED.network,
			function = EXCLUDED.function,
			sender = EXCLUDED.sender,
			rating = EXCLUDED.rating,
			score = EXCLUDED.score,
			result = EXCLUDED.result`,
		rec.ShareID, rec.Network, rec.Function, rec.Sender,
		rec.Rating, rec.Score, []byte(rec.Result), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, shareID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT share_id, network, function, sender, rating, score, result, created_at
		FROM analyses
		WHERE share_id = $1`, shareID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int, opts ...ListOption) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	o := applyListOpts(opts)

	var (
		rows *sql.Rows
		err  error
	)
	if o.cursor != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT share_id, network, function, sender, rating, score, result, created_at
			FROM analyses
			WHERE created_at < $1 OR (created_at = $1 AND share_id > $2)
			ORDER BY created_at DESC, share_id ASC
			LIMIT $3`, o.cursor.CreatedAt, o.cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT share_id, network, function, sender, rating, score, result, created_at
			FROM analyses
			ORDER BY created_at DESC, share_id ASC
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM analyses WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune analyses: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec    Record
		result []byte
	)
	if err := row.Scan(&rec.ShareID, &rec.Network, &rec.Function, &rec.Sender,
		&rec.Rating, &rec.Score, &result, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Result = result
	return &rec, nil
}

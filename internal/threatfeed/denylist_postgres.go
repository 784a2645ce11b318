package threatfeed

import (
	"context"
	"database/sql"
	"strings"
)

// PostgresDenylist persists the denylist in PostgreSQL.
type PostgresDenylist struct {
	db *sql.DB
}

// NewPostgresDenylist creates a PostgreSQL-backed denylist store.
func NewPostgresDenylist(db *sql.DB) *PostgresDenylist {
	return &PostgresDenylist{db: db}
}

func (p *PostgresDenylist) Add(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO denylist (network, address, reason, added_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (network, address) DO UPDATE SET
			reason = EXCLUDED.reason,
			added_by = EXCLUDED.added_by`,
		strings.ToLower(e.Network), strings.ToLower(e.Address),
		e.Reason, e.AddedBy, e.CreatedAt,
	)
	return err
}

func (p *PostgresDenylist) Remove(ctx context.Context, network, address string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM denylist WHERE network = $1 AND address = $2`,
		strings.ToLower(network), strings.ToLower(address),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotDenylisted
	}
	return nil
}

func (p *PostgresDenylist) Get(ctx context.Context, network, address string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT network, address, reason, added_by, created_at
		FROM denylist
		WHERE network = $1 AND address = $2`,
		strings.ToLower(network), strings.ToLower(address),
	)

	var e Entry
	err := row.Scan(&e.Network, &e.Address, &e.Reason, &e.AddedBy, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotDenylisted
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *PostgresDenylist) List(ctx context.Context, network string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT network, address, reason, added_by, created_at
		FROM denylist
		WHERE network = $1
		ORDER BY created_at DESC, address
		LIMIT $2`,
		strings.ToLower(network), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Network, &e.Address, &e.Reason, &e.AddedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

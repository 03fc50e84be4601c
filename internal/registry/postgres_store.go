package registry

import (
	"context"
	"database/sql"
)

// PostgresStore persists registry data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetParams(ctx context.Context) (*Params, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT owner, pending_owner, fee_bps, min_deposit, updated_at
		FROM protocol_params WHERE id = 1`)

	var params Params
	var pending sql.NullString
	err := row.Scan(&params.Owner, &pending, &params.FeeBps, &params.MinDeposit, &params.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrParamsNotFound
	}
	if err != nil {
		return nil, err
	}
	params.PendingOwner = pending.String
	return &params, nil
}

func (p *PostgresStore) SetParams(ctx context.Context, params *Params) error {
	var pending sql.NullString
	if params.PendingOwner != "" {
		pending = sql.NullString{String: params.PendingOwner, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO protocol_params (id, owner, pending_owner, fee_bps, min_deposit, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			pending_owner = EXCLUDED.pending_owner,
			fee_bps = EXCLUDED.fee_bps,
			min_deposit = EXCLUDED.min_deposit,
			updated_at = EXCLUDED.updated_at`,
		params.Owner, pending, params.FeeBps, params.MinDeposit, params.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) SetTokenAllowed(ctx context.Context, token string, allowed bool) error {
	if allowed {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO allowed_tokens (token) VALUES ($1)
			ON CONFLICT (token) DO NOTHING`, token)
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM allowed_tokens WHERE token = $1`, token)
	return err
}

func (p *PostgresStore) IsTokenAllowed(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM allowed_tokens WHERE token = $1)`, token).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListAllowedTokens(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT token FROM allowed_tokens ORDER BY token`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

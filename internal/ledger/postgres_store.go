package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists ledger data in PostgreSQL. Credits and fee balances
// are moved inside transactions so a withdrawal can never observe or produce
// a half-taken credit.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) AddCredit(ctx context.Context, c *Credit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_credits (escrow_id, "user", token, amount, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5)
		ON CONFLICT (escrow_id, "user") DO UPDATE SET
			amount = ledger_credits.amount + EXCLUDED.amount`,
		c.EscrowID, c.User, c.Token, c.Amount, c.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetCredit(ctx context.Context, escrowID uint64, user string) (*Credit, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT escrow_id, "user", token, amount::TEXT, created_at
		FROM ledger_credits WHERE escrow_id = $1 AND "user" = $2`,
		escrowID, user)

	var c Credit
	err := row.Scan(&c.EscrowID, &c.User, &c.Token, &c.Amount, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNothingToWithdraw
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) TakeCredit(ctx context.Context, escrowID uint64, user string) (*Credit, error) {
	row := p.db.QueryRowContext(ctx, `
		DELETE FROM ledger_credits
		WHERE escrow_id = $1 AND "user" = $2
		RETURNING escrow_id, "user", token, amount::TEXT, created_at`,
		escrowID, user)

	var c Credit
	err := row.Scan(&c.EscrowID, &c.User, &c.Token, &c.Amount, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNothingToWithdraw
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) TakeAllCredits(ctx context.Context, user, token string) ([]*Credit, error) {
	rows, err := p.db.QueryContext(ctx, `
		DELETE FROM ledger_credits
		WHERE "user" = $1 AND token = $2
		RETURNING escrow_id, "user", token, amount::TEXT, created_at`,
		user, token)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var credits []*Credit
	for rows.Next() {
		var c Credit
		if err := rows.Scan(&c.EscrowID, &c.User, &c.Token, &c.Amount, &c.CreatedAt); err != nil {
			return nil, err
		}
		credits = append(credits, &c)
	}
	return credits, rows.Err()
}

func (p *PostgresStore) Aggregate(ctx context.Context, user, token string) (string, error) {
	var total sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::TEXT
		FROM ledger_credits WHERE "user" = $1 AND token = $2`,
		user, token).Scan(&total)
	if err != nil {
		return "", err
	}
	if !total.Valid {
		return "0", nil
	}
	return total.String, nil
}

func (p *PostgresStore) AccrueFee(ctx context.Context, token, amount string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO protocol_fees (token, amount)
		VALUES ($1, $2::NUMERIC(78,0))
		ON CONFLICT (token) DO UPDATE SET
			amount = protocol_fees.amount + EXCLUDED.amount`,
		token, amount,
	)
	return err
}

func (p *PostgresStore) TakeFees(ctx context.Context, token string) (string, error) {
	row := p.db.QueryRowContext(ctx, `
		DELETE FROM protocol_fees WHERE token = $1 AND amount > 0
		RETURNING amount::TEXT`, token)

	var amount string
	err := row.Scan(&amount)
	if err == sql.ErrNoRows {
		return "", ErrNothingToWithdraw
	}
	if err != nil {
		return "", fmt.Errorf("take fees: %w", err)
	}
	return amount, nil
}

package multisig

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists wallet records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO multisig_wallets (address, owners, threshold, nonce, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		w.Address, pq.Array(w.Owners), w.Threshold, w.Nonce, w.CreatedAt,
	)
	return row.Scan(&w.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, address, owners, threshold, nonce, created_at
		FROM multisig_wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) Update(ctx context.Context, w *Wallet) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE multisig_wallets SET address = $1, nonce = $2 WHERE id = $3`,
		w.Address, w.Nonce, w.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, owners, threshold, nonce, created_at
		FROM multisig_wallets
		WHERE $1 = ANY(owners)
		ORDER BY id ASC
		LIMIT $2`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddBalance(ctx context.Context, walletID uint64, token, amount string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO multisig_balances (wallet_id, token, balance)
		VALUES ($1, $2, $3::NUMERIC(78,0))
		ON CONFLICT (wallet_id, token) DO UPDATE SET
			balance = multisig_balances.balance + EXCLUDED.balance`,
		walletID, token, amount,
	)
	return err
}

func (p *PostgresStore) DebitBalance(ctx context.Context, walletID uint64, token, amount string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE multisig_balances
		SET balance = balance - $3::NUMERIC(78,0)
		WHERE wallet_id = $1 AND token = $2 AND balance >= $3::NUMERIC(78,0)`,
		walletID, token, amount,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (p *PostgresStore) Balance(ctx context.Context, walletID uint64, token string) (string, error) {
	var balance string
	err := p.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM multisig_balances
		WHERE wallet_id = $1 AND token = $2`,
		walletID, token).Scan(&balance)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return balance, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var w Wallet
	var owners pq.StringArray
	err := row.Scan(&w.ID, &w.Address, &owners, &w.Threshold, &w.Nonce, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.Owners = []string(owners)
	return &w, nil
}

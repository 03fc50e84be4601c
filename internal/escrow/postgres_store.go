package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL. IDs come from the
// escrows sequence, so they are monotonic across restarts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, buyer, seller, arbiter, token, amount::TEXT, state, maturity_time,
	terms_hash, dispute_started_at, cancel_requested_by,
	buyer_evidence, seller_evidence, buyer_evidence_hash, seller_evidence_hash,
	resolution, resolution_hash, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (
			buyer, seller, arbiter, token, amount, state, maturity_time,
			terms_hash, dispute_started_at, cancel_requested_by,
			buyer_evidence, seller_evidence, buyer_evidence_hash, seller_evidence_hash,
			resolution, resolution_hash, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(78,0), $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19
		) RETURNING id`,
		e.Buyer, e.Seller, e.Arbiter, e.Token, e.Amount, string(e.State), e.MaturityTime,
		nullString(e.TermsHash), nullTime(e.DisputeStartedAt), pq.Array(e.CancelRequestedBy),
		e.BuyerEvidence, e.SellerEvidence, nullString(e.BuyerEvidenceHash), nullString(e.SellerEvidenceHash),
		nullString(string(e.Resolution)), nullString(e.ResolutionHash), nullTime(e.ResolvedAt),
		e.CreatedAt, e.UpdatedAt,
	)
	return row.Scan(&e.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, dispute_started_at = $2, cancel_requested_by = $3,
			buyer_evidence = $4, seller_evidence = $5,
			buyer_evidence_hash = $6, seller_evidence_hash = $7,
			resolution = $8, resolution_hash = $9, resolved_at = $10, updated_at = $11
		WHERE id = $12`,
		string(e.State), nullTime(e.DisputeStartedAt), pq.Array(e.CancelRequestedBy),
		e.BuyerEvidence, e.SellerEvidence,
		nullString(e.BuyerEvidenceHash), nullString(e.SellerEvidenceHash),
		nullString(string(e.Resolution)), nullString(e.ResolutionHash), nullTime(e.ResolvedAt),
		e.UpdatedAt, e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id uint64) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM escrows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer = $1 OR seller = $1 OR arbiter = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetNonce(ctx context.Context, escrowID uint64, role string) (uint64, error) {
	var nonce uint64
	err := p.db.QueryRowContext(ctx, `
		SELECT nonce FROM signature_nonces WHERE escrow_id = $1 AND role = $2`,
		escrowID, role).Scan(&nonce)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return nonce, err
}

func (p *PostgresStore) IncrementNonce(ctx context.Context, escrowID uint64, role string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO signature_nonces (escrow_id, role, nonce)
		VALUES ($1, $2, 1)
		ON CONFLICT (escrow_id, role) DO UPDATE SET
			nonce = signature_nonces.nonce + 1`,
		escrowID, role)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var termsHash, buyerEvHash, sellerEvHash, resolution, resolutionHash sql.NullString
	var disputeStartedAt, resolvedAt sql.NullTime
	var cancelRequestedBy pq.StringArray

	err := row.Scan(
		&e.ID, &e.Buyer, &e.Seller, &e.Arbiter, &e.Token, &e.Amount, &e.State, &e.MaturityTime,
		&termsHash, &disputeStartedAt, &cancelRequestedBy,
		&e.BuyerEvidence, &e.SellerEvidence, &buyerEvHash, &sellerEvHash,
		&resolution, &resolutionHash, &resolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.TermsHash = termsHash.String
	e.BuyerEvidenceHash = buyerEvHash.String
	e.SellerEvidenceHash = sellerEvHash.String
	e.Resolution = Resolution(resolution.String)
	e.ResolutionHash = resolutionHash.String
	e.CancelRequestedBy = []string(cancelRequestedBy)
	if len(e.CancelRequestedBy) == 0 {
		e.CancelRequestedBy = nil
	}
	if disputeStartedAt.Valid {
		t := disputeStartedAt.Time
		e.DisputeStartedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresRecorder persists escrow events in PostgreSQL.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder creates a new PostgreSQL-backed event recorder.
func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (p *PostgresRecorder) Record(ctx context.Context, ev *Event) error {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_events (type, escrow_id, state, actor, token, amount, fee, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(78,0), $7, $8, $9)
		RETURNING id`,
		string(ev.Type), ev.EscrowID, string(ev.State), ev.Actor, ev.Token,
		ev.Amount, nullString(ev.Fee), nullString(ev.Detail), ev.At,
	)
	return row.Scan(&ev.ID)
}

func (p *PostgresRecorder) ListByEscrow(ctx context.Context, escrowID uint64, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, escrow_id, state, actor, token, amount::TEXT, fee, detail, at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY id ASC
		LIMIT $2`, escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var ev Event
		var fee, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.EscrowID, &ev.State, &ev.Actor,
			&ev.Token, &ev.Amount, &fee, &detail, &ev.At); err != nil {
			return nil, err
		}
		ev.Fee = fee.String
		ev.Detail = detail.String
		result = append(result, &ev)
	}
	return result, rows.Err()
}

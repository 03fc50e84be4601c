// Package escrow implements the trade lifecycle: a buyer funds an escrow, a
// neutral arbiter can settle disputes, and funds resolve into withdrawable
// ledger credits.
//
// Flow:
//  1. Buyer and seller agree terms → escrow created (awaiting_payment)
//  2. Buyer deposits the agreed amount → awaiting_delivery
//  3. Buyer confirms delivery → complete, seller credited minus protocol fee
//     ... or both parties request cancellation → canceled, buyer refunded
//     ... or the maturity + grace deadline passes → buyer may cancel, refunded
//     ... or either party disputes → disputed, the arbiter decides
//
// Every action exists in a direct-call form and, for the three party actions,
// a signed form a relayer can submit on a party's behalf. Both forms run the
// identical transition logic; they differ only in how the caller is
// authenticated.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrInvalidState       = errors.New("invalid escrow state for this operation")
	ErrAlreadyResolved    = errors.New("escrow already resolved")
	ErrUnauthorized       = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrSameParty          = errors.New("buyer and seller cannot be the same address")
	ErrTokenNotAllowed    = errors.New("token is not allowlisted")
	ErrMaturityOutOfRange = errors.New("maturity time outside the allowed window")
	ErrBelowMinimum       = errors.New("deposit below the minimum amount")
	ErrTooEarly           = errors.New("timeout window has not opened yet")
	ErrEvidenceWindow     = errors.New("arbiter must wait out the evidence window")
	ErrStaleNonce         = errors.New("signature nonce does not match current nonce")
	ErrBadResolution      = errors.New("unknown dispute resolution")
)

// State is the escrow lifecycle state. Transitions are one-directional; the
// three terminal states admit no further mutation.
type State string

const (
	StateAwaitingPayment  State = "awaiting_payment"
	StateAwaitingDelivery State = "awaiting_delivery"
	StateDisputed         State = "disputed"
	StateComplete         State = "complete"
	StateRefunded         State = "refunded"
	StateCanceled         State = "canceled"
)

// Resolution is the arbiter's binding decision on a disputed escrow.
type Resolution string

const (
	ResolutionReleaseToSeller Resolution = "release_to_seller"
	ResolutionRefundToBuyer   Resolution = "refund_to_buyer"
)

// Timing constants for timeout-driven transitions.
const (
	// MinMaturity / MaxMaturity bound how far out the maturity time may be
	// set at creation.
	MinMaturity = 24 * time.Hour
	MaxMaturity = 3650 * 24 * time.Hour

	// DefaultGracePeriod is the buffer after maturity before the buyer may
	// cancel a stalled trade by timeout.
	DefaultGracePeriod = 3 * 24 * time.Hour

	// DisputeShortTimeout: before it elapses the arbiter may only decide with
	// evidence from both sides.
	DisputeShortTimeout = 7 * 24 * time.Hour

	// DisputeLongTimeout: after it elapses the arbiter may decide
	// unilaterally, evidence or not.
	DisputeLongTimeout = 30 * 24 * time.Hour
)

// Role names for the three fixed participants.
const (
	RoleBuyer   = "buyer"
	RoleSeller  = "seller"
	RoleArbiter = "arbiter"
)

// Escrow is one buyer/seller/arbiter trade record.
type Escrow struct {
	ID           uint64    `json:"id"`
	Buyer        string    `json:"buyer"`
	Seller       string    `json:"seller"`
	Arbiter      string    `json:"arbiter"`
	Token        string    `json:"token"`
	Amount       string    `json:"amount"` // raw token units, decimal string
	State        State     `json:"state"`
	MaturityTime time.Time `json:"maturityTime"`
	TermsHash    string    `json:"termsHash,omitempty"` // IPFS reference, never interpreted

	DisputeStartedAt   *time.Time `json:"disputeStartedAt,omitempty"`
	CancelRequestedBy  []string   `json:"cancelRequestedBy,omitempty"` // roles, accumulates until cancel or dispute
	BuyerEvidence      bool       `json:"buyerEvidence"`
	SellerEvidence     bool       `json:"sellerEvidence"`
	BuyerEvidenceHash  string     `json:"buyerEvidenceHash,omitempty"`
	SellerEvidenceHash string     `json:"sellerEvidenceHash,omitempty"`

	Resolution     Resolution `json:"resolution,omitempty"`
	ResolutionHash string     `json:"resolutionHash,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the escrow reached a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.State {
	case StateComplete, StateRefunded, StateCanceled:
		return true
	}
	return false
}

// RoleOf maps an address to its role on this escrow, or "".
func (e *Escrow) RoleOf(addr string) string {
	switch normalizeAddr(addr) {
	case e.Buyer:
		return RoleBuyer
	case e.Seller:
		return RoleSeller
	case e.Arbiter:
		return RoleArbiter
	}
	return ""
}

// AddressOf maps a role to the participant address, or "".
func (e *Escrow) AddressOf(role string) string {
	switch role {
	case RoleBuyer:
		return e.Buyer
	case RoleSeller:
		return e.Seller
	case RoleArbiter:
		return e.Arbiter
	}
	return ""
}

// hasCancelRequest reports whether the role already asked for cancellation.
func (e *Escrow) hasCancelRequest(role string) bool {
	for _, r := range e.CancelRequestedBy {
		if r == role {
			return true
		}
	}
	return false
}

// Store persists escrow records and signature nonces.
type Store interface {
	// Create persists a new escrow and assigns its monotonic ID.
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	// Delete removes a record that never became observable (failed atomic
	// create-and-deposit). Never used on a funded escrow.
	Delete(ctx context.Context, id uint64) error
	ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error)

	// GetNonce returns the current signature nonce for (escrow, role);
	// zero for a never-used pair.
	GetNonce(ctx context.Context, escrowID uint64, role string) (uint64, error)
	// IncrementNonce consumes the current nonce after a signed action succeeds.
	IncrementNonce(ctx context.Context, escrowID uint64, role string) error
}

// Package multisig implements a 2-of-3 threshold wallet for ERC20 payouts.
// Owners co-sign a typed transfer digest off-chain; any relayer may submit the
// collected signatures. The wallet is independent of the escrow lifecycle and
// shares only the signing domain and token bindings with it.
package multisig

import (
	"context"
	"errors"
	"time"
)

var (
	ErrWalletNotFound    = errors.New("multisig: wallet not found")
	ErrInsufficientFunds = errors.New("multisig: wallet balance cannot cover the transfer")
	ErrInvalidOwners     = errors.New("multisig: owners must be three distinct addresses")
	ErrInvalidAddress    = errors.New("multisig: invalid address")
	ErrInvalidAmount     = errors.New("multisig: invalid amount")
	ErrAmountOverflow    = errors.New("multisig: amount exceeds uint256 range")
	ErrNotOwner          = errors.New("multisig: signature from a non-owner")
	ErrDuplicateSigner   = errors.New("multisig: duplicate signer")
	ErrThresholdNotMet   = errors.New("multisig: not enough distinct owner signatures")
	ErrExecutionReverted = errors.New("multisig: token transfer failed")
)

// Threshold is the number of distinct owner signatures every execution needs.
// Wallets are fixed 2-of-3; the type exists for wire clarity, not tuning.
const Threshold = 2

// OwnerCount is the fixed owner set size.
const OwnerCount = 3

// Wallet is one immutable 2-of-3 owner group. The address is derived from the
// owner set at creation and identifies the wallet inside signed digests; the
// funds themselves sit under the service custody account, tracked per wallet
// and token by the store. The nonce serializes executions.
type Wallet struct {
	ID        uint64    `json:"id"`
	Address   string    `json:"address"`
	Owners    []string  `json:"owners"` // exactly three, lowercased
	Threshold int       `json:"threshold"`
	Nonce     uint64    `json:"nonce"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsOwner reports whether addr belongs to the wallet's owner set.
func (w *Wallet) IsOwner(addr string) bool {
	for _, o := range w.Owners {
		if o == addr {
			return true
		}
	}
	return false
}

// Execution reports what one successful execute call moved.
type Execution struct {
	WalletID  uint64    `json:"walletId"`
	Token     string    `json:"token"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	FeeTo     string    `json:"feeTo,omitempty"`
	FeeAmount string    `json:"feeAmount,omitempty"`
	Nonce     uint64    `json:"nonce"` // the nonce this execution consumed
	Signers   []string  `json:"signers"`
	At        time.Time `json:"at"`
}

// Store persists wallet records and per-wallet token balances.
type Store interface {
	// Create persists a new wallet and assigns its monotonic ID.
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id uint64) (*Wallet, error)
	// Update persists nonce advancement. Owners and threshold never change.
	Update(ctx context.Context, w *Wallet) error
	ListByOwner(ctx context.Context, owner string, limit int) ([]*Wallet, error)
	// AddBalance credits a wallet's balance for a token. amount is a decimal string.
	AddBalance(ctx context.Context, walletID uint64, token, amount string) error
	// DebitBalance atomically checks and reduces a wallet's balance;
	// ErrInsufficientFunds if the balance cannot cover amount.
	DebitBalance(ctx context.Context, walletID uint64, token, amount string) error
	// Balance returns a wallet's balance for a token as a decimal string, "0" if none.
	Balance(ctx context.Context, walletID uint64, token string) (string, error)
}

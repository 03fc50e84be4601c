// Package token abstracts the ERC20 ledgers the escrow protocol moves value
// on. The protocol never interprets token semantics beyond balance queries and
// transfers; a token is free to reject a transfer or deliver less than asked
// (fee-on-transfer), and callers detect the latter by comparing balances.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidAddress        = errors.New("token: invalid address")
	ErrInvalidAmount         = errors.New("token: invalid amount")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrTransferFailed        = errors.New("token: transfer failed")
	ErrShortTransfer         = errors.New("token: transfer delivered less than requested")
)

// Token is one ERC20 contract viewed as an opaque ledger.
type Token interface {
	// Address returns the token contract address, lowercased.
	Address() string
	// BalanceOf returns the token balance of an account.
	BalanceOf(ctx context.Context, account string) (*big.Int, error)
	// Transfer moves tokens between accounts the service holds custody over.
	Transfer(ctx context.Context, from, to string, amount *big.Int) error
	// TransferFrom pulls pre-approved tokens from owner into the custody account.
	TransferFrom(ctx context.Context, owner, custody string, amount *big.Int) error
}

// PullExact pulls amount from owner into custody and verifies the custody
// account received exactly that amount. Tokens that skim a transfer fee fail
// here: the short delivery is returned to the owner best-effort and
// ErrShortTransfer is reported, leaving no partial effect in the protocol.
func PullExact(ctx context.Context, t Token, owner, custody string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	before, err := t.BalanceOf(ctx, custody)
	if err != nil {
		return fmt.Errorf("balance check before transfer: %w", err)
	}
	if err := t.TransferFrom(ctx, owner, custody, amount); err != nil {
		return err
	}
	after, err := t.BalanceOf(ctx, custody)
	if err != nil {
		return fmt.Errorf("balance check after transfer: %w", err)
	}

	received := new(big.Int).Sub(after, before)
	if received.Cmp(amount) != 0 {
		if received.Sign() > 0 {
			// Return whatever arrived; the deposit itself is void either way.
			_ = t.Transfer(ctx, custody, owner, received)
		}
		return fmt.Errorf("%w: requested %s, received %s", ErrShortTransfer, amount, received)
	}
	return nil
}

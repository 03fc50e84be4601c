// Package ledger tracks withdrawable credits and protocol fee accrual.
//
// Flow:
//  1. An escrow resolves in a party's favor → credit added for (escrow, user)
//  2. The party withdraws one escrow's credit, or all credits for a token
//  3. On delivery, the protocol fee is accrued separately, owner-withdrawable
//
// Credits are only ever created by escrow resolution and only ever reduced by
// withdrawal. Withdrawals zero the credit before touching the token so a
// reentrant or misbehaving token can never observe a spendable stale balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/syncutil"
)

var (
	ErrNothingToWithdraw = errors.New("ledger: nothing to withdraw")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrUnknownToken      = errors.New("ledger: no binding for token")
)

// Credit is one escrow's resolved payout awaiting withdrawal.
type Credit struct {
	EscrowID  uint64    `json:"escrowId"`
	User      string    `json:"user"`
	Token     string    `json:"token"`
	Amount    string    `json:"amount"` // raw token units, decimal string
	CreatedAt time.Time `json:"createdAt"`
}

// Withdrawal reports a completed payout.
type Withdrawal struct {
	User   string `json:"user"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Store persists credits and fee balances.
type Store interface {
	// AddCredit records a credit and bumps the (user, token) aggregate.
	AddCredit(ctx context.Context, c *Credit) error
	// GetCredit returns the credit for one escrow and user; ErrNothingToWithdraw if absent.
	GetCredit(ctx context.Context, escrowID uint64, user string) (*Credit, error)
	// TakeCredit removes and returns the credit for one escrow and user.
	TakeCredit(ctx context.Context, escrowID uint64, user string) (*Credit, error)
	// TakeAllCredits removes every credit for (user, token) and returns them.
	TakeAllCredits(ctx context.Context, user, token string) ([]*Credit, error)
	// Aggregate returns the summed withdrawable amount for (user, token).
	Aggregate(ctx context.Context, user, token string) (string, error)
	// AccrueFee adds to the protocol fee balance for a token.
	AccrueFee(ctx context.Context, token, amount string) error
	// TakeFees removes and returns the protocol fee balance for a token.
	TakeFees(ctx context.Context, token string) (string, error)
}

// TokenResolver maps a token address to its transfer binding.
type TokenResolver interface {
	Resolve(addr string) (Token, error)
}

// Token is the subset of token operations withdrawals need.
type Token interface {
	Transfer(ctx context.Context, from, to string, amount *big.Int) error
}

// OwnerChecker gates the fee-withdrawal surface.
type OwnerChecker interface {
	RequireOwner(ctx context.Context, caller string) error
}

// Ledger manages withdrawable credits.
type Ledger struct {
	store   Store
	tokens  TokenResolver
	owner   OwnerChecker
	custody string                // account the protocol holds deposits under
	locks   syncutil.ShardedMutex // per-user locks so one credit cannot be withdrawn twice
	logger  *slog.Logger
}

// New creates a ledger. custody is the account deposits are held under.
func New(store Store, tokens TokenResolver, owner OwnerChecker, custody string) *Ledger {
	return &Ledger{
		store:   store,
		tokens:  tokens,
		owner:   owner,
		custody: strings.ToLower(custody),
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger used for compensation failures.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// Credit records a resolved payout for a user. Called by the escrow service
// only; there is no other code path that creates credits.
func (l *Ledger) Credit(ctx context.Context, escrowID uint64, user, tok string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.AddCredit(ctx, &Credit{
		EscrowID:  escrowID,
		User:      strings.ToLower(user),
		Token:     strings.ToLower(tok),
		Amount:    amount.String(),
		CreatedAt: time.Now(),
	})
}

// AccrueFee adds a delivery fee to the protocol's balance for a token.
func (l *Ledger) AccrueFee(ctx context.Context, tok string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	return l.store.AccrueFee(ctx, strings.ToLower(tok), amount.String())
}

// Withdraw pays out the caller's credit for one escrow. The credit is removed
// before the token transfer; if the transfer fails the credit is restored.
func (l *Ledger) Withdraw(ctx context.Context, escrowID uint64, caller string) (*Withdrawal, error) {
	caller = strings.ToLower(caller)
	defer l.locks.Lock(caller)()

	credit, err := l.store.TakeCredit(ctx, escrowID, caller)
	if err != nil {
		return nil, err
	}

	amount, ok := new(big.Int).SetString(credit.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: corrupt credit amount %q", ErrInvalidAmount, credit.Amount)
	}

	if err := l.transfer(ctx, credit.Token, caller, amount); err != nil {
		// Compensate: the payout did not happen, the credit stands.
		l.restore(ctx, []*Credit{credit})
		return nil, err
	}

	return &Withdrawal{User: caller, Token: credit.Token, Amount: credit.Amount}, nil
}

// WithdrawAll pays out the caller's full aggregated credit for a token in a
// single transfer.
func (l *Ledger) WithdrawAll(ctx context.Context, caller, tok string) (*Withdrawal, error) {
	caller = strings.ToLower(caller)
	tok = strings.ToLower(tok)
	defer l.locks.Lock(caller)()

	credits, err := l.store.TakeAllCredits(ctx, caller, tok)
	if err != nil {
		return nil, err
	}
	if len(credits) == 0 {
		return nil, ErrNothingToWithdraw
	}

	total := new(big.Int)
	for _, c := range credits {
		amount, ok := new(big.Int).SetString(c.Amount, 10)
		if !ok {
			l.restore(ctx, credits)
			return nil, fmt.Errorf("%w: corrupt credit amount %q", ErrInvalidAmount, c.Amount)
		}
		total.Add(total, amount)
	}

	if err := l.transfer(ctx, tok, caller, total); err != nil {
		l.restore(ctx, credits)
		return nil, err
	}

	return &Withdrawal{User: caller, Token: tok, Amount: total.String()}, nil
}

// WithdrawFees pays the accrued protocol fees for a token to the owner.
// Participant credits are untouchable through this path.
func (l *Ledger) WithdrawFees(ctx context.Context, caller, tok string) (*Withdrawal, error) {
	if err := l.owner.RequireOwner(ctx, caller); err != nil {
		return nil, err
	}
	tok = strings.ToLower(tok)
	caller = strings.ToLower(caller)

	defer l.locks.Lock(caller)()

	feeStr, err := l.store.TakeFees(ctx, tok)
	if err != nil {
		return nil, err
	}
	fees, ok := new(big.Int).SetString(feeStr, 10)
	if !ok || fees.Sign() <= 0 {
		return nil, ErrNothingToWithdraw
	}

	if err := l.transfer(ctx, tok, caller, fees); err != nil {
		if accErr := l.store.AccrueFee(ctx, tok, feeStr); accErr != nil {
			if retryErr := l.store.AccrueFee(ctx, tok, feeStr); retryErr != nil {
				l.logger.Error("CRITICAL: fee balance taken but not restored, requires manual resolution",
					"token", tok, "amount", feeStr, "error", retryErr)
			}
		}
		return nil, err
	}

	return &Withdrawal{User: caller, Token: tok, Amount: feeStr}, nil
}

// Withdrawable returns the caller's pending credit for one escrow, "0" if none.
func (l *Ledger) Withdrawable(ctx context.Context, escrowID uint64, user string) (string, error) {
	c, err := l.store.GetCredit(ctx, escrowID, strings.ToLower(user))
	if errors.Is(err, ErrNothingToWithdraw) {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return c.Amount, nil
}

// Aggregate returns the caller's total pending credit for a token.
func (l *Ledger) Aggregate(ctx context.Context, user, tok string) (string, error) {
	return l.store.Aggregate(ctx, strings.ToLower(user), strings.ToLower(tok))
}

func (l *Ledger) transfer(ctx context.Context, tok, to string, amount *big.Int) error {
	binding, err := l.tokens.Resolve(tok)
	if err != nil {
		return err
	}
	return binding.Transfer(ctx, l.custody, to, amount)
}

// restore puts taken credits back after a failed payout. A credit that cannot
// be written back even on retry is money the participant can no longer reach
// through the API, so that is logged loudly for manual resolution.
func (l *Ledger) restore(ctx context.Context, credits []*Credit) {
	for _, c := range credits {
		if err := l.store.AddCredit(ctx, c); err != nil {
			if retryErr := l.store.AddCredit(ctx, c); retryErr != nil {
				l.logger.Error("CRITICAL: credit taken but not restored, requires manual resolution",
					"escrowId", c.EscrowID, "user", c.User, "token", c.Token,
					"amount", c.Amount, "error", retryErr)
			}
		}
	}
}

// Package registry holds protocol administration state: the token allowlist,
// the fee schedule, the minimum deposit floor, and protocol ownership.
//
// The owner is the protocol operator; it collects fees, defaults as arbiter on
// escrows created without one, and is the only principal allowed to change
// parameters. Ownership moves in two steps (transfer, then accept) so a typo'd
// address can never take the protocol.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotOwner        = errors.New("registry: caller is not the protocol owner")
	ErrNotPendingOwner = errors.New("registry: caller is not the pending owner")
	ErrInvalidAddress  = errors.New("registry: invalid address")
	ErrFeeTooHigh      = errors.New("registry: fee rate above cap")
	ErrTokenNotAllowed = errors.New("registry: token is not allowlisted")
)

const (
	// DefaultFeeBps is the protocol fee on successful delivery: 1%.
	DefaultFeeBps = 100

	// MaxFeeBps caps the configurable fee at 10%.
	MaxFeeBps = 1000
)

// Params is the protocol parameter set. A single row/record per deployment.
type Params struct {
	Owner        string    `json:"owner"`
	PendingOwner string    `json:"pendingOwner,omitempty"`
	FeeBps       int64     `json:"feeBps"`
	MinDeposit   string    `json:"minDeposit"` // raw token units, decimal string
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists protocol parameters and the token allowlist.
type Store interface {
	GetParams(ctx context.Context) (*Params, error)
	SetParams(ctx context.Context, p *Params) error
	SetTokenAllowed(ctx context.Context, token string, allowed bool) error
	IsTokenAllowed(ctx context.Context, token string) (bool, error)
	ListAllowedTokens(ctx context.Context) ([]string, error)
}

// Registry is the administration service.
type Registry struct {
	store Store
	mu    sync.Mutex // serializes parameter updates
}

// New creates a registry backed by store. The owner is set on first use via
// Init and never defaulted silently.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Init seeds the parameter set if the store is empty. Existing parameters win;
// re-running Init against a configured deployment is a no-op.
func (r *Registry) Init(ctx context.Context, owner, minDeposit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.GetParams(ctx); err == nil {
		return nil
	}
	if !isHexAddress(owner) {
		return ErrInvalidAddress
	}
	return r.store.SetParams(ctx, &Params{
		Owner:      strings.ToLower(owner),
		FeeBps:     DefaultFeeBps,
		MinDeposit: minDeposit,
		UpdatedAt:  time.Now(),
	})
}

// Params returns the current parameter set.
func (r *Registry) Params(ctx context.Context) (*Params, error) {
	return r.store.GetParams(ctx)
}

// Owner returns the current protocol owner address.
func (r *Registry) Owner(ctx context.Context) (string, error) {
	p, err := r.store.GetParams(ctx)
	if err != nil {
		return "", err
	}
	return p.Owner, nil
}

// RequireOwner fails unless caller is the current owner.
func (r *Registry) RequireOwner(ctx context.Context, caller string) error {
	p, err := r.store.GetParams(ctx)
	if err != nil {
		return err
	}
	if !strings.EqualFold(caller, p.Owner) {
		return ErrNotOwner
	}
	return nil
}

// SetTokenAllowed adds or removes a token from the allowlist. Owner only.
// Allowlist membership is checked at escrow creation, never re-verified after.
func (r *Registry) SetTokenAllowed(ctx context.Context, caller, tok string, allowed bool) error {
	if err := r.RequireOwner(ctx, caller); err != nil {
		return err
	}
	if !isHexAddress(tok) {
		return ErrInvalidAddress
	}
	return r.store.SetTokenAllowed(ctx, strings.ToLower(tok), allowed)
}

// IsTokenAllowed reports allowlist membership.
func (r *Registry) IsTokenAllowed(ctx context.Context, tok string) (bool, error) {
	return r.store.IsTokenAllowed(ctx, strings.ToLower(tok))
}

// ListAllowedTokens returns the current allowlist.
func (r *Registry) ListAllowedTokens(ctx context.Context) ([]string, error) {
	return r.store.ListAllowedTokens(ctx)
}

// SetFeeBps updates the delivery fee. Owner only, capped at MaxFeeBps.
func (r *Registry) SetFeeBps(ctx context.Context, caller string, bps int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetParams(ctx)
	if err != nil {
		return err
	}
	if !strings.EqualFold(caller, p.Owner) {
		return ErrNotOwner
	}
	if bps < 0 || bps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	p.FeeBps = bps
	p.UpdatedAt = time.Now()
	return r.store.SetParams(ctx, p)
}

// SetMinDeposit updates the anti-spam deposit floor. Owner only.
func (r *Registry) SetMinDeposit(ctx context.Context, caller, minDeposit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetParams(ctx)
	if err != nil {
		return err
	}
	if !strings.EqualFold(caller, p.Owner) {
		return ErrNotOwner
	}
	p.MinDeposit = minDeposit
	p.UpdatedAt = time.Now()
	return r.store.SetParams(ctx, p)
}

// TransferOwnership nominates a new owner. The current owner stays in control
// until the nominee accepts.
func (r *Registry) TransferOwnership(ctx context.Context, caller, newOwner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetParams(ctx)
	if err != nil {
		return err
	}
	if !strings.EqualFold(caller, p.Owner) {
		return ErrNotOwner
	}
	if !isHexAddress(newOwner) {
		return ErrInvalidAddress
	}
	p.PendingOwner = strings.ToLower(newOwner)
	p.UpdatedAt = time.Now()
	return r.store.SetParams(ctx, p)
}

// AcceptOwnership completes a pending ownership transfer. Only the nominee
// may call it.
func (r *Registry) AcceptOwnership(ctx context.Context, caller string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetParams(ctx)
	if err != nil {
		return err
	}
	if p.PendingOwner == "" || !strings.EqualFold(caller, p.PendingOwner) {
		return ErrNotPendingOwner
	}
	p.Owner = p.PendingOwner
	p.PendingOwner = ""
	p.UpdatedAt = time.Now()
	return r.store.SetParams(ctx, p)
}

func isHexAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	for _, c := range addr[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

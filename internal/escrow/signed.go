package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/signing"
)

// SignedRequest carries an off-chain authorization for one escrow action. A
// relayer submits it on behalf of the signing party; the party never has to
// touch the service directly.
//
// The nonce is the signer role's current per-escrow counter. It is bound into
// the signed digest and checked against the stored counter, so a signature is
// usable at most once, and only consumed when the action actually succeeds.
type SignedRequest struct {
	Role      string `json:"role" binding:"required"` // buyer or seller
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature" binding:"required"` // hex, 65 bytes
}

// ConfirmDeliverySigned is ConfirmDelivery authorized by the buyer's signature.
func (s *Service) ConfirmDeliverySigned(ctx context.Context, id uint64, req SignedRequest) (*Escrow, error) {
	return s.withSignedAction(ctx, id, signing.ActionConfirmDelivery, req, RoleBuyer,
		func(e *Escrow) error { return s.confirmDelivery(ctx, e) })
}

// RequestCancelSigned is RequestCancel authorized by the party's signature.
func (s *Service) RequestCancelSigned(ctx context.Context, id uint64, req SignedRequest) (*Escrow, error) {
	return s.withSignedAction(ctx, id, signing.ActionRequestCancel, req, "",
		func(e *Escrow) error { return s.requestCancel(ctx, e, req.Role) })
}

// StartDisputeSigned is StartDispute authorized by the party's signature.
func (s *Service) StartDisputeSigned(ctx context.Context, id uint64, req SignedRequest) (*Escrow, error) {
	return s.withSignedAction(ctx, id, signing.ActionStartDispute, req, "",
		func(e *Escrow) error { return s.startDispute(ctx, e, req.Role) })
}

// Nonce returns the current signature nonce for (escrow, role), letting
// relayers build the next digest without trial and error.
func (s *Service) Nonce(ctx context.Context, id uint64, role string) (uint64, error) {
	if role != RoleBuyer && role != RoleSeller && role != RoleArbiter {
		return 0, ErrUnauthorized
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return 0, err
	}
	return s.store.GetNonce(ctx, id, role)
}

// withSignedAction authenticates a signed request and runs the same transition
// logic as the direct-call path. requireRole pins actions only one role may
// sign ("" allows buyer or seller). The nonce increments only after fn
// succeeds: a rejected action leaves the signature replayable, a successful
// one consumes it forever.
func (s *Service) withSignedAction(ctx context.Context, id uint64, action string, req SignedRequest, requireRole string, fn func(e *Escrow) error) (*Escrow, error) {
	if requireRole != "" && req.Role != requireRole {
		return nil, ErrUnauthorized
	}
	if req.Role != RoleBuyer && req.Role != RoleSeller {
		return nil, ErrUnauthorized
	}

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	signer := e.AddressOf(req.Role)
	current, err := s.store.GetNonce(ctx, id, req.Role)
	if err != nil {
		return nil, err
	}
	if req.Nonce != current {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrStaleNonce, req.Nonce, current)
	}

	digest := s.domain.ActionDigest(id, action, req.Role, current)
	if err := signing.Verify(digest, req.Signature, signer); err != nil {
		metrics.SignedActionsTotal.WithLabelValues(action, "bad_signature").Inc()
		return nil, err
	}

	if err := fn(e); err != nil {
		metrics.SignedActionsTotal.WithLabelValues(action, "rejected").Inc()
		return nil, err
	}
	metrics.SignedActionsTotal.WithLabelValues(action, "ok").Inc()

	if err := s.store.IncrementNonce(ctx, id, req.Role); err != nil {
		// The transition is already applied; a stuck nonce only blocks the
		// next signed action for this role, it cannot double-apply this one.
		s.logger.Error("failed to increment signature nonce",
			"escrowId", id, "role", req.Role, "error", err)
	}
	return e, nil
}

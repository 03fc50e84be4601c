package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/registry"
	"github.com/mbd888/escrowd/internal/signing"
	"github.com/mbd888/escrowd/internal/token"
)

// CreditLedger is the subset of ledger operations escrow resolution uses.
// Credits are the only way funds leave an escrow; the escrow service never
// transfers tokens out itself.
type CreditLedger interface {
	Credit(ctx context.Context, escrowID uint64, user, tok string, amount *big.Int) error
	AccrueFee(ctx context.Context, tok string, amount *big.Int) error
	Withdrawable(ctx context.Context, escrowID uint64, user string) (string, error)
}

// Admin exposes the protocol parameters escrow guards consult.
type Admin interface {
	IsTokenAllowed(ctx context.Context, tok string) (bool, error)
	Params(ctx context.Context) (*registry.Params, error)
}

// TokenResolver maps a token address to its deposit binding.
type TokenResolver interface {
	Resolve(addr string) (token.Token, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Buyer        string    `json:"buyer" binding:"required"`
	Seller       string    `json:"seller" binding:"required"`
	Arbiter      string    `json:"arbiter"` // defaults to the protocol owner
	Token        string    `json:"token" binding:"required"`
	Amount       string    `json:"amount" binding:"required"` // raw token units
	MaturityTime time.Time `json:"maturityTime" binding:"required"`
	TermsHash    string    `json:"termsHash"`
}

// Service implements the escrow lifecycle state machine.
type Service struct {
	store   Store
	ledger  CreditLedger
	admin   Admin
	tokens  TokenResolver
	domain  signing.Domain
	custody string
	grace   time.Duration
	logger  *slog.Logger

	recorder Recorder
	notifier Notifier

	now   func() time.Time
	locks sync.Map // per-escrow ID locks; each call is atomic w.r.t. its escrow
}

// NewService creates an escrow service.
func NewService(store Store, ledger CreditLedger, admin Admin, tokens TokenResolver, domain signing.Domain, custody string, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		ledger:  ledger,
		admin:   admin,
		tokens:  tokens,
		domain:  domain,
		custody: strings.ToLower(custody),
		grace:   DefaultGracePeriod,
		logger:  logger,
		now:     time.Now,
	}
}

// WithRecorder adds an event recorder for indexers.
func (s *Service) WithRecorder(r Recorder) *Service {
	s.recorder = r
	return s
}

// WithNotifier adds a realtime event broadcaster.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithGracePeriod overrides the post-maturity cancellation buffer.
func (s *Service) WithGracePeriod(d time.Duration) *Service {
	if d > 0 {
		s.grace = d
	}
	return s
}

// WithClock overrides the timestamp source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) escrowLock(id uint64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create validates participants and terms and opens an escrow awaiting the
// buyer's deposit. The token must be allowlisted now; membership is not
// re-checked on later actions.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	e, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, EventCreated, e, e.Buyer, "")
	return e, nil
}

// create persists the record without announcing it, so composed operations
// can hold the event back until they commit.
func (s *Service) create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if !isHexAddress(req.Buyer) || !isHexAddress(req.Seller) || !isHexAddress(req.Token) {
		return nil, ErrInvalidAddress
	}
	if req.Arbiter != "" && !isHexAddress(req.Arbiter) {
		return nil, ErrInvalidAddress
	}
	if strings.EqualFold(req.Buyer, req.Seller) {
		return nil, ErrSameParty
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	allowed, err := s.admin.IsTokenAllowed(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrTokenNotAllowed
	}

	now := s.now()
	if req.MaturityTime.Before(now.Add(MinMaturity)) || req.MaturityTime.After(now.Add(MaxMaturity)) {
		return nil, ErrMaturityOutOfRange
	}

	arbiter := normalizeAddr(req.Arbiter)
	if arbiter == "" {
		params, err := s.admin.Params(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve default arbiter: %w", err)
		}
		arbiter = params.Owner
	}

	e := &Escrow{
		Buyer:        normalizeAddr(req.Buyer),
		Seller:       normalizeAddr(req.Seller),
		Arbiter:      arbiter,
		Token:        normalizeAddr(req.Token),
		Amount:       amount.String(),
		State:        StateAwaitingPayment,
		MaturityTime: req.MaturityTime,
		TermsHash:    req.TermsHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	return e, nil
}

// Deposit pulls the agreed amount from the buyer into custody. The token must
// deliver exactly the requested amount; fee-on-transfer tokens are rejected.
func (s *Service) Deposit(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.deposit(ctx, e, caller); err != nil {
		return nil, err
	}
	s.emit(ctx, EventDeposited, e, e.Buyer, "")
	return e, nil
}

// CreateAndDeposit composes creation and deposit atomically: if the deposit
// fails, the record is removed and no intermediate state is observable. Both
// events are held back until the composition commits, so a failed deposit
// leaves nothing in the event history or on the wire.
func (s *Service) CreateAndDeposit(ctx context.Context, req CreateRequest) (*Escrow, error) {
	e, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}

	mu := s.escrowLock(e.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.deposit(ctx, e, req.Buyer); err != nil {
		if delErr := s.store.Delete(ctx, e.ID); delErr != nil {
			s.logger.Error("failed to remove escrow after failed atomic deposit",
				"escrowId", e.ID, "error", delErr)
		}
		return nil, err
	}

	created := *e
	created.State = StateAwaitingPayment
	s.emit(ctx, EventCreated, &created, e.Buyer, "")
	s.emit(ctx, EventDeposited, e, e.Buyer, "")
	return e, nil
}

// deposit applies the awaiting_payment → awaiting_delivery transition.
// Callers hold the escrow lock and announce the deposited event.
func (s *Service) deposit(ctx context.Context, e *Escrow, caller string) error {
	if e.RoleOf(caller) != RoleBuyer {
		return ErrUnauthorized
	}
	if e.State != StateAwaitingPayment {
		return ErrInvalidState
	}

	amount, _ := new(big.Int).SetString(e.Amount, 10)

	params, err := s.admin.Params(ctx)
	if err != nil {
		return err
	}
	if minDeposit, ok := new(big.Int).SetString(params.MinDeposit, 10); ok && amount.Cmp(minDeposit) < 0 {
		return ErrBelowMinimum
	}

	binding, err := s.tokens.Resolve(e.Token)
	if err != nil {
		return err
	}
	if err := token.PullExact(ctx, binding, e.Buyer, s.custody, amount); err != nil {
		return err
	}

	e.State = StateAwaitingDelivery
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		// Funds are already in custody; the record must reflect that.
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("CRITICAL: deposit received but escrow record is stale, requires manual resolution",
				"escrowId", e.ID, "buyer", e.Buyer, "amount", e.Amount, "error", retryErr)
			return fmt.Errorf("failed to update escrow after deposit: %w", err)
		}
	}
	return nil
}

// ConfirmDelivery releases the escrow to the seller, minus the protocol fee.
func (s *Service) ConfirmDelivery(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	return s.withEscrow(ctx, id, func(e *Escrow) error {
		if e.RoleOf(caller) != RoleBuyer {
			return ErrUnauthorized
		}
		return s.confirmDelivery(ctx, e)
	})
}

// confirmDelivery applies the awaiting_delivery → complete transition for an
// already-authenticated buyer. Callers hold the escrow lock.
func (s *Service) confirmDelivery(ctx context.Context, e *Escrow) error {
	if e.IsTerminal() {
		return ErrAlreadyResolved
	}
	if e.State != StateAwaitingDelivery {
		return ErrInvalidState
	}
	return s.settle(ctx, e, StateComplete, ResolutionReleaseToSeller, EventDeliveryConfirmed, e.Buyer)
}

// RequestCancel records one party's wish to cancel. The second distinct
// request finalizes the cancellation with a full, fee-free refund credit.
func (s *Service) RequestCancel(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	return s.withEscrow(ctx, id, func(e *Escrow) error {
		role := e.RoleOf(caller)
		if role != RoleBuyer && role != RoleSeller {
			return ErrUnauthorized
		}
		return s.requestCancel(ctx, e, role)
	})
}

// requestCancel applies one cancellation request. Callers hold the escrow lock.
func (s *Service) requestCancel(ctx context.Context, e *Escrow, role string) error {
	if e.IsTerminal() {
		return ErrAlreadyResolved
	}
	if e.State != StateAwaitingDelivery {
		return ErrInvalidState
	}
	if e.hasCancelRequest(role) {
		// Re-requesting is harmless; state is unchanged.
		return nil
	}

	e.CancelRequestedBy = append(e.CancelRequestedBy, role)
	actor := e.AddressOf(role)

	if len(e.CancelRequestedBy) < 2 {
		e.UpdatedAt = s.now()
		if err := s.store.Update(ctx, e); err != nil {
			return err
		}
		s.emit(ctx, EventCancelRequested, e, actor, "")
		return nil
	}

	// Both parties agreed: full refund, no fee.
	e.CancelRequestedBy = nil
	return s.settle(ctx, e, StateCanceled, ResolutionRefundToBuyer, EventCanceled, actor)
}

// CancelByTimeout lets the buyer reclaim funds from a stalled trade once the
// maturity plus grace deadline has passed. A dispute forecloses this path for
// good: the escrow is no longer in awaiting_delivery.
func (s *Service) CancelByTimeout(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	return s.withEscrow(ctx, id, func(e *Escrow) error {
		if e.RoleOf(caller) != RoleBuyer {
			return ErrUnauthorized
		}
		if e.IsTerminal() {
			return ErrAlreadyResolved
		}
		if e.State != StateAwaitingDelivery {
			return ErrInvalidState
		}
		if s.now().Before(e.MaturityTime.Add(s.grace)) {
			return ErrTooEarly
		}
		return s.settle(ctx, e, StateRefunded, ResolutionRefundToBuyer, EventRefundedByTimeout, e.Buyer)
	})
}

// StartDispute freezes the escrow for arbitration. Mutual-cancellation and
// timeout-cancel paths are permanently foreclosed.
func (s *Service) StartDispute(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	return s.withEscrow(ctx, id, func(e *Escrow) error {
		role := e.RoleOf(caller)
		if role != RoleBuyer && role != RoleSeller {
			return ErrUnauthorized
		}
		return s.startDispute(ctx, e, role)
	})
}

// startDispute applies the awaiting_delivery → disputed transition.
// Callers hold the escrow lock.
func (s *Service) startDispute(ctx context.Context, e *Escrow, role string) error {
	if e.IsTerminal() {
		return ErrAlreadyResolved
	}
	if e.State != StateAwaitingDelivery {
		return ErrInvalidState
	}

	now := s.now()
	e.State = StateDisputed
	e.DisputeStartedAt = &now
	e.CancelRequestedBy = nil
	e.BuyerEvidence = false
	e.SellerEvidence = false
	e.BuyerEvidenceHash = ""
	e.SellerEvidenceHash = ""
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return err
	}
	s.emit(ctx, EventDisputeStarted, e, e.AddressOf(role), "")
	return nil
}

// SubmitEvidence records that a party filed dispute evidence. The content
// lives off-chain; only the reference and the fact of submission matter here.
func (s *Service) SubmitEvidence(ctx context.Context, id uint64, caller, evidenceHash string) (*Escrow, error) {
	return s.withEscrow(ctx, id, func(e *Escrow) error {
		role := e.RoleOf(caller)
		if role != RoleBuyer && role != RoleSeller {
			return ErrUnauthorized
		}
		if e.State != StateDisputed {
			return ErrInvalidState
		}

		if role == RoleBuyer {
			e.BuyerEvidence = true
			e.BuyerEvidenceHash = evidenceHash
		} else {
			e.SellerEvidence = true
			e.SellerEvidenceHash = evidenceHash
		}
		e.UpdatedAt = s.now()
		if err := s.store.Update(ctx, e); err != nil {
			return err
		}
		s.emit(ctx, EventEvidenceSubmitted, e, e.AddressOf(role), "")
		return nil
	})
}

// SubmitArbiterDecision resolves a dispute. The evidence-timeout rule gates
// when the arbiter may decide, never what it decides:
//
//   - evidence from both sides: decide immediately
//   - within the short window without both: wait
//   - between short and long window: one-sided evidence suffices
//   - past the long window: decide unilaterally
func (s *Service) SubmitArbiterDecision(ctx context.Context, id uint64, caller string, resolution Resolution, resolutionHash string) (*Escrow, error) {
	return s.withEscrow(ctx, id, func(e *Escrow) error {
		if e.RoleOf(caller) != RoleArbiter {
			return ErrUnauthorized
		}
		if e.IsTerminal() {
			return ErrAlreadyResolved
		}
		if e.State != StateDisputed || e.DisputeStartedAt == nil {
			return ErrInvalidState
		}

		elapsed := s.now().Sub(*e.DisputeStartedAt)
		bothSides := e.BuyerEvidence && e.SellerEvidence
		oneSide := e.BuyerEvidence || e.SellerEvidence
		switch {
		case bothSides:
		case elapsed < DisputeShortTimeout:
			return ErrEvidenceWindow
		case elapsed < DisputeLongTimeout && !oneSide:
			return ErrEvidenceWindow
		}

		e.ResolutionHash = resolutionHash
		switch resolution {
		case ResolutionReleaseToSeller:
			return s.settle(ctx, e, StateComplete, resolution, EventDisputeResolved, e.Arbiter)
		case ResolutionRefundToBuyer:
			return s.settle(ctx, e, StateRefunded, resolution, EventDisputeResolved, e.Arbiter)
		default:
			return ErrBadResolution
		}
	})
}

// settle moves an escrow into a terminal state and credits the winning party.
// Release paths charge the protocol fee; refund paths never do. Credits are
// written before the state update so a crash between the two leaves a record
// that under-reports rather than over-pays.
func (s *Service) settle(ctx context.Context, e *Escrow, final State, resolution Resolution, event EventType, actor string) error {
	amount, ok := new(big.Int).SetString(e.Amount, 10)
	if !ok {
		return fmt.Errorf("%w: corrupt amount %q", ErrInvalidAmount, e.Amount)
	}

	fee := new(big.Int)
	switch resolution {
	case ResolutionReleaseToSeller:
		params, err := s.admin.Params(ctx)
		if err != nil {
			return err
		}
		fee.Mul(amount, big.NewInt(params.FeeBps))
		fee.Div(fee, big.NewInt(10000))
		payout := new(big.Int).Sub(amount, fee)

		if err := s.ledger.Credit(ctx, e.ID, e.Seller, e.Token, payout); err != nil {
			return fmt.Errorf("failed to credit seller: %w", err)
		}
		if err := s.ledger.AccrueFee(ctx, e.Token, fee); err != nil {
			return fmt.Errorf("failed to accrue fee: %w", err)
		}
	case ResolutionRefundToBuyer:
		if err := s.ledger.Credit(ctx, e.ID, e.Buyer, e.Token, amount); err != nil {
			return fmt.Errorf("failed to credit buyer: %w", err)
		}
	default:
		return ErrBadResolution
	}

	now := s.now()
	e.State = final
	e.Resolution = resolution
	e.ResolvedAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("CRITICAL: escrow credited but record is stale, requires manual resolution",
				"escrowId", e.ID, "state", string(final), "error", retryErr)
			return fmt.Errorf("failed to update escrow after crediting: %w", err)
		}
	}

	s.emit(ctx, event, e, actor, fee.String())
	return nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows the address participates in.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, normalizeAddr(addr), limit)
}

// Withdrawable returns the pending ledger credit for a user on one escrow.
func (s *Service) Withdrawable(ctx context.Context, id uint64, user string) (string, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return "", err
	}
	return s.ledger.Withdrawable(ctx, id, user)
}

// withEscrow runs fn on a freshly loaded record under the per-escrow lock and
// returns the updated record. Concurrent calls on one escrow serialize here;
// the loser of a race sees the new state and fails its guard.
func (s *Service) withEscrow(ctx context.Context, id uint64, fn func(e *Escrow) error) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	return e, nil
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
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

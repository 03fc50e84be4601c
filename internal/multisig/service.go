package multisig

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/signing"
	"github.com/mbd888/escrowd/internal/token"
)

// maxUint256 bounds every amount and amount sum.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TokenResolver maps a token address to its transfer binding.
type TokenResolver interface {
	Resolve(addr string) (token.Token, error)
}

// Service manages threshold wallets and verifies co-signed executions.
//
// Wallet funds are held under the service custody account, the same account
// escrow deposits live under, because the ERC20 bindings can only sign
// transfers out of custody. The store keeps each wallet's share as a
// per-wallet, per-token balance: deposits credit it, executions debit it.
type Service struct {
	store   Store
	tokens  TokenResolver
	domain  signing.Domain
	custody string
	logger  *slog.Logger

	now   func() time.Time
	locks sync.Map // per-wallet ID locks
}

// NewService creates a multisig wallet service. custody is the account wallet
// funds are held under.
func NewService(store Store, tokens TokenResolver, domain signing.Domain, custody string, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		tokens:  tokens,
		domain:  domain,
		custody: strings.ToLower(custody),
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) walletLock(id uint64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create opens a 2-of-3 wallet over three distinct owner addresses. The owner
// set and threshold are fixed for the wallet's lifetime.
func (s *Service) Create(ctx context.Context, owners []string) (*Wallet, error) {
	if len(owners) != OwnerCount {
		return nil, ErrInvalidOwners
	}
	normalized := make([]string, OwnerCount)
	for i, o := range owners {
		if !common.IsHexAddress(o) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, o)
		}
		normalized[i] = strings.ToLower(common.HexToAddress(o).Hex())
	}
	for i := 0; i < OwnerCount; i++ {
		for j := i + 1; j < OwnerCount; j++ {
			if normalized[i] == normalized[j] {
				return nil, ErrInvalidOwners
			}
		}
	}

	w := &Wallet{
		Owners:    normalized,
		Threshold: Threshold,
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create wallet record: %w", err)
	}

	// The holding address is derived from the assigned ID and the owner set,
	// so two wallets over the same owners still hold funds apart.
	w.Address = deriveAddress(w.ID, normalized)
	if err := s.store.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to persist wallet address: %w", err)
	}
	return w, nil
}

// Get returns a wallet by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Wallet, error) {
	return s.store.Get(ctx, id)
}

// ListByOwner returns wallets the address co-owns.
func (s *Service) ListByOwner(ctx context.Context, owner string, limit int) ([]*Wallet, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByOwner(ctx, strings.ToLower(owner), limit)
}

// Deposit pulls pre-approved tokens from the depositor into custody and
// credits the wallet's balance. Anyone may fund a wallet; only the owners can
// move the funds back out.
func (s *Service) Deposit(ctx context.Context, walletID uint64, from, tokenAddr, amount string) (string, error) {
	if !common.IsHexAddress(from) || !common.IsHexAddress(tokenAddr) {
		return "", ErrInvalidAddress
	}
	value, err := parseAmount(amount)
	if err != nil {
		return "", err
	}
	from = strings.ToLower(from)
	tokenAddr = strings.ToLower(tokenAddr)

	mu := s.walletLock(walletID)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return "", err
	}

	binding, err := s.tokens.Resolve(tokenAddr)
	if err != nil {
		return "", err
	}
	if err := token.PullExact(ctx, binding, from, s.custody, value); err != nil {
		return "", err
	}

	// The tokens are already under custody; losing the bookkeeping write would
	// strand them outside every wallet.
	if err := s.store.AddBalance(ctx, w.ID, tokenAddr, value.String()); err != nil {
		if retryErr := s.store.AddBalance(ctx, w.ID, tokenAddr, value.String()); retryErr != nil {
			s.logger.Error("CRITICAL: deposit pulled but wallet balance not credited, requires manual resolution",
				"walletId", w.ID, "token", tokenAddr, "from", from,
				"amount", value.String(), "error", retryErr)
			return "", fmt.Errorf("failed to credit wallet balance: %w", err)
		}
	}
	return s.store.Balance(ctx, w.ID, tokenAddr)
}

// Balance returns a wallet's balance for a token.
func (s *Service) Balance(ctx context.Context, walletID uint64, tokenAddr string) (string, error) {
	if !common.IsHexAddress(tokenAddr) {
		return "", ErrInvalidAddress
	}
	if _, err := s.store.Get(ctx, walletID); err != nil {
		return "", err
	}
	return s.store.Balance(ctx, walletID, strings.ToLower(tokenAddr))
}

// ExecuteERC20 moves tokens out of the wallet once enough owners have signed
// the transfer digest for the wallet's current nonce.
func (s *Service) ExecuteERC20(ctx context.Context, walletID uint64, tokenAddr, to, amount string, sigs []string) (*Execution, error) {
	mu := s.walletLock(walletID)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}

	value, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(tokenAddr) || !common.IsHexAddress(to) {
		return nil, ErrInvalidAddress
	}
	tokenAddr = strings.ToLower(tokenAddr)
	to = strings.ToLower(to)

	digest := s.domain.TransferDigest(w.Address, tokenAddr, to, value, w.Nonce)
	signers, err := s.verifySigners(w, digest, sigs)
	if err != nil {
		metrics.MultisigExecutionsTotal.WithLabelValues("erc20", "rejected").Inc()
		return nil, err
	}

	binding, err := s.tokens.Resolve(tokenAddr)
	if err != nil {
		return nil, err
	}

	// Debit the wallet's share before moving anything out of custody, so a
	// concurrent execution cannot spend the same balance twice.
	if err := s.store.DebitBalance(ctx, w.ID, tokenAddr, value.String()); err != nil {
		metrics.MultisigExecutionsTotal.WithLabelValues("erc20", "reverted").Inc()
		return nil, fmt.Errorf("%w: %v", ErrExecutionReverted, err)
	}
	if err := binding.Transfer(ctx, s.custody, to, value); err != nil {
		s.creditBack(ctx, w.ID, tokenAddr, value.String())
		metrics.MultisigExecutionsTotal.WithLabelValues("erc20", "reverted").Inc()
		return nil, fmt.Errorf("%w: %v", ErrExecutionReverted, err)
	}

	ex := &Execution{
		WalletID: w.ID,
		Token:    tokenAddr,
		To:       to,
		Amount:   value.String(),
		Nonce:    w.Nonce,
		Signers:  signers,
		At:       s.now(),
	}
	if err := s.advanceNonce(ctx, w); err != nil {
		return nil, err
	}
	metrics.MultisigExecutionsTotal.WithLabelValues("erc20", "ok").Inc()
	return ex, nil
}

// ExecuteERC20Split is ExecuteERC20 for a net-plus-fee payout. Both legs are
// authorized by one digest and consume one nonce.
func (s *Service) ExecuteERC20Split(ctx context.Context, walletID uint64, tokenAddr, to, amount, feeTo, feeAmount string, sigs []string) (*Execution, error) {
	mu := s.walletLock(walletID)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}

	value, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	feeValue, err := parseAmount(feeAmount)
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Add(value, feeValue)
	if total.Cmp(maxUint256) > 0 {
		return nil, ErrAmountOverflow
	}
	if !common.IsHexAddress(tokenAddr) || !common.IsHexAddress(to) || !common.IsHexAddress(feeTo) {
		return nil, ErrInvalidAddress
	}
	tokenAddr = strings.ToLower(tokenAddr)
	to = strings.ToLower(to)
	feeTo = strings.ToLower(feeTo)

	digest := s.domain.SplitTransferDigest(w.Address, tokenAddr, to, value, feeTo, feeValue, w.Nonce)
	signers, err := s.verifySigners(w, digest, sigs)
	if err != nil {
		metrics.MultisigExecutionsTotal.WithLabelValues("erc20_split", "rejected").Inc()
		return nil, err
	}

	binding, err := s.tokens.Resolve(tokenAddr)
	if err != nil {
		return nil, err
	}

	// The wallet must cover both legs up front; a half-executed split would
	// leave the authorized payout in an unaccounted state.
	if err := s.store.DebitBalance(ctx, w.ID, tokenAddr, total.String()); err != nil {
		metrics.MultisigExecutionsTotal.WithLabelValues("erc20_split", "reverted").Inc()
		return nil, fmt.Errorf("%w: %v", ErrExecutionReverted, err)
	}

	if err := binding.Transfer(ctx, s.custody, to, value); err != nil {
		s.creditBack(ctx, w.ID, tokenAddr, total.String())
		metrics.MultisigExecutionsTotal.WithLabelValues("erc20_split", "reverted").Inc()
		return nil, fmt.Errorf("%w: %v", ErrExecutionReverted, err)
	}
	if err := binding.Transfer(ctx, s.custody, feeTo, feeValue); err != nil {
		// The main leg already settled and cannot be pulled back from an
		// external account. The fee never left custody, so it goes back on the
		// wallet, and the half-executed split is surfaced for manual resolution.
		s.creditBack(ctx, w.ID, tokenAddr, feeValue.String())
		s.logger.Error("CRITICAL: split fee leg failed after main leg settled, requires manual resolution",
			"walletId", w.ID, "token", tokenAddr, "to", to, "amount", value.String(),
			"feeTo", feeTo, "feeAmount", feeValue.String(), "error", err)
		metrics.MultisigExecutionsTotal.WithLabelValues("erc20_split", "reverted").Inc()
		return nil, fmt.Errorf("%w: %v", ErrExecutionReverted, err)
	}

	ex := &Execution{
		WalletID:  w.ID,
		Token:     tokenAddr,
		To:        to,
		Amount:    value.String(),
		FeeTo:     feeTo,
		FeeAmount: feeValue.String(),
		Nonce:     w.Nonce,
		Signers:   signers,
		At:        s.now(),
	}
	if err := s.advanceNonce(ctx, w); err != nil {
		return nil, err
	}
	metrics.MultisigExecutionsTotal.WithLabelValues("erc20_split", "ok").Inc()
	return ex, nil
}

// verifySigners recovers each signature against the digest and requires at
// least Threshold distinct owners. Non-owner and repeated signers reject the
// whole execution rather than being skipped: a malformed bundle is a caller
// bug worth surfacing.
func (s *Service) verifySigners(w *Wallet, digest []byte, sigs []string) ([]string, error) {
	seen := make(map[string]bool, len(sigs))
	var signers []string
	for _, sig := range sigs {
		addr, err := signing.RecoverSigner(digest, sig)
		if err != nil {
			return nil, err
		}
		if !w.IsOwner(addr) {
			return nil, fmt.Errorf("%w: %s", ErrNotOwner, addr)
		}
		if seen[addr] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSigner, addr)
		}
		seen[addr] = true
		signers = append(signers, addr)
	}
	if len(signers) < w.Threshold {
		return nil, fmt.Errorf("%w: got %d, need %d", ErrThresholdNotMet, len(signers), w.Threshold)
	}
	return signers, nil
}

// creditBack restores a debited balance after a failed transfer. The tokens
// never left custody, so a balance that cannot be written back even on retry
// is money the owners can no longer reach through the API, logged loudly for
// manual resolution.
func (s *Service) creditBack(ctx context.Context, walletID uint64, tokenAddr, amount string) {
	if err := s.store.AddBalance(ctx, walletID, tokenAddr, amount); err != nil {
		if retryErr := s.store.AddBalance(ctx, walletID, tokenAddr, amount); retryErr != nil {
			s.logger.Error("CRITICAL: wallet balance debited but not restored, requires manual resolution",
				"walletId", walletID, "token", tokenAddr, "amount", amount, "error", retryErr)
		}
	}
}

// advanceNonce consumes the wallet nonce after a successful execution. The
// tokens already moved, so a persistence failure is surfaced loudly: until the
// record catches up, the consumed digest would still verify.
func (s *Service) advanceNonce(ctx context.Context, w *Wallet) error {
	w.Nonce++
	if err := s.store.Update(ctx, w); err != nil {
		if retryErr := s.store.Update(ctx, w); retryErr != nil {
			s.logger.Error("CRITICAL: wallet executed but nonce is stale, requires manual resolution",
				"walletId", w.ID, "nonce", w.Nonce, "error", retryErr)
			return fmt.Errorf("failed to advance wallet nonce: %w", err)
		}
	}
	return nil
}

func parseAmount(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

// deriveAddress produces the wallet's holding address from its ID and owners.
func deriveAddress(id uint64, owners []string) string {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], id)
	parts := [][]byte{[]byte("escrowd-wallet"), idBytes[:]}
	for _, o := range owners {
		parts = append(parts, common.HexToAddress(o).Bytes())
	}
	h := crypto.Keccak256(parts...)
	return strings.ToLower(common.BytesToAddress(h[12:]).Hex())
}

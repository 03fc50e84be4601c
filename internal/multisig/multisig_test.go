package multisig

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/signing"
	"github.com/mbd888/escrowd/internal/token"
)

const (
	msTokenAddr  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	msVerifier   = "0xdddddddddddddddddddddddddddddddddddddddd"
	msCustody    = "0xc000000000000000000000000000000000000001"
	msDepositor  = "0xb000000000000000000000000000000000000001"
	recipient    = "0x9999999999999999999999999999999999999999"
	feeRecipient = "0x8888888888888888888888888888888888888888"
)

type msFixture struct {
	svc    *Service
	store  *MemoryStore
	tok    *token.Mock
	keys   []*ecdsa.PrivateKey
	owners []string
	wallet *Wallet
}

type msResolver struct {
	tok token.Token
}

func (r *msResolver) Resolve(addr string) (token.Token, error) {
	if addr != r.tok.Address() {
		return nil, token.ErrInvalidAddress
	}
	return r.tok, nil
}

func newMsFixture(t *testing.T) *msFixture {
	t.Helper()

	keys := make([]*ecdsa.PrivateKey, 3)
	owners := make([]string, 3)
	for i := range keys {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		keys[i] = key
		owners[i] = strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	}

	tok := token.NewMock(msTokenAddr)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := NewMemoryStore()
	svc := NewService(store, &msResolver{tok}, signing.NewDomain(31337, msVerifier), msCustody, logger)

	w, err := svc.Create(context.Background(), owners)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Fund the wallet through a deposit: tokens land under custody, the
	// wallet's balance records its share.
	tok.Mint(msDepositor, big.NewInt(10000))
	tok.Approve(msDepositor, big.NewInt(10000))
	if _, err := svc.Deposit(context.Background(), w.ID, msDepositor, msTokenAddr, "10000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	return &msFixture{svc: svc, store: store, tok: tok, keys: keys, owners: owners, wallet: w}
}

func (f *msFixture) signTransfer(t *testing.T, key *ecdsa.PrivateKey, to, amount string, nonce uint64) string {
	t.Helper()
	v, _ := new(big.Int).SetString(amount, 10)
	digest := signing.NewDomain(31337, msVerifier).TransferDigest(f.wallet.Address, msTokenAddr, to, v, nonce)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return "0x" + hex.EncodeToString(sig)
}

func (f *msFixture) signSplit(t *testing.T, key *ecdsa.PrivateKey, to, amount, feeTo, feeAmount string, nonce uint64) string {
	t.Helper()
	v, _ := new(big.Int).SetString(amount, 10)
	fv, _ := new(big.Int).SetString(feeAmount, 10)
	digest := signing.NewDomain(31337, msVerifier).SplitTransferDigest(f.wallet.Address, msTokenAddr, to, v, feeTo, fv, nonce)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return "0x" + hex.EncodeToString(sig)
}

func TestCreateWallet(t *testing.T) {
	f := newMsFixture(t)

	if f.wallet.ID != 1 {
		t.Errorf("Expected ID 1, got %d", f.wallet.ID)
	}
	if f.wallet.Threshold != 2 {
		t.Errorf("Expected threshold 2, got %d", f.wallet.Threshold)
	}
	if f.wallet.Nonce != 0 {
		t.Errorf("Expected nonce 0, got %d", f.wallet.Nonce)
	}
	if f.wallet.Address == "" || len(f.wallet.Address) != 42 {
		t.Errorf("Expected derived address, got %q", f.wallet.Address)
	}

	// Same owners, different wallet, different holding address.
	w2, err := f.svc.Create(context.Background(), f.owners)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if w2.Address == f.wallet.Address {
		t.Error("Expected distinct holding addresses for distinct wallets")
	}
}

func TestCreateWallet_Validation(t *testing.T) {
	f := newMsFixture(t)

	tests := []struct {
		name    string
		owners  []string
		wantErr error
	}{
		{"too few", f.owners[:2], ErrInvalidOwners},
		{"too many", append(append([]string{}, f.owners...), recipient), ErrInvalidOwners},
		{"duplicate", []string{f.owners[0], f.owners[1], f.owners[0]}, ErrInvalidOwners},
		{"bad address", []string{f.owners[0], f.owners[1], "nonsense"}, ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.owners)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Create error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecuteERC20(t *testing.T) {
	f := newMsFixture(t)

	sigs := []string{
		f.signTransfer(t, f.keys[0], recipient, "700", 0),
		f.signTransfer(t, f.keys[1], recipient, "700", 0),
	}
	ex, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "700", sigs)
	if err != nil {
		t.Fatalf("ExecuteERC20 failed: %v", err)
	}
	if ex.Nonce != 0 {
		t.Errorf("Expected consumed nonce 0, got %d", ex.Nonce)
	}
	if len(ex.Signers) != 2 {
		t.Errorf("Expected 2 signers, got %v", ex.Signers)
	}

	bal, _ := f.tok.BalanceOf(context.Background(), recipient)
	if bal.String() != "700" {
		t.Errorf("Expected recipient balance 700, got %s", bal)
	}
	remaining, err := f.svc.Balance(context.Background(), f.wallet.ID, msTokenAddr)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if remaining != "9300" {
		t.Errorf("Expected wallet balance 9300, got %s", remaining)
	}

	w, err := f.svc.Get(context.Background(), f.wallet.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if w.Nonce != 1 {
		t.Errorf("Expected nonce 1 after execution, got %d", w.Nonce)
	}
}

func TestExecuteERC20_AnyTwoOfThree(t *testing.T) {
	f := newMsFixture(t)

	// Owners 1 and 2 (not the first) also clear the threshold.
	sigs := []string{
		f.signTransfer(t, f.keys[1], recipient, "100", 0),
		f.signTransfer(t, f.keys[2], recipient, "100", 0),
	}
	if _, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "100", sigs); err != nil {
		t.Fatalf("ExecuteERC20 failed: %v", err)
	}
}

func TestExecuteERC20_Replay(t *testing.T) {
	f := newMsFixture(t)

	sigs := []string{
		f.signTransfer(t, f.keys[0], recipient, "100", 0),
		f.signTransfer(t, f.keys[1], recipient, "100", 0),
	}
	if _, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "100", sigs); err != nil {
		t.Fatalf("ExecuteERC20 failed: %v", err)
	}

	// The nonce advanced: the same bundle now recovers to non-matching
	// signers for the new digest and is rejected.
	_, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "100", sigs)
	if err == nil {
		t.Fatal("Expected replayed execution to fail")
	}

	bal, _ := f.tok.BalanceOf(context.Background(), recipient)
	if bal.String() != "100" {
		t.Errorf("Expected single payout of 100, got %s", bal)
	}
}

func TestExecuteERC20_SignatureRejections(t *testing.T) {
	f := newMsFixture(t)

	outsiderKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	ownerSig := f.signTransfer(t, f.keys[0], recipient, "100", 0)

	tests := []struct {
		name    string
		sigs    []string
		wantErr error
	}{
		{"one owner only", []string{ownerSig}, ErrThresholdNotMet},
		{"no signatures", nil, ErrThresholdNotMet},
		{"duplicate owner", []string{ownerSig, ownerSig}, ErrDuplicateSigner},
		{"non-owner signer", []string{
			ownerSig,
			f.signTransfer(t, outsiderKey, recipient, "100", 0),
		}, ErrNotOwner},
		{"malformed signature", []string{ownerSig, "0x1234"}, signing.ErrBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "100", tt.sigs)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ExecuteERC20 error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Nothing executed, nonce untouched.
	w, _ := f.svc.Get(context.Background(), f.wallet.ID)
	if w.Nonce != 0 {
		t.Errorf("Expected nonce 0 after rejections, got %d", w.Nonce)
	}
	bal, _ := f.tok.BalanceOf(context.Background(), recipient)
	if bal.Sign() != 0 {
		t.Errorf("Expected no payout, got %s", bal)
	}
}

func TestExecuteERC20_HighSRejected(t *testing.T) {
	f := newMsFixture(t)

	v := big.NewInt(100)
	digest := signing.NewDomain(31337, msVerifier).TransferDigest(f.wallet.Address, msTokenAddr, recipient, v, 0)
	sig, err := crypto.Sign(digest, f.keys[0])
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	n := crypto.S256().Params().N
	s := new(big.Int).SetBytes(sig[32:64])
	s.Sub(n, s)
	s.FillBytes(sig[32:64])
	sig[64] ^= 1

	sigs := []string{
		"0x" + hex.EncodeToString(sig),
		f.signTransfer(t, f.keys[1], recipient, "100", 0),
	}
	_, err = f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "100", sigs)
	if !errors.Is(err, signing.ErrNonCanonical) {
		t.Errorf("ExecuteERC20 error = %v, want ErrNonCanonical", err)
	}
}

func TestExecuteERC20_TamperedParamsRejected(t *testing.T) {
	f := newMsFixture(t)

	// Signed for 100 to recipient; submitted for 9999.
	sigs := []string{
		f.signTransfer(t, f.keys[0], recipient, "100", 0),
		f.signTransfer(t, f.keys[1], recipient, "100", 0),
	}
	_, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "9999", sigs)
	if err == nil {
		t.Fatal("Expected tampered amount to be rejected")
	}

	// Signed for recipient; submitted for another destination.
	_, err = f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, feeRecipient, "100", sigs)
	if err == nil {
		t.Fatal("Expected tampered recipient to be rejected")
	}
}

func TestExecuteERC20_AmountValidation(t *testing.T) {
	f := newMsFixture(t)
	sigs := []string{"0x00", "0x00"} // never reached

	for _, amount := range []string{"0", "-5", "abc", ""} {
		if _, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, amount, sigs); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q error = %v, want ErrInvalidAmount", amount, err)
		}
	}

	over := new(big.Int).Lsh(big.NewInt(1), 256).String()
	if _, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, over, sigs); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("overflow amount error = %v, want ErrAmountOverflow", err)
	}
}

func TestExecuteERC20_InsufficientFunds(t *testing.T) {
	f := newMsFixture(t)

	sigs := []string{
		f.signTransfer(t, f.keys[0], recipient, "99999", 0),
		f.signTransfer(t, f.keys[1], recipient, "99999", 0),
	}
	_, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "99999", sigs)
	if !errors.Is(err, ErrExecutionReverted) {
		t.Fatalf("ExecuteERC20 error = %v, want ErrExecutionReverted", err)
	}

	// A reverted transfer does not consume the nonce; the same bundle can be
	// resubmitted once the wallet is funded.
	f.tok.Mint(msDepositor, big.NewInt(100000))
	f.tok.Approve(msDepositor, big.NewInt(100000))
	if _, err := f.svc.Deposit(context.Background(), f.wallet.ID, msDepositor, msTokenAddr, "100000"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "99999", sigs); err != nil {
		t.Fatalf("resubmitted ExecuteERC20 failed: %v", err)
	}
}

func TestExecuteERC20Split(t *testing.T) {
	f := newMsFixture(t)

	sigs := []string{
		f.signSplit(t, f.keys[0], recipient, "990", feeRecipient, "10", 0),
		f.signSplit(t, f.keys[2], recipient, "990", feeRecipient, "10", 0),
	}
	ex, err := f.svc.ExecuteERC20Split(context.Background(), f.wallet.ID, msTokenAddr, recipient, "990", feeRecipient, "10", sigs)
	if err != nil {
		t.Fatalf("ExecuteERC20Split failed: %v", err)
	}
	if ex.FeeAmount != "10" {
		t.Errorf("Expected fee amount 10, got %s", ex.FeeAmount)
	}

	bal, _ := f.tok.BalanceOf(context.Background(), recipient)
	if bal.String() != "990" {
		t.Errorf("Expected recipient 990, got %s", bal)
	}
	bal, _ = f.tok.BalanceOf(context.Background(), feeRecipient)
	if bal.String() != "10" {
		t.Errorf("Expected fee recipient 10, got %s", bal)
	}

	// Both legs consumed one nonce.
	w, _ := f.svc.Get(context.Background(), f.wallet.ID)
	if w.Nonce != 1 {
		t.Errorf("Expected nonce 1 after split, got %d", w.Nonce)
	}
}

func TestExecuteERC20Split_DigestBindsBothLegs(t *testing.T) {
	f := newMsFixture(t)

	sigs := []string{
		f.signSplit(t, f.keys[0], recipient, "990", feeRecipient, "10", 0),
		f.signSplit(t, f.keys[1], recipient, "990", feeRecipient, "10", 0),
	}

	// Rerouting the fee leg invalidates the whole bundle.
	_, err := f.svc.ExecuteERC20Split(context.Background(), f.wallet.ID, msTokenAddr, recipient, "990", recipient, "10", sigs)
	if err == nil {
		t.Fatal("Expected rerouted fee leg to be rejected")
	}

	// A plain-transfer signature cannot authorize a split either.
	plain := []string{
		f.signTransfer(t, f.keys[0], recipient, "990", 0),
		f.signTransfer(t, f.keys[1], recipient, "990", 0),
	}
	_, err = f.svc.ExecuteERC20Split(context.Background(), f.wallet.ID, msTokenAddr, recipient, "990", feeRecipient, "10", plain)
	if err == nil {
		t.Fatal("Expected cross-type signatures to be rejected")
	}
}

func TestExecuteERC20Split_InsufficientForBothLegs(t *testing.T) {
	f := newMsFixture(t)

	// Wallet holds 10000: covers the main leg alone but not main + fee.
	sigs := []string{
		f.signSplit(t, f.keys[0], recipient, "10000", feeRecipient, "5", 0),
		f.signSplit(t, f.keys[1], recipient, "10000", feeRecipient, "5", 0),
	}
	_, err := f.svc.ExecuteERC20Split(context.Background(), f.wallet.ID, msTokenAddr, recipient, "10000", feeRecipient, "5", sigs)
	if !errors.Is(err, ErrExecutionReverted) {
		t.Fatalf("ExecuteERC20Split error = %v, want ErrExecutionReverted", err)
	}

	// All-or-nothing: the main leg did not move either.
	bal, _ := f.tok.BalanceOf(context.Background(), recipient)
	if bal.Sign() != 0 {
		t.Errorf("Expected no partial payout, got %s", bal)
	}
	remaining, _ := f.svc.Balance(context.Background(), f.wallet.ID, msTokenAddr)
	if remaining != "10000" {
		t.Errorf("Expected wallet balance intact, got %s", remaining)
	}
}

func TestExecuteERC20_UnknownWallet(t *testing.T) {
	f := newMsFixture(t)
	_, err := f.svc.ExecuteERC20(context.Background(), 999, msTokenAddr, recipient, "100", nil)
	if !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("ExecuteERC20 error = %v, want ErrWalletNotFound", err)
	}
}

func TestDeposit(t *testing.T) {
	f := newMsFixture(t)

	// The fixture deposit moved the tokens under custody and credited the
	// wallet's share.
	bal, err := f.svc.Balance(context.Background(), f.wallet.ID, msTokenAddr)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal != "10000" {
		t.Errorf("Expected wallet balance 10000, got %s", bal)
	}
	custodyBal, _ := f.tok.BalanceOf(context.Background(), msCustody)
	if custodyBal.String() != "10000" {
		t.Errorf("Expected custody holdings 10000, got %s", custodyBal)
	}
	walletAddrBal, _ := f.tok.BalanceOf(context.Background(), f.wallet.Address)
	if walletAddrBal.Sign() != 0 {
		t.Errorf("Expected nothing under the derived address, got %s", walletAddrBal)
	}
}

func TestDeposit_Rejections(t *testing.T) {
	f := newMsFixture(t)

	if _, err := f.svc.Deposit(context.Background(), 999, msDepositor, msTokenAddr, "100"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("unknown wallet error = %v, want ErrWalletNotFound", err)
	}
	if _, err := f.svc.Deposit(context.Background(), f.wallet.ID, msDepositor, msTokenAddr, "0"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount error = %v, want ErrInvalidAmount", err)
	}

	// The fixture allowance is spent; a further pull must be rejected.
	f.tok.Mint(msDepositor, big.NewInt(500))
	if _, err := f.svc.Deposit(context.Background(), f.wallet.ID, msDepositor, msTokenAddr, "500"); !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Errorf("no-allowance error = %v, want ErrInsufficientAllowance", err)
	}

	// A skimming token must not credit the wallet for more than arrived.
	f.tok.Approve(msDepositor, big.NewInt(500))
	f.tok.SetTransferFeeBps(200)
	if _, err := f.svc.Deposit(context.Background(), f.wallet.ID, msDepositor, msTokenAddr, "500"); !errors.Is(err, token.ErrShortTransfer) {
		t.Errorf("fee-on-transfer error = %v, want ErrShortTransfer", err)
	}
	bal, _ := f.svc.Balance(context.Background(), f.wallet.ID, msTokenAddr)
	if bal != "10000" {
		t.Errorf("Expected wallet balance unchanged at 10000, got %s", bal)
	}
}

func TestExecuteERC20_RevertRestoresBalance(t *testing.T) {
	f := newMsFixture(t)

	sigs := []string{
		f.signTransfer(t, f.keys[0], recipient, "700", 0),
		f.signTransfer(t, f.keys[1], recipient, "700", 0),
	}
	f.tok.FailNext(errors.New("rpc unavailable"))
	_, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "700", sigs)
	if !errors.Is(err, ErrExecutionReverted) {
		t.Fatalf("ExecuteERC20 error = %v, want ErrExecutionReverted", err)
	}

	// The debit was compensated and the nonce is untouched.
	bal, _ := f.svc.Balance(context.Background(), f.wallet.ID, msTokenAddr)
	if bal != "10000" {
		t.Errorf("Expected wallet balance restored to 10000, got %s", bal)
	}
	w, _ := f.svc.Get(context.Background(), f.wallet.ID)
	if w.Nonce != 0 {
		t.Errorf("Expected nonce 0 after revert, got %d", w.Nonce)
	}

	// The same bundle executes once the token recovers.
	if _, err := f.svc.ExecuteERC20(context.Background(), f.wallet.ID, msTokenAddr, recipient, "700", sigs); err != nil {
		t.Fatalf("resubmitted ExecuteERC20 failed: %v", err)
	}
}

// fakeEthClient accepts every transaction and reports it mined.
type fakeEthClient struct {
	sent []*types.Transaction
}

func (c *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return uint64(len(c.sent)), nil
}

func (c *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (c *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return make([]byte, 32), nil
}

func (c *fakeEthClient) Close() {}

// The on-chain binding only signs transfers out of custody; an execution must
// go through even though no key exists for the wallet's derived address.
func TestExecuteERC20_EthBackedBinding(t *testing.T) {
	ctx := context.Background()

	custodyKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	client := &fakeEthClient{}
	ethTok, err := token.NewEthTokenWithClient(client, msTokenAddr,
		hex.EncodeToString(crypto.FromECDSA(custodyKey)), 31337)
	if err != nil {
		t.Fatalf("NewEthTokenWithClient failed: %v", err)
	}

	keys := make([]*ecdsa.PrivateKey, 3)
	owners := make([]string, 3)
	for i := range keys {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		keys[i] = key
		owners[i] = strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	}

	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewService(store, &msResolver{ethTok}, signing.NewDomain(31337, msVerifier), ethTok.Custody(), logger)

	w, err := svc.Create(ctx, owners)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Seed the wallet's share directly; deposit accounting is covered above.
	if err := store.AddBalance(ctx, w.ID, msTokenAddr, "500"); err != nil {
		t.Fatalf("AddBalance failed: %v", err)
	}

	v := big.NewInt(500)
	digest := signing.NewDomain(31337, msVerifier).TransferDigest(w.Address, msTokenAddr, recipient, v, 0)
	var sigs []string
	for _, key := range keys[:2] {
		sig, err := crypto.Sign(digest, key)
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		sigs = append(sigs, "0x"+hex.EncodeToString(sig))
	}

	ex, err := svc.ExecuteERC20(ctx, w.ID, msTokenAddr, recipient, "500", sigs)
	if err != nil {
		t.Fatalf("ExecuteERC20 over eth binding failed: %v", err)
	}
	if ex.Amount != "500" {
		t.Errorf("Expected executed amount 500, got %s", ex.Amount)
	}
	if len(client.sent) != 1 {
		t.Fatalf("Expected 1 submitted transaction, got %d", len(client.sent))
	}

	bal, _ := svc.Balance(ctx, w.ID, msTokenAddr)
	if bal != "0" {
		t.Errorf("Expected wallet balance drained, got %s", bal)
	}
	updated, _ := svc.Get(ctx, w.ID)
	if updated.Nonce != 1 {
		t.Errorf("Expected nonce 1 after execution, got %d", updated.Nonce)
	}
}

func TestListByOwner(t *testing.T) {
	f := newMsFixture(t)

	wallets, err := f.svc.ListByOwner(context.Background(), f.owners[0], 10)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(wallets) != 1 {
		t.Errorf("Expected 1 wallet, got %d", len(wallets))
	}

	wallets, err = f.svc.ListByOwner(context.Background(), recipient, 10)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(wallets) != 0 {
		t.Errorf("Expected no wallets for outsider, got %d", len(wallets))
	}
}

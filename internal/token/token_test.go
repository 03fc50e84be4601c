package token

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

const (
	tokenAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	buyer     = "0xb000000000000000000000000000000000000001"
	custody   = "0xc000000000000000000000000000000000000001"
)

func TestPullExact_HappyPath(t *testing.T) {
	ctx := context.Background()
	tok := NewMock(tokenAddr)
	tok.Mint(buyer, big.NewInt(1000))
	tok.Approve(buyer, big.NewInt(1000))

	if err := PullExact(ctx, tok, buyer, custody, big.NewInt(1000)); err != nil {
		t.Fatalf("PullExact failed: %v", err)
	}

	bal, _ := tok.BalanceOf(ctx, custody)
	if bal.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("custody balance = %s, want 1000", bal)
	}
}

func TestPullExact_RejectsFeeOnTransfer(t *testing.T) {
	ctx := context.Background()
	tok := NewMock(tokenAddr)
	tok.Mint(buyer, big.NewInt(1000))
	tok.Approve(buyer, big.NewInt(1000))
	tok.SetTransferFeeBps(200) // 2% skimmed in transit

	err := PullExact(ctx, tok, buyer, custody, big.NewInt(1000))
	if !errors.Is(err, ErrShortTransfer) {
		t.Fatalf("expected ErrShortTransfer, got %v", err)
	}

	// The short delivery was returned; custody holds nothing.
	bal, _ := tok.BalanceOf(ctx, custody)
	if bal.Sign() != 0 {
		t.Errorf("custody balance = %s after rejected deposit, want 0", bal)
	}
}

func TestPullExact_InsufficientAllowance(t *testing.T) {
	ctx := context.Background()
	tok := NewMock(tokenAddr)
	tok.Mint(buyer, big.NewInt(1000))
	tok.Approve(buyer, big.NewInt(500))

	err := PullExact(ctx, tok, buyer, custody, big.NewInt(1000))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
}

func TestPullExact_ZeroAmount(t *testing.T) {
	tok := NewMock(tokenAddr)
	if err := PullExact(context.Background(), tok, buyer, custody, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestMock_TransferDebitsAndCredits(t *testing.T) {
	ctx := context.Background()
	tok := NewMock(tokenAddr)
	tok.Mint(custody, big.NewInt(990))

	if err := tok.Transfer(ctx, custody, buyer, big.NewInt(990)); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	bal, _ := tok.BalanceOf(ctx, buyer)
	if bal.Cmp(big.NewInt(990)) != 0 {
		t.Errorf("buyer balance = %s, want 990", bal)
	}
	bal, _ = tok.BalanceOf(ctx, custody)
	if bal.Sign() != 0 {
		t.Errorf("custody balance = %s, want 0", bal)
	}
}

func TestMock_InsufficientBalance(t *testing.T) {
	tok := NewMock(tokenAddr)
	err := tok.Transfer(context.Background(), custody, buyer, big.NewInt(1))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

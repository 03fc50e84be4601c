package token

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/retry"
)

// Minimal ERC20 ABI: the protocol only ever transfers and reads balances.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers.
	DefaultGasLimit = uint64(100000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 30 * time.Second

	// rpcRetryAttempts for transient RPC read failures.
	rpcRetryAttempts = 3
	rpcRetryBase     = 200 * time.Millisecond
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EthToken is a Token backed by a real ERC20 contract. Transfers are signed
// with the service's custody key, so Transfer is only valid when from is the
// custody address itself.
type EthToken struct {
	client     EthClient
	contract   common.Address
	parsedABI  abi.ABI
	privateKey *ecdsa.PrivateKey
	custody    common.Address
	chainID    *big.Int
	breaker    *circuitbreaker.Breaker
}

// EthConfig configures an on-chain token binding.
type EthConfig struct {
	RPCURL     string
	Contract   string
	PrivateKey string // hex, 0x prefix optional
	ChainID    int64
}

// NewEthToken connects to the chain and binds one ERC20 contract.
func NewEthToken(cfg EthConfig) (*EthToken, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("token: RPC connection failed: %w", err)
	}
	t, err := NewEthTokenWithClient(client, cfg.Contract, cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		client.Close()
		return nil, err
	}
	return t, nil
}

// NewEthTokenWithClient binds one ERC20 contract over an already-connected
// client. The caller owns the client's lifecycle until Close.
func NewEthTokenWithClient(client EthClient, contract, privateKey string, chainID int64) (*EthToken, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, contract)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("token: invalid private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("token: parse ABI: %w", err)
	}

	return &EthToken{
		client:     client,
		contract:   common.HexToAddress(contract),
		parsedABI:  parsed,
		privateKey: key,
		custody:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(chainID),
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}, nil
}

func (t *EthToken) Address() string {
	return strings.ToLower(t.contract.Hex())
}

// Custody returns the address transfers are signed from.
func (t *EthToken) Custody() string {
	return strings.ToLower(t.custody.Hex())
}

func (t *EthToken) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, account)
	}
	data, err := t.parsedABI.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, err
	}
	var out []byte
	err = retry.Do(ctx, rpcRetryAttempts, rpcRetryBase, func() error {
		out, err = t.client.CallContract(ctx, ethereum.CallMsg{To: &t.contract, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("token: balanceOf call: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

func (t *EthToken) Transfer(ctx context.Context, from, to string, amount *big.Int) error {
	if !strings.EqualFold(from, t.Custody()) {
		return fmt.Errorf("%w: can only transfer from custody account %s", ErrInvalidAddress, t.Custody())
	}
	data, err := t.parsedABI.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return err
	}
	return t.send(ctx, data)
}

func (t *EthToken) TransferFrom(ctx context.Context, owner, custody string, amount *big.Int) error {
	data, err := t.parsedABI.Pack("transferFrom",
		common.HexToAddress(owner), common.HexToAddress(custody), amount)
	if err != nil {
		return err
	}
	return t.send(ctx, data)
}

// send signs, submits, and waits for the receipt of one contract call.
// The RPC endpoint sits behind a circuit breaker so a dead node fails fast
// instead of stacking up 30-second waits.
func (t *EthToken) send(ctx context.Context, data []byte) error {
	key := t.Address()
	if !t.breaker.Allow(key) {
		return fmt.Errorf("%w: RPC circuit open for %s", ErrTransferFailed, key)
	}

	var nonce uint64
	err := retry.Do(ctx, rpcRetryAttempts, rpcRetryBase, func() error {
		var err error
		nonce, err = t.client.PendingNonceAt(ctx, t.custody)
		return err
	})
	if err != nil {
		t.breaker.RecordFailure(key)
		return fmt.Errorf("token: fetch nonce: %w", err)
	}

	var gasPrice *big.Int
	err = retry.Do(ctx, rpcRetryAttempts, rpcRetryBase, func() error {
		var err error
		gasPrice, err = t.client.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		t.breaker.RecordFailure(key)
		return fmt.Errorf("token: gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, t.contract, big.NewInt(0), DefaultGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(t.chainID), t.privateKey)
	if err != nil {
		return fmt.Errorf("token: sign tx: %w", err)
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		t.breaker.RecordFailure(key)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := t.waitMined(ctx, signed.Hash()); err != nil {
		t.breaker.RecordFailure(key)
		return err
	}
	t.breaker.RecordSuccess(key)
	return nil
}

func (t *EthToken) waitMined(ctx context.Context, hash common.Hash) error {
	deadline := time.Now().Add(DefaultConfirmationTimeout)
	for {
		receipt, err := t.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: tx %s reverted", ErrTransferFailed, hash.Hex())
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: tx %s not mined in time", ErrTransferFailed, hash.Hex())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ConfirmationPollInterval):
		}
	}
}

// Close releases the underlying RPC connection.
func (t *EthToken) Close() {
	t.client.Close()
}

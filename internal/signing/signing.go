// Package signing builds typed, domain-separated digests for off-chain
// authorized actions and recovers the signer from secp256k1 signatures.
//
// Every digest is bound to the protocol instance (name, version, chain id,
// verifying contract) so a signature produced for one deployment can never be
// replayed against another. Signatures are the usual 65-byte r||s||v encoding;
// high-S encodings are rejected so each signature has exactly one usable form.
package signing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrBadSignature = errors.New("signing: malformed signature")
	ErrNonCanonical = errors.New("signing: non-canonical signature (high S)")
	ErrWrongSigner  = errors.New("signing: recovered signer does not match expected address")
)

// Roles that may sign escrow actions.
const (
	RoleBuyer   = "buyer"
	RoleSeller  = "seller"
	RoleArbiter = "arbiter"
)

// Action tags bound into escrow action digests.
const (
	ActionConfirmDelivery = "confirm_delivery"
	ActionRequestCancel   = "request_cancel"
	ActionStartDispute    = "start_dispute"
)

// halfN is secp256k1 group order / 2. Any signature with S above this value
// has a second valid encoding and is rejected.
var halfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)

var (
	domainTypeHash   = crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	actionTypeHash   = crypto.Keccak256([]byte("EscrowAction(uint256 escrowId,string action,string role,uint64 nonce)"))
	transferTypeHash = crypto.Keccak256([]byte("WalletTransfer(address wallet,address token,address to,uint256 amount,uint64 nonce)"))
	splitTypeHash    = crypto.Keccak256([]byte("WalletSplitTransfer(address wallet,address token,address to,uint256 amount,address feeTo,uint256 feeAmount,uint64 nonce)"))
)

// Domain identifies one protocol deployment for signature purposes.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// NewDomain creates the signing domain for this service instance.
func NewDomain(chainID int64, verifyingContract string) Domain {
	return Domain{
		Name:              "escrowd",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: strings.ToLower(verifyingContract),
	}
}

// Separator returns the 32-byte domain separator.
func (d Domain) Separator() []byte {
	return crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		uint256Word(big.NewInt(d.ChainID)),
		addressWord(d.VerifyingContract),
	)
}

// ActionDigest builds the digest a party signs to authorize one escrow action.
// The nonce is the role's current per-escrow counter, so each digest is usable
// at most once.
func (d Domain) ActionDigest(escrowID uint64, action, role string, nonce uint64) []byte {
	structHash := crypto.Keccak256(
		actionTypeHash,
		uint256Word(new(big.Int).SetUint64(escrowID)),
		crypto.Keccak256([]byte(action)),
		crypto.Keccak256([]byte(role)),
		uint256Word(new(big.Int).SetUint64(nonce)),
	)
	return d.digest(structHash)
}

// TransferDigest builds the digest multisig owners sign to authorize a single
// ERC20 transfer out of a wallet.
func (d Domain) TransferDigest(wallet, token, to string, amount *big.Int, nonce uint64) []byte {
	structHash := crypto.Keccak256(
		transferTypeHash,
		addressWord(wallet),
		addressWord(token),
		addressWord(to),
		uint256Word(amount),
		uint256Word(new(big.Int).SetUint64(nonce)),
	)
	return d.digest(structHash)
}

// SplitTransferDigest is TransferDigest for a net-plus-fee split payout. Both
// legs are bound into one digest and consume one nonce.
func (d Domain) SplitTransferDigest(wallet, token, to string, amount *big.Int, feeTo string, feeAmount *big.Int, nonce uint64) []byte {
	structHash := crypto.Keccak256(
		splitTypeHash,
		addressWord(wallet),
		addressWord(token),
		addressWord(to),
		uint256Word(amount),
		addressWord(feeTo),
		uint256Word(feeAmount),
		uint256Word(new(big.Int).SetUint64(nonce)),
	)
	return d.digest(structHash)
}

// digest applies the EIP-712 envelope: keccak256("\x19\x01" || separator || structHash).
func (d Domain) digest(structHash []byte) []byte {
	return crypto.Keccak256([]byte{0x19, 0x01}, d.Separator(), structHash)
}

// RecoverSigner validates signature shape and canonicality, then recovers the
// signing address. The signature is hex-encoded, 65 bytes (r[32] s[32] v[1]),
// with v accepted as 0/1 or 27/28.
func RecoverSigner(digest []byte, signatureHex string) (string, error) {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return "", err
	}

	s := new(big.Int).SetBytes(sig[32:64])
	if s.Sign() == 0 || s.Cmp(halfN) > 0 {
		return "", ErrNonCanonical
	}

	pubKeyBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// Verify recovers the signer and requires it to be the expected address.
func Verify(digest []byte, signatureHex, expectedAddr string) error {
	recovered, err := RecoverSigner(digest, signatureHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, expectedAddr) {
		return fmt.Errorf("%w: expected %s, got %s", ErrWrongSigner, strings.ToLower(expectedAddr), recovered)
	}
	return nil
}

func decodeSignature(signatureHex string) ([]byte, error) {
	raw := strings.TrimPrefix(signatureHex, "0x")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex", ErrBadSignature)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: want 65 bytes, got %d", ErrBadSignature, len(sig))
	}

	// Normalize the recovery id for Ecrecover, which expects 0 or 1.
	switch sig[64] {
	case 0, 1:
	case 27, 28:
		sig[64] -= 27
	default:
		return nil, fmt.Errorf("%w: invalid recovery id %d", ErrBadSignature, sig[64])
	}
	return sig, nil
}

// uint256Word left-pads a big integer to a 32-byte word.
func uint256Word(v *big.Int) []byte {
	word := make([]byte, 32)
	if v != nil {
		v.FillBytes(word)
	}
	return word
}

// addressWord left-pads a 20-byte address to a 32-byte word.
func addressWord(addr string) []byte {
	word := make([]byte, 32)
	copy(word[12:], common.HexToAddress(addr).Bytes())
	return word
}

// Package ethwallet implements wallet.Scheme using secp256k1 keys and
// Keccak256 address derivation, the scheme used by Ethereum-compatible
// chains.
package ethwallet

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"

	"github.com/sage-x-project/sage-relay/wallet"
)

// Scheme is the secp256k1/Keccak wallet.Scheme.
type Scheme struct{}

type ethWallet struct {
	priv *secp256k1.PrivateKey
	addr string
}

// sigLen is the length of a signature: r(32) || s(32) || compressed-pubkey(33).
// Embedding the public key lets Verify check both the ECDSA equation
// and the address derivation without a recovery-enabled curve.
const sigLen = 64 + 33

// Generate creates a fresh secp256k1 keypair and derives its address.
func (Scheme) Generate() (wallet.Wallet, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("ethwallet: generate key: %w", err)
	}
	return &ethWallet{priv: priv, addr: addressOf(priv.PubKey())}, nil
}

// RestoreFromPrivateKey reconstructs a wallet from a hex-encoded
// 32-byte secp256k1 scalar.
func (Scheme) RestoreFromPrivateKey(hexKey string) (wallet.Wallet, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethwallet: decode private key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &ethWallet{priv: priv, addr: addressOf(priv.PubKey())}, nil
}

// Verify checks a signature produced by Sign against the claimed
// address.
func (Scheme) Verify(message, signature []byte, address string) bool {
	if len(signature) != sigLen {
		return false
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:64])

	pubKey, err := secp256k1.ParsePubKey(signature[64:])
	if err != nil {
		return false
	}

	if !strings.EqualFold(addressOf(pubKey), address) {
		return false
	}

	hash := sha256.Sum256(message)
	return ecdsa.Verify(pubKey.ToECDSA(), hash[:], r, s)
}

func addressOf(pub *secp256k1.PublicKey) string {
	ecdsaPub := pub.ToECDSA()
	pubKeyBytes := make([]byte, 64)
	ecdsaPub.X.FillBytes(pubKeyBytes[:32])
	ecdsaPub.Y.FillBytes(pubKeyBytes[32:])

	hash := sha3.NewLegacyKeccak256()
	hash.Write(pubKeyBytes)
	sum := hash.Sum(nil)

	return "0x" + hex.EncodeToString(sum[12:])
}

func (w *ethWallet) Address() string { return w.addr }

func (w *ethWallet) PrivateKeyHex() string {
	return hex.EncodeToString(w.priv.Serialize())
}

// Sign hashes message with SHA-256 and produces an ECDSA signature,
// appending the signer's compressed public key so Verify can confirm
// both the signature and the address derivation.
func (w *ethWallet) Sign(message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, w.priv.ToECDSA(), hash[:])
	if err != nil {
		return nil, fmt.Errorf("ethwallet: sign: %w", err)
	}

	sig := make([]byte, 0, sigLen)
	sig = append(sig, padTo32(r)...)
	sig = append(sig, padTo32(s)...)
	sig = append(sig, w.priv.PubKey().SerializeCompressed()...)
	return sig, nil
}

func padTo32(n *big.Int) []byte {
	out := make([]byte, 32)
	b := n.Bytes()
	copy(out[32-len(b):], b)
	return out
}

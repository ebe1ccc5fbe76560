// Package solwallet implements wallet.Scheme using Ed25519 keys with
// base58 address encoding, the scheme used by Solana-compatible
// identities.
package solwallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/sage-x-project/sage-relay/wallet"
)

// Scheme is the Ed25519/base58 wallet.Scheme.
type Scheme struct{}

type solWallet struct {
	priv ed25519.PrivateKey
	addr string
}

// Generate creates a fresh Ed25519 keypair; its address is the base58
// encoding of the public key, matching Solana's address convention.
func (Scheme) Generate() (wallet.Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("solwallet: generate key: %w", err)
	}
	return &solWallet{priv: priv, addr: base58.Encode(pub)}, nil
}

// RestoreFromPrivateKey reconstructs a wallet from a hex-encoded
// 64-byte Ed25519 private key (seed || public key).
func (Scheme) RestoreFromPrivateKey(hexKey string) (wallet.Wallet, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("solwallet: decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("solwallet: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &solWallet{priv: priv, addr: base58.Encode(pub)}, nil
}

// Verify checks an Ed25519 signature against the claimed address.
func (Scheme) Verify(message, signature []byte, address string) bool {
	pub, err := base58.Decode(address)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, signature)
}

func (w *solWallet) Address() string { return w.addr }

func (w *solWallet) PrivateKeyHex() string {
	return hex.EncodeToString(w.priv)
}

func (w *solWallet) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(w.priv, message), nil
}

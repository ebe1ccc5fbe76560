// Package wallet defines the keypair/address capability used to
// authenticate peers on the session layer. Concrete schemes live in
// the ethwallet and solwallet subpackages.
package wallet

import "fmt"

// Wallet is a keypair bound to a printable address. It is immutable for
// the lifetime of the endpoint that holds it.
type Wallet interface {
	// Address returns the wallet's canonical, printable identifier.
	Address() string

	// Sign produces a signature over message using the wallet's
	// private key.
	Sign(message []byte) ([]byte, error)

	// PrivateKeyHex returns the private key as a hex string, so a
	// wallet can be persisted and later restored with Scheme.RestoreFromPrivateKey.
	PrivateKeyHex() string
}

// Scheme is a key-generation and signature-verification backend for one
// address family (e.g. secp256k1/Keccak "ethereum-style",
// Ed25519/base58 "solana-style").
type Scheme interface {
	// Generate creates a fresh wallet.
	Generate() (Wallet, error)

	// RestoreFromPrivateKey reconstructs a wallet from a hex-encoded
	// private key previously produced by Wallet.PrivateKeyHex.
	RestoreFromPrivateKey(hex string) (Wallet, error)

	// Verify checks signature over message against the claimed
	// address. It never returns an error: an unparseable signature or
	// address is simply not verified.
	Verify(message, signature []byte, address string) bool
}

// ErrInvalidSignature is available to Wallet.Sign implementations that
// fail for reasons other than malformed input already checked by the
// caller. Neither ethwallet nor solwallet returns it.
var ErrInvalidSignature = fmt.Errorf("wallet: invalid signature")

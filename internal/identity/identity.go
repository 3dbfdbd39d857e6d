// Package identity holds account signing keys and signed call envelopes.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"confidentialvesting/internal/address"
)

const (
	PublicKeySize = mldsa65.PublicKeySize
	SignatureSize = mldsa65.SignatureSize
	SeedSize      = mldsa65.SeedSize
)

var (
	ErrSignatureVerificationFailed = errors.New("signature verification failed")
	ErrInvalidPublicKey            = errors.New("invalid public key")
)

var randReader io.Reader = rand.Reader

// SetRandReaderForTesting overrides the entropy source and returns a restore func.
func SetRandReaderForTesting(r io.Reader) func() {
	original := randReader
	randReader = r
	return func() { randReader = original }
}

// Signer is an ML-DSA-65 account key.
type Signer struct {
	seed    [SeedSize]byte
	priv    *mldsa65.PrivateKey
	pub     []byte
	address address.Address
}

// NewSigner generates a fresh account key.
func NewSigner() (*Signer, error) {
	var seed [SeedSize]byte
	if _, err := io.ReadFull(randReader, seed[:]); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return SignerFromSeed(seed)
}

// SignerFromSeed deterministically derives an account key.
func SignerFromSeed(seed [SeedSize]byte) (*Signer, error) {
	pub, priv := mldsa65.NewKeyFromSeed(&seed)
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Signer{
		seed:    seed,
		priv:    priv,
		pub:     pubBytes,
		address: address.FromPublicKey(pubBytes),
	}, nil
}

// LoadOrCreateSigner reads a hex seed from path, creating one if missing.
func LoadOrCreateSigner(path string) (*Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(raw) != SeedSize {
			return nil, fmt.Errorf("malformed key file %s", path)
		}
		var seed [SeedSize]byte
		copy(seed[:], raw)
		return SignerFromSeed(seed)
	}
	s, err := NewSigner()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(s.seed[:])+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return s, nil
}

// Address is the account address of this key.
func (s *Signer) Address() address.Address {
	return s.address
}

// PublicKey returns the packed ML-DSA public key.
func (s *Signer) PublicKey() []byte {
	return append([]byte(nil), s.pub...)
}

// Sign signs msg under the given domain context.
func (s *Signer) Sign(context string, msg []byte) ([]byte, error) {
	sig := make([]byte, SignatureSize)
	if err := mldsa65.SignTo(s.priv, msg, []byte(context), false, sig); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify checks an ML-DSA-65 signature made under context.
func Verify(publicKey []byte, context string, msg, sig []byte) error {
	if len(publicKey) != PublicKeySize {
		return ErrInvalidPublicKey
	}
	var pk mldsa65.PublicKey
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if !mldsa65.Verify(&pk, msg, []byte(context), sig) {
		return ErrSignatureVerificationFailed
	}
	return nil
}

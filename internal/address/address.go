// address.go - 20-byte account and contract addresses.
//
// Accounts are derived from their ML-DSA public key, contracts from a
// deployment label. The zero address doubles as the "absent" sentinel in
// every mapping that stores an address.

package address

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Size is the byte length of an address.
const Size = 20

// ErrInvalidAddress is returned when a textual address cannot be parsed.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies an account or a contract.
type Address [Size]byte

// Zero is the absent sentinel.
var Zero Address

// keccak returns the last 20 bytes of Keccak-256(data).
func keccak(data ...[]byte) Address {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	sum := h.Sum(nil)
	var a Address
	copy(a[:], sum[len(sum)-Size:])
	return a
}

// FromPublicKey derives an account address from a signing public key.
func FromPublicKey(pub []byte) Address {
	return keccak(pub)
}

// Derive derives a contract address from a deployment label.
func Derive(label string) Address {
	return keccak([]byte("contract:"), []byte(label))
}

// Parse parses a hex address with or without the 0x prefix.
func Parse(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*Size {
		return a, fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidAddress, 2*Size, len(s))
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return a, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a is the absent sentinel.
func (a Address) IsZero() bool {
	return a == Zero
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Short is a truncated form for log lines.
func (a Address) Short() string {
	s := hex.EncodeToString(a[:])
	return "0x" + s[:6] + ".." + s[len(s)-4:]
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

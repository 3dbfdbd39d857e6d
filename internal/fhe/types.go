// Package fhe is the encrypted-integer runtime used by the contracts.
//
// Contracts never see plaintexts. They hold Ciphertext handles and combine
// them through an Evaluator; every operation is total, so control flow that
// depends on a secret is expressed with Select instead of a branch.
package fhe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrUnsupportedWidth = errors.New("fhe: unsupported width")
	ErrWidthMismatch    = errors.New("fhe: operand width mismatch")
	ErrNotBool          = errors.New("fhe: condition is not a bool")
	ErrUnknownHandle    = errors.New("fhe: unknown ciphertext handle")
	ErrInvalidInput     = errors.New("fhe: invalid encrypted input")
	ErrValueOverflow    = errors.New("fhe: value does not fit width")
)

// Width is the bit width of an encrypted integer.
type Width uint8

const (
	Bool Width = iota
	Uint8
	Uint16
	Uint32
	Uint64
	Uint128
)

var widthBits = [...]int{1, 8, 16, 32, 64, 128}
var widthNames = [...]string{"bool", "uint8", "uint16", "uint32", "uint64", "uint128"}

func (w Width) Valid() bool { return w <= Uint128 }

func (w Width) Bits() int {
	if !w.Valid() {
		return 0
	}
	return widthBits[w]
}

// Bytes is the big-endian encoding length of a plaintext of this width.
func (w Width) Bytes() int { return (w.Bits() + 7) / 8 }

func (w Width) String() string {
	if !w.Valid() {
		return fmt.Sprintf("width(%d)", uint8(w))
	}
	return widthNames[w]
}

// modulus is 2^bits.
func (w Width) modulus() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(w.Bits()))
}

// Max is 2^bits - 1.
func (w Width) Max() *big.Int {
	return new(big.Int).Sub(w.modulus(), big.NewInt(1))
}

func (w Width) MarshalText() ([]byte, error) {
	if !w.Valid() {
		return nil, ErrUnsupportedWidth
	}
	return []byte(w.String()), nil
}

func (w *Width) UnmarshalText(text []byte) error {
	parsed, err := ParseWidth(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// ParseWidth accepts the names printed by String.
func ParseWidth(s string) (Width, error) {
	for i, name := range widthNames {
		if name == s {
			return Width(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedWidth, s)
}

// WidthForBits maps a bit count onto its width.
func WidthForBits(bits int) (Width, error) {
	for i, b := range widthBits {
		if b == bits {
			return Width(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %d bits", ErrUnsupportedWidth, bits)
}

// Op names an evaluator operation.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpSub
	OpMul
	OpDiv
	OpLt
	OpGte
	OpEq
	OpSelect
	OpCast
	OpEncrypt
	OpInput
)

var opNames = map[Op]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpLt: "lt", OpGte: "gte", OpEq: "eq", OpSelect: "select",
	OpCast: "cast", OpEncrypt: "encrypt", OpInput: "input",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Ceilings bound the widest operand each arithmetic class accepts.
type Ceilings struct {
	AddSub Width `yaml:"add_sub" json:"add_sub"`
	Mul    Width `yaml:"mul" json:"mul"`
	Div    Width `yaml:"div" json:"div"`
}

// DefaultCeilings: add/sub at the widest width, mul and div one step down.
// Div at Uint64 lets a Uint32 x Uint32 product be divided without losing
// its high bits.
func DefaultCeilings() Ceilings {
	return Ceilings{AddSub: Uint128, Mul: Uint64, Div: Uint64}
}

func (c Ceilings) of(op Op) Width {
	switch op {
	case OpAdd, OpSub:
		return c.AddSub
	case OpMul:
		return c.Mul
	case OpDiv:
		return c.Div
	default:
		return Uint128
	}
}

func (c Ceilings) Validate() error {
	for _, w := range []Width{c.AddSub, c.Mul, c.Div} {
		if !w.Valid() || w == Bool {
			return fmt.Errorf("%w: ceiling %s", ErrUnsupportedWidth, w)
		}
	}
	if c.Mul > c.AddSub || c.Div > c.Mul {
		return fmt.Errorf("%w: ceilings must satisfy div <= mul <= add_sub", ErrUnsupportedWidth)
	}
	return nil
}

// Handle is an opaque reference to a stored ciphertext.
type Handle [32]byte

func (h Handle) String() string { return hex.EncodeToString(h[:]) }

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Handle) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil || len(raw) != len(h) {
		return fmt.Errorf("%w: %q", ErrUnknownHandle, text)
	}
	copy(h[:], raw)
	return nil
}

// Ciphertext is a typed handle.
type Ciphertext struct {
	Handle Handle `json:"handle" msgpack:"h"`
	Width  Width  `json:"width" msgpack:"w"`
}

// IsZero reports an unset ciphertext.
func (c Ciphertext) IsZero() bool { return c.Handle == Handle{} }

func (c Ciphertext) String() string {
	return fmt.Sprintf("%s:%s", c.Width, c.Handle.String()[:12])
}

// Evaluator is the encrypted-integer runtime as seen by contracts.
//
// Arithmetic wraps modulo 2^width. Binary operands must share a width and
// stay at or below the operation's ceiling. Division by zero yields the
// all-ones value of the width. Comparisons return Bool ciphertexts.
type Evaluator interface {
	Encrypt(value uint64, w Width) (Ciphertext, error)
	VerifyInput(in Input) (Ciphertext, error)

	Add(a, b Ciphertext) (Ciphertext, error)
	Sub(a, b Ciphertext) (Ciphertext, error)
	Mul(a, b Ciphertext) (Ciphertext, error)
	Div(a, b Ciphertext) (Ciphertext, error)

	Lt(a, b Ciphertext) (Ciphertext, error)
	Gte(a, b Ciphertext) (Ciphertext, error)
	Eq(a, b Ciphertext) (Ciphertext, error)

	Select(cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error)
	Cast(ct Ciphertext, w Width) (Ciphertext, error)

	// SealOutput re-encrypts ct for the holder of an ML-KEM public key.
	SealOutput(ct Ciphertext, publicKey []byte) (string, error)

	Ceiling(op Op) Width
}

// coprocessor.go - Handle-based reference runtime.
//
// Plaintexts live in the host store, encrypted under the network storage
// key and addressed by a MiMC handle over the operation and its operands.
// Because they are written through the caller's transaction, values
// produced by a call that rolls back disappear with it.

package fhe

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/inputproof"
	"confidentialvesting/internal/seal"
	"confidentialvesting/internal/state"
)

// InputVerifier checks well-formedness proofs of encrypted inputs.
type InputVerifier interface {
	Verify(bits int, commitment, proof []byte) error
}

type Config struct {
	Keys     *NetworkKeys
	Inputs   InputVerifier
	Ceilings Ceilings
	Logger   logrus.FieldLogger
}

type Coprocessor struct {
	keys     *NetworkKeys
	inputs   InputVerifier
	ceilings Ceilings
	log      logrus.FieldLogger

	mu    sync.Mutex
	stats map[Op]*uint64
}

func New(config Config) (*Coprocessor, error) {
	if config.Keys == nil {
		return nil, fmt.Errorf("fhe: network keys required")
	}
	if config.Ceilings == (Ceilings{}) {
		config.Ceilings = DefaultCeilings()
	}
	if err := config.Ceilings.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Coprocessor{
		keys:     config.Keys,
		inputs:   config.Inputs,
		ceilings: config.Ceilings,
		log:      config.Logger,
		stats:    make(map[Op]*uint64),
	}, nil
}

// NetworkKey is the ML-KEM public key clients seal inputs to.
func (c *Coprocessor) NetworkKey() []byte {
	return append([]byte(nil), c.keys.Sealing.PublicKey...)
}

func (c *Coprocessor) Ceilings() Ceilings { return c.ceilings }

// Stats returns the number of evaluated operations per kind.
func (c *Coprocessor) Stats() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.stats))
	for op, n := range c.stats {
		out[op.String()] = atomic.LoadUint64(n)
	}
	return out
}

func (c *Coprocessor) count(op Op) {
	c.mu.Lock()
	n, ok := c.stats[op]
	if !ok {
		n = new(uint64)
		c.stats[op] = n
	}
	c.mu.Unlock()
	atomic.AddUint64(n, 1)
}

// Session binds the runtime to one host transaction.
func (c *Coprocessor) Session(txn *state.Txn) *Session {
	return &Session{c: c, txn: txn}
}

// Session evaluates operations inside one transaction.
type Session struct {
	c   *Coprocessor
	txn *state.Txn
}

var _ Evaluator = (*Session)(nil)

type storedValue struct {
	Width  Width  `msgpack:"w"`
	Sealed []byte `msgpack:"s"`
}

func valueKey(h Handle) []byte {
	return state.Key("fhe", "ct", h.String())
}

// writeElement reduces b into the scalar field before hashing it, so MiMC
// only ever sees canonical blocks.
func writeElement(h interface{ Write([]byte) (int, error) }, b []byte) error {
	var e fr.Element
	e.SetBytes(b)
	eb := e.Bytes()
	_, err := h.Write(eb[:])
	return err
}

func deriveHandle(op Op, w Width, parts ...[]byte) (Handle, error) {
	h := mimc.NewMiMC()
	if err := writeElement(h, []byte{byte(op), byte(w)}); err != nil {
		return Handle{}, fmt.Errorf("fhe: derive handle: %w", err)
	}
	for _, p := range parts {
		if err := writeElement(h, p); err != nil {
			return Handle{}, fmt.Errorf("fhe: derive handle: %w", err)
		}
	}
	var out Handle
	copy(out[:], h.Sum(nil))
	return out, nil
}

func (s *Session) load(ct Ciphertext) (*big.Int, error) {
	if !ct.Width.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedWidth, ct.Width)
	}
	var sv storedValue
	found, err := s.txn.Get(valueKey(ct.Handle), &sv)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, ct.Handle)
	}
	if sv.Width != ct.Width {
		return nil, fmt.Errorf("%w: handle %s holds %s, used as %s", ErrWidthMismatch, ct.Handle, sv.Width, ct.Width)
	}
	plaintext, err := seal.DecryptAES(s.c.keys.Storage, sv.Sealed, ct.Handle[:])
	if err != nil {
		return nil, fmt.Errorf("fhe: open %s: %w", ct.Handle, err)
	}
	return new(big.Int).SetBytes(plaintext), nil
}

func (s *Session) put(op Op, w Width, value *big.Int, parts ...[]byte) (Ciphertext, error) {
	handle, err := deriveHandle(op, w, parts...)
	if err != nil {
		return Ciphertext{}, err
	}
	ct := Ciphertext{Handle: handle, Width: w}
	sealed, err := seal.EncryptAES(s.c.keys.Storage, value.FillBytes(make([]byte, w.Bytes())), ct.Handle[:])
	if err != nil {
		return Ciphertext{}, err
	}
	if err := s.txn.Set(valueKey(ct.Handle), storedValue{Width: w, Sealed: sealed}); err != nil {
		return Ciphertext{}, err
	}
	s.c.count(op)
	return ct, nil
}

func (s *Session) check(op Op, w Width) error {
	if !w.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedWidth, w)
	}
	if ceiling := s.c.ceilings.of(op); w > ceiling {
		return fmt.Errorf("%w: %s on %s exceeds ceiling %s", ErrUnsupportedWidth, op, w, ceiling)
	}
	return nil
}

func (s *Session) binary(op Op, a, b Ciphertext, out Width, fn func(x, y *big.Int) *big.Int) (Ciphertext, error) {
	if a.Width != b.Width {
		return Ciphertext{}, fmt.Errorf("%w: %s(%s, %s)", ErrWidthMismatch, op, a.Width, b.Width)
	}
	if err := s.check(op, a.Width); err != nil {
		return Ciphertext{}, err
	}
	x, err := s.load(a)
	if err != nil {
		return Ciphertext{}, err
	}
	y, err := s.load(b)
	if err != nil {
		return Ciphertext{}, err
	}
	return s.put(op, out, fn(x, y), a.Handle[:], b.Handle[:])
}

func boolValue(b bool) *big.Int {
	if b {
		return big.NewInt(1)
	}
	return big.NewInt(0)
}

func (s *Session) Encrypt(value uint64, w Width) (Ciphertext, error) {
	if err := s.check(OpEncrypt, w); err != nil {
		return Ciphertext{}, err
	}
	v := new(big.Int).SetUint64(value)
	if v.BitLen() > w.Bits() {
		return Ciphertext{}, fmt.Errorf("%w: %d as %s", ErrValueOverflow, value, w)
	}
	return s.put(OpEncrypt, w, v, v.FillBytes(make([]byte, 8)))
}

func (s *Session) Add(a, b Ciphertext) (Ciphertext, error) {
	return s.binary(OpAdd, a, b, a.Width, func(x, y *big.Int) *big.Int {
		return x.Add(x, y).Mod(x, a.Width.modulus())
	})
}

func (s *Session) Sub(a, b Ciphertext) (Ciphertext, error) {
	return s.binary(OpSub, a, b, a.Width, func(x, y *big.Int) *big.Int {
		return x.Sub(x, y).Mod(x, a.Width.modulus())
	})
}

func (s *Session) Mul(a, b Ciphertext) (Ciphertext, error) {
	return s.binary(OpMul, a, b, a.Width, func(x, y *big.Int) *big.Int {
		return x.Mul(x, y).Mod(x, a.Width.modulus())
	})
}

func (s *Session) Div(a, b Ciphertext) (Ciphertext, error) {
	return s.binary(OpDiv, a, b, a.Width, func(x, y *big.Int) *big.Int {
		if y.Sign() == 0 {
			return a.Width.Max()
		}
		return x.Quo(x, y)
	})
}

func (s *Session) Lt(a, b Ciphertext) (Ciphertext, error) {
	return s.binary(OpLt, a, b, Bool, func(x, y *big.Int) *big.Int {
		return boolValue(x.Cmp(y) < 0)
	})
}

func (s *Session) Gte(a, b Ciphertext) (Ciphertext, error) {
	return s.binary(OpGte, a, b, Bool, func(x, y *big.Int) *big.Int {
		return boolValue(x.Cmp(y) >= 0)
	})
}

func (s *Session) Eq(a, b Ciphertext) (Ciphertext, error) {
	return s.binary(OpEq, a, b, Bool, func(x, y *big.Int) *big.Int {
		return boolValue(x.Cmp(y) == 0)
	})
}

func (s *Session) Select(cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error) {
	if cond.Width != Bool {
		return Ciphertext{}, fmt.Errorf("%w: got %s", ErrNotBool, cond.Width)
	}
	if ifTrue.Width != ifFalse.Width {
		return Ciphertext{}, fmt.Errorf("%w: select(%s, %s)", ErrWidthMismatch, ifTrue.Width, ifFalse.Width)
	}
	if err := s.check(OpSelect, ifTrue.Width); err != nil {
		return Ciphertext{}, err
	}
	c, err := s.load(cond)
	if err != nil {
		return Ciphertext{}, err
	}
	x, err := s.load(ifTrue)
	if err != nil {
		return Ciphertext{}, err
	}
	y, err := s.load(ifFalse)
	if err != nil {
		return Ciphertext{}, err
	}
	v := y
	if c.Sign() != 0 {
		v = x
	}
	return s.put(OpSelect, ifTrue.Width, v, cond.Handle[:], ifTrue.Handle[:], ifFalse.Handle[:])
}

// Cast truncates or zero-extends ct to w.
func (s *Session) Cast(ct Ciphertext, w Width) (Ciphertext, error) {
	if err := s.check(OpCast, w); err != nil {
		return Ciphertext{}, err
	}
	if ct.Width == w {
		return ct, nil
	}
	x, err := s.load(ct)
	if err != nil {
		return Ciphertext{}, err
	}
	return s.put(OpCast, w, x.Mod(x, w.modulus()), ct.Handle[:])
}

func (s *Session) SealOutput(ct Ciphertext, publicKey []byte) (string, error) {
	x, err := s.load(ct)
	if err != nil {
		return "", err
	}
	return seal.Seal(publicKey, x.FillBytes(make([]byte, ct.Width.Bytes())), outputAAD(ct.Width))
}

func (s *Session) Ceiling(op Op) Width {
	return s.c.ceilings.of(op)
}

// VerifyInput checks the range proof, opens the sealed opening with the
// network key and registers the value under a fresh handle.
func (s *Session) VerifyInput(in Input) (Ciphertext, error) {
	if err := s.check(OpInput, in.Width); err != nil {
		return Ciphertext{}, err
	}
	if s.c.inputs == nil {
		return Ciphertext{}, fmt.Errorf("%w: no input verifier", ErrInvalidInput)
	}
	if err := s.c.inputs.Verify(in.Width.Bits(), in.Commitment, in.Proof); err != nil {
		s.c.log.WithField("width", in.Width.String()).WithError(err).Debug("input proof rejected")
		return Ciphertext{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	plaintext, aad, err := seal.Open(s.c.keys.Sealing, in.Sealed)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !bytes.Equal(aad, inputAAD(in.Width)) || len(plaintext) != inputOpeningSize {
		return Ciphertext{}, fmt.Errorf("%w: malformed opening", ErrInvalidInput)
	}
	value := new(big.Int).SetBytes(plaintext[:inputValueSize])
	blinding := new(big.Int).SetBytes(plaintext[inputValueSize:])
	if !bytes.Equal(inputproof.Commit(value, blinding), in.Commitment) {
		return Ciphertext{}, fmt.Errorf("%w: opening does not match commitment", ErrInvalidInput)
	}
	if value.BitLen() > in.Width.Bits() {
		return Ciphertext{}, fmt.Errorf("%w: %v", ErrInvalidInput, ErrValueOverflow)
	}
	return s.put(OpInput, in.Width, value, in.Commitment)
}

// Decrypt reveals a plaintext. It stands in for threshold decryption and is
// not reachable from contracts.
func (s *Session) Decrypt(ct Ciphertext) (*big.Int, error) {
	return s.load(ct)
}

// DecryptUint64 is Decrypt for widths up to Uint64.
func (s *Session) DecryptUint64(ct Ciphertext) (uint64, error) {
	if ct.Width > Uint64 {
		return 0, fmt.Errorf("%w: %s does not fit uint64", ErrUnsupportedWidth, ct.Width)
	}
	v, err := s.load(ct)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

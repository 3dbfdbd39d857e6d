// system.go - Groth16 proving system for input range proofs on BN254.
//
// One RangeCircuit is compiled per supported bit width. Keys are generated
// on first use and persisted under the key directory so restarts keep
// accepting proofs made against the same setup.

package inputproof

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnsupportedBits   = errors.New("unsupported bit width")
	ErrProofInvalid      = errors.New("input proof invalid")
	ErrCommitmentInvalid = errors.New("invalid commitment")
)

type circuitKeys struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// System proves and verifies range proofs for a fixed set of bit widths.
type System struct {
	mu     sync.RWMutex
	keyDir string
	keys   map[int]*circuitKeys
	log    logrus.FieldLogger
}

// NewSystem compiles and sets up one circuit per width. An empty keyDir
// keeps all keys in memory.
func NewSystem(keyDir string, log logrus.FieldLogger, bits ...int) (*System, error) {
	if log == nil {
		log = logrus.New()
	}
	s := &System{keyDir: keyDir, keys: make(map[int]*circuitKeys), log: log}
	for _, b := range bits {
		if err := s.add(b); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *System) add(bits int) error {
	if bits <= 0 || bits > 128 {
		return fmt.Errorf("%w: %d", ErrUnsupportedBits, bits)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[bits]; ok {
		return nil
	}

	start := time.Now()
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &RangeCircuit{Bits: bits})
	if err != nil {
		return fmt.Errorf("compile range circuit (%d bits): %w", bits, err)
	}

	var pk groth16.ProvingKey
	var vk groth16.VerifyingKey
	if s.keyDir == "" {
		pk, vk, err = groth16.Setup(ccs)
	} else {
		pk, vk, err = SetupOrLoadKeys(ccs,
			filepath.Join(s.keyDir, fmt.Sprintf("range%d_pk.bin", bits)),
			filepath.Join(s.keyDir, fmt.Sprintf("range%d_vk.bin", bits)))
	}
	if err != nil {
		return fmt.Errorf("range circuit key setup (%d bits): %w", bits, err)
	}

	s.keys[bits] = &circuitKeys{ccs: ccs, pk: pk, vk: vk}
	s.log.WithFields(logrus.Fields{
		"bits":        bits,
		"constraints": ccs.GetNbConstraints(),
		"elapsed":     time.Since(start).String(),
	}).Debug("range circuit ready")
	return nil
}

// Bits lists the supported widths in ascending order.
func (s *System) Bits() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.keys))
	for b := range s.keys {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

func (s *System) get(bits int) (*circuitKeys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[bits]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBits, bits)
	}
	return k, nil
}

// Prove returns a serialized proof that Commit(value, blinding) opens to a
// value below 2^bits, together with that commitment.
func (s *System) Prove(bits int, value, blinding *big.Int) (proof, commitment []byte, err error) {
	k, err := s.get(bits)
	if err != nil {
		return nil, nil, err
	}
	if value.Sign() < 0 || value.BitLen() > bits {
		return nil, nil, fmt.Errorf("%w: value does not fit in %d bits", ErrProofInvalid, bits)
	}
	commitment = Commit(value, blinding)

	assignment := &RangeCircuit{
		Commitment: new(big.Int).SetBytes(commitment),
		Value:      value,
		Blinding:   blinding,
		Bits:       bits,
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, nil, fmt.Errorf("build witness: %w", err)
	}
	p, err := groth16.Prove(k.ccs, k.pk, w)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), commitment, nil
}

// Verify checks a serialized proof against a commitment.
func (s *System) Verify(bits int, commitment, proofBytes []byte) error {
	k, err := s.get(bits)
	if err != nil {
		return err
	}
	if len(commitment) != fr.Bytes {
		return fmt.Errorf("%w: %d bytes", ErrCommitmentInvalid, len(commitment))
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("%w: cannot unmarshal", ErrProofInvalid)
	}
	publicWitness := &RangeCircuit{
		Commitment: new(big.Int).SetBytes(commitment),
		Bits:       bits,
	}
	w, err := frontend.NewWitness(publicWitness, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("%w: cannot build public witness", ErrProofInvalid)
	}
	if err := groth16.Verify(proof, k.vk, w); err != nil {
		return fmt.Errorf("%w: verification failed", ErrProofInvalid)
	}
	return nil
}

// Commit computes MiMC(value, blinding) over the BN254 scalar field, the
// native counterpart of the in-circuit commitment.
func Commit(value, blinding *big.Int) []byte {
	var v, r fr.Element
	v.SetBigInt(value)
	r.SetBigInt(blinding)
	vb, rb := v.Bytes(), r.Bytes()

	h := mimcNative.NewMiMC()
	h.Write(vb[:])
	h.Write(rb[:])
	return h.Sum(nil)
}

// RandomBlinding draws a uniformly random field element.
func RandomBlinding() (*big.Int, error) {
	var r fr.Element
	if _, err := r.SetRandom(); err != nil {
		return nil, err
	}
	return r.BigInt(new(big.Int)), nil
}

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return err
}

// LoadProvingKey loads a Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	_, err = pk.ReadFrom(f)
	return pk, err
}

// LoadVerifyingKey loads a Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	_, err = vk.ReadFrom(f)
	return vk, err
}

// SetupOrLoadKeys loads keys from disk when both files exist, otherwise
// runs a fresh setup and saves it.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, nil
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(pkPath), 0755); err != nil {
		return nil, nil, err
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}

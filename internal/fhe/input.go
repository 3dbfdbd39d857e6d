package fhe

import (
	"fmt"
	"math/big"

	"confidentialvesting/internal/inputproof"
	"confidentialvesting/internal/seal"
)

const (
	inputValueSize    = 16
	inputBlindingSize = 32
	inputOpeningSize  = inputValueSize + inputBlindingSize
)

// Input is an encrypted value submitted by a client: a commitment to the
// value, the opening sealed to the network key, and a proof that the
// committed value fits the declared width.
type Input struct {
	Width      Width  `json:"width" msgpack:"w"`
	Commitment []byte `json:"commitment" msgpack:"c"`
	Sealed     string `json:"sealed" msgpack:"s"`
	Proof      []byte `json:"proof" msgpack:"p"`
}

// Prover produces range proofs for NewInput.
type Prover interface {
	Prove(bits int, value, blinding *big.Int) (proof, commitment []byte, err error)
}

func inputAAD(w Width) []byte  { return []byte("fhe:input:" + w.String()) }
func outputAAD(w Width) []byte { return []byte("fhe:output:" + w.String()) }

// NewInput encrypts value at width w for the network holding networkKey.
func NewInput(networkKey []byte, p Prover, value uint64, w Width) (Input, error) {
	if !w.Valid() {
		return Input{}, fmt.Errorf("%w: %s", ErrUnsupportedWidth, w)
	}
	v := new(big.Int).SetUint64(value)
	if v.BitLen() > w.Bits() {
		return Input{}, fmt.Errorf("%w: %d as %s", ErrValueOverflow, value, w)
	}
	blinding, err := inputproof.RandomBlinding()
	if err != nil {
		return Input{}, err
	}
	proof, commitment, err := p.Prove(w.Bits(), v, blinding)
	if err != nil {
		return Input{}, fmt.Errorf("prove input: %w", err)
	}

	opening := make([]byte, inputOpeningSize)
	v.FillBytes(opening[:inputValueSize])
	blinding.FillBytes(opening[inputValueSize:])
	sealed, err := seal.Seal(networkKey, opening, inputAAD(w))
	if err != nil {
		return Input{}, fmt.Errorf("seal input: %w", err)
	}
	return Input{Width: w, Commitment: commitment, Sealed: sealed, Proof: proof}, nil
}

// OpenOutput opens a value sealed by SealOutput.
func OpenOutput(kp *seal.Keypair, sealed string) (*big.Int, Width, error) {
	v, aad, err := seal.OpenUint(kp, sealed)
	if err != nil {
		return nil, 0, err
	}
	for w := Bool; w <= Uint128; w++ {
		if string(aad) == string(outputAAD(w)) {
			return v, w, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: not a sealed output", seal.ErrInvalidPayload)
}

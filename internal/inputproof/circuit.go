// circuit.go - Well-formedness circuit for encrypted inputs.
//
// The prover shows that a committed value fits in Bits bits without
// revealing it: Commitment = MiMC(Value, Blinding) with Value < 2^Bits.

package inputproof

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

type RangeCircuit struct {
	// Public inputs
	Commitment frontend.Variable `gnark:",public"`

	// Private inputs
	Value    frontend.Variable
	Blinding frontend.Variable

	Bits int `gnark:"-"`
}

func (c *RangeCircuit) Define(api frontend.API) error {
	// Step 1: range check (Value decomposes into Bits bits)
	api.ToBinary(c.Value, c.Bits)

	// Step 2: commitment opening
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hasher.Write(c.Value, c.Blinding)
	api.AssertIsEqual(c.Commitment, hasher.Sum())
	return nil
}

// record.go - Vesting records and their storage layout.
//
// A record is keyed by (beneficiary, token). Its only plaintext field is the
// beneficiary, which doubles as the existence flag: a record whose
// beneficiary is the zero address is absent.

package vesting

import (
	"confidentialvesting/internal/address"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/state"
)

// Terms are fixed at creation and never rewritten.
type Terms struct {
	Amount   fhe.Ciphertext `json:"amount" msgpack:"amount"`
	Start    fhe.Ciphertext `json:"start" msgpack:"start"`
	Duration fhe.Ciphertext `json:"duration" msgpack:"duration"`
}

// Record is one vesting schedule.
type Record struct {
	Beneficiary address.Address `json:"beneficiary" msgpack:"beneficiary"`
	Terms       Terms           `json:"terms" msgpack:"terms"`
	// Released is the only field mutated after creation.
	Released fhe.Ciphertext `json:"released" msgpack:"released"`
}

// Exists reports whether the record has been created.
func (r Record) Exists() bool { return !r.Beneficiary.IsZero() }

func (c *Contract) recordKey(beneficiary, token address.Address) []byte {
	return state.Key("vesting", c.address.String(), "schedule", beneficiary.String(), token.String())
}

// load returns the zero record for an absent pair.
func (c *Contract) load(txn *state.Txn, beneficiary, token address.Address) (Record, error) {
	var r Record
	if _, err := txn.Get(c.recordKey(beneficiary, token), &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (c *Contract) store(txn *state.Txn, token address.Address, r Record) error {
	return txn.Set(c.recordKey(r.Beneficiary, token), r)
}

// Package vesting releases confidential token allocations linearly over time.
//
// Amounts, start times, durations and released totals are ciphertexts. The
// contract never branches on them; it only learns the plaintext beneficiary
// and token of each schedule.
package vesting

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/permit"
)

// AmountWidth is the width of every stored schedule field.
const AmountWidth = fhe.Uint32

// TransferWidth is the width the token moves amounts at.
const TransferWidth = fhe.Uint64

var (
	ErrDuplicateSchedule = errors.New("vesting: schedule already exists")
	ErrScheduleNotFound  = errors.New("vesting: schedule not found")
	ErrZeroBeneficiary   = errors.New("vesting: zero beneficiary")
	ErrInputWidth        = errors.New("vesting: input has wrong width")
	ErrUnknownToken      = errors.New("vesting: unknown token")
)

// Token is the confidential token surface the contract moves funds through.
// Calls receive an environment whose sender is the vesting contract.
type Token interface {
	Address() address.Address
	TransferEncrypted(env *chain.Env, to address.Address, amount fhe.Ciphertext) (fhe.Ciphertext, error)
	TransferFromEncrypted(env *chain.Env, from, to address.Address, amount fhe.Ciphertext) (fhe.Ciphertext, error)
	BalanceOfEncrypted(env *chain.Env, holder address.Address) (fhe.Ciphertext, error)
}

// TokenDirectory resolves token addresses.
type TokenDirectory interface {
	Token(a address.Address) (Token, bool)
}

// TokenDirectoryFunc adapts a function to TokenDirectory.
type TokenDirectoryFunc func(a address.Address) (Token, bool)

func (f TokenDirectoryFunc) Token(a address.Address) (Token, bool) { return f(a) }

// Field names one of the permissioned record reads.
type Field string

const (
	FieldStart    Field = "start"
	FieldDuration Field = "duration"
	FieldEnd      Field = "end"
	FieldReleased Field = "released"
)

// ParseField accepts the names used by the read endpoints.
func ParseField(s string) (Field, error) {
	switch f := Field(s); f {
	case FieldStart, FieldDuration, FieldEnd, FieldReleased:
		return f, nil
	}
	return "", fmt.Errorf("vesting: unknown field %q", s)
}

type Contract struct {
	address address.Address
	label   string
	tokens  TokenDirectory
	log     logrus.FieldLogger
}

// New deploys a vesting contract at the address derived from label.
func New(label string, tokens TokenDirectory, log logrus.FieldLogger) *Contract {
	if log == nil {
		log = logrus.New()
	}
	addr := address.Derive("vesting:" + label)
	return &Contract{
		address: addr,
		label:   label,
		tokens:  tokens,
		log:     log.WithFields(logrus.Fields{"contract": "vesting", "address": addr.Short()}),
	}
}

func (c *Contract) Address() address.Address { return c.address }
func (c *Contract) Label() string            { return c.label }

// CreateNewVestingSchedule pulls amount from the caller into custody and
// records the schedule. A pair can be scheduled only once.
func (c *Contract) CreateNewVestingSchedule(env *chain.Env, beneficiary, token address.Address, amount, start, duration fhe.Input) error {
	existing, err := c.load(env.Txn(), beneficiary, token)
	if err != nil {
		return err
	}
	if existing.Exists() {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateSchedule, beneficiary, token)
	}
	if beneficiary.IsZero() {
		return ErrZeroBeneficiary
	}
	for _, f := range []struct {
		name string
		in   fhe.Input
	}{{"amount", amount}, {"start", start}, {"duration", duration}} {
		if f.in.Width != AmountWidth {
			return fmt.Errorf("%w: %s is %s, want %s", ErrInputWidth, f.name, f.in.Width, AmountWidth)
		}
	}
	tok, ok := c.tokens.Token(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}

	ev := env.FHE()
	terms := Terms{}
	if terms.Amount, err = ev.VerifyInput(amount); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	if terms.Start, err = ev.VerifyInput(start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if terms.Duration, err = ev.VerifyInput(duration); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	released, err := ev.Encrypt(0, AmountWidth)
	if err != nil {
		return err
	}

	pull, err := ev.Cast(terms.Amount, TransferWidth)
	if err != nil {
		return err
	}
	creator := env.Sender()
	if _, err := tok.TransferFromEncrypted(env.Call(tok.Address()), creator, c.address, pull); err != nil {
		return fmt.Errorf("pull allocation: %w", err)
	}

	if err := c.store(env.Txn(), token, Record{Beneficiary: beneficiary, Terms: terms, Released: released}); err != nil {
		return err
	}
	env.Emit("ScheduleCreated", map[string]string{
		"beneficiary": beneficiary.String(),
		"token":       token.String(),
		"creator":     creator.String(),
	})
	c.log.WithFields(logrus.Fields{
		"beneficiary": beneficiary.Short(),
		"token":       token.Short(),
		"creator":     creator.Short(),
	}).Info("schedule created")
	return nil
}

// Schedule is the public mapping accessor. It needs no permission and returns
// handles only; an absent pair yields the zero record.
func (c *Contract) Schedule(env *chain.Env, beneficiary, token address.Address) (Record, error) {
	return c.load(env.Txn(), beneficiary, token)
}

func (c *Contract) mustLoad(env *chain.Env, beneficiary, token address.Address) (Record, error) {
	r, err := c.load(env.Txn(), beneficiary, token)
	if err != nil {
		return Record{}, err
	}
	if !r.Exists() {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrScheduleNotFound, beneficiary, token)
	}
	return r, nil
}

// VestedAmount is the amount vested at currentTimestamp.
func (c *Contract) VestedAmount(env *chain.Env, beneficiary, token address.Address, currentTimestamp uint64) (fhe.Ciphertext, error) {
	r, err := c.mustLoad(env, beneficiary, token)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return vestedAt(env.FHE(), r.Terms, currentTimestamp)
}

// Releasable is the vested amount now minus what has been released.
func (c *Contract) Releasable(env *chain.Env, beneficiary, token address.Address) (fhe.Ciphertext, error) {
	return c.ReleasableAt(env, beneficiary, token, env.Now())
}

// ReleasableAt is Releasable evaluated at an arbitrary timestamp. Nothing
// stops it from wrapping when currentTimestamp precedes the last release.
func (c *Contract) ReleasableAt(env *chain.Env, beneficiary, token address.Address, currentTimestamp uint64) (fhe.Ciphertext, error) {
	r, err := c.mustLoad(env, beneficiary, token)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return releasableAt(env.FHE(), r, currentTimestamp)
}

// Release pays whatever has vested since the last release to the
// beneficiary of record. Anyone may call it.
func (c *Contract) Release(env *chain.Env, beneficiary, token address.Address) error {
	r, err := c.mustLoad(env, beneficiary, token)
	if err != nil {
		return err
	}
	tok, ok := c.tokens.Token(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}

	ev := env.FHE()
	releasable, err := releasableAt(ev, r, env.Now())
	if err != nil {
		return err
	}
	if r.Released, err = ev.Add(r.Released, releasable); err != nil {
		return err
	}
	if err := c.store(env.Txn(), token, r); err != nil {
		return err
	}

	payout, err := ev.Cast(releasable, TransferWidth)
	if err != nil {
		return err
	}
	if _, err := tok.TransferEncrypted(env.Call(tok.Address()), r.Beneficiary, payout); err != nil {
		return fmt.Errorf("pay beneficiary: %w", err)
	}

	env.Emit("Released", map[string]string{
		"beneficiary": r.Beneficiary.String(),
		"token":       token.String(),
		"caller":      env.Sender().String(),
	})
	c.log.WithFields(logrus.Fields{
		"beneficiary": r.Beneficiary.Short(),
		"token":       token.Short(),
		"caller":      env.Sender().Short(),
		"height":      env.Height(),
	}).Info("released")
	return nil
}

// authorize runs before any lookup so a bad permission is rejected the same
// way for every pair.
func (c *Contract) authorize(env *chain.Env, perm *permit.Permission) error {
	return perm.Validate(c.address, env.Sender(), env.Now())
}

// Sealed seals one field of a record under the permission's key. The
// permission authenticates the caller; it does not restrict which record is
// read.
func (c *Contract) Sealed(env *chain.Env, field Field, perm *permit.Permission, beneficiary, token address.Address) (string, error) {
	if err := c.authorize(env, perm); err != nil {
		return "", err
	}
	r, err := c.mustLoad(env, beneficiary, token)
	if err != nil {
		return "", err
	}
	ev := env.FHE()
	var ct fhe.Ciphertext
	switch field {
	case FieldStart:
		ct = r.Terms.Start
	case FieldDuration:
		ct = r.Terms.Duration
	case FieldEnd:
		if ct, err = ev.Add(r.Terms.Start, r.Terms.Duration); err != nil {
			return "", err
		}
	case FieldReleased:
		ct = r.Released
	default:
		return "", fmt.Errorf("vesting: unknown field %q", field)
	}
	return ev.SealOutput(ct, perm.SealingKey)
}

func (c *Contract) Start(env *chain.Env, perm *permit.Permission, beneficiary, token address.Address) (string, error) {
	return c.Sealed(env, FieldStart, perm, beneficiary, token)
}

func (c *Contract) Duration(env *chain.Env, perm *permit.Permission, beneficiary, token address.Address) (string, error) {
	return c.Sealed(env, FieldDuration, perm, beneficiary, token)
}

// End is start + duration.
func (c *Contract) End(env *chain.Env, perm *permit.Permission, beneficiary, token address.Address) (string, error) {
	return c.Sealed(env, FieldEnd, perm, beneficiary, token)
}

func (c *Contract) Released(env *chain.Env, perm *permit.Permission, beneficiary, token address.Address) (string, error) {
	return c.Sealed(env, FieldReleased, perm, beneficiary, token)
}

// SealedVestedAmount seals the amount vested as of the block timestamp.
func (c *Contract) SealedVestedAmount(env *chain.Env, perm *permit.Permission, beneficiary, token address.Address) (string, error) {
	if err := c.authorize(env, perm); err != nil {
		return "", err
	}
	vested, err := c.VestedAmount(env, beneficiary, token, env.Now())
	if err != nil {
		return "", err
	}
	return env.FHE().SealOutput(vested, perm.SealingKey)
}

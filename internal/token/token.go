// Package token is a confidential fungible token.
//
// Balances and allowances are Uint64 ciphertexts. Transfers never fail on
// insufficient funds: they move an encrypted zero instead, so a failed
// transfer is indistinguishable from a successful one.
package token

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/permit"
	"confidentialvesting/internal/state"
)

// Width of balances, allowances and transfer amounts.
const Width = fhe.Uint64

var (
	ErrNotOwner      = errors.New("token: caller is not the owner")
	ErrZeroRecipient = errors.New("token: zero recipient")
	ErrAmountWidth   = errors.New("token: amount has wrong width")
)

type Token struct {
	address address.Address
	owner   address.Address
	name    string
	symbol  string
	log     logrus.FieldLogger
}

// New deploys a token at the address derived from its symbol.
func New(name, symbol string, owner address.Address, log logrus.FieldLogger) *Token {
	if log == nil {
		log = logrus.New()
	}
	addr := address.Derive("token:" + symbol)
	return &Token{
		address: addr,
		owner:   owner,
		name:    name,
		symbol:  symbol,
		log:     log.WithFields(logrus.Fields{"token": symbol, "address": addr.Short()}),
	}
}

func (t *Token) Address() address.Address { return t.address }
func (t *Token) Owner() address.Address   { return t.owner }
func (t *Token) Name() string             { return t.name }
func (t *Token) Symbol() string           { return t.symbol }

func (t *Token) balanceKey(holder address.Address) []byte {
	return state.Key("token", t.address.String(), "balance", holder.String())
}

func (t *Token) allowanceKey(owner, spender address.Address) []byte {
	return state.Key("token", t.address.String(), "allowance", owner.String(), spender.String())
}

// read returns the ciphertext at key, or an encrypted zero when unset.
func (t *Token) read(env *chain.Env, key []byte) (fhe.Ciphertext, error) {
	var ct fhe.Ciphertext
	found, err := env.Txn().Get(key, &ct)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	if !found {
		return env.FHE().Encrypt(0, Width)
	}
	return ct, nil
}

func (t *Token) write(env *chain.Env, key []byte, ct fhe.Ciphertext) error {
	return env.Txn().Set(key, ct)
}

// Mint credits amount to to. Owner only; the amount is public.
func (t *Token) Mint(env *chain.Env, to address.Address, amount uint64) error {
	if env.Sender() != t.owner {
		return ErrNotOwner
	}
	if to.IsZero() {
		return ErrZeroRecipient
	}
	ev := env.FHE()
	minted, err := ev.Encrypt(amount, Width)
	if err != nil {
		return err
	}
	bal, err := t.read(env, t.balanceKey(to))
	if err != nil {
		return err
	}
	bal, err = ev.Add(bal, minted)
	if err != nil {
		return err
	}
	if err := t.write(env, t.balanceKey(to), bal); err != nil {
		return err
	}
	env.Emit("Mint", map[string]string{"to": to.String(), "amount": fmt.Sprint(amount)})
	t.log.WithField("to", to.Short()).Info("minted")
	return nil
}

// Approve sets the sender's allowance for spender to a public amount.
func (t *Token) Approve(env *chain.Env, spender address.Address, amount uint64) error {
	ct, err := env.FHE().Encrypt(amount, Width)
	if err != nil {
		return err
	}
	return t.approve(env, spender, ct)
}

// ApproveEncrypted sets the sender's allowance for spender to an encrypted amount.
func (t *Token) ApproveEncrypted(env *chain.Env, spender address.Address, amount fhe.Input) error {
	if amount.Width != Width {
		return fmt.Errorf("%w: %s", ErrAmountWidth, amount.Width)
	}
	ct, err := env.FHE().VerifyInput(amount)
	if err != nil {
		return err
	}
	return t.approve(env, spender, ct)
}

func (t *Token) approve(env *chain.Env, spender address.Address, ct fhe.Ciphertext) error {
	if spender.IsZero() {
		return ErrZeroRecipient
	}
	if err := t.write(env, t.allowanceKey(env.Sender(), spender), ct); err != nil {
		return err
	}
	env.Emit("Approval", map[string]string{"owner": env.Sender().String(), "spender": spender.String()})
	return nil
}

// move transfers amount from -> to when ok holds, zero otherwise, and
// returns the amount actually moved.
func (t *Token) move(env *chain.Env, from, to address.Address, amount, ok fhe.Ciphertext) (fhe.Ciphertext, error) {
	ev := env.FHE()
	zero, err := ev.Encrypt(0, Width)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	sent, err := ev.Select(ok, amount, zero)
	if err != nil {
		return fhe.Ciphertext{}, err
	}

	fromBal, err := t.read(env, t.balanceKey(from))
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	fromBal, err = ev.Sub(fromBal, sent)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	if err := t.write(env, t.balanceKey(from), fromBal); err != nil {
		return fhe.Ciphertext{}, err
	}

	// read after writing from, so a self-transfer nets to zero
	toBal, err := t.read(env, t.balanceKey(to))
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	toBal, err = ev.Add(toBal, sent)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	if err := t.write(env, t.balanceKey(to), toBal); err != nil {
		return fhe.Ciphertext{}, err
	}

	env.Emit("Transfer", map[string]string{"from": from.String(), "to": to.String()})
	return sent, nil
}

// TransferEncrypted moves amount from the sender to to.
func (t *Token) TransferEncrypted(env *chain.Env, to address.Address, amount fhe.Ciphertext) (fhe.Ciphertext, error) {
	if to.IsZero() {
		return fhe.Ciphertext{}, ErrZeroRecipient
	}
	if amount.Width != Width {
		return fhe.Ciphertext{}, fmt.Errorf("%w: %s", ErrAmountWidth, amount.Width)
	}
	bal, err := t.read(env, t.balanceKey(env.Sender()))
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	ok, err := env.FHE().Gte(bal, amount)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return t.move(env, env.Sender(), to, amount, ok)
}

// TransferInput verifies an encrypted input and transfers it.
func (t *Token) TransferInput(env *chain.Env, to address.Address, amount fhe.Input) (fhe.Ciphertext, error) {
	if amount.Width != Width {
		return fhe.Ciphertext{}, fmt.Errorf("%w: %s", ErrAmountWidth, amount.Width)
	}
	ct, err := env.FHE().VerifyInput(amount)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return t.TransferEncrypted(env, to, ct)
}

// TransferFromEncrypted moves amount from from to to, spending the sender's
// allowance. Moves zero unless both allowance and balance cover amount.
func (t *Token) TransferFromEncrypted(env *chain.Env, from, to address.Address, amount fhe.Ciphertext) (fhe.Ciphertext, error) {
	if to.IsZero() {
		return fhe.Ciphertext{}, ErrZeroRecipient
	}
	if amount.Width != Width {
		return fhe.Ciphertext{}, fmt.Errorf("%w: %s", ErrAmountWidth, amount.Width)
	}
	ev := env.FHE()
	spender := env.Sender()

	allowance, err := t.read(env, t.allowanceKey(from, spender))
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	bal, err := t.read(env, t.balanceKey(from))
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	allowed, err := ev.Gte(allowance, amount)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	funded, err := ev.Gte(bal, amount)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	no, err := ev.Encrypt(0, fhe.Bool)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	ok, err := ev.Select(allowed, funded, no)
	if err != nil {
		return fhe.Ciphertext{}, err
	}

	sent, err := t.move(env, from, to, amount, ok)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	allowance, err = ev.Sub(allowance, sent)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	if err := t.write(env, t.allowanceKey(from, spender), allowance); err != nil {
		return fhe.Ciphertext{}, err
	}
	return sent, nil
}

// BalanceOfEncrypted returns the balance handle of holder.
func (t *Token) BalanceOfEncrypted(env *chain.Env, holder address.Address) (fhe.Ciphertext, error) {
	return t.read(env, t.balanceKey(holder))
}

// BalanceHandle returns the stored balance handle of holder without
// materializing a zero for holders that never received tokens.
func (t *Token) BalanceHandle(txn *state.Txn, holder address.Address) (fhe.Ciphertext, bool, error) {
	var ct fhe.Ciphertext
	found, err := txn.Get(t.balanceKey(holder), &ct)
	return ct, found, err
}

// AllowanceEncrypted returns the allowance handle of spender over owner.
func (t *Token) AllowanceEncrypted(env *chain.Env, owner, spender address.Address) (fhe.Ciphertext, error) {
	return t.read(env, t.allowanceKey(owner, spender))
}

// SealedBalance seals the caller's balance under the permission's key.
func (t *Token) SealedBalance(env *chain.Env, perm *permit.Permission) (string, error) {
	if err := perm.Validate(t.address, env.Sender(), env.Now()); err != nil {
		return "", err
	}
	bal, err := t.read(env, t.balanceKey(perm.Issuer))
	if err != nil {
		return "", err
	}
	return env.FHE().SealOutput(bal, perm.SealingKey)
}

// Registry indexes deployed tokens by address.
type Registry struct {
	tokens map[address.Address]*Token
	order  []address.Address
}

func NewRegistry(tokens ...*Token) *Registry {
	r := &Registry{tokens: make(map[address.Address]*Token)}
	for _, t := range tokens {
		r.Add(t)
	}
	return r
}

func (r *Registry) Add(t *Token) {
	if _, ok := r.tokens[t.address]; !ok {
		r.order = append(r.order, t.address)
	}
	r.tokens[t.address] = t
}

func (r *Registry) Lookup(a address.Address) (*Token, bool) {
	t, ok := r.tokens[a]
	return t, ok
}

// All returns the tokens in deployment order.
func (r *Registry) All() []*Token {
	out := make([]*Token, 0, len(r.order))
	for _, a := range r.order {
		out = append(out, r.tokens[a])
	}
	return out
}

// Package node wires the host substrate, the coprocessor and the deployed
// contracts into one process.
package node

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/inputproof"
	"confidentialvesting/internal/permit"
	"confidentialvesting/internal/state"
	"confidentialvesting/internal/token"
	"confidentialvesting/internal/vesting"
)

// TokenConfig describes a token deployed at startup.
type TokenConfig struct {
	Name   string          `yaml:"name" json:"name"`
	Symbol string          `yaml:"symbol" json:"symbol"`
	Owner  address.Address `yaml:"owner" json:"owner"`
}

type Config struct {
	// DataDir holds the state database. Empty keeps state in memory.
	DataDir string
	// KeyDir holds network and proving keys. Empty generates ephemeral keys.
	KeyDir     string
	ProofBits  []int
	Ceilings   fhe.Ceilings
	Tokens     []TokenConfig
	Vesting    string
	SyncWrites bool
	Clock      chain.Clock
	Logger     *logrus.Logger
}

type Node struct {
	Store       *state.Store
	Proofs      *inputproof.System
	Coprocessor *fhe.Coprocessor
	Chain       *chain.Chain
	Tokens      *token.Registry
	Vesting     *vesting.Contract

	domain address.Address
	log    logrus.FieldLogger
}

// New opens the store, loads or creates keys and deploys the configured
// contracts.
func New(config Config) (*Node, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if len(config.ProofBits) == 0 {
		config.ProofBits = []int{vesting.AmountWidth.Bits(), token.Width.Bits()}
	}
	if config.Ceilings == (fhe.Ceilings{}) {
		config.Ceilings = fhe.DefaultCeilings()
	}
	if config.Vesting == "" {
		config.Vesting = "default"
	}
	log := config.Logger.WithField("component", "node")

	var dbPath, proofDir string
	if config.DataDir != "" {
		dbPath = filepath.Join(config.DataDir, "state")
	}
	if config.KeyDir != "" {
		proofDir = filepath.Join(config.KeyDir, "proofs")
	}

	proofs, err := inputproof.NewSystem(proofDir, config.Logger.WithField("component", "inputproof"), config.ProofBits...)
	if err != nil {
		return nil, fmt.Errorf("input proofs: %w", err)
	}
	keys, err := fhe.LoadOrCreateNetworkKeys(config.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("network keys: %w", err)
	}
	cop, err := fhe.New(fhe.Config{
		Keys:     keys,
		Inputs:   proofs,
		Ceilings: config.Ceilings,
		Logger:   config.Logger.WithField("component", "fhe"),
	})
	if err != nil {
		return nil, err
	}

	store, err := state.Open(state.Config{Path: dbPath, SyncWrites: config.SyncWrites, Logger: config.Logger})
	if err != nil {
		return nil, err
	}
	c, err := chain.New(chain.Config{
		Store:       store,
		Coprocessor: cop,
		Clock:       config.Clock,
		Logger:      config.Logger.WithField("component", "chain"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := token.NewRegistry()
	for _, tc := range config.Tokens {
		registry.Add(token.New(tc.Name, tc.Symbol, tc.Owner, config.Logger))
	}
	n := &Node{
		Store:       store,
		Proofs:      proofs,
		Coprocessor: cop,
		Chain:       c,
		Tokens:      registry,
		log:         log,
	}
	n.Vesting = vesting.New(config.Vesting, n.TokenDirectory(), config.Logger)
	vestingAddr := n.Vesting.Address()
	n.domain = address.FromPublicKey(append(vestingAddr[:], cop.NetworkKey()...))

	log.WithFields(logrus.Fields{
		"vesting": n.Vesting.Address().String(),
		"domain":  n.domain.Short(),
		"tokens":  len(config.Tokens),
		"height":  c.Height(),
	}).Info("node ready")
	return n, nil
}

func (n *Node) Close() error {
	return n.Store.Close()
}

// TokenDirectory exposes the registry to the vesting contract.
func (n *Node) TokenDirectory() vesting.TokenDirectory {
	return vesting.TokenDirectoryFunc(func(a address.Address) (vesting.Token, bool) {
		t, ok := n.Tokens.Lookup(a)
		if !ok {
			return nil, false
		}
		return t, true
	})
}

func (n *Node) token(a address.Address) (*token.Token, error) {
	t, ok := n.Tokens.Lookup(a)
	if !ok {
		return nil, fmt.Errorf("%w: %s", vesting.ErrUnknownToken, a)
	}
	return t, nil
}

// NetworkKey is the key clients seal encrypted inputs to.
func (n *Node) NetworkKey() []byte { return n.Coprocessor.NetworkKey() }

// Domain is the address envelopes must be signed for. It hashes the
// vesting deployment together with the network key, so two nodes differ
// unless they share both.
func (n *Node) Domain() address.Address { return n.domain }

// Schedule returns the record handles for a pair. No permission needed.
func (n *Node) Schedule(ctx context.Context, beneficiary, tok address.Address) (vesting.Record, error) {
	var r vesting.Record
	err := n.Chain.View(ctx, address.Zero, n.Vesting.Address(), func(env *chain.Env) error {
		var err error
		r, err = n.Vesting.Schedule(env, beneficiary, tok)
		return err
	})
	return r, err
}

// SealedField reads one record field as from, sealed under perm.
func (n *Node) SealedField(ctx context.Context, from address.Address, field vesting.Field, perm *permit.Permission, beneficiary, tok address.Address) (string, error) {
	var sealed string
	err := n.Chain.View(ctx, from, n.Vesting.Address(), func(env *chain.Env) error {
		var err error
		sealed, err = n.Vesting.Sealed(env, field, perm, beneficiary, tok)
		return err
	})
	return sealed, err
}

// SealedVested reads the amount vested as of the next block, sealed under perm.
func (n *Node) SealedVested(ctx context.Context, from address.Address, perm *permit.Permission, beneficiary, tok address.Address) (string, error) {
	var sealed string
	err := n.Chain.View(ctx, from, n.Vesting.Address(), func(env *chain.Env) error {
		var err error
		sealed, err = n.Vesting.SealedVestedAmount(env, perm, beneficiary, tok)
		return err
	})
	return sealed, err
}

// Balance returns the balance handle of holder. A holder that never
// received tokens has no stored handle and yields the zero ciphertext.
func (n *Node) Balance(ctx context.Context, tokenAddr, holder address.Address) (fhe.Ciphertext, error) {
	t, err := n.token(tokenAddr)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	var ct fhe.Ciphertext
	err = n.Store.View(func(txn *state.Txn) error {
		ct, _, err = t.BalanceHandle(txn, holder)
		return err
	})
	return ct, err
}

// SealedBalance seals from's balance under perm.
func (n *Node) SealedBalance(ctx context.Context, from, tokenAddr address.Address, perm *permit.Permission) (string, error) {
	t, err := n.token(tokenAddr)
	if err != nil {
		return "", err
	}
	var sealed string
	err = n.Chain.View(ctx, from, t.Address(), func(env *chain.Env) error {
		var err error
		sealed, err = t.SealedBalance(env, perm)
		return err
	})
	return sealed, err
}

// Decrypt reveals a committed ciphertext. It stands in for the threshold
// decryption network and is only used by operators and tests.
func (n *Node) Decrypt(ctx context.Context, ct fhe.Ciphertext) (uint64, error) {
	var v uint64
	err := n.Chain.View(ctx, address.Zero, address.Zero, func(env *chain.Env) error {
		var err error
		v, err = env.FHE().DecryptUint64(ct)
		return err
	})
	return v, err
}

// BalanceOf decrypts holder's balance; unset balances are zero.
func (n *Node) BalanceOf(ctx context.Context, tokenAddr, holder address.Address) (uint64, error) {
	ct, err := n.Balance(ctx, tokenAddr, holder)
	if err != nil || ct.IsZero() {
		return 0, err
	}
	return n.Decrypt(ctx, ct)
}

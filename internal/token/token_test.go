package token

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/permit"
	"confidentialvesting/internal/seal"
	"confidentialvesting/internal/state"
)

var (
	owner = address.Derive("test:owner")
	alice = address.Derive("test:alice")
	bob   = address.Derive("test:bob")
)

type fixture struct {
	chain *chain.Chain
	tok   *Token
}

func newFixture(t *testing.T) *fixture {
	store, err := state.Open(state.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	keys, err := fhe.GenerateNetworkKeys()
	require.NoError(t, err)
	cop, err := fhe.New(fhe.Config{Keys: keys})
	require.NoError(t, err)
	c, err := chain.New(chain.Config{Store: store, Coprocessor: cop, Clock: chain.NewManualClock(100)})
	require.NoError(t, err)
	return &fixture{chain: c, tok: New("Test Token", "TST", owner, nil)}
}

func (f *fixture) exec(t *testing.T, sender address.Address, fn func(env *chain.Env) error) error {
	_, err := f.chain.Execute(context.Background(), sender, f.tok.Address(), fn)
	return err
}

func (f *fixture) balance(t *testing.T, holder address.Address) uint64 {
	var v uint64
	require.NoError(t, f.chain.View(context.Background(), holder, f.tok.Address(), func(env *chain.Env) error {
		ct, err := f.tok.BalanceOfEncrypted(env, holder)
		if err != nil {
			return err
		}
		v, err = env.FHE().DecryptUint64(ct)
		return err
	}))
	return v
}

func (f *fixture) mint(t *testing.T, to address.Address, amount uint64) {
	require.NoError(t, f.exec(t, owner, func(env *chain.Env) error { return f.tok.Mint(env, to, amount) }))
}

func TestMint(t *testing.T) {
	f := newFixture(t)
	f.mint(t, alice, 500)
	f.mint(t, alice, 20)
	assert.Equal(t, uint64(520), f.balance(t, alice))
	assert.Equal(t, uint64(0), f.balance(t, bob))

	err := f.exec(t, alice, func(env *chain.Env) error { return f.tok.Mint(env, alice, 1) })
	assert.ErrorIs(t, err, ErrNotOwner)
	err = f.exec(t, owner, func(env *chain.Env) error { return f.tok.Mint(env, address.Zero, 1) })
	assert.ErrorIs(t, err, ErrZeroRecipient)
}

func TestTransferEncrypted(t *testing.T) {
	f := newFixture(t)
	f.mint(t, alice, 100)

	transfer := func(amount uint64) uint64 {
		var sent uint64
		require.NoError(t, f.exec(t, alice, func(env *chain.Env) error {
			ct, err := env.FHE().Encrypt(amount, Width)
			if err != nil {
				return err
			}
			moved, err := f.tok.TransferEncrypted(env, bob, ct)
			if err != nil {
				return err
			}
			sent, err = env.FHE().DecryptUint64(moved)
			return err
		}))
		return sent
	}

	assert.Equal(t, uint64(30), transfer(30))
	assert.Equal(t, uint64(70), f.balance(t, alice))
	assert.Equal(t, uint64(30), f.balance(t, bob))

	t.Run("insufficient balance moves zero", func(t *testing.T) {
		assert.Equal(t, uint64(0), transfer(71))
		assert.Equal(t, uint64(70), f.balance(t, alice))
		assert.Equal(t, uint64(30), f.balance(t, bob))
	})

	t.Run("wrong width", func(t *testing.T) {
		err := f.exec(t, alice, func(env *chain.Env) error {
			ct, err := env.FHE().Encrypt(1, fhe.Uint32)
			if err != nil {
				return err
			}
			_, err = f.tok.TransferEncrypted(env, bob, ct)
			return err
		})
		assert.ErrorIs(t, err, ErrAmountWidth)
	})
}

func TestSelfTransferKeepsBalance(t *testing.T) {
	f := newFixture(t)
	f.mint(t, alice, 40)
	require.NoError(t, f.exec(t, alice, func(env *chain.Env) error {
		ct, err := env.FHE().Encrypt(40, Width)
		if err != nil {
			return err
		}
		_, err = f.tok.TransferEncrypted(env, alice, ct)
		return err
	}))
	assert.Equal(t, uint64(40), f.balance(t, alice))
}

func TestTransferFromEncrypted(t *testing.T) {
	f := newFixture(t)
	f.mint(t, alice, 100)
	require.NoError(t, f.exec(t, alice, func(env *chain.Env) error { return f.tok.Approve(env, bob, 60) }))

	pull := func(amount uint64) {
		require.NoError(t, f.exec(t, bob, func(env *chain.Env) error {
			ct, err := env.FHE().Encrypt(amount, Width)
			if err != nil {
				return err
			}
			_, err = f.tok.TransferFromEncrypted(env, alice, bob, ct)
			return err
		}))
	}
	allowance := func() uint64 {
		var v uint64
		require.NoError(t, f.chain.View(context.Background(), bob, f.tok.Address(), func(env *chain.Env) error {
			ct, err := f.tok.AllowanceEncrypted(env, alice, bob)
			if err != nil {
				return err
			}
			v, err = env.FHE().DecryptUint64(ct)
			return err
		}))
		return v
	}

	pull(50)
	assert.Equal(t, uint64(50), f.balance(t, alice))
	assert.Equal(t, uint64(50), f.balance(t, bob))
	assert.Equal(t, uint64(10), allowance())

	// exceeds allowance
	pull(11)
	assert.Equal(t, uint64(50), f.balance(t, alice))
	assert.Equal(t, uint64(10), allowance())

	// within allowance, exceeds balance
	require.NoError(t, f.exec(t, alice, func(env *chain.Env) error { return f.tok.Approve(env, bob, 1000) }))
	pull(51)
	assert.Equal(t, uint64(50), f.balance(t, alice))
	assert.Equal(t, uint64(1000), allowance())
}

func TestSealedBalance(t *testing.T) {
	f := newFixture(t)
	signer, err := identity.NewSigner()
	require.NoError(t, err)
	reader, err := seal.GenerateKeypair()
	require.NoError(t, err)
	f.mint(t, signer.Address(), 77)

	perm, err := permit.New(signer, reader.PublicKey, 0, f.tok.Address())
	require.NoError(t, err)

	var sealed string
	require.NoError(t, f.chain.View(context.Background(), signer.Address(), f.tok.Address(), func(env *chain.Env) error {
		sealed, err = f.tok.SealedBalance(env, perm)
		return err
	}))
	v, w, err := fhe.OpenOutput(reader, sealed)
	require.NoError(t, err)
	assert.Equal(t, Width, w)
	assert.Equal(t, int64(77), v.Int64())

	err = f.chain.View(context.Background(), bob, f.tok.Address(), func(env *chain.Env) error {
		_, err := f.tok.SealedBalance(env, perm)
		return err
	})
	assert.ErrorIs(t, err, permit.ErrSubjectMismatch)
}

func TestRegistry(t *testing.T) {
	a := New("A", "AAA", owner, nil)
	b := New("B", "BBB", owner, nil)
	r := NewRegistry(a, b)
	r.Add(a)

	got, ok := r.Lookup(b.Address())
	require.True(t, ok)
	assert.Same(t, b, got)
	_, ok = r.Lookup(alice)
	assert.False(t, ok)
	assert.Equal(t, []*Token{a, b}, r.All())
}

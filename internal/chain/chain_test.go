package chain

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/state"
)

var (
	alice    = address.Derive("test:alice")
	contract = address.Derive("test:contract")
	other    = address.Derive("test:other")
)

func newChain(t *testing.T, clock Clock) (*Chain, *state.Store) {
	store, err := state.Open(state.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	keys, err := fhe.GenerateNetworkKeys()
	require.NoError(t, err)
	cop, err := fhe.New(fhe.Config{Keys: keys})
	require.NoError(t, err)
	c, err := New(Config{Store: store, Coprocessor: cop, Clock: clock})
	require.NoError(t, err)
	return c, store
}

func TestExecuteCommits(t *testing.T) {
	clock := NewManualClock(1000)
	c, _ := newChain(t, clock)
	ctx := context.Background()

	r, err := c.Execute(ctx, alice, contract, func(env *Env) error {
		assert.Equal(t, alice, env.Sender())
		assert.Equal(t, contract, env.Self())
		assert.Equal(t, uint64(1000), env.Now())
		env.Emit("Touched", map[string]string{"by": env.Sender().String()})
		return env.Txn().Set(state.Key("k"), uint64(1))
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Height)
	require.Len(t, r.Events, 1)
	assert.Equal(t, contract, r.Events[0].Contract)

	events, err := c.Events(0)
	require.NoError(t, err)
	assert.Equal(t, r.Events, events)
}

func TestExecuteRollsBack(t *testing.T) {
	c, store := newChain(t, NewManualClock(1))
	boom := errors.New("boom")

	var ct fhe.Ciphertext
	_, err := c.Execute(context.Background(), alice, contract, func(env *Env) error {
		var err error
		ct, err = env.FHE().Encrypt(5, fhe.Uint32)
		require.NoError(t, err)
		env.Emit("Lost", nil)
		require.NoError(t, env.Txn().Set(state.Key("k"), uint64(1)))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(0), c.Height())

	events, err := c.Events(0)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, store.View(func(txn *state.Txn) error {
		has, err := txn.Has(state.Key("k"))
		require.NoError(t, err)
		assert.False(t, has)
		return nil
	}))
	require.NoError(t, c.View(context.Background(), alice, contract, func(env *Env) error {
		_, err := env.FHE().Decrypt(ct)
		assert.ErrorIs(t, err, fhe.ErrUnknownHandle)
		return nil
	}))
}

func TestTimestampNeverDecreases(t *testing.T) {
	clock := NewManualClock(500)
	c, _ := newChain(t, clock)
	ctx := context.Background()

	_, err := c.Execute(ctx, alice, contract, func(*Env) error { return nil })
	require.NoError(t, err)

	clock.Set(100)
	r, err := c.Execute(ctx, alice, contract, func(env *Env) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(500), r.Timestamp)

	clock.Advance(1000)
	r, err = c.Execute(ctx, alice, contract, func(env *Env) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(1100), r.Timestamp)
	assert.Equal(t, uint64(3), r.Height)
}

func TestNestedCall(t *testing.T) {
	c, _ := newChain(t, NewManualClock(1))
	r, err := c.Execute(context.Background(), alice, contract, func(env *Env) error {
		nested := env.Call(other)
		assert.Equal(t, contract, nested.Sender())
		assert.Equal(t, other, nested.Self())
		assert.Equal(t, alice, nested.Origin())
		nested.Emit("Inner", nil)
		env.Emit("Outer", nil)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, r.Events, 2)
	assert.Equal(t, other, r.Events[0].Contract)
	assert.Equal(t, contract, r.Events[1].Contract)
	assert.Equal(t, 1, r.Events[1].Index)
}

func TestNonces(t *testing.T) {
	c, _ := newChain(t, NewManualClock(1))
	ctx := context.Background()
	use := func(n uint64) error {
		_, err := c.Execute(ctx, alice, contract, func(env *Env) error { return env.ConsumeNonce(n) })
		return err
	}
	require.NoError(t, use(1))
	require.NoError(t, use(5))
	assert.ErrorIs(t, use(5), ErrStaleNonce)
	assert.ErrorIs(t, use(2), ErrStaleNonce)

	last, err := c.Nonce(alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)

	assert.ErrorIs(t, use(math.MaxUint64), ErrNonceGap)
	assert.ErrorIs(t, use(5+MaxNonceGap+1), ErrNonceGap)
	require.NoError(t, use(5+MaxNonceGap))
	require.NoError(t, use(6+MaxNonceGap))
}

func TestFirstNonceIsBounded(t *testing.T) {
	c, _ := newChain(t, NewManualClock(1))
	ctx := context.Background()
	use := func(n uint64) error {
		_, err := c.Execute(ctx, alice, contract, func(env *Env) error { return env.ConsumeNonce(n) })
		return err
	}
	assert.ErrorIs(t, use(math.MaxUint64), ErrNonceGap)
	require.NoError(t, use(MaxNonceGap))
}

func TestViewDiscardsWrites(t *testing.T) {
	c, _ := newChain(t, NewManualClock(1))
	ctx := context.Background()
	require.NoError(t, c.View(ctx, alice, contract, func(env *Env) error {
		assert.True(t, env.ReadOnly())
		return env.Txn().Set(state.Key("k"), uint64(1))
	}))
	require.NoError(t, c.View(ctx, alice, contract, func(env *Env) error {
		has, err := env.Txn().Has(state.Key("k"))
		require.NoError(t, err)
		assert.False(t, has)
		return nil
	}))
	assert.Equal(t, uint64(0), c.Height())
}

func TestExecuteRejects(t *testing.T) {
	c, _ := newChain(t, NewManualClock(1))
	_, err := c.Execute(context.Background(), address.Zero, contract, func(*Env) error { return nil })
	assert.ErrorIs(t, err, ErrZeroSender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Execute(ctx, alice, contract, func(*Env) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHeadSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	keys, err := fhe.GenerateNetworkKeys()
	require.NoError(t, err)
	cop, err := fhe.New(fhe.Config{Keys: keys})
	require.NoError(t, err)

	open := func() (*Chain, *state.Store) {
		store, err := state.Open(state.Config{Path: dir})
		require.NoError(t, err)
		c, err := New(Config{Store: store, Coprocessor: cop, Clock: NewManualClock(10)})
		require.NoError(t, err)
		return c, store
	}

	c, store := open()
	_, err = c.Execute(context.Background(), alice, contract, func(*Env) error { return nil })
	require.NoError(t, err)
	require.NoError(t, store.Close())

	c, store = open()
	defer store.Close()
	assert.Equal(t, uint64(1), c.Height())
	assert.Equal(t, uint64(10), c.Timestamp())
}

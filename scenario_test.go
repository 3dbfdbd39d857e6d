package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialvesting/internal/client"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/node"
	"confidentialvesting/internal/vesting"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestScenario(t *testing.T) {
	sum, err := run(context.Background(), quietLogger())
	require.NoError(t, err)

	t.Run("Beneficiaries Receive Full Amounts", func(t *testing.T) {
		assert.Equal(t, uint64(100), sum.Alice)
		assert.Equal(t, uint64(300), sum.Bob)
		assert.Equal(t, sum.Alice, sum.AliceReleased)
		assert.Equal(t, sum.Bob, sum.BobReleased)
	})

	t.Run("Supply Is Conserved", func(t *testing.T) {
		assert.Equal(t, uint64(600), sum.Issuer)
		assert.Equal(t, uint64(0), sum.Custody)
		assert.Equal(t, uint64(1000), sum.Issuer+sum.Alice+sum.Bob+sum.Custody)
	})

	t.Run("Events Are Recorded", func(t *testing.T) {
		assert.Greater(t, sum.Events, 0)
	})
}

func TestScenarioPrivacy(t *testing.T) {
	ctx := context.Background()
	issuerSigner, err := identity.SignerFromSeed([identity.SeedSize]byte{1})
	require.NoError(t, err)
	s, err := newScenario(ctx, quietLogger(), issuerSigner.Address())
	require.NoError(t, err)
	defer s.Close()

	issuer, err := s.newParty("issuer", 1)
	require.NoError(t, err)
	alice, err := s.newParty("alice", 2)
	require.NoError(t, err)
	bob, err := s.newParty("bob", 3)
	require.NoError(t, err)

	supply := uint64(100)
	require.NoError(t, s.call(ctx, issuer, node.MethodMint, node.Mint{Token: s.token, To: issuer.signer.Address(), Amount: supply}))
	require.NoError(t, s.call(ctx, issuer, node.MethodApprove, node.Approve{Token: s.token, Spender: s.node.Vesting.Address(), Amount: &supply}))
	require.NoError(t, s.create(ctx, issuer, alice, 100, 50, 200))

	t.Run("Stored Terms Are Ciphertexts", func(t *testing.T) {
		sched, err := s.client.Schedule(ctx, alice.signer.Address(), s.token)
		require.NoError(t, err)
		require.True(t, sched.Exists)
		assert.False(t, sched.Record.Terms.Amount.IsZero())
		assert.NotEqual(t, sched.Record.Terms.Amount.Handle, sched.Record.Terms.Start.Handle)
	})

	t.Run("Permission Belongs To Its Issuer", func(t *testing.T) {
		a := alice.signer.Address()
		_, err := s.client.SealedField(ctx, bob.signer.Address(), vesting.FieldStart, alice.perm, a, s.token)
		var se *client.StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusForbidden, se.Status)
	})

	t.Run("Sealed Output Opens Only With Its Key", func(t *testing.T) {
		a := alice.signer.Address()
		sealed, err := s.client.SealedField(ctx, a, vesting.FieldDuration, alice.perm, a, s.token)
		require.NoError(t, err)
		_, err = s.open(bob, sealed)
		assert.Error(t, err)
		v, err := s.open(alice, sealed)
		require.NoError(t, err)
		assert.Equal(t, uint64(200), v)
	})

	t.Run("Nothing Vests Before Start", func(t *testing.T) {
		s.clock.Set(49)
		require.NoError(t, s.release(ctx, bob, alice))
		b, err := s.balance(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), b)
		v, err := s.vested(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), v)
	})
}

package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialvesting/internal/api"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/node"
	"confidentialvesting/internal/permit"
	"confidentialvesting/internal/seal"
	"confidentialvesting/internal/vesting"
)

func serve(t *testing.T, n *node.Node) *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)
	srv := api.New(api.Config{Node: n, Logger: log})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.App().Listener(ln)
	t.Cleanup(func() { srv.Shutdown() })
	return New("http://"+ln.Addr().String()+"/", nil)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	issuer, err := identity.SignerFromSeed([identity.SeedSize]byte{21})
	require.NoError(t, err)
	beneficiary, err := identity.SignerFromSeed([identity.SeedSize]byte{22})
	require.NoError(t, err)

	clock := chain.NewManualClock(1)
	log := logrus.New()
	log.SetOutput(io.Discard)
	n, err := node.New(node.Config{
		ProofBits: []int{32},
		Tokens:    []node.TokenConfig{{Name: "Vest", Symbol: "VST", Owner: issuer.Address()}},
		Clock:     clock,
		Logger:    log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	c := serve(t, n)

	require.True(t, c.Healthy(ctx))
	info, err := c.NetworkInfo(ctx)
	require.NoError(t, err)
	require.Len(t, info.Tokens, 1)
	tok := info.Tokens[0].Address
	key, err := c.NetworkKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, n.NetworkKey(), key)
	domain, err := c.Domain(ctx)
	require.NoError(t, err)
	assert.Equal(t, n.Domain(), domain)
	assert.Equal(t, n.Domain(), info.Domain)

	input := func(v uint64) fhe.Input {
		in, err := fhe.NewInput(key, n.Proofs, v, vesting.AmountWidth)
		require.NoError(t, err)
		return in
	}
	amount := uint64(500)
	_, err = c.Call(ctx, issuer, 1, node.MethodMint, node.Mint{Token: tok, To: issuer.Address(), Amount: amount})
	require.NoError(t, err)
	_, err = c.Call(ctx, issuer, 2, node.MethodApprove, node.Approve{Token: tok, Spender: info.Vesting, Amount: &amount})
	require.NoError(t, err)
	receipt, err := c.Call(ctx, issuer, 3, node.MethodCreateSchedule, node.CreateSchedule{
		Beneficiary: beneficiary.Address(),
		Token:       tok,
		Amount:      input(400),
		Start:       input(10),
		Duration:    input(40),
	})
	require.NoError(t, err)
	assert.Equal(t, "ScheduleCreated", receipt.Events[len(receipt.Events)-1].Name)

	sched, err := c.Schedule(ctx, beneficiary.Address(), tok)
	require.NoError(t, err)
	assert.True(t, sched.Exists)

	clock.Set(20)
	_, err = c.Call(ctx, issuer, 4, node.MethodRelease, node.Release{Beneficiary: beneficiary.Address(), Token: tok})
	require.NoError(t, err)

	reader, err := seal.GenerateKeypair()
	require.NoError(t, err)
	perm, err := permit.New(beneficiary, reader.PublicKey, 0, info.Vesting, tok)
	require.NoError(t, err)

	sealed, err := c.SealedField(ctx, beneficiary.Address(), vesting.FieldReleased, perm, beneficiary.Address(), tok)
	require.NoError(t, err)
	v, _, err := fhe.OpenOutput(reader, sealed)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v.Uint64())

	clock.Set(30)
	sealed, err = c.SealedVested(ctx, beneficiary.Address(), perm, beneficiary.Address(), tok)
	require.NoError(t, err)
	v, _, err = fhe.OpenOutput(reader, sealed)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), v.Uint64())

	bal, err := c.Balance(ctx, tok, beneficiary.Address())
	require.NoError(t, err)
	assert.NotNil(t, bal.Handle)
	sealed, err = c.SealedBalance(ctx, beneficiary.Address(), tok, perm)
	require.NoError(t, err)
	v, _, err = fhe.OpenOutput(reader, sealed)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v.Uint64())

	events, err := c.Events(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "Released", events[len(events)-1].Name)

	_, err = c.Call(ctx, issuer, 4, node.MethodRelease, node.Release{Beneficiary: beneficiary.Address(), Token: tok})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Status)
	assert.NotEmpty(t, se.Message)

	_, err = c.SealedField(ctx, issuer.Address(), vesting.FieldStart, perm, beneficiary.Address(), tok)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Status)
}

func TestClientUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", nil)
	assert.False(t, c.Healthy(context.Background()))
	_, err := c.NetworkInfo(context.Background())
	assert.Error(t, err)
}

package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialvesting/internal/address"
)

func TestSignVerify(t *testing.T) {
	s, err := NewSigner()
	require.NoError(t, err)

	sig, err := s.Sign("ctx", []byte("msg"))
	require.NoError(t, err)
	assert.NoError(t, Verify(s.PublicKey(), "ctx", []byte("msg"), sig))
	assert.ErrorIs(t, Verify(s.PublicKey(), "other", []byte("msg"), sig), ErrSignatureVerificationFailed)
	assert.ErrorIs(t, Verify(s.PublicKey(), "ctx", []byte("tampered"), sig), ErrSignatureVerificationFailed)
	assert.ErrorIs(t, Verify([]byte{1}, "ctx", []byte("msg"), sig), ErrInvalidPublicKey)
}

func TestSignerFromSeedIsDeterministic(t *testing.T) {
	var seed [SeedSize]byte
	seed[0] = 7
	a, err := SignerFromSeed(seed)
	require.NoError(t, err)
	b, err := SignerFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.Address(), b.Address())
	assert.Equal(t, a.PublicKey(), b.PublicKey())
}

func TestLoadOrCreateSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "operator.key")
	first, err := LoadOrCreateSigner(path)
	require.NoError(t, err)
	second, err := LoadOrCreateSigner(path)
	require.NoError(t, err)
	assert.Equal(t, first.Address(), second.Address())
}

func TestEnvelope(t *testing.T) {
	s, err := NewSigner()
	require.NoError(t, err)

	domain := address.Derive("test:vesting")
	env, err := NewEnvelope(s, domain, 1, "vesting.release", map[string]string{"beneficiary": "0x01"})
	require.NoError(t, err)
	require.NoError(t, env.Verify())
	assert.Equal(t, s.Address(), env.Sender())

	var payload map[string]string
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "0x01", payload["beneficiary"])

	t.Run("nonce is signed", func(t *testing.T) {
		replay := *env
		replay.Nonce = 2
		assert.ErrorIs(t, replay.Verify(), ErrSignatureVerificationFailed)
	})

	t.Run("domain is signed", func(t *testing.T) {
		moved := *env
		moved.Domain = address.Derive("test:other-vesting")
		assert.ErrorIs(t, moved.Verify(), ErrSignatureVerificationFailed)
	})

	t.Run("method is signed", func(t *testing.T) {
		swapped := *env
		swapped.Method = "vesting.create"
		assert.ErrorIs(t, swapped.Verify(), ErrSignatureVerificationFailed)
	})

	t.Run("unsigned envelope", func(t *testing.T) {
		bare := *env
		bare.Signature = nil
		assert.ErrorIs(t, bare.Verify(), ErrMalformedEnvelope)
	})
}

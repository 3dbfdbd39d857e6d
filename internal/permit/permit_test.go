package permit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/seal"
)

func fixture(t *testing.T, expiry uint64) (*identity.Signer, *seal.Keypair, *Permission, address.Address) {
	t.Helper()
	s, err := identity.NewSigner()
	require.NoError(t, err)
	kp, err := seal.GenerateKeypair()
	require.NoError(t, err)
	contract := address.Derive("vesting:test")
	p, err := New(s, kp.PublicKey, expiry, contract)
	require.NoError(t, err)
	return s, kp, p, contract
}

func TestValidate(t *testing.T) {
	s, _, p, contract := fixture(t, 0)
	assert.NoError(t, p.Validate(contract, s.Address(), 100))
}

func TestValidateSubjectMismatch(t *testing.T) {
	_, _, p, contract := fixture(t, 0)
	other, err := identity.NewSigner()
	require.NoError(t, err)

	err = p.Validate(contract, other.Address(), 100)
	assert.ErrorIs(t, err, ErrSubjectMismatch)
	assert.NotErrorIs(t, err, ErrPermissionInvalid)
}

func TestValidateRejects(t *testing.T) {
	s, _, p, contract := fixture(t, 500)

	t.Run("expired", func(t *testing.T) {
		assert.ErrorIs(t, p.Validate(contract, s.Address(), 500), ErrPermissionExpired)
		assert.ErrorIs(t, p.Validate(contract, s.Address(), 500), ErrPermissionInvalid)
		assert.NoError(t, p.Validate(contract, s.Address(), 499))
	})

	t.Run("out of scope", func(t *testing.T) {
		assert.ErrorIs(t, p.Validate(address.Derive("elsewhere"), s.Address(), 1), ErrOutOfScope)
	})

	t.Run("tampered expiry", func(t *testing.T) {
		forged := *p
		forged.Expiry = 0
		assert.ErrorIs(t, forged.Validate(contract, s.Address(), 1000), ErrPermissionInvalid)
	})

	t.Run("issuer swapped", func(t *testing.T) {
		other, err := identity.NewSigner()
		require.NoError(t, err)
		forged := *p
		forged.Issuer = other.Address()
		assert.ErrorIs(t, forged.Validate(contract, other.Address(), 1), ErrPermissionInvalid)
	})

	t.Run("sealing key swapped", func(t *testing.T) {
		kp, err := seal.GenerateKeypair()
		require.NoError(t, err)
		forged := *p
		forged.SealingKey = kp.PublicKey
		assert.ErrorIs(t, forged.Validate(contract, s.Address(), 1), ErrPermissionInvalid)
	})

	t.Run("nil", func(t *testing.T) {
		var missing *Permission
		assert.ErrorIs(t, missing.Validate(contract, s.Address(), 1), ErrPermissionInvalid)
	})
}

func TestNewRequiresScopeAndKey(t *testing.T) {
	s, err := identity.NewSigner()
	require.NoError(t, err)
	kp, err := seal.GenerateKeypair()
	require.NoError(t, err)

	_, err = New(s, kp.PublicKey, 0)
	assert.ErrorIs(t, err, ErrPermissionInvalid)

	_, err = New(s, []byte("short"), 0, address.Derive("x"))
	assert.ErrorIs(t, err, ErrPermissionInvalid)
}

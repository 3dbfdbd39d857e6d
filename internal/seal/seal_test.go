package seal

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	require.Len(t, kp.PublicKey, PublicKeySize)
	require.Len(t, kp.SecretKey, SecretKeySize)

	sealed, err := Seal(kp.PublicKey, []byte("hello"), []byte("ctx"))
	require.NoError(t, err)

	plaintext, aad, err := Open(kp, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
	assert.Equal(t, []byte("ctx"), aad)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	alice, err := GenerateKeypair()
	require.NoError(t, err)
	mallory, err := GenerateKeypair()
	require.NoError(t, err)

	sealed, err := Seal(alice.PublicKey, []byte{0, 0, 0, 100}, nil)
	require.NoError(t, err)

	_, _, err = Open(mallory, sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenUint(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	sealed, err := Seal(kp.PublicKey, big.NewInt(4242).FillBytes(make([]byte, 8)), []byte("uint64"))
	require.NoError(t, err)

	v, aad, err := OpenUint(kp, sealed)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), v.Int64())
	assert.Equal(t, "uint64", string(aad))
}

func TestOpenRejectsGarbage(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	_, _, err = Open(kp, "not-a-payload!")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, _, err = Open(kp, ToBase64URL([]byte(`{"v":9}`)))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSealRejectsShortKey(t *testing.T) {
	_, err := Seal([]byte{1, 2, 3}, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidPublicKeySize)
}

func TestKeypairFromSecretKey(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	rebuilt, err := KeypairFromSecretKey(kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, rebuilt.PublicKey)

	_, err = KeypairFromSecretKey(kp.SecretKey[:10])
	assert.ErrorIs(t, err, ErrInvalidSecretKeySize)
}

func TestAESRoundTrip(t *testing.T) {
	key := make([]byte, AESKeySize)
	ct, err := EncryptAES(key, []byte("value"), []byte("handle"))
	require.NoError(t, err)

	pt, err := DecryptAES(key, ct, []byte("handle"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), pt)

	_, err = DecryptAES(key, ct, []byte("other"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = EncryptAES(key[:5], []byte("value"), nil)
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

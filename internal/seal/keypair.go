package seal

import (
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// Keypair is an ML-KEM-768 keypair used to open sealed values.
type Keypair struct {
	PublicKey []byte
	SecretKey []byte
}

// GenerateKeypair creates a new keypair from the package entropy source.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(randReader)
	if err != nil {
		return nil, err
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Keypair{PublicKey: pubBytes, SecretKey: privBytes}, nil
}

// KeypairFromSecretKey rebuilds a keypair from its secret key.
func KeypairFromSecretKey(secretKey []byte) (*Keypair, error) {
	if len(secretKey) != SecretKeySize {
		return nil, ErrInvalidSecretKeySize
	}
	scheme := mlkem768.Scheme()
	sk, err := scheme.UnmarshalBinaryPrivateKey(secretKey)
	if err != nil {
		return nil, err
	}
	pub, err := sk.Public().MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Keypair{PublicKey: pub, SecretKey: append([]byte(nil), secretKey...)}, nil
}

// PublicKeyB64 is the URL-safe encoding of the public key.
func (k *Keypair) PublicKeyB64() string {
	return ToBase64URL(k.PublicKey)
}

// Decapsulate recovers the shared secret carried by a KEM ciphertext.
func (k *Keypair) Decapsulate(ctKem []byte) ([]byte, error) {
	if len(ctKem) != CiphertextSize {
		return nil, ErrInvalidCiphertextSize
	}
	scheme := mlkem768.Scheme()
	sk, err := scheme.UnmarshalBinaryPrivateKey(k.SecretKey)
	if err != nil {
		return nil, err
	}
	return scheme.Decapsulate(sk, ctKem)
}

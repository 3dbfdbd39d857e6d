// Package seal re-encrypts values for a single reader.
//
// A sealed value is encapsulated to the reader's ML-KEM-768 public key, the
// shared secret is expanded with HKDF-SHA-512 and the payload is encrypted
// with AES-256-GCM. The result travels as one base64url string.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"
)

const (
	// Context separates sealed outputs from any other use of the same keys.
	Context = "confidentialvesting:seal:v1"

	// Version is the payload format version.
	Version = 1

	// Algs names the algorithm suite carried in each payload.
	Algs = "ML-KEM-768:HKDF-SHA-512:AES-256-GCM"

	PublicKeySize  = mlkem768.PublicKeySize
	SecretKeySize  = mlkem768.PrivateKeySize
	CiphertextSize = mlkem768.CiphertextSize
	SharedKeySize  = mlkem768.SharedKeySize
	AESKeySize     = 32
	AESNonceSize   = 12
	AESTagSize     = 16
)

var (
	ErrInvalidPublicKeySize  = errors.New("invalid public key size")
	ErrInvalidSecretKeySize  = errors.New("invalid secret key size")
	ErrInvalidCiphertextSize = errors.New("invalid ciphertext size")
	ErrInvalidKeySize        = errors.New("invalid key size")
	ErrInvalidNonceSize      = errors.New("invalid nonce size")
	ErrInvalidPayload        = errors.New("invalid sealed payload")
	ErrDecryptionFailed      = errors.New("decryption failed")
)

// randReader is the entropy source. Tests may swap it.
var randReader io.Reader = rand.Reader

// SetRandReaderForTesting overrides the entropy source and returns a restore func.
func SetRandReaderForTesting(r io.Reader) func() {
	original := randReader
	randReader = r
	return func() { randReader = original }
}

// payload is the JSON document behind a sealed string.
type payload struct {
	V          int    `json:"v"`
	Algs       string `json:"algs"`
	CtKem      string `json:"ct_kem"`
	Nonce      string `json:"nonce"`
	AAD        string `json:"aad"`
	Ciphertext string `json:"ciphertext"`
}

// Seal encrypts plaintext to the holder of publicKey. aad is authenticated
// and carried in clear.
func Seal(publicKey, plaintext, aad []byte) (string, error) {
	if len(publicKey) != PublicKeySize {
		return "", fmt.Errorf("%w: got %d, want %d", ErrInvalidPublicKeySize, len(publicKey), PublicKeySize)
	}
	scheme := mlkem768.Scheme()
	pk, err := scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("unmarshal public key: %w", err)
	}
	seed := make([]byte, scheme.EncapsulationSeedSize())
	if _, err := io.ReadFull(randReader, seed); err != nil {
		return "", fmt.Errorf("read encapsulation seed: %w", err)
	}
	ctKem, shared, err := scheme.EncapsulateDeterministically(pk, seed)
	if err != nil {
		return "", fmt.Errorf("encapsulate: %w", err)
	}

	key, err := deriveKey(shared, aad, ctKem)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	nonce := make([]byte, AESNonceSize)
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	ct, err := encryptAESGCM(key, nonce, aad, plaintext)
	if err != nil {
		return "", err
	}

	doc, err := json.Marshal(payload{
		V:          Version,
		Algs:       Algs,
		CtKem:      ToBase64URL(ctKem),
		Nonce:      ToBase64URL(nonce),
		AAD:        ToBase64URL(aad),
		Ciphertext: ToBase64URL(ct),
	})
	if err != nil {
		return "", err
	}
	return ToBase64URL(doc), nil
}

// Open decrypts a sealed string with kp and returns the plaintext together
// with the authenticated associated data.
func Open(kp *Keypair, sealed string) (plaintext, aad []byte, err error) {
	p, err := decodePayload(sealed)
	if err != nil {
		return nil, nil, err
	}
	ctKem, err := FromBase64URL(p.CtKem)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode ct_kem: %v", ErrInvalidPayload, err)
	}
	nonce, err := FromBase64URL(p.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode nonce: %v", ErrInvalidPayload, err)
	}
	aad, err = FromBase64URL(p.AAD)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode aad: %v", ErrInvalidPayload, err)
	}
	ct, err := FromBase64URL(p.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode ciphertext: %v", ErrInvalidPayload, err)
	}

	shared, err := kp.Decapsulate(ctKem)
	if err != nil {
		return nil, nil, err
	}
	key, err := deriveKey(shared, aad, ctKem)
	if err != nil {
		return nil, nil, fmt.Errorf("derive key: %w", err)
	}
	plaintext, err = decryptAESGCM(key, nonce, aad, ct)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, aad, nil
}

// OpenUint opens a sealed big-endian unsigned integer.
func OpenUint(kp *Keypair, sealed string) (*big.Int, []byte, error) {
	plaintext, aad, err := Open(kp, sealed)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).SetBytes(plaintext), aad, nil
}

func decodePayload(sealed string) (*payload, error) {
	raw, err := FromBase64URL(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.V != Version || p.Algs != Algs {
		return nil, fmt.Errorf("%w: unsupported version %d (%s)", ErrInvalidPayload, p.V, p.Algs)
	}
	return &p, nil
}

// deriveKey expands the KEM secret into an AES key.
// salt = SHA-256(ctKem), info = Context || len(aad) (4 bytes BE) || aad.
func deriveKey(shared, aad, ctKem []byte) ([]byte, error) {
	salt := sha256.Sum256(ctKem)

	info := make([]byte, 0, len(Context)+4+len(aad))
	info = append(info, Context...)
	info = binary.BigEndian.AppendUint32(info, uint32(len(aad)))
	info = append(info, aad...)

	reader := hkdf.New(sha512.New, shared, salt[:], info)
	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

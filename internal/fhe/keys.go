package fhe

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"confidentialvesting/internal/seal"
)

const networkKeyFile = "network.key"

// NetworkKeys are the coprocessor secrets: the ML-KEM keypair inputs are
// sealed to and the AES key plaintexts are stored under.
type NetworkKeys struct {
	Sealing *seal.Keypair
	Storage []byte
}

type networkKeyFileFormat struct {
	SealingSecret []byte `msgpack:"sealing_secret"`
	Storage       []byte `msgpack:"storage"`
}

func GenerateNetworkKeys() (*NetworkKeys, error) {
	kp, err := seal.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	storage := make([]byte, seal.AESKeySize)
	if _, err := io.ReadFull(rand.Reader, storage); err != nil {
		return nil, err
	}
	return &NetworkKeys{Sealing: kp, Storage: storage}, nil
}

// LoadOrCreateNetworkKeys reads dir/network.key, generating it on first
// start. An empty dir yields ephemeral keys.
func LoadOrCreateNetworkKeys(dir string) (*NetworkKeys, error) {
	if dir == "" {
		return GenerateNetworkKeys()
	}
	path := filepath.Join(dir, networkKeyFile)
	if raw, err := os.ReadFile(path); err == nil {
		var f networkKeyFileFormat
		if err := msgpack.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		kp, err := seal.KeypairFromSecretKey(f.SealingSecret)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if len(f.Storage) != seal.AESKeySize {
			return nil, fmt.Errorf("decode %s: %w", path, seal.ErrInvalidKeySize)
		}
		return &NetworkKeys{Sealing: kp, Storage: f.Storage}, nil
	}

	keys, err := GenerateNetworkKeys()
	if err != nil {
		return nil, err
	}
	raw, err := msgpack.Marshal(networkKeyFileFormat{SealingSecret: keys.Sealing.SecretKey, Storage: keys.Storage})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, fmt.Errorf("failed to write network key: %w", err)
	}
	return keys, nil
}

package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// GenerateOperatorKey creates a fresh secp256k1 key for signing rate updates.
func GenerateOperatorKey() (*ecdsa.PrivateKey, error) {
	return ethcrypto.GenerateKey()
}

// Address returns the account address controlled by key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return ethcrypto.PubkeyToAddress(key.PublicKey)
}

type scryptParams struct{ n, p int }

// KeystoreOption adjusts how SaveToKeystore encrypts.
type KeystoreOption func(*scryptParams)

// WithLightScrypt trades brute-force resistance for speed. Only for
// throwaway keys.
func WithLightScrypt() KeystoreOption {
	return func(p *scryptParams) {
		p.n, p.p = keystore.LightScryptN, keystore.LightScryptP
	}
}

// SaveToKeystore encrypts key as an Ethereum v3 keystore document and
// atomically replaces path with it. The file is readable by the owner only.
func SaveToKeystore(path string, key *ecdsa.PrivateKey, passphrase string, opts ...KeystoreOption) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	params := scryptParams{n: keystore.StandardScryptN, p: keystore.StandardScryptP}
	for _, opt := range opts {
		opt(&params)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	doc, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    Address(key),
		PrivateKey: key,
	}, passphrase, params.n, params.p)
	if err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts the keystore document at path.
func LoadFromKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(doc, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt %s: %w", filepath.Base(path), err)
	}
	return key.PrivateKey, nil
}

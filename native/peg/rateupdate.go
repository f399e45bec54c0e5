package peg

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RateUpdateDomain separates rate update signatures from any other payload
// signed with the same key.
const RateUpdateDomain = "pegd.rate.v1"

// RateUpdate is the administrator-signed payload that authorises a rate write.
type RateUpdate struct {
	Currency Currency
	Rate     int64
	Nonce    uint64
}

// Hash returns the keccak256 digest that the administrator signs.
func (u RateUpdate) Hash() ([]byte, error) {
	if !u.Currency.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, u.Currency)
	}
	if u.Rate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRate, u.Rate)
	}
	payload := fmt.Sprintf("%s|currency=%s|rate=%d|nonce=%d", RateUpdateDomain, u.Currency, u.Rate, u.Nonce)
	return ethcrypto.Keccak256([]byte(payload)), nil
}

// SignRateUpdate produces a 65-byte recoverable secp256k1 signature over the update.
func SignRateUpdate(u RateUpdate, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("peg: signing key required")
	}
	hash, err := u.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("sign rate update: %w", err)
	}
	return sig, nil
}

// RecoverRateUpdateSigner returns the address whose key produced sig.
func RecoverRateUpdateSigner(u RateUpdate, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes", ErrUnauthorized, ethcrypto.SignatureLength)
	}
	hash, err := u.Hash()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover signer: %v", ErrUnauthorized, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

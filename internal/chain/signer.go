// Package chain implements the transaction engine and event processing layer
// that mediates between the backend and the on-chain contracts.
package chain

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bithedge/backend/internal/domain"
)

// Signer holds the single backend signing key. The key is loaded once at
// startup; all access goes through the TransactionEngine.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string // sender principal
}

// NewSigner parses the configured private key. A missing or malformed key is
// a fatal configuration error.
func NewSigner(keyHex, address string) (*Signer, error) {
	keyHex = strings.TrimPrefix(keyHex, "0x")
	// Stacks key files often carry a trailing compression flag byte
	if len(keyHex) == 66 && strings.HasSuffix(keyHex, "01") {
		keyHex = keyHex[:64]
	}

	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, domain.WrapError(domain.KindConfig, "invalid backend signer private key", err)
	}

	return &Signer{key: key, address: address}, nil
}

// Address returns the sender principal for nonce lookups and contract calls.
func (s *Signer) Address() string {
	return s.address
}

// Sign produces a recoverable secp256k1 signature over the SHA-256 digest of
// the serialized payload.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return crypto.Sign(digest[:], s.key)
}

// PublicKey returns the compressed public key for inclusion in the envelope.
func (s *Signer) PublicKey() []byte {
	return crypto.CompressPubkey(&s.key.PublicKey)
}

package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// keyDerivationTag domain-separates actor key derivation from any other use
// of the master seed.
const keyDerivationTag = "rxledger/actor-key/v1"

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Bytes returns the compressed public key encoding.
func (k *PublicKey) Bytes() []byte {
	return ethcrypto.CompressPubkey(k.PublicKey)
}

// KeyID returns the short fingerprint embedded in events so verifiers can
// locate the signing key without a directory lookup: "fp:" plus the first 16
// hex characters of sha256 over the compressed public key.
func (k *PublicKey) KeyID() string {
	sum := sha256.Sum256(k.Bytes())
	return "fp:" + hex.EncodeToString(sum[:])[:16]
}

// KeyManager issues deterministic key pairs per actor id (doctor or
// pharmacist national id). The same actor id always yields the same pair for
// a given master seed.
type KeyManager struct {
	mu   sync.Mutex
	seed []byte
	keys map[string]*PrivateKey
}

func NewKeyManager(masterSeed []byte) (*KeyManager, error) {
	if len(masterSeed) == 0 {
		return nil, errors.New("crypto: master seed required")
	}
	return &KeyManager{
		seed: append([]byte(nil), masterSeed...),
		keys: make(map[string]*PrivateKey),
	}, nil
}

// EnsureKeyPair returns the actor's key pair, deriving it on first use.
// Idempotent per actor id.
func (m *KeyManager) EnsureKeyPair(actorID string) (*PrivateKey, error) {
	if actorID == "" {
		return nil, errors.New("crypto: actor id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[actorID]; ok {
		return key, nil
	}
	key, err := deriveKey(m.seed, actorID)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive key for actor: %w", err)
	}
	m.keys[actorID] = key
	return key, nil
}

// KeyID returns the fingerprint of the actor's public key.
func (m *KeyManager) KeyID(actorID string) (string, error) {
	key, err := m.EnsureKeyPair(actorID)
	if err != nil {
		return "", err
	}
	return key.PubKey().KeyID(), nil
}

func deriveKey(seed []byte, actorID string) (*PrivateKey, error) {
	h := sha256.New()
	h.Write([]byte(keyDerivationTag))
	h.Write([]byte{0})
	h.Write(seed)
	h.Write([]byte{0})
	h.Write([]byte(actorID))
	digest := h.Sum(nil)

	// A sha256 output lands outside the curve order with negligible
	// probability; re-hash until it is a valid scalar.
	for i := 0; i < 128; i++ {
		key, err := ethcrypto.ToECDSA(digest)
		if err == nil {
			return &PrivateKey{key}, nil
		}
		next := sha256.Sum256(digest)
		digest = next[:]
	}
	return nil, errors.New("could not derive a valid scalar")
}

// ActorIDHash returns the pseudonymous actor identifier embedded in events
// in place of the raw national id.
func ActorIDHash(actorID string) string {
	sum := sha256.Sum256([]byte(actorID))
	return "sha256:" + hex.EncodeToString(sum[:])
}

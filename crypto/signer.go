package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Codec canonicalizes payloads and signs/verifies them with per-actor keys.
type Codec struct {
	keys *KeyManager
}

func NewCodec(keys *KeyManager) *Codec {
	return &Codec{keys: keys}
}

// KeyID returns the fingerprint of the actor's signing key, deriving the key
// pair on first use. Callers embed it in the payload before hashing so the
// digest covers it.
func (c *Codec) KeyID(actorID string) (string, error) {
	return c.keys.KeyID(actorID)
}

// CanonicalBytes serializes a payload deterministically: the payload is
// flattened to a map and re-marshalled so keys are emitted in sorted order,
// with the named fields stripped first. Stable across processes as long as
// the payload shape is stable.
func CanonicalBytes(payload interface{}, strip ...string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	flat := make(map[string]interface{})
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	for _, field := range strip {
		delete(flat, field)
	}
	return json.Marshal(flat)
}

// SigningDigest hashes the canonical serialization of the payload excluding
// the signature field.
func SigningDigest(payload interface{}) ([]byte, error) {
	canonical, err := CanonicalBytes(payload, "signature")
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// Sign produces a hex-encoded recoverable signature over the canonical
// serialization of the payload (signature field excluded) with the actor's
// key, returning the signature and the signing key's fingerprint.
func (c *Codec) Sign(payload interface{}, actorID string) (sig string, keyID string, err error) {
	key, err := c.keys.EnsureKeyPair(actorID)
	if err != nil {
		return "", "", err
	}
	digest, err := SigningDigest(payload)
	if err != nil {
		return "", "", err
	}
	rawSig, err := ethcrypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return "", "", fmt.Errorf("crypto: sign: %w", err)
	}
	return hex.EncodeToString(rawSig), key.PubKey().KeyID(), nil
}

// Verify checks a signature against the actor's public key. It never panics
// or errors on malformed input; any defect yields false.
func (c *Codec) Verify(payload interface{}, sigHex, actorID string) bool {
	key, err := c.keys.EnsureKeyPair(actorID)
	if err != nil {
		return false
	}
	return VerifyWithKey(payload, sigHex, key.PubKey())
}

// VerifyByKeyID checks a signature by recovering the signing public key and
// comparing its fingerprint to the expected key id. This is how events are
// verified on ingest, where only the embedded keyId is available.
func VerifyByKeyID(payload interface{}, sigHex, keyID string) bool {
	if keyID == "" {
		return false
	}
	rawSig, err := hex.DecodeString(sigHex)
	if err != nil || len(rawSig) != ethcrypto.SignatureLength {
		return false
	}
	digest, err := SigningDigest(payload)
	if err != nil {
		return false
	}
	recovered, err := ethcrypto.SigToPub(digest, rawSig)
	if err != nil {
		return false
	}
	return (&PublicKey{recovered}).KeyID() == keyID
}

// VerifyWithKey checks a signature against an explicit public key.
func VerifyWithKey(payload interface{}, sigHex string, pub *PublicKey) bool {
	if pub == nil || pub.PublicKey == nil {
		return false
	}
	rawSig, err := hex.DecodeString(sigHex)
	if err != nil || len(rawSig) != ethcrypto.SignatureLength {
		return false
	}
	digest, err := SigningDigest(payload)
	if err != nil {
		return false
	}
	recovered, err := ethcrypto.SigToPub(digest, rawSig)
	if err != nil {
		return false
	}
	return bytes.Equal(ethcrypto.CompressPubkey(recovered), pub.Bytes())
}

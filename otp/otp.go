// Package otp issues short-lived numeric confirmation codes bound to a
// channel for out-of-band confirmation. The code travels to the patient; the
// accompanying JWT envelope travels with the request and carries the
// channel binding, the code's hash, and a single-use id.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalid covers malformed tokens, wrong channels, and wrong codes.
	ErrInvalid = errors.New("otp: invalid code")
	// ErrExpired is returned past the grant's expiry.
	ErrExpired = errors.New("otp: code expired")
	// ErrConsumed rejects a second use of a grant.
	ErrConsumed = errors.New("otp: code already used")
)

const codeDigits = 6

// Grant is one issued confirmation code.
type Grant struct {
	Token     string
	OTP       string
	ExpiresAt time.Time
}

type claims struct {
	CodeHash string `json:"oh"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies single-use grants.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // jti -> expiry, for single-use enforcement
}

func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("otp: secret required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
		used:   make(map[string]time.Time),
	}, nil
}

// Issue mints a numeric code bound to the channel.
func (i *Issuer) Issue(topicID string) (Grant, error) {
	if topicID == "" {
		return Grant{}, errors.New("otp: topic id required")
	}
	code, err := randomCode()
	if err != nil {
		return Grant{}, fmt.Errorf("otp: generate code: %w", err)
	}
	jti := uuid.NewString()
	expiresAt := i.now().Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		CodeHash: hashCode(code, jti),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   topicID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(i.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("otp: sign token: %w", err)
	}
	return Grant{Token: signed, OTP: code, ExpiresAt: expiresAt}, nil
}

// Verify checks the code against the envelope token and consumes the grant.
// A grant verifies successfully exactly once.
func (i *Issuer) Verify(token, code, topicID string) error {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return ErrInvalid
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject != topicID || c.ID == "" {
		return ErrInvalid
	}
	if subtle.ConstantTimeCompare([]byte(c.CodeHash), []byte(hashCode(code, c.ID))) != 1 {
		return ErrInvalid
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, consumed := i.used[c.ID]; consumed {
		return ErrConsumed
	}
	i.used[c.ID] = c.ExpiresAt.Time
	i.purgeLocked()
	return nil
}

// purgeLocked drops consumed grants past expiry; they can no longer verify
// anyway.
func (i *Issuer) purgeLocked() {
	now := i.now()
	for jti, expiry := range i.used {
		if now.After(expiry) {
			delete(i.used, jti)
		}
	}
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for n := 0; n < codeDigits; n++ {
		max.Mul(max, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, value), nil
}

func hashCode(code, jti string) string {
	sum := sha256.Sum256([]byte(code + "|" + jti))
	return hex.EncodeToString(sum[:])
}

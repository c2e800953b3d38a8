package scoring

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// MinKeyBytes is the minimum accepted HMAC key length
const MinKeyBytes = 32

var ErrKeyTooShort = errors.New("scorer key material must be at least 32 bytes")

// Signer owns one scorer's HMAC-SHA256 key material. Keys are read-only
// after construction.
type Signer struct {
	key []byte
}

// NewSigner builds a signer from a hex-encoded key. An empty string
// generates fresh key material for this process run; callers should log the
// fingerprint (and only the fingerprint).
func NewSigner(hexKey string) (*Signer, error) {
	if hexKey == "" {
		key := make([]byte, MinKeyBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("unable to generate scorer key material: %w", err)
		}
		return &Signer{key: key}, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("scorer key is not valid hex: %w", err)
	}
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	return &Signer{key: key}, nil
}

// Sign computes and attaches the signature over the vote's canonical bytes
func (s *Signer) Sign(vote *Vote) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(vote.CanonicalBytes())
	vote.Signature = hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the HMAC over the canonical serialization and compares
// it to the attached signature in constant time
func (s *Signer) Verify(vote Vote) bool {
	sig, err := hex.DecodeString(vote.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(vote.CanonicalBytes())
	return hmac.Equal(sig, mac.Sum(nil))
}

// Fingerprint returns a short identifier for the key, safe to log
func (s *Signer) Fingerprint() string {
	sum := sha256.Sum256(s.key)
	return hex.EncodeToString(sum[:4])
}

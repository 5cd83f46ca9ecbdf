package normalize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher pseudonymizes provider identities. With a key it uses
// HMAC-SHA256, otherwise plain SHA-256. Hashes are one-way.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with key; an empty key selects SHA-256.
func NewHasher(key string) Hasher {
	if key == "" {
		return Hasher{}
	}
	return Hasher{key: []byte(key)}
}

// Hash returns the hex pseudonym of identity. Identities are compared
// case-insensitively; the empty identity hashes to "".
func (h Hasher) Hash(identity string) string {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return ""
	}
	if h.key == nil {
		sum := sha256.Sum256([]byte(identity))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(identity))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h Hasher) hashPtr(identity string) *string {
	v := h.Hash(identity)
	if v == "" {
		return nil
	}
	return &v
}

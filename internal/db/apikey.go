package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// apiKeyPrefix marks tokens issued by this service.
const apiKeyPrefix = "di_"

// ErrInvalidAPIKey is returned when a bearer token does not match an active key.
var ErrInvalidAPIKey = errors.New("invalid API key")

// APIKey guards the read API. Only a bcrypt hash of the secret half of
// the token is stored; Prefix is the lookup handle.
type APIKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// Name is a human-readable label (e.g. "grafana").
	Name string `gorm:"size:128;not null"`

	Prefix  string `gorm:"size:32;not null;uniqueIndex"`
	KeyHash string `gorm:"size:255;not null"`

	Active     bool `gorm:"default:true"`
	LastUsedAt *time.Time
}

// CreateAPIKey generates a new key, stores its hash and returns the
// plaintext token. The token is shown once and cannot be recovered.
func CreateAPIKey(db *gorm.DB, name string) (string, *APIKey, error) {
	prefix, err := randomHex(6)
	if err != nil {
		return "", nil, err
	}
	secret, err := randomHex(24)
	if err != nil {
		return "", nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}

	key := &APIKey{
		Name:    name,
		Prefix:  prefix,
		KeyHash: string(hash),
		Active:  true,
	}
	if err := db.Create(key).Error; err != nil {
		return "", nil, err
	}
	return apiKeyPrefix + prefix + "." + secret, key, nil
}

// AuthenticateAPIKey resolves a bearer token to its active key.
func AuthenticateAPIKey(db *gorm.DB, token string) (*APIKey, error) {
	rest, ok := strings.CutPrefix(token, apiKeyPrefix)
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	prefix, secret, ok := strings.Cut(rest, ".")
	if !ok || prefix == "" || secret == "" {
		return nil, ErrInvalidAPIKey
	}

	var key APIKey
	if err := db.Where("prefix = ? AND active = ?", prefix, true).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	now := time.Now().UTC()
	if err := db.Model(&key).Update("last_used_at", now).Error; err != nil {
		return nil, err
	}
	key.LastUsedAt = &now
	return &key, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

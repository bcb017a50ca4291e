package store

import (
	"crypto/rand"
	"encoding/base64"
)

const groupKeyRandomBytes = 24

// KeyProvider issues new group credentials.
type KeyProvider interface {
	NewKey() (string, error)
}

type randomKeyProvider struct{}

// NewRandomKeyProvider constructs a KeyProvider that issues 32-character
// base64 tokens from 24 random bytes.
func NewRandomKeyProvider() KeyProvider {
	return &randomKeyProvider{}
}

func (p *randomKeyProvider) NewKey() (string, error) {
	buf := make([]byte, groupKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

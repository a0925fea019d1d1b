package license

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"
)

const (
	// KeyPrefix marks a string as a license key. It carries no information
	// about the license itself.
	KeyPrefix = "LIC"

	keyEntropyBytes = 20 // 160 bits
	keyGroupSize    = 4
	keyGroups       = 8
	keyLength       = len(KeyPrefix) + keyGroups*(keyGroupSize+1)
)

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// KeyGenerator produces new candidate license keys. Uniqueness is enforced by
// the Store, not by the generator.
type KeyGenerator interface {
	Generate() (string, error)
}

// RandomKeyGenerator draws key material from a cryptographically secure
// source.
type RandomKeyGenerator struct {
	// Reader defaults to crypto/rand.Reader when nil.
	Reader io.Reader
}

// NewKeyGenerator returns a generator backed by crypto/rand.
func NewKeyGenerator() *RandomKeyGenerator {
	return &RandomKeyGenerator{Reader: rand.Reader}
}

// Generate returns a key of the form LIC-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX.
// A failing entropy source yields ErrEntropy; the failure is not retried.
func (g *RandomKeyGenerator) Generate() (string, error) {
	r := g.Reader
	if r == nil {
		r = rand.Reader
	}

	buf := make([]byte, keyEntropyBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEntropy, err)
	}

	encoded := keyEncoding.EncodeToString(buf)

	var b strings.Builder
	b.Grow(keyLength)
	b.WriteString(KeyPrefix)
	for i := 0; i < len(encoded); i += keyGroupSize {
		b.WriteByte('-')
		b.WriteString(encoded[i : i+keyGroupSize])
	}
	return b.String(), nil
}

// NormalizeKey canonicalizes user supplied key text.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidKeyFormat reports whether key has the shape produced by
// RandomKeyGenerator. It says nothing about whether the key exists.
func ValidKeyFormat(key string) bool {
	if len(key) != keyLength || !strings.HasPrefix(key, KeyPrefix+"-") {
		return false
	}
	groups := strings.Split(key[len(KeyPrefix)+1:], "-")
	if len(groups) != keyGroups {
		return false
	}
	for _, g := range groups {
		if len(g) != keyGroupSize {
			return false
		}
		for i := 0; i < len(g); i++ {
			c := g[i]
			if !(c >= 'A' && c <= 'Z') && !(c >= '2' && c <= '7') {
				return false
			}
		}
	}
	return true
}

package utils

import (
	"crypto/rand"
	"math/big"
)

const tokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// WebhookTokenLength is the length of generated webhook tokens. The charset
// gives just under 6 bits per character, so 32 characters is far beyond the
// point where collisions matter.
const WebhookTokenLength = 32

// GenerateToken returns a random mixed-alphanumeric string of length n.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(tokenCharset)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = tokenCharset[idx.Int64()]
	}
	return string(b), nil
}

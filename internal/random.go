package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"strings"
)

const backupCodeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewToken returns n random bytes encoded as unpadded base64url. Used for
// session tokens, CSRF tokens, and single-use token secrets.
func NewToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken returns the base64url SHA-256 digest of a token. Stores persist
// this digest, never the raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewBackupCode returns a random lowercase-alphanumeric code of the given
// length.
func NewBackupCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

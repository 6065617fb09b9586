package credential

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

const (
	// secretBytes is the entropy of a generated secret. Its hex form is 64 characters long.
	secretBytes = 32

	// MinSecretLength and MaxSecretLength bound what a device may present.
	MinSecretLength = 32
	MaxSecretLength = 256
)

// Digest returns the one-way hash stored in place of a plaintext secret.
func Digest(secret string) []byte {
	sum := blake3.Sum256([]byte(secret))
	return sum[:]
}

// digestEqual compares two digests in constant time.
func digestEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func newSecret(r io.Reader) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read random secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// wellFormed rejects secrets that could never have been issued, before touching the store.
func wellFormed(secret string) bool {
	return len(secret) >= MinSecretLength && len(secret) <= MaxSecretLength
}

// Package crypto wraps fernet encryption for client signing secrets.
// Secrets must be recoverable to compute request HMACs, so they are
// encrypted at rest rather than hashed.
package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

type Box struct {
	key *fernet.Key
}

// NewBox decodes a base64 fernet key, typically from configuration.
func NewBox(encodedKey string) (*Box, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode secret encryption key: %w", err)
	}
	return &Box{key: key}, nil
}

func (b *Box) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), b.key)
	if err != nil {
		return "", fmt.Errorf("encrypt secret: %w", err)
	}
	return string(tok), nil
}

func (b *Box) Decrypt(ciphertext string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{b.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt secret: invalid token")
	}
	return string(msg), nil
}

// Mask shortens a credential for log output.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

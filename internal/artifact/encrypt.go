// File: internal/artifact/encrypt.go
package artifact

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/medtrack/integrity-core/pkg/utils"
)

const (
	envelopeMagic = "MTBK1"
	ivSize        = 12
	keySize       = 32
	hkdfInfo      = "medtrack-backup-v1"
)

// Cipher encrypts artifacts with a key derived from a configured secret and a
// fresh per-artifact IV. Layout: magic | iv | ciphertext+tag.
type Cipher struct {
	secret []byte
	random io.Reader
}

// NewCipher fails closed when no secret is configured
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Backup encryption secret is not configured", "")
	}
	return &Cipher{secret: []byte(secret), random: rand.Reader}, nil
}

func (c *Cipher) aead(iv []byte) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.secret, iv, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext into an envelope
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to generate IV", err.Error())
	}

	gcm, err := c.aead(iv)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to derive backup key", err.Error())
	}

	out := make([]byte, 0, len(envelopeMagic)+ivSize+len(plaintext)+gcm.Overhead())
	out = append(out, envelopeMagic...)
	out = append(out, iv...)
	return gcm.Seal(out, iv, plaintext, []byte(envelopeMagic)), nil
}

// Decrypt opens an envelope produced by Encrypt. A wrong secret or any altered
// byte is reported as an integrity error.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if !IsEncrypted(data) || len(data) < len(envelopeMagic)+ivSize {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Not an encrypted backup artifact", "")
	}

	iv := data[len(envelopeMagic) : len(envelopeMagic)+ivSize]
	gcm, err := c.aead(iv)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to derive backup key", err.Error())
	}

	plaintext, err := gcm.Open(nil, iv, data[len(envelopeMagic)+ivSize:], []byte(envelopeMagic))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Failed to decrypt backup artifact", err.Error())
	}
	return plaintext, nil
}

// IsEncrypted reports whether data starts with the envelope header
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(envelopeMagic))
}

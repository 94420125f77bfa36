package adapter

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/gatherly/chat-delivery/internal/gateway"
)

// AESCipher implements gateway.Cipher with AES-256-GCM under a fixed key.
// Ciphertext is base64(nonce || sealed). Both directions are total: any
// internal failure returns the input unchanged, trading confidentiality for
// availability rather than the reverse.
type AESCipher struct {
	aead   cipher.AEAD
	logger *slog.Logger
}

// NewAESCipher creates an AESCipher from a hex-encoded 32-byte key.
func NewAESCipher(hexKey string, logger *slog.Logger) (*AESCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode cipher key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cipher key is %d bytes, want 32", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &AESCipher{aead: aead, logger: logger}, nil
}

// Encrypt seals plaintext. On failure the plaintext is returned unchanged.
func (c *AESCipher) Encrypt(plaintext string) string {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		c.logger.Error("cipher nonce generation failed, storing plaintext",
			slog.String("error", err.Error()),
		)
		return plaintext
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt opens ciphertext produced by Encrypt. Inputs that do not decode or
// do not authenticate are returned unchanged - they are either plaintext
// stored during a cipher outage or corruption, and the caller cannot do
// better than pass them through.
func (c *AESCipher) Decrypt(ciphertext string) string {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return ciphertext
	}
	if len(raw) < c.aead.NonceSize() {
		return ciphertext
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ciphertext
	}
	return string(plaintext)
}

// NoopCipher passes data through unchanged. Used in local development when
// no cipher key is configured.
type NoopCipher struct{}

// Encrypt returns plaintext unchanged.
func (NoopCipher) Encrypt(plaintext string) string { return plaintext }

// Decrypt returns ciphertext unchanged.
func (NoopCipher) Decrypt(ciphertext string) string { return ciphertext }

// Ensure both implement the port at compile time.
var (
	_ gateway.Cipher = (*AESCipher)(nil)
	_ gateway.Cipher = NoopCipher{}
)

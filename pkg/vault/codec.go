// Package vault resolves (project, service) pairs to decrypted secret
// material scoped to a single request.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

const (
	ivSize = 12
	// KeyVersion tags ciphertext rows so a future key rotation can tell
	// generations apart.
	KeyVersion = "v1"
)

// Codec encrypts and decrypts secret values with the process-wide
// master key. The at-rest form is base64(iv_12 || ciphertext || tag_16).
type Codec struct {
	aead cipher.AEAD
}

// NewCodec parses the 32-byte hex master key loaded once at startup.
func NewCodec(masterKeyHex string) (*Codec, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fault.Wrap(fault.ConfigurationError, "master key is not valid hex", err)
	}
	if len(key) != 32 {
		return nil, fault.Errorf(fault.ConfigurationError, "master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fault.Wrap(fault.ConfigurationError, "master key rejected", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fault.Wrap(fault.ConfigurationError, "gcm init failed", err)
	}
	return &Codec{aead: aead}, nil
}

func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fault.Wrap(fault.Internal, "iv generation failed", err)
	}
	sealed := c.aead.Seal(iv, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) Decrypt(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "secret corrupted", err)
	}
	if len(raw) < ivSize+c.aead.Overhead() {
		return nil, fault.New(fault.Internal, "secret corrupted")
	}
	plaintext, err := c.aead.Open(nil, raw[:ivSize], raw[ivSize:], nil)
	if err != nil {
		// Tag mismatch. Either the row was tampered with or the master
		// key changed without a version bump.
		return nil, fault.Wrap(fault.Internal, "secret corrupted", err)
	}
	return plaintext, nil
}

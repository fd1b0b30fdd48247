package vault

import (
	"github.com/awnumar/memguard"
)

// SecretMaterial holds decrypted bytes for the lifetime of one request
// handler. The backing pages are locked and wiped on Destroy; callers
// must not copy the bytes into longer-lived containers.
type SecretMaterial struct {
	buf *memguard.LockedBuffer
}

func newSecretMaterial(plaintext []byte) *SecretMaterial {
	// NewBufferFromBytes wipes the source slice after copying.
	return &SecretMaterial{buf: memguard.NewBufferFromBytes(plaintext)}
}

// NewStaticMaterial wraps bytes obtained outside the vault, for dev
// mode. The source slice is wiped after copying.
func NewStaticMaterial(plaintext []byte) *SecretMaterial {
	return newSecretMaterial(plaintext)
}

func (m *SecretMaterial) Bytes() []byte {
	if m == nil || m.buf == nil {
		return nil
	}
	return m.buf.Bytes()
}

func (m *SecretMaterial) String() string {
	// Deliberately opaque so a stray log write cannot leak the value.
	return "SecretMaterial(****)"
}

// Destroy wipes and unlocks the material. Safe to call more than once.
func (m *SecretMaterial) Destroy() {
	if m == nil || m.buf == nil {
		return
	}
	m.buf.Destroy()
}

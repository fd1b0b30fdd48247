package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSubject produces the salted identifier stored in place of a raw
// user id. The salt keeps offline dictionaries from reversing small
// subject spaces.
func HashSubject(subject string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(subject))
	return hex.EncodeToString(h.Sum(nil))
}

package vault

import (
	"context"
)

// CiphertextSource is what the Reader needs from the store.
type CiphertextSource interface {
	GetCiphertext(ctx context.Context, projectID, serviceName string) (string, error)
}

// Reader resolves a (project, service) pair to request-scoped secret
// material. The caller owns the returned material and must Destroy it
// on every exit path.
type Reader struct {
	Source CiphertextSource
	Codec  *Codec
}

func (r *Reader) Lookup(ctx context.Context, projectID, serviceName string) (*SecretMaterial, error) {
	blob, err := r.Source.GetCiphertext(ctx, projectID, serviceName)
	if err != nil {
		return nil, err
	}
	plaintext, err := r.Codec.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	return newSecretMaterial(plaintext), nil
}

package palisade

import (
	"context"
	"fmt"
)

// SharedSecretKeys verifies every issuer against a single HMAC secret. Good
// enough for single-tenant deployments where the auth service and palisade
// share a signing key; multi-tenant setups implement hub.KeyDirectory with
// per-issuer resolution instead.
type SharedSecretKeys struct {
	Secret []byte
}

func (k *SharedSecretKeys) VerificationKey(ctx context.Context, issuer string) (interface{}, error) {
	if len(k.Secret) == 0 {
		return nil, fmt.Errorf("no signing secret configured")
	}
	return k.Secret, nil
}

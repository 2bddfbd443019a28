// Package secrets stores tool credentials encrypted at rest. Tool auth
// configs and default headers reference them as ${{secrets.KEY}}.
package secrets

import (
	"context"
	"regexp"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Vault resolves secret references at invocation time. Plaintext never
// leaves process memory.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore persists ciphertext. Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,127}$`)

// ValidateKey rejects keys that cannot appear in a ${{secrets.KEY}} reference.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return schema.NewErrorf(schema.ErrCodeVault,
			"invalid secret key %q: must start with a letter and contain only letters, digits and underscores", key)
	}
	return nil
}

package secrets

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// mapStore is an in-memory SecretStore for vault tests.
type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func testVault(t *testing.T) (*AESVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_StoreAndResolve(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "VIS_TOKEN", []byte("sk-secret-123")))
	assert.NotContains(t, string(s.data["VIS_TOKEN"]), "sk-secret-123")

	val, err := v.Resolve(ctx, "VIS_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-secret-123"), val)
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	v, err := NewAESVault(newMapStore(), VaultConfig{
		Passphrase: "observatory-passphrase",
		Salt:       []byte("test-salt-16byte"),
		Iterations: 1000, // low for test speed
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	val, err := v.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestAESVault_WrongKeyCannotDecrypt(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, err := NewAESVault(s, VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "secret", []byte("hidden")))

	v2, err := NewAESVault(s, VaultConfig{MasterKey: key2})
	require.NoError(t, err)
	_, err = v2.Resolve(ctx, "secret")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_CiphertextBoundToKey(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "A", []byte("for-a")))
	s.data["B"] = s.data["A"]

	_, err := v.Resolve(ctx, "B")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_DeleteAndList(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a_key", []byte("1")))
	require.NoError(t, v.Store(ctx, "b_key", []byte("2")))
	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a_key", "b_key"}, keys)

	require.NoError(t, v.Delete(ctx, "a_key"))
	_, err = v.Resolve(ctx, "a_key")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAESVault_Overwrite(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "key", []byte("v1")))
	require.NoError(t, v.Store(ctx, "key", []byte("v2")))

	val, err := v.Resolve(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("same-value")))
	first := append([]byte(nil), s.data["k"]...)
	require.NoError(t, v.Store(ctx, "k", []byte("same-value")))

	assert.False(t, bytes.Equal(first, s.data["k"]))
}

func TestAESVault_RejectsBadKeys(t *testing.T) {
	v, _ := testVault(t)
	for _, key := range []string{"", "1ABC", "with-dash", "secrets.X", "has space"} {
		err := v.Store(context.Background(), key, []byte("x"))
		assert.True(t, schema.IsCode(err, schema.ErrCodeVault), key)
	}
}

func TestAESVault_ConfigErrors(t *testing.T) {
	_, err := NewAESVault(newMapStore(), VaultConfig{MasterKey: []byte("too-short")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = NewAESVault(newMapStore(), VaultConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = NewAESVault(newMapStore(), VaultConfig{Passphrase: "pass"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_Verify(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	v1, err := NewAESVault(s, VaultConfig{Passphrase: "first", Salt: []byte("0123456789abcdef"), Iterations: 1000})
	require.NoError(t, err)
	require.NoError(t, v1.Verify(ctx))
	require.NoError(t, v1.Verify(ctx))
	require.NoError(t, v1.Store(ctx, "CSST_TOKEN", []byte("t")))

	keys, err := v1.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"CSST_TOKEN"}, keys)

	v2, err := NewAESVault(s, VaultConfig{Passphrase: "second", Salt: []byte("0123456789abcdef"), Iterations: 1000})
	require.NoError(t, err)
	err = v2.Verify(ctx)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
	assert.Contains(t, err.Error(), "does not match")
}

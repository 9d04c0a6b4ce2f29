package secrets

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// mapStore is a simple in-memory SecretStore for vault tests.
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

func TestAESVault_ChannelCredentialRoundTrip(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()
	key := ChannelKey("sms", CredentialHMAC)
	assert.Equal(t, "inbound/sms/hmac", key)

	require.NoError(t, v.Store(ctx, key, []byte("whsec-123")))
	assert.NotContains(t, string(s.data[key]), "whsec-123", "encrypted at rest")

	val, err := v.Resolve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("whsec-123"), val)

	// Rotation overwrites; nonces differ for equal plaintext.
	before := append([]byte(nil), s.data[key]...)
	require.NoError(t, v.Store(ctx, key, []byte("whsec-123")))
	assert.False(t, bytes.Equal(before, s.data[key]))
}

func TestAESVault_WrongKeyCannotDecrypt(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, err := NewAESVault(s, VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "inbound/email/bearer", []byte("hidden")))

	v2, err := NewAESVault(s, VaultConfig{MasterKey: key2})
	require.NoError(t, err)
	_, err = v2.Resolve(ctx, "inbound/email/bearer")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_ValueBoundToKey(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, ChannelKey("sms", CredentialBearer), []byte("tok")))

	s.data[ChannelKey("portal", CredentialBearer)] = s.data[ChannelKey("sms", CredentialBearer)]
	_, err := v.Resolve(ctx, ChannelKey("portal", CredentialBearer))
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	v, err := NewAESVault(newMapStore(), VaultConfig{
		Passphrase: "property-ops",
		Salt:       []byte("test-salt-16byte"),
		Iterations: 1000,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	val, err := v.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestAESVault_ConfigErrors(t *testing.T) {
	_, err := NewAESVault(newMapStore(), VaultConfig{MasterKey: []byte("too-short")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
	_, err = NewAESVault(newMapStore(), VaultConfig{})
	assert.Error(t, err)
	_, err = NewAESVault(newMapStore(), VaultConfig{Passphrase: "pass"})
	assert.Error(t, err)
}

func TestAESVault_DeleteAndList(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, ChannelKey("sms", CredentialBearer), []byte("a")))
	require.NoError(t, v.Store(ctx, ChannelKey("sms", CredentialHMAC), []byte("b")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, v.Delete(ctx, ChannelKey("sms", CredentialBearer)))
	_, err = v.Resolve(ctx, ChannelKey("sms", CredentialBearer))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestInboundVerifier_Bearer(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, ChannelKey("sms", CredentialBearer), []byte("tok-1")))
	iv := NewInboundVerifier(v, 0)

	assert.NoError(t, iv.VerifyBearer(ctx, "sms", "tok-1"))
	assert.True(t, schema.IsCode(iv.VerifyBearer(ctx, "sms", "tok-2"), schema.ErrCodeUnauthenticated))
	assert.True(t, schema.IsCode(iv.VerifyBearer(ctx, "sms", ""), schema.ErrCodeUnauthenticated))
	assert.True(t, schema.IsCode(iv.VerifyBearer(ctx, "email", "tok-1"), schema.ErrCodeUnauthenticated),
		"unconfigured channel")
}

func TestInboundVerifier_Signature(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	secret := []byte("whsec-abc")
	require.NoError(t, v.Store(ctx, ChannelKey("sms", CredentialHMAC), secret))

	now := time.Unix(1_760_000_000, 0)
	iv := NewInboundVerifier(v, 5*time.Minute)
	iv.SetClock(func() time.Time { return now })

	body := []byte(`{"text":"sink leaking"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(secret, ts, body)

	assert.NoError(t, iv.VerifySignature(ctx, "sms", ts, sig, body))
	assert.NoError(t, iv.VerifySignature(ctx, "sms", ts, "sha256="+sig, body))

	cases := map[string]struct {
		ts, sig string
		body    []byte
	}{
		"tampered body": {ts, sig, []byte(`{"text":"all good"}`)},
		"stale":         {strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10), Sign(secret, strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10), body), body},
		"future":        {strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10), Sign(secret, strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10), body), body},
		"bad timestamp": {"yesterday", sig, body},
		"not hex":       {ts, "zz", body},
		"wrong secret":  {ts, Sign([]byte("other"), ts, body), body},
		"missing":       {"", "", body},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := iv.VerifySignature(ctx, "sms", tc.ts, tc.sig, tc.body)
			assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated), "got %v", err)
		})
	}
}

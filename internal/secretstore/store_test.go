package secretstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSecretIDIsDeterministic(t *testing.T) {
	id, err := SecretID("11.222.333/0001-81")
	require.NoError(t, err)
	assert.Equal(t, "esocial-cert-11-222-333-0001-81", id)

	again, err := SecretID(" 11.222.333/0001-81 ")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = SecretID("  ")
	assert.ErrorIs(t, err, ErrInvalidCompany)
}

func TestEncodeDecodeBundle(t *testing.T) {
	cred := Credential{PKCS12: []byte{0x30, 0x82, 0x01}, Password: "changeit"}
	data, err := Encode(cred)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, cred, decoded)

	_, err = Decode([]byte(`{"pkcs12":"","password":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidSecret)
	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = Encode(Credential{Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestCredentialNeverPrintsPassword(t *testing.T) {
	cred := Credential{PKCS12: []byte("bundle"), Password: "super-secret-pass"}

	assert.NotContains(t, cred.String(), "super-secret-pass")
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", cred, cred, cred), "super-secret-pass")

	core, logs := observer.New(zapcore.DebugLevel)
	zap.New(core).Info("loaded", zap.Object("credential", cred))
	entry := logs.All()[0]
	assert.NotContains(t, fmt.Sprint(entry.ContextMap()), "super-secret-pass")
	assert.Equal(t, map[string]any{"pkcs12_bytes": 6, "has_password": true}, entry.ContextMap()["credential"])
}

func TestMemoryStoreReadsLatestVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Fetch(ctx, "11222333000181")
	require.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, store.Upsert(ctx, "11222333000181", Credential{PKCS12: []byte("v1"), Password: "a"}))
	require.NoError(t, store.Upsert(ctx, "11222333000181", Credential{PKCS12: []byte("v2"), Password: "b"}))

	cred, err := store.Fetch(ctx, "11222333000181")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), cred.PKCS12)
	assert.Equal(t, 2, store.Versions("11222333000181"))
}

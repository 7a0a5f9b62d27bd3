package main

import (
	"encoding/json"
	"testing"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/cryptoenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, fill byte) cryptoenv.Key {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = fill
	}
	key, err := cryptoenv.NewKey(raw)
	require.NoError(t, err)
	return key
}

func TestDecryptFileContentsEncryptedEnvelope(t *testing.T) {
	key := testKey(t, 0x01)
	secret := map[string]string{"xprv": "xprv-backup"}
	env, err := cryptoenv.Encrypt(secret, key)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	raw, err := decryptFileContents(data, &key)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "xprv-backup")

	// a missing or wrong key must fail, never fall back
	_, err = decryptFileContents(data, nil)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindMaybeEncryptedWrongState))

	wrong := testKey(t, 0x02)
	_, err = decryptFileContents(data, &wrong)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindDecryptionFailure))
}

func TestDecryptFileContentsPlainEnvelope(t *testing.T) {
	env, err := cryptoenv.Plain(map[string]string{"desc_pub_key": "[aa/48'/0'/0'/2']xpub/0/*"})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	raw, err := decryptFileContents(data, nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "desc_pub_key")

	key := testKey(t, 0x03)
	_, err = decryptFileContents(data, &key)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindMaybeEncryptedWrongState))
}

func TestDecryptFileContentsBareBlob(t *testing.T) {
	key := testKey(t, 0x04)
	env, err := cryptoenv.Encrypt(map[string]string{"xprv": "detached-backup"}, key)
	require.NoError(t, err)

	// the blob alone, outside any envelope, with a trailing newline as a
	// copy-paste artifact
	data := []byte(env.Blob + "\n")
	raw, err := decryptFileContents(data, &key)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "detached-backup")

	_, err = decryptFileContents(data, nil)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

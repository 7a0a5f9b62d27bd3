package cryptoenv

import (
	"testing"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Xprv string `json:"xprv"`
	N    int    `json:"n"`
}

func TestNewKeyLength(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr bool
	}{
		{"exact 32 bytes", make([]byte, 32), false},
		{"too short", make([]byte, 16), true},
		{"too long", make([]byte, 33), true},
		{"empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKey(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := NewKey(make([]byte, 32))
	require.NoError(t, err)

	v := sample{Xprv: "xprv-secret", N: 7}
	env, err := Encrypt(v, key)
	require.NoError(t, err)
	assert.Equal(t, "encrypted", env.State)
	assert.NotEmpty(t, env.Blob)

	var got sample
	require.NoError(t, Decrypt(env, &key, &got))
	assert.Equal(t, v, got)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	k1Raw := make([]byte, 32)
	k1Raw[0] = 1
	k1, err := NewKey(k1Raw)
	require.NoError(t, err)

	k2Raw := make([]byte, 32)
	k2Raw[0] = 2
	k2, err := NewKey(k2Raw)
	require.NoError(t, err)

	env, err := Encrypt(sample{Xprv: "x", N: 1}, k1)
	require.NoError(t, err)

	var got sample
	err = Decrypt(env, &k2, &got)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindDecryptionFailure))
}

func TestPlainRoundTrip(t *testing.T) {
	v := sample{Xprv: "plain", N: 3}
	env, err := Plain(v)
	require.NoError(t, err)
	assert.Equal(t, "plain", env.State)

	var got sample
	require.NoError(t, Decrypt(env, nil, &got))
	assert.Equal(t, v, got)
}

func TestMaybeEncryptedWrongState(t *testing.T) {
	key, err := NewKey(make([]byte, 32))
	require.NoError(t, err)

	plainEnv, err := Plain(sample{Xprv: "p", N: 1})
	require.NoError(t, err)
	var out sample
	err = Decrypt(plainEnv, &key, &out)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindMaybeEncryptedWrongState))

	encEnv, err := Encrypt(sample{Xprv: "e", N: 1}, key)
	require.NoError(t, err)
	err = Decrypt(encEnv, nil, &out)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindMaybeEncryptedWrongState))
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	key, err := NewKey(make([]byte, 32))
	require.NoError(t, err)
	env := MaybeEncrypted{State: "encrypted", Blob: "AAAA"}
	var out sample
	err = Decrypt(env, &key, &out)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindDecryptionFailure))
}

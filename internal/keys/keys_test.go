package keys

import (
	"strings"
	"testing"

	"github.com/dan/airsig/internal/entropy"
	"github.com/dan/airsig/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDescriptorPublicKeyShapePerNetwork(t *testing.T) {
	tests := []struct {
		network  store.Network
		wantPath string
	}{
		{store.Bitcoin, "48'/0'/0'/2'"},
		{store.Testnet, "48'/1'/0'/2'"},
		{store.Regtest, "48'/2'/0'/2'"},
	}
	for _, tt := range tests {
		ms, err := entropy.RandomMasterSecret(tt.network, "k")
		require.NoError(t, err)

		dpk, _, err := DeriveDescriptorPublicKey(tt.network, ms, "k")
		require.NoError(t, err)
		assert.Contains(t, dpk.DescPubKey, tt.wantPath)
		assert.True(t, strings.HasSuffix(dpk.DescPubKey, "/0/*"))
		assert.True(t, strings.HasPrefix(dpk.DescPubKey, "["))
	}
}

func TestFingerprintMatchesDescriptorOrigin(t *testing.T) {
	ms, err := entropy.RandomMasterSecret(store.Bitcoin, "k")
	require.NoError(t, err)

	master, err := MasterFromSecret(ms)
	require.NoError(t, err)
	fp, err := Fingerprint(master)
	require.NoError(t, err)

	dpk, _, err := DeriveDescriptorPublicKey(store.Bitcoin, ms, "k")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dpk.DescPubKey, "["+fp+"/"))
}

func TestDeriveDescriptorPublicKeyDeterministic(t *testing.T) {
	ms, err := entropy.RandomMasterSecret(store.Bitcoin, "k")
	require.NoError(t, err)

	dpk1, signPub1, err := DeriveDescriptorPublicKey(store.Bitcoin, ms, "k")
	require.NoError(t, err)
	dpk2, signPub2, err := DeriveDescriptorPublicKey(store.Bitcoin, ms, "k")
	require.NoError(t, err)

	assert.Equal(t, dpk1.DescPubKey, dpk2.DescPubKey)
	assert.Equal(t, signPub1.SerializeCompressed(), signPub2.SerializeCompressed())
}

func TestWalletSignDerivationIsNonHardened(t *testing.T) {
	assert.Less(t, uint32(WalletSignDerivation), uint32(1)<<31)
}

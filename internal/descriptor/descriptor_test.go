package descriptor

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/entropy"
	"github.com/dan/airsig/internal/keys"
	"github.com/dan/airsig/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descKey(t *testing.T, network store.Network, name string) string {
	t.Helper()
	ms, err := entropy.RandomMasterSecret(network, name)
	require.NoError(t, err)
	dpk, _, err := keys.DeriveDescriptorPublicKey(network, ms, name)
	require.NoError(t, err)
	return dpk.DescPubKey
}

func TestBuildAndParseRoundTrip(t *testing.T) {
	k1 := descKey(t, store.Bitcoin, "a")
	k2 := descKey(t, store.Bitcoin, "b")
	built := Build(2, []string{k1, k2})

	parsed, err := Parse(built)
	require.NoError(t, err)
	assert.Equal(t, 2, parsed.Required)
	assert.Equal(t, []string{k1, k2}, parsed.Keys)
}

func TestParseStripsChecksum(t *testing.T) {
	k1 := descKey(t, store.Bitcoin, "a")
	k2 := descKey(t, store.Bitcoin, "b")
	built := Build(2, []string{k1, k2}) + "#abcd1234"

	parsed, err := Parse(built)
	require.NoError(t, err)
	assert.Equal(t, 2, parsed.Required)
}

func TestParseRequiredOutOfRange(t *testing.T) {
	k1 := descKey(t, store.Bitcoin, "a")
	_, err := Parse(Build(5, []string{k1}))
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

func TestExtractFingerprints(t *testing.T) {
	k1 := descKey(t, store.Bitcoin, "a")
	k2 := descKey(t, store.Bitcoin, "b")
	built := Build(2, []string{k1, k2})

	fps, err := ExtractFingerprints(built)
	require.NoError(t, err)
	require.Len(t, fps, 2)
	for _, fp := range fps {
		assert.Len(t, fp, 8) // 4 bytes hex-encoded
	}
}

func TestDeriveAddressTwoOfTwo(t *testing.T) {
	k1 := descKey(t, store.Regtest, "a")
	k2 := descKey(t, store.Regtest, "b")
	built := Build(2, []string{k1, k2})

	addr0, err := DeriveAddress(&chaincfg.RegressionNetParams, built, 0, 0)
	require.NoError(t, err)
	addr1, err := DeriveAddress(&chaincfg.RegressionNetParams, built, 0, 1)
	require.NoError(t, err)

	assert.NotEqual(t, addr0.Address.EncodeAddress(), addr1.Address.EncodeAddress())
	assert.Equal(t, "m/0/0", addr0.Path)
	assert.Equal(t, "m/0/1", addr1.Path)

	// deriving the same branch/index twice must be deterministic.
	addr0Again, err := DeriveAddress(&chaincfg.RegressionNetParams, built, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, addr0.Address.EncodeAddress(), addr0Again.Address.EncodeAddress())
}

func TestDeriveAddressRejectsHardenedIndex(t *testing.T) {
	k1 := descKey(t, store.Regtest, "a")
	k2 := descKey(t, store.Regtest, "b")
	built := Build(2, []string{k1, k2})

	_, err := DeriveAddress(&chaincfg.RegressionNetParams, built, 0, 1<<31)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

package entropy

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreFromHexSeed(t *testing.T) {
	seed := "000102030405060708090a0b0c0d0e0f"
	ms, err := Restore(store.Bitcoin, NatureHexSeed, "restored", seed)
	require.NoError(t, err)
	assert.NotEmpty(t, ms.Xprv)
	assert.Equal(t, "restored", ms.ID.Name)
}

func TestRestoreFromXprvRoundTrip(t *testing.T) {
	original, err := RandomMasterSecret(store.Bitcoin, "seed-origin")
	require.NoError(t, err)

	restored, err := Restore(store.Bitcoin, NatureXprv, "from-xprv", original.Xprv)
	require.NoError(t, err)
	assert.Equal(t, original.Xprv, restored.Xprv)
}

func TestRestoreFromXprvWrongNetwork(t *testing.T) {
	original, err := RandomMasterSecret(store.Bitcoin, "mainnet-secret")
	require.NoError(t, err)

	_, err = Restore(store.Testnet, NatureXprv, "x", original.Xprv)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindIncompatibleNetworks))
}

func TestRestoreFromXprvRejectsXpub(t *testing.T) {
	_, err := Restore(store.Bitcoin, NatureXprv, "x",
		"xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8")
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

func TestRestoreFromBech32SeedHRPMismatch(t *testing.T) {
	seed := make([]byte, 32)
	data, err := bech32.ConvertBits(seed, 8, 5, true)
	require.NoError(t, err)
	encoded, err := bech32.Encode("ts", data) // testnet HRP, but we restore as bitcoin
	require.NoError(t, err)

	_, err = Restore(store.Bitcoin, NatureBech32Seed, "x", encoded)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindIncompatibleNetworks))
}

func TestRestoreFromBech32SeedMatchingHRP(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 0xab
	data, err := bech32.ConvertBits(seed, 8, 5, true)
	require.NoError(t, err)
	encoded, err := bech32.Encode("bs", data)
	require.NoError(t, err)

	ms, err := Restore(store.Bitcoin, NatureBech32Seed, "x", encoded)
	require.NoError(t, err)
	assert.NotEmpty(t, ms.Xprv)
}

func TestParseNature(t *testing.T) {
	for s, want := range map[string]Nature{"xprv": NatureXprv, "hex-seed": NatureHexSeed, "bech32-seed": NatureBech32Seed} {
		got, err := ParseNature(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseNature("unknown")
	require.Error(t, err)
}

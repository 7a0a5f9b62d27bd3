package walletsign

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/descriptor"
	"github.com/dan/airsig/internal/entropy"
	"github.com/dan/airsig/internal/keys"
	"github.com/dan/airsig/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoOfTwoWallet(t *testing.T, network store.Network) (store.MasterSecret, store.MasterSecret, string) {
	t.Helper()
	ms1, err := entropy.RandomMasterSecret(network, "signer-1")
	require.NoError(t, err)
	ms2, err := entropy.RandomMasterSecret(network, "signer-2")
	require.NoError(t, err)

	dpk1, _, err := keys.DeriveDescriptorPublicKey(network, ms1, "signer-1")
	require.NoError(t, err)
	dpk2, _, err := keys.DeriveDescriptorPublicKey(network, ms2, "signer-2")
	require.NoError(t, err)

	desc := descriptor.Build(2, []string{dpk1.DescPubKey, dpk2.DescPubKey})
	return ms1, ms2, desc
}

func TestSignAndVerifyDescriptorRoundTrip(t *testing.T) {
	ms1, ms2, desc := twoOfTwoWallet(t, store.Regtest)

	sig, err := SignDescriptor(store.Regtest, ms1, desc)
	require.NoError(t, err)

	idx, err := VerifyDescriptor(&chaincfg.RegressionNetParams, desc, sig)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	sig2, err := SignDescriptor(store.Regtest, ms2, desc)
	require.NoError(t, err)
	idx2, err := VerifyDescriptor(&chaincfg.RegressionNetParams, desc, sig2)
	require.NoError(t, err)
	assert.Equal(t, 1, idx2)
}

func TestVerifyDescriptorRejectsForeignSignature(t *testing.T) {
	_, _, desc := twoOfTwoWallet(t, store.Regtest)

	outsider, err := entropy.RandomMasterSecret(store.Regtest, "outsider")
	require.NoError(t, err)
	sig, err := SignDescriptor(store.Regtest, outsider, desc)
	require.NoError(t, err)

	_, err = VerifyDescriptor(&chaincfg.RegressionNetParams, desc, sig)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindWalletSignatureNotVerified))
}

func TestVerifyDescriptorTamperedSignatureFromDifferentWallet(t *testing.T) {
	ms1, _, descA := twoOfTwoWallet(t, store.Regtest)
	_, _, descB := twoOfTwoWallet(t, store.Regtest)

	sigForA, err := SignDescriptor(store.Regtest, ms1, descA)
	require.NoError(t, err)

	// Swap in a signature that was produced over a different wallet's
	// descriptor: it recovers to a real pubkey, just not one in descB.
	_, err = VerifyDescriptor(&chaincfg.RegressionNetParams, descB, sigForA)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindWalletSignatureNotVerified))
}

func TestFindSigningSecret(t *testing.T) {
	ms1, ms2, desc := twoOfTwoWallet(t, store.Regtest)

	found, err := FindSigningSecret(store.Regtest, desc, []store.MasterSecret{ms1, ms2})
	require.NoError(t, err)
	assert.Equal(t, ms1.ID.Name, found.ID.Name)

	outsider, err := entropy.RandomMasterSecret(store.Regtest, "outsider")
	require.NoError(t, err)
	_, err = FindSigningSecret(store.Regtest, desc, []store.MasterSecret{outsider})
	require.Error(t, err)
}

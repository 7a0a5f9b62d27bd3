package psbtsign

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dan/airsig/internal/descriptor"
	"github.com/dan/airsig/internal/entropy"
	"github.com/dan/airsig/internal/keys"
	"github.com/dan/airsig/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoOfTwoFixture builds a 2-of-2 wsh(multi(...)) wallet for two fresh
// master secrets and an unsigned PSBT spending its external/0 address,
// mirroring the shape a real online coordinator hands to the offline signer.
type twoOfTwoFixture struct {
	ms1, ms2 store.MasterSecret
	desc     string
	addr     descriptor.Address
}

func buildTwoOfTwo(t *testing.T) twoOfTwoFixture {
	t.Helper()
	ms1, err := entropy.RandomMasterSecret(store.Regtest, "signer-1")
	require.NoError(t, err)
	ms2, err := entropy.RandomMasterSecret(store.Regtest, "signer-2")
	require.NoError(t, err)

	dpk1, _, err := keys.DeriveDescriptorPublicKey(store.Regtest, ms1, "signer-1")
	require.NoError(t, err)
	dpk2, _, err := keys.DeriveDescriptorPublicKey(store.Regtest, ms2, "signer-2")
	require.NoError(t, err)

	desc := descriptor.Build(2, []string{dpk1.DescPubKey, dpk2.DescPubKey})
	addr, err := descriptor.DeriveAddress(&chaincfg.RegressionNetParams, desc, 0, 0)
	require.NoError(t, err)

	return twoOfTwoFixture{ms1: ms1, ms2: ms2, desc: desc, addr: addr}
}

// unsignedPacket builds a single-input, single-output PSBT spending the
// fixture's funding address. Bip32Derivation entries are attached so Sign
// can find the signing key without needing the HD-path deduction path.
func (f twoOfTwoFixture) unsignedPacket(t *testing.T, withDerivations bool) *psbt.Packet {
	t.Helper()

	scriptPubKey, err := txscript.PayToAddrScript(f.addr.Address)
	require.NoError(t, err)

	destScript, err := txscript.PayToAddrScript(f.addr.Address) // pay back to itself for simplicity
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: 99_000_000, PkScript: destScript})

	p, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	p.Inputs[0].WitnessUtxo = &wire.TxOut{Value: 100_000_000, PkScript: scriptPubKey}
	p.Inputs[0].WitnessScript = f.addr.RedeemScript

	if withDerivations {
		for _, ms := range []store.MasterSecret{f.ms1, f.ms2} {
			master, err := keys.MasterFromSecret(ms)
			require.NoError(t, err)
			fpHex, err := keys.Fingerprint(master)
			require.NoError(t, err)
			fp, err := fingerprintUint32(fpHex)
			require.NoError(t, err)

			descKey, err := keys.DeriveDescriptorPrivateKey(master, store.Regtest)
			require.NoError(t, err)
			childKey, err := descKey.Derive(0)
			require.NoError(t, err)
			childKey, err = childKey.Derive(0)
			require.NoError(t, err)
			pub, err := childKey.ECPubKey()
			require.NoError(t, err)

			path := append(append([]uint32{}, descriptorPathPrefix(store.Regtest)...), 0, 0)
			p.Inputs[0].Bip32Derivation = append(p.Inputs[0].Bip32Derivation, &psbt.Bip32Derivation{
				PubKey:               pub.SerializeCompressed(),
				MasterKeyFingerprint: fp,
				Bip32Path:            path,
			})
		}
	}

	return p
}

func TestSignTwoOfTwoRoundTrip(t *testing.T) {
	f := buildTwoOfTwo(t)
	p := f.unsignedPacket(t, true)
	b64, err := Encode(p)
	require.NoError(t, err)

	afterFirst, result1, err := Sign(store.Regtest, f.ms1, b64, 5)
	require.NoError(t, err)
	assert.True(t, result1.Signed)

	afterSecond, result2, err := Sign(store.Regtest, f.ms2, afterFirst, 5)
	require.NoError(t, err)
	assert.True(t, result2.Signed)

	final, err := Decode(afterSecond)
	require.NoError(t, err)
	require.Len(t, final.Inputs[0].PartialSigs, 2)
	assert.NotEqual(t, final.Inputs[0].PartialSigs[0].PubKey, final.Inputs[0].PartialSigs[1].PubKey,
		"each co-signer contributes under its own key")
}

func TestSignIsIdempotent(t *testing.T) {
	f := buildTwoOfTwo(t)
	b64, err := Encode(f.unsignedPacket(t, true))
	require.NoError(t, err)

	once, _, err := Sign(store.Regtest, f.ms1, b64, 5)
	require.NoError(t, err)
	twice, _, err := Sign(store.Regtest, f.ms1, once, 5)
	require.NoError(t, err)

	pOnce, err := Decode(once)
	require.NoError(t, err)
	pTwice, err := Decode(twice)
	require.NoError(t, err)
	assert.Equal(t, len(pOnce.Inputs[0].PartialSigs), len(pTwice.Inputs[0].PartialSigs))
}

func TestMergeIsCommutative(t *testing.T) {
	f := buildTwoOfTwo(t)
	b64, err := Encode(f.unsignedPacket(t, true))
	require.NoError(t, err)

	signedBy1, _, err := Sign(store.Regtest, f.ms1, b64, 5)
	require.NoError(t, err)
	signedBy2, _, err := Sign(store.Regtest, f.ms2, b64, 5)
	require.NoError(t, err)

	mergedAB, err := Merge([]string{signedBy1, signedBy2})
	require.NoError(t, err)
	mergedBA, err := Merge([]string{signedBy2, signedBy1})
	require.NoError(t, err)

	pAB, err := Decode(mergedAB)
	require.NoError(t, err)
	pBA, err := Decode(mergedBA)
	require.NoError(t, err)
	assert.ElementsMatch(t, pubkeysOf(pAB.Inputs[0].PartialSigs), pubkeysOf(pBA.Inputs[0].PartialSigs))
	assert.Len(t, pAB.Inputs[0].PartialSigs, 2)
}

func pubkeysOf(sigs []*psbt.PartialSig) [][]byte {
	out := make([][]byte, len(sigs))
	for i, s := range sigs {
		out[i] = s.PubKey
	}
	return out
}

func TestSignNoMatchingKeyIsNotSigned(t *testing.T) {
	f := buildTwoOfTwo(t)
	b64, err := Encode(f.unsignedPacket(t, true))
	require.NoError(t, err)

	outsider, err := entropy.RandomMasterSecret(store.Regtest, "outsider")
	require.NoError(t, err)

	out, result, err := Sign(store.Regtest, outsider, b64, 5)
	require.NoError(t, err)
	assert.False(t, result.Signed)

	p, err := Decode(out)
	require.NoError(t, err)
	assert.Empty(t, p.Inputs[0].PartialSigs)
}

func TestSignDeducesMissingDerivationPaths(t *testing.T) {
	f := buildTwoOfTwo(t)
	p := f.unsignedPacket(t, false) // no Bip32Derivation entries at all
	b64, err := Encode(p)
	require.NoError(t, err)

	signed, result, err := Sign(store.Regtest, f.ms1, b64, 5)
	require.NoError(t, err)
	assert.True(t, result.Signed)
	assert.True(t, result.AddedPaths)

	decoded, err := Decode(signed)
	require.NoError(t, err)
	require.Len(t, decoded.Inputs[0].PartialSigs, 1)
}

func TestNameRoundTrip(t *testing.T) {
	f := buildTwoOfTwo(t)
	p := f.unsignedPacket(t, true)
	SetName(p, "my-psbt")

	name, ok := Name(p)
	require.True(t, ok)
	assert.Equal(t, "my-psbt", name)

	b64, err := Encode(p)
	require.NoError(t, err)
	roundTripped, err := Decode(b64)
	require.NoError(t, err)
	name2, ok := Name(roundTripped)
	require.True(t, ok)
	assert.Equal(t, "my-psbt", name2)
}

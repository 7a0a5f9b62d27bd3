// Package keys derives the descriptor keypair and wallet-signing keypair
// from a MasterSecret, following the fixed path m/48'/coin'/0'/2' (the
// descriptor key) and, beneath it, m/0/(2^31-1) (the wallet-signing key).
package keys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/store"
)

// WalletSignDerivation is the non-hardened child index used to derive the
// wallet-signing key beneath the descriptor key: the largest index that
// does not fall into the hardened range.
const WalletSignDerivation = hdkeychain.HardenedKeyStart - 1

// DescriptorPath is the hardened derivation path under which the descriptor
// keypair lives, fixed per network via its coin type.
func DescriptorPath(network store.Network) string {
	return fmt.Sprintf("m/48'/%d'/0'/2'", network.CoinType())
}

// DeriveDescriptorPrivateKey walks master down m/48'/coin'/0'/2'.
func DeriveDescriptorPrivateKey(master *hdkeychain.ExtendedKey, network store.Network) (*hdkeychain.ExtendedKey, error) {
	key := master
	for _, idx := range []uint32{
		hdkeychain.HardenedKeyStart + 48,
		hdkeychain.HardenedKeyStart + network.CoinType(),
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + 2,
	} {
		var err error
		key, err = key.Derive(idx)
		if err != nil {
			return nil, airsigerr.Wrap(airsigerr.KindGeneric, "deriving descriptor key", err)
		}
	}
	return key, nil
}

// DeriveWalletSignPrivateKey walks the descriptor private key down
// m/0/(2^31-1), the key used to sign and verify a wallet's descriptor.
func DeriveWalletSignPrivateKey(descKey *hdkeychain.ExtendedKey) (*hdkeychain.ExtendedKey, error) {
	branch, err := descKey.Derive(0)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindGeneric, "deriving wallet-sign branch", err)
	}
	signKey, err := branch.Derive(WalletSignDerivation)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindGeneric, "deriving wallet-sign key", err)
	}
	return signKey, nil
}

// MasterFromSecret parses a MasterSecret's xprv into an *hdkeychain.ExtendedKey.
func MasterFromSecret(ms store.MasterSecret) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(ms.Xprv)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindInvalidInput, "parsing master xprv", err)
	}
	return key, nil
}

// Fingerprint is the 4-byte origin fingerprint used in descriptor key
// expressions: hash160(compressed pubkey)[:4] of the (root) master key.
func Fingerprint(master *hdkeychain.ExtendedKey) (string, error) {
	pub, err := master.ECPubKey()
	if err != nil {
		return "", airsigerr.Wrap(airsigerr.KindGeneric, "deriving master pubkey", err)
	}
	h160 := btcutil.Hash160(pub.SerializeCompressed())
	return hex.EncodeToString(h160[:4]), nil
}

// DeriveDescriptorPublicKey builds the canonical
// "[fingerprint/48'/coin'/0'/2']xpub.../0/*" string for a MasterSecret,
// along with the wallet-signing public key beneath it.
func DeriveDescriptorPublicKey(network store.Network, ms store.MasterSecret, name string) (store.DescriptorPublicKey, *btcec.PublicKey, error) {
	master, err := MasterFromSecret(ms)
	if err != nil {
		return store.DescriptorPublicKey{}, nil, err
	}
	fp, err := Fingerprint(master)
	if err != nil {
		return store.DescriptorPublicKey{}, nil, err
	}

	descKey, err := DeriveDescriptorPrivateKey(master, network)
	if err != nil {
		return store.DescriptorPublicKey{}, nil, err
	}
	descPub, err := descKey.Neuter()
	if err != nil {
		return store.DescriptorPublicKey{}, nil, airsigerr.Wrap(airsigerr.KindGeneric, "neutering descriptor key", err)
	}

	signKey, err := DeriveWalletSignPrivateKey(descKey)
	if err != nil {
		return store.DescriptorPublicKey{}, nil, err
	}
	signPub, err := signKey.ECPubKey()
	if err != nil {
		return store.DescriptorPublicKey{}, nil, airsigerr.Wrap(airsigerr.KindGeneric, "deriving wallet-sign pubkey", err)
	}

	desc := fmt.Sprintf("[%s/%s]%s/0/*", fp, strings.TrimPrefix(DescriptorPath(network), "m/"), descPub.String())
	return store.DescriptorPublicKey{
		ID:         store.NewIdentifier(network, store.KindDescriptorPublicKey, name),
		DescPubKey: desc,
	}, signPub, nil
}

package entropy

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/store"
)

// Nature identifies the form of the secret component handed to Restore.
type Nature int

const (
	NatureXprv Nature = iota
	NatureHexSeed
	NatureBech32Seed
)

func ParseNature(s string) (Nature, error) {
	switch s {
	case "xprv":
		return NatureXprv, nil
	case "hex-seed":
		return NatureHexSeed, nil
	case "bech32-seed":
		return NatureBech32Seed, nil
	default:
		return 0, airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("(%s) valid values are: xprv, hex-seed, bech32-seed", s))
	}
}

// Restore rebuilds a MasterSecret from an existing secret component: a
// serialized xprv, a hex-encoded seed, or a bech32 seed whose HRP must match
// network.
func Restore(network store.Network, nature Nature, name, value string) (store.MasterSecret, error) {
	switch nature {
	case NatureXprv:
		return restoreFromXprv(network, name, value)
	case NatureBech32Seed:
		hrp, data, err := bech32.Decode(value)
		if err != nil {
			return store.MasterSecret{}, airsigerr.Wrap(airsigerr.KindInvalidInput, "decoding bech32 seed", err)
		}
		wantHRP := network.Bech32SeedHRP()
		if hrp != wantHRP {
			return store.MasterSecret{}, airsigerr.New(airsigerr.KindIncompatibleNetworks, fmt.Sprintf("in network %s bech32 seed must start with '%s'", network, wantHRP))
		}
		seed, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return store.MasterSecret{}, airsigerr.Wrap(airsigerr.KindInvalidInput, "converting bech32 seed bits", err)
		}
		return masterSecretFromSeed(network, seed, name)
	case NatureHexSeed:
		seed, err := hex.DecodeString(value)
		if err != nil {
			return store.MasterSecret{}, airsigerr.Wrap(airsigerr.KindInvalidInput, "decoding hex seed", err)
		}
		return masterSecretFromSeed(network, seed, name)
	default:
		return store.MasterSecret{}, airsigerr.New(airsigerr.KindInvalidInput, "unknown secret nature")
	}
}

func restoreFromXprv(network store.Network, name, xprv string) (store.MasterSecret, error) {
	key, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return store.MasterSecret{}, airsigerr.Wrap(airsigerr.KindInvalidInput, "parsing xprv", err)
	}
	if !key.IsPrivate() {
		return store.MasterSecret{}, airsigerr.New(airsigerr.KindInvalidInput, "value is an xpub, not an xprv")
	}

	params, err := network.ChainParams()
	if err != nil {
		return store.MasterSecret{}, err
	}
	if !key.IsForNet(params) {
		// Testnet and regtest xprvs share version bytes upstream; accept the
		// key if it matches any network Compatible() with the requested one.
		matched := false
		for _, alt := range []store.Network{store.Bitcoin, store.Testnet, store.Regtest} {
			if !network.Compatible(alt) {
				continue
			}
			altParams, _ := alt.ChainParams()
			if altParams != nil && key.IsForNet(altParams) {
				matched = true
				break
			}
		}
		if !matched {
			return store.MasterSecret{}, airsigerr.New(airsigerr.KindIncompatibleNetworks, fmt.Sprintf("xprv is not valid for network %s", network))
		}
	}

	return store.MasterSecret{
		ID:   store.NewIdentifier(network, store.KindMasterSecret, name),
		Xprv: xprv,
	}, nil
}

package store

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// ChainParams maps a Network to its btcsuite chaincfg.Params, adapted from
// the donor's wallet.NetworkParams (which additionally handled testnet4 and
// signet; this toolkit only ever targets bitcoin/testnet/regtest).
func (n Network) ChainParams() (*chaincfg.Params, error) {
	switch n {
	case Bitcoin:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", n)
	}
}

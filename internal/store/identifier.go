// Package store implements the persisted object model: Identifier, Kind, and
// the Store that reads/writes/imports/exports/lists objects under a datadir.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dan/airsig/internal/airsigerr"
)

// Network is one of the three networks this toolkit operates on. Signet and
// testnet4 (present in the donor's own NetworkParams) are dropped: the spec
// names exactly bitcoin/testnet/regtest.
type Network string

const (
	Bitcoin Network = "bitcoin"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case Bitcoin, Testnet, Regtest:
		return Network(s), nil
	default:
		return "", airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("network must be 'bitcoin', 'testnet', or 'regtest' (got %q)", s))
	}
}

// CoinType returns the BIP44-style coin type used in the m/48'/coin'/0'/2'
// descriptor-key derivation path.
func (n Network) CoinType() uint32 {
	switch n {
	case Bitcoin:
		return 0
	case Testnet:
		return 1
	case Regtest:
		return 2
	default:
		return 0
	}
}

// Compatible reports whether a key created for `other` may be used under
// `n`: Bitcoin only ever matches Bitcoin, but Testnet and Regtest keys are
// interchangeable (regtest xprvs share testnet's version bytes upstream).
func (n Network) Compatible(other Network) bool {
	if n == other {
		return true
	}
	testnetLike := func(x Network) bool { return x == Testnet || x == Regtest }
	return testnetLike(n) && testnetLike(other)
}

// Bech32SeedHRP is the human-readable part used for bech32-encoded seed
// restoration, per network.
func (n Network) Bech32SeedHRP() string {
	switch n {
	case Bitcoin:
		return "bs"
	case Testnet:
		return "ts"
	case Regtest:
		return "rs"
	default:
		return ""
	}
}

// Kind enumerates the six persisted entity kinds.
type Kind int

const (
	KindMasterSecret Kind = iota
	KindDescriptorPublicKey
	KindWallet
	KindWalletIndexes
	KindWalletSignature
	KindPsbt
)

func (k Kind) String() string {
	switch k {
	case KindMasterSecret:
		return "MasterSecret"
	case KindDescriptorPublicKey:
		return "DescriptorPublicKey"
	case KindWallet:
		return "Wallet"
	case KindWalletIndexes:
		return "WalletIndexes"
	case KindWalletSignature:
		return "WalletSignature"
	case KindPsbt:
		return "Psbt"
	default:
		return "Unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "MasterSecret":
		return KindMasterSecret, nil
	case "DescriptorPublicKey":
		return KindDescriptorPublicKey, nil
	case "Wallet":
		return KindWallet, nil
	case "WalletIndexes":
		return KindWalletIndexes, nil
	case "WalletSignature":
		return KindWalletSignature, nil
	case "Psbt":
		return KindPsbt, nil
	default:
		return 0, airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("(%s) valid kinds are: MasterSecret, DescriptorPublicKey, Wallet, WalletIndexes, WalletSignature, Psbt", s))
	}
}

// dir is the subdirectory under <datadir>/<network>/ that holds this kind.
func (k Kind) dir() string {
	switch k {
	case KindWallet, KindWalletIndexes, KindWalletSignature:
		return "wallets"
	case KindMasterSecret, KindDescriptorPublicKey:
		return "keys"
	case KindPsbt:
		return "psbts"
	default:
		return "unknown"
	}
}

// filename is the fixed leaf filename for this kind.
func (k Kind) filename() string {
	switch k {
	case KindMasterSecret:
		return "master_secret.json"
	case KindDescriptorPublicKey:
		return "descriptor_public_key.json"
	case KindWallet:
		return "wallet.json"
	case KindWalletIndexes:
		return "wallet_indexes.json"
	case KindWalletSignature:
		return "wallet_signature.json"
	case KindPsbt:
		return "psbt.json"
	default:
		return "unknown.json"
	}
}

// CanOverwrite reports whether Store.Write is allowed to replace an existing
// file of this kind. Only WalletIndexes and Psbt may be overwritten; every
// other kind is write-once to prevent silent key-material loss.
func (k Kind) CanOverwrite() bool {
	return k == KindWalletIndexes || k == KindPsbt
}

// Identifier is the primary key of every persisted object: content-addressed
// by (network, kind, name), so an exported object is self-describing and can
// be imported without extra context.
type Identifier struct {
	Network Network `json:"network"`
	Kind    Kind    `json:"kind"`
	Name    string  `json:"name"`
}

func NewIdentifier(network Network, kind Kind, name string) Identifier {
	return Identifier{Network: network, Kind: kind, Name: name}
}

// WithKind returns a copy of id addressing a different Kind under the same
// network/name — used to go from a MasterSecret's id to its
// DescriptorPublicKey sibling, or a Wallet's id to its WalletSignature.
func (id Identifier) WithKind(kind Kind) Identifier {
	return Identifier{Network: id.Network, Kind: kind, Name: id.Name}
}

// Path resolves id to its on-disk location under datadir, optionally creating
// the containing directory.
func (id Identifier) Path(datadir string, createIfMissing bool) (string, error) {
	dir := filepath.Join(datadir, string(id.Network), id.Kind.dir(), id.Name)
	if createIfMissing {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", airsigerr.Wrap(airsigerr.KindGeneric, "creating object directory", err)
		}
	}
	return filepath.Join(dir, id.Kind.filename()), nil
}

// Package entropy implements the three ways a MasterSecret can be created:
// dice, system RNG, and restore from an existing secret component.
package entropy

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/store"
	"github.com/tyler-smith/go-bip39"
)

// Bits is the supported entropy budget for a dice roll.
type Bits int

const (
	Bits128 Bits = 128
	Bits192 Bits = 192
	Bits256 Bits = 256
)

func ParseBits(s string) (Bits, error) {
	switch s {
	case "128":
		return Bits128, nil
	case "192":
		return Bits192, nil
	case "256":
		return Bits256, nil
	default:
		return 0, airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("%s not in (128, 192, 256)", s))
	}
}

// max2Pow returns 2^bits as a big.Int.
func (b Bits) max2Pow() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(b))
}

// validFaces are the platonic-solid dice (plus a coin) the spec accepts.
var validFaces = map[uint32]bool{2: true, 4: true, 6: true, 8: true, 12: true, 20: true}

// RequiredDiceLaunches is the largest k such that faces^k <= 2^bits.
func RequiredDiceLaunches(faces uint32, bits Bits) uint32 {
	max := bits.max2Pow()
	count := uint32(0)
	acc := big.NewInt(1)
	f := big.NewInt(int64(faces))
	for {
		count++
		acc.Mul(acc, f)
		if acc.Cmp(max) > 0 {
			return count - 1
		}
	}
}

// ValidateDiceLaunches checks the launch count against RequiredDiceLaunches
// and that every launch is in [1, faces].
func ValidateDiceLaunches(faces uint32, bits Bits, launches []uint32) error {
	if !validFaces[faces] {
		return airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("faces must be one of 2, 4, 6, 8, 12, 20 (got %d)", faces))
	}
	count := RequiredDiceLaunches(faces, bits)
	if uint32(len(launches)) != count {
		return airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("need %d dice launches to achieve %d bits of entropy (provided: %d)", count, bits, len(launches)))
	}
	for _, n := range launches {
		if n == 0 || n > faces {
			return airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("got %d but must be from 1 to %d included", n, faces))
		}
	}
	return nil
}

// AccumulateDiceLaunches folds launches (each 1-indexed, zero-based
// internally) into a single big-endian integer: acc = Σ (launches[i]-1) · faces^(k-1-i).
func AccumulateDiceLaunches(launches []uint32, faces uint32) *big.Int {
	f := big.NewInt(int64(faces))
	acc := big.NewInt(int64(launches[0] - 1))
	for _, n := range launches[1:] {
		acc.Mul(acc, f)
		acc.Add(acc, big.NewInt(int64(n-1)))
	}
	return acc
}

// MasterSecretFromDice derives a MasterSecret from a validated dice roll:
// the launch count must match RequiredDiceLaunches(faces, bits) and faces
// must be one of the supported dice.
func MasterSecretFromDice(network store.Network, faces uint32, bits Bits, launches []uint32, name string) (store.MasterSecret, error) {
	if err := ValidateDiceLaunches(faces, bits, launches); err != nil {
		return store.MasterSecret{}, err
	}
	return CalculateKey(network, faces, launches, name)
}

// CalculateKey folds launches into a MasterSecret without validating faces or
// launch count; MasterSecretFromDice is the validated front door, this is the
// raw derivation beneath it. The accumulator's big-endian bytes are
// left-padded to the smallest BIP39-valid entropy length that holds them.
func CalculateKey(network store.Network, faces uint32, launches []uint32, name string) (store.MasterSecret, error) {
	if len(launches) == 0 {
		return store.MasterSecret{}, airsigerr.New(airsigerr.KindInvalidInput, "no dice launches provided")
	}
	acc := AccumulateDiceLaunches(launches, faces)
	raw := acc.Bytes()
	size, err := bip39EntropyLen(len(raw))
	if err != nil {
		return store.MasterSecret{}, err
	}
	entropy := make([]byte, size)
	copy(entropy[size-len(raw):], raw)

	ms, err := masterSecretFromEntropy(network, entropy, name)
	if err != nil {
		return store.MasterSecret{}, err
	}
	ms.Dice = &store.Dice{
		Launches: fmt.Sprintf("%v", launches),
		Faces:    faces,
		Value:    acc.String(),
	}
	return ms, nil
}

// bip39EntropyLen rounds a byte count up to the nearest length BIP39 accepts
// as entropy (128..256 bits in 32-bit steps).
func bip39EntropyLen(n int) (int, error) {
	for _, l := range []int{16, 20, 24, 28, 32} {
		if n <= l {
			return l, nil
		}
	}
	return 0, airsigerr.New(airsigerr.KindInvalidInput, "dice entropy exceeds 256 bits")
}

// masterSecretFromEntropy is the common BIP39-entropy -> seed -> BIP32-master
// path shared by dice and RNG creation.
func masterSecretFromEntropy(network store.Network, entropy []byte, name string) (store.MasterSecret, error) {
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return store.MasterSecret{}, airsigerr.Wrap(airsigerr.KindGeneric, "generating mnemonic", err)
	}
	return masterSecretFromMnemonic(network, mnemonic, name)
}

func masterSecretFromMnemonic(network store.Network, mnemonic, name string) (store.MasterSecret, error) {
	seed := bip39.NewSeed(mnemonic, "")
	return masterSecretFromSeed(network, seed, name)
}

func masterSecretFromSeed(network store.Network, seed []byte, name string) (store.MasterSecret, error) {
	params, err := network.ChainParams()
	if err != nil {
		return store.MasterSecret{}, airsigerr.Wrap(airsigerr.KindInvalidInput, "resolving network", err)
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return store.MasterSecret{}, airsigerr.Wrap(airsigerr.KindGeneric, "deriving master key", err)
	}
	return store.MasterSecret{
		ID:   store.NewIdentifier(network, store.KindMasterSecret, name),
		Xprv: master.String(),
	}, nil
}

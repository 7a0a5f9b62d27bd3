// Package walletsign implements recoverable Bitcoin message signatures over
// a wallet's descriptor string, proving a specific master key participates
// in that wallet; verification reports which of the descriptor's keys signed.
package walletsign

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/descriptor"
	"github.com/dan/airsig/internal/keys"
	"github.com/dan/airsig/internal/store"
)

// messagePrefix is the fixed preamble Bitcoin Core prepends before hashing a
// message for signmessage/verifymessage.
const messagePrefix = "\x18Bitcoin Signed Message:\n"

// messageHash reproduces Bitcoin Core's signed-message digest: double
// SHA-256 of the magic prefix, a varint-encoded message length, and the
// message bytes.
func messageHash(message string) [32]byte {
	var buf bytes.Buffer
	buf.WriteString(messagePrefix)
	writeVarInt(&buf, uint64(len(message)))
	buf.WriteString(message)
	first := sha256.Sum256(buf.Bytes())
	return sha256.Sum256(first[:])
}

func writeVarInt(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		buf.WriteByte(byte(n))
		buf.WriteByte(byte(n >> 8))
	default:
		buf.WriteByte(0xfe)
		for i := 0; i < 4; i++ {
			buf.WriteByte(byte(n >> (8 * i)))
		}
	}
}

// SignDescriptor signs a wallet's descriptor string with ms's wallet-sign
// private key (the key at m/48'/coin'/0'/2'/0/(2^31-1)), producing a
// base64-encoded 65-byte recoverable signature compatible with Bitcoin
// Core's signmessage.
func SignDescriptor(network store.Network, ms store.MasterSecret, descriptorStr string) (string, error) {
	master, err := keys.MasterFromSecret(ms)
	if err != nil {
		return "", err
	}
	descKey, err := keys.DeriveDescriptorPrivateKey(master, network)
	if err != nil {
		return "", err
	}
	signKey, err := keys.DeriveWalletSignPrivateKey(descKey)
	if err != nil {
		return "", err
	}
	privKey, err := signKey.ECPrivKey()
	if err != nil {
		return "", airsigerr.Wrap(airsigerr.KindGeneric, "reading wallet-sign private key", err)
	}

	hash := messageHash(descriptorStr)
	sig := ecdsa.SignCompact(privKey, hash[:], true)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyDescriptor checks whether signature recovers to the wallet-sign
// public key of any key expression in the descriptor, returning the index
// of the first key it matches.
func VerifyDescriptor(params *chaincfg.Params, descriptorStr, signature string) (int, error) {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return -1, airsigerr.Wrap(airsigerr.KindInvalidMessageSignature, "decoding signature", err)
	}
	if len(sig) != 65 {
		return -1, airsigerr.New(airsigerr.KindInvalidMessageSignature, "signature must be 65 bytes")
	}

	hash := messageHash(descriptorStr)
	recovered, compressed, err := ecdsa.RecoverCompact(sig, hash[:])
	if err != nil {
		return -1, airsigerr.Wrap(airsigerr.KindInvalidMessageSignature, "recovering public key from signature", err)
	}
	recoveredAddr, err := p2pkhAddress(recovered, compressed, params)
	if err != nil {
		return -1, err
	}

	xpubs, err := descriptor.ExtractXpubs(descriptorStr)
	if err != nil {
		return -1, err
	}
	for i, xpub := range xpubs {
		branch, err := xpub.Derive(0)
		if err != nil {
			continue
		}
		child, err := branch.Derive(keys.WalletSignDerivation)
		if err != nil {
			continue
		}
		pub, err := child.ECPubKey()
		if err != nil {
			continue
		}
		candidateAddr, err := p2pkhAddress(pub, true, params)
		if err != nil {
			continue
		}
		if candidateAddr.EncodeAddress() == recoveredAddr.EncodeAddress() {
			return i, nil
		}
	}
	return -1, airsigerr.New(airsigerr.KindWalletSignatureNotVerified, "signature does not match any key in the wallet descriptor")
}

func p2pkhAddress(pub *btcec.PublicKey, compressed bool, params *chaincfg.Params) (*btcutil.AddressPubKeyHash, error) {
	var pubBytes []byte
	if compressed {
		pubBytes = pub.SerializeCompressed()
	} else {
		pubBytes = pub.SerializeUncompressed()
	}
	h160 := btcutil.Hash160(pubBytes)
	addr, err := btcutil.NewAddressPubKeyHash(h160, params)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindGeneric, "building p2pkh address", err)
	}
	return addr, nil
}

// FindSigningSecret scans masterSecrets for the one whose wallet-sign public
// key participates in the descriptor, mirroring sign_wallet's key search: the
// caller doesn't name a key directly, the toolkit finds whichever one fits.
func FindSigningSecret(network store.Network, descriptorStr string, masterSecrets []store.MasterSecret) (store.MasterSecret, error) {
	xpubs, err := descriptor.ExtractXpubs(descriptorStr)
	if err != nil {
		return store.MasterSecret{}, err
	}
	targets := make(map[string]bool, len(xpubs))
	for _, xpub := range xpubs {
		branch, err := xpub.Derive(0)
		if err != nil {
			continue
		}
		child, err := branch.Derive(keys.WalletSignDerivation)
		if err != nil {
			continue
		}
		pub, err := child.ECPubKey()
		if err != nil {
			continue
		}
		targets[string(pub.SerializeCompressed())] = true
	}

	for _, ms := range masterSecrets {
		master, err := keys.MasterFromSecret(ms)
		if err != nil {
			continue
		}
		descKey, err := keys.DeriveDescriptorPrivateKey(master, network)
		if err != nil {
			continue
		}
		signKey, err := keys.DeriveWalletSignPrivateKey(descKey)
		if err != nil {
			continue
		}
		pub, err := signKey.ECPubKey()
		if err != nil {
			continue
		}
		if targets[string(pub.SerializeCompressed())] {
			return ms, nil
		}
	}
	return store.MasterSecret{}, airsigerr.New(airsigerr.KindInvalidInput, "no available private key participates in this wallet")
}

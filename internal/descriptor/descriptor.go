// Package descriptor builds, parses, and derives addresses from the
// wsh(multi(r,key/0/*,...)) output descriptors this toolkit uses for its
// multisig wallets. It intentionally implements only that one descriptor
// shape rather than a general miniscript parser.
package descriptor

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/dan/airsig/internal/airsigerr"
)

// Parsed holds the pieces of a wsh(multi(r,key0,key1,...)) descriptor.
type Parsed struct {
	Required int
	Keys     []string // each "xpub.../0/*" or "[fingerprint/path]xpub.../0/*"
}

// Build renders a canonical multisig descriptor string. No checksum is
// appended; this toolkit strips and ignores checksums on parse, matching
// the donor semantics where checksum support was never wired up.
func Build(required int, keyExprs []string) string {
	return fmt.Sprintf("wsh(multi(%d,%s))", required, strings.Join(keyExprs, ","))
}

// Parse strips a trailing "#checksum" (if present) and decomposes a
// wsh(multi(r,...)) descriptor into its required-signature count and key
// expressions.
func Parse(s string) (Parsed, error) {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	const prefix, suffix = "wsh(multi(", "))"
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
		return Parsed{}, airsigerr.New(airsigerr.KindInvalidInput, "descriptor must be of the form wsh(multi(r,key,...))")
	}
	body := s[len(prefix) : len(s)-len(suffix)]

	parts := strings.Split(body, ",")
	if len(parts) < 2 {
		return Parsed{}, airsigerr.New(airsigerr.KindInvalidInput, "descriptor has no keys")
	}
	required, err := strconv.Atoi(parts[0])
	if err != nil {
		return Parsed{}, airsigerr.Wrap(airsigerr.KindInvalidInput, "parsing required signature count", err)
	}
	keys := parts[1:]
	if required <= 0 || required > len(keys) {
		return Parsed{}, airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("required signature count %d out of range for %d keys", required, len(keys)))
	}
	return Parsed{Required: required, Keys: keys}, nil
}

// bareXpub strips a leading "[fingerprint/path]" origin and a trailing
// "/change/*" or "/change/index" suffix from a key expression, returning
// just the extended public key string.
func bareXpub(keyExpr string) string {
	k := keyExpr
	if i := strings.IndexByte(k, ']'); i >= 0 {
		k = k[i+1:]
	}
	if i := strings.IndexByte(k, '/'); i >= 0 {
		k = k[:i]
	}
	return k
}

// fingerprint extracts the leading "[fingerprint/..." origin from a key
// expression, if any.
func fingerprint(keyExpr string) (string, bool) {
	if !strings.HasPrefix(keyExpr, "[") {
		return "", false
	}
	end := strings.IndexByte(keyExpr, '/')
	closeIdx := strings.IndexByte(keyExpr, ']')
	if end < 0 || closeIdx < 0 || end > closeIdx {
		return "", false
	}
	return keyExpr[1:end], true
}

// ExtractFingerprints returns the origin fingerprints (hex, lowercase)
// embedded in a descriptor's key expressions, in order.
func ExtractFingerprints(s string) ([]string, error) {
	p, err := Parse(s)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(p.Keys))
	for _, k := range p.Keys {
		if fp, ok := fingerprint(k); ok {
			out = append(out, strings.ToLower(fp))
		}
	}
	return out, nil
}

// ExtractXpubs returns the bare extended public keys referenced by a
// descriptor, in order.
func ExtractXpubs(s string) ([]*hdkeychain.ExtendedKey, error) {
	p, err := Parse(s)
	if err != nil {
		return nil, err
	}
	out := make([]*hdkeychain.ExtendedKey, 0, len(p.Keys))
	for _, k := range p.Keys {
		xpub, err := hdkeychain.NewKeyFromString(bareXpub(k))
		if err != nil {
			return nil, airsigerr.Wrap(airsigerr.KindInvalidInput, "parsing xpub in descriptor", err)
		}
		out = append(out, xpub)
	}
	return out, nil
}

// Address is the result of deriving one multisig address from a descriptor.
type Address struct {
	Address      btcutil.Address
	RedeemScript []byte
	Path         string
}

// DeriveAddress derives the r-of-n P2WSH address at branch/index (branch 0
// for external/receive, 1 for internal/change), building the redeem script
// with public keys in the descriptor's own key order. This is plain
// multi(), not sortedmulti(): Bitcoin Core's BIP67 key sorting only applies
// to the latter, and the spec's descriptor shape is wsh(multi(r,...)).
func DeriveAddress(params *chaincfg.Params, s string, branch, index uint32) (Address, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return Address{}, airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("invalid child number %d: must be below the hardened range", index))
	}
	p, err := Parse(s)
	if err != nil {
		return Address{}, err
	}

	xpubs, err := ExtractXpubs(s)
	if err != nil {
		return Address{}, err
	}

	pubKeys := make([][]byte, 0, len(xpubs))
	for _, xpub := range xpubs {
		branchKey, err := xpub.Derive(branch)
		if err != nil {
			return Address{}, airsigerr.Wrap(airsigerr.KindGeneric, "deriving branch key", err)
		}
		childKey, err := branchKey.Derive(index)
		if err != nil {
			return Address{}, airsigerr.Wrap(airsigerr.KindGeneric, "deriving child key", err)
		}
		pub, err := childKey.ECPubKey()
		if err != nil {
			return Address{}, airsigerr.Wrap(airsigerr.KindGeneric, "reading child pubkey", err)
		}
		pubKeys = append(pubKeys, pub.SerializeCompressed())
	}

	script, err := multisigRedeemScript(params, p.Required, pubKeys)
	if err != nil {
		return Address{}, err
	}

	witnessProgram := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(witnessProgram[:], params)
	if err != nil {
		return Address{}, airsigerr.Wrap(airsigerr.KindGeneric, "building p2wsh address", err)
	}

	return Address{
		Address:      addr,
		RedeemScript: script,
		Path:         fmt.Sprintf("m/%d/%d", branch, index),
	}, nil
}

// multisigRedeemScript builds the raw OP_m <pubkeys...> OP_n OP_CHECKMULTISIG
// script for the given (already address-ordered) public keys.
func multisigRedeemScript(params *chaincfg.Params, required int, pubKeys [][]byte) ([]byte, error) {
	addrs := make([]*btcutil.AddressPubKey, 0, len(pubKeys))
	for _, pk := range pubKeys {
		a, err := btcutil.NewAddressPubKey(pk, params)
		if err != nil {
			return nil, airsigerr.Wrap(airsigerr.KindGeneric, "building pubkey address", err)
		}
		addrs = append(addrs, a)
	}
	script, err := txscript.MultiSigScript(addrs, required)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindGeneric, "building multisig script", err)
	}
	return script, nil
}

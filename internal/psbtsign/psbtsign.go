// Package psbtsign signs and merges PSBTs against a MasterSecret's
// descriptor key. It classifies each input's spending script following the
// non_witness_utxo/witness_utxo + redeem_script/witness_script unwrapping
// chain, signs every input whose BIP32 derivation metadata deduces to the
// descriptor key, and — when derivation metadata is missing — performs a
// guarded best-effort deduction by matching candidate child pubkeys against
// the pubkey pushes of a script before giving up on an input.
package psbtsign

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/keys"
	"github.com/dan/airsig/internal/store"
)

// proprietaryPrefix/Subtype/Key identify the "name" value this toolkit
// attaches to a PSBT so the name survives round-trips through the node and
// other signers (§6).
const (
	proprietaryPrefix  = "airsig"
	proprietarySubtype = 0x00
	proprietaryKey     = "name"
)

// Decode parses a base64-encoded PSBT.
func Decode(psbtB64 string) (*psbt.Packet, error) {
	raw, err := base64.StdEncoding.DecodeString(psbtB64)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindInvalidInput, "decoding base64 PSBT", err)
	}
	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindInvalidInput, "parsing PSBT", err)
	}
	return p, nil
}

// Encode serializes a PSBT back to base64.
func Encode(p *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return "", airsigerr.Wrap(airsigerr.KindGeneric, "serializing PSBT", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Name returns the proprietary "airsig"/"name" value embedded in p, if any.
func Name(p *psbt.Packet) (string, bool) {
	for _, u := range p.Unknowns {
		if proprietaryMatch(u.Key) {
			return string(u.Value), true
		}
	}
	return "", false
}

// SetName embeds (or replaces) the proprietary "airsig"/"name" value.
func SetName(p *psbt.Packet, name string) {
	kept := p.Unknowns[:0]
	for _, u := range p.Unknowns {
		if !proprietaryMatch(u.Key) {
			kept = append(kept, u)
		}
	}
	p.Unknowns = append(kept, &psbt.Unknown{
		Key:   encodeProprietaryKey(),
		Value: []byte(name),
	})
}

// encodeProprietaryKey builds the raw PSBT key bytes for a proprietary
// field: 0xFC || compact-size(len(prefix)) || prefix || subtype || key-bytes,
// matching BIP-174's proprietary-use-type key encoding.
func encodeProprietaryKey() []byte {
	var buf bytes.Buffer
	buf.WriteByte(0xFC)
	buf.WriteByte(byte(len(proprietaryPrefix)))
	buf.WriteString(proprietaryPrefix)
	buf.WriteByte(proprietarySubtype)
	buf.WriteString(proprietaryKey)
	return buf.Bytes()
}

func proprietaryMatch(key []byte) bool {
	want := encodeProprietaryKey()
	return bytes.Equal(key, want)
}

// UnsignedTxID returns the txid of p's unsigned transaction, used to detect
// when a freshly-signed PSBT actually belongs to an existing saved record.
func UnsignedTxID(p *psbt.Packet) chainhash.Hash {
	return p.UnsignedTx.TxHash()
}

// SignResult reports what Sign actually did to a PSBT.
type SignResult struct {
	Signed     bool `json:"signed"`
	AddedPaths bool `json:"added_paths"`
}

// fingerprintUint32 reproduces psbt's little-endian encoding of a 4-byte
// origin fingerprint so it can be compared against Bip32Derivation entries.
func fingerprintUint32(fpHex string) (uint32, error) {
	raw, err := hex.DecodeString(fpHex)
	if err != nil || len(raw) != 4 {
		return 0, airsigerr.New(airsigerr.KindGeneric, "malformed fingerprint")
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// descriptorPathPrefix is the fixed hardened path shared by every key this
// toolkit ever signs with: m/48'/coin'/0'/2'.
func descriptorPathPrefix(network store.Network) []uint32 {
	return []uint32{
		hdkeychain.HardenedKeyStart + 48,
		hdkeychain.HardenedKeyStart + network.CoinType(),
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + 2,
	}
}

// ourDerivation finds, among derivs, the entry whose master fingerprint is
// ours and whose path is exactly the descriptor path followed by a single
// non-hardened branch/index pair, returning that (branch, index).
func ourDerivation(derivs []*psbt.Bip32Derivation, network store.Network, ourFP uint32) (branch, index uint32, ok bool) {
	prefix := descriptorPathPrefix(network)
	for _, d := range derivs {
		if d == nil || d.MasterKeyFingerprint != ourFP {
			continue
		}
		if len(d.Bip32Path) != len(prefix)+2 {
			continue
		}
		match := true
		for i, w := range prefix {
			if d.Bip32Path[i] != w {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		return d.Bip32Path[len(prefix)], d.Bip32Path[len(prefix)+1], true
	}
	return 0, 0, false
}

// childMemo maps a compressed child pubkey to the (branch, index) pair that
// derives it, used by deduceDerivationPaths to identify candidate pubkey
// pushes in a script whose origin metadata is missing.
type childMemo map[string][2]uint32

func buildChildMemo(branchKey *hdkeychain.ExtendedKey, totalDerivations uint32) (childMemo, error) {
	memo := make(childMemo)
	for branch := uint32(0); branch <= 1; branch++ {
		b, err := branchKey.Derive(branch)
		if err != nil {
			return nil, airsigerr.Wrap(airsigerr.KindGeneric, "deriving branch key", err)
		}
		for idx := uint32(0); idx <= totalDerivations; idx++ {
			child, err := b.Derive(idx)
			if err != nil {
				continue
			}
			pub, err := child.ECPubKey()
			if err != nil {
				continue
			}
			memo[string(pub.SerializeCompressed())] = [2]uint32{branch, idx}
		}
	}
	return memo, nil
}

// deduceDerivationPaths implements §4.4's guarded best-effort HD-path
// deduction: for every input/output carrying a witness_script but no
// Bip32Derivation entry for our fingerprint, it extracts 33-byte pubkey
// pushes and adds a derivation entry for each one found in memo. It returns
// whether anything was added, and records which input/output indexes were
// touched so the caller can decide whether to keep or discard the addition.
func deduceDerivationPaths(p *psbt.Packet, memo childMemo, network store.Network, ourFP uint32) (addedInputs, addedOutputs map[int]bool, added bool) {
	addedInputs = map[int]bool{}
	addedOutputs = map[int]bool{}
	prefix := descriptorPathPrefix(network)

	addFor := func(script []byte) []*psbt.Bip32Derivation {
		pubkeys, err := extractPubKeys(script)
		if err != nil {
			return nil
		}
		var out []*psbt.Bip32Derivation
		for _, pk := range pubkeys {
			bi, ok := memo[string(pk)]
			if !ok {
				continue
			}
			path := append(append([]uint32{}, prefix...), bi[0], bi[1])
			out = append(out, &psbt.Bip32Derivation{
				PubKey:               pk,
				MasterKeyFingerprint: ourFP,
				Bip32Path:            path,
			})
		}
		return out
	}

	for i := range p.Inputs {
		input := &p.Inputs[i]
		if input.WitnessScript == nil || len(input.WitnessScript) == 0 {
			continue
		}
		if _, _, ok := ourDerivation(input.Bip32Derivation, network, ourFP); ok {
			continue
		}
		newDerivs := addFor(input.WitnessScript)
		if len(newDerivs) > 0 {
			input.Bip32Derivation = append(input.Bip32Derivation, newDerivs...)
			addedInputs[i] = true
			added = true
		}
	}

	for i := range p.Outputs {
		output := &p.Outputs[i]
		if output.WitnessScript == nil || len(output.WitnessScript) == 0 {
			continue
		}
		if _, _, ok := ourDerivation(output.Bip32Derivation, network, ourFP); ok {
			continue
		}
		newDerivs := addFor(output.WitnessScript)
		if len(newDerivs) > 0 {
			output.Bip32Derivation = append(output.Bip32Derivation, newDerivs...)
			addedOutputs[i] = true
			added = true
		}
	}
	return addedInputs, addedOutputs, added
}

// stripDeducedDerivation removes every Bip32Derivation entry bearing ourFP
// from the given input/output indexes — used to roll back a deduction that
// didn't lead to a signature, per §4.4's "do not persist unless signed" rule.
func stripDeducedDerivation(p *psbt.Packet, inputs, outputs map[int]bool, ourFP uint32) {
	strip := func(derivs []*psbt.Bip32Derivation) []*psbt.Bip32Derivation {
		kept := derivs[:0]
		for _, d := range derivs {
			if d != nil && d.MasterKeyFingerprint == ourFP {
				continue
			}
			kept = append(kept, d)
		}
		return kept
	}
	for i := range inputs {
		p.Inputs[i].Bip32Derivation = strip(p.Inputs[i].Bip32Derivation)
	}
	for i := range outputs {
		p.Outputs[i].Bip32Derivation = strip(p.Outputs[i].Bip32Derivation)
	}
}

// Sign signs every input whose BIP32 derivation metadata (present or
// deduced) resolves to ms's descriptor key, appending a partial signature.
// It never finalizes, never removes an existing field, and never overwrites
// an existing partial signature — the same PSBT can keep circulating to
// other signers after this call.
func Sign(network store.Network, ms store.MasterSecret, psbtB64 string, totalDerivations uint32) (string, SignResult, error) {
	p, err := Decode(psbtB64)
	if err != nil {
		return "", SignResult{}, err
	}

	master, err := keys.MasterFromSecret(ms)
	if err != nil {
		return "", SignResult{}, err
	}
	fpHex, err := keys.Fingerprint(master)
	if err != nil {
		return "", SignResult{}, err
	}
	ourFP, err := fingerprintUint32(fpHex)
	if err != nil {
		return "", SignResult{}, err
	}
	descKey, err := keys.DeriveDescriptorPrivateKey(master, network)
	if err != nil {
		return "", SignResult{}, err
	}

	memo, err := buildChildMemo(descKey, totalDerivations)
	if err != nil {
		return "", SignResult{}, err
	}
	addedInputs, addedOutputs, addedPaths := deduceDerivationPaths(p, memo, network, ourFP)

	fetcher := prevOutFetcher(p)
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, fetcher)

	signedInputs := map[int]bool{}
	for i := range p.Inputs {
		input := &p.Inputs[i]

		class, err := classifyInput(p, i)
		if err != nil {
			continue
		}

		branch, index, ok := ourDerivation(input.Bip32Derivation, network, ourFP)
		if !ok {
			continue
		}
		branchKey, err := descKey.Derive(branch)
		if err != nil {
			continue
		}
		childKey, err := branchKey.Derive(index)
		if err != nil {
			continue
		}
		privKey, err := childKey.ECPrivKey()
		if err != nil {
			continue
		}
		pubKey, err := childKey.ECPubKey()
		if err != nil {
			continue
		}
		if !bytes.Equal(pubKey.SerializeCompressed(), findDerivPubKey(input.Bip32Derivation, ourFP, branch, index)) {
			return "", SignResult{}, airsigerr.New(airsigerr.KindDerivationMismatch, "derived public key does not match the PSBT's claimed pubkey")
		}

		if alreadySigned(input, pubKey.SerializeCompressed()) {
			signedInputs[i] = true
			continue
		}

		hashType := input.SighashType
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}

		sig, err := signInput(p, i, class, sigHashes, hashType, privKey)
		if err != nil {
			continue
		}

		input.PartialSigs = append(input.PartialSigs, &psbt.PartialSig{
			PubKey:    pubKey.SerializeCompressed(),
			Signature: sig,
		})
		signedInputs[i] = true
	}

	// §4.4: a deduced path is only worth keeping around if it actually let
	// us sign that input; discard the rest so we don't pollute the
	// canonical record with unverified guesses.
	rollbackInputs := map[int]bool{}
	for i := range addedInputs {
		if !signedInputs[i] {
			rollbackInputs[i] = true
		}
	}
	rollbackOutputs := map[int]bool{}
	if len(signedInputs) == 0 {
		for i := range addedOutputs {
			rollbackOutputs[i] = true
		}
	}
	stripDeducedDerivation(p, rollbackInputs, rollbackOutputs, ourFP)

	out, err := Encode(p)
	if err != nil {
		return "", SignResult{}, err
	}
	return out, SignResult{Signed: len(signedInputs) > 0, AddedPaths: addedPaths}, nil
}

func findDerivPubKey(derivs []*psbt.Bip32Derivation, fp uint32, branch, index uint32) []byte {
	for _, d := range derivs {
		if d != nil && d.MasterKeyFingerprint == fp && len(d.Bip32Path) >= 2 &&
			d.Bip32Path[len(d.Bip32Path)-2] == branch && d.Bip32Path[len(d.Bip32Path)-1] == index {
			return d.PubKey
		}
	}
	return nil
}

func alreadySigned(input *psbt.PInput, pubKey []byte) bool {
	for _, sig := range input.PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}
	return false
}

// inputClass is the effective script and witness-ness an input resolved to
// after walking the non_witness_utxo/witness_utxo + redeem/witness-script
// unwrapping chain (§4.4 step 1).
type inputClass struct {
	script  []byte
	witness bool
}

// classifyInput resolves input i's effective spending script, enforcing
// every consistency check the spec requires before a signature can be
// produced for it.
func classifyInput(p *psbt.Packet, i int) (inputClass, error) {
	input := &p.Inputs[i]

	if input.NonWitnessUtxo != nil {
		prevTx := input.NonWitnessUtxo
		if prevTx.TxHash() != p.UnsignedTx.TxIn[i].PreviousOutPoint.Hash {
			return inputClass{}, airsigerr.New(airsigerr.KindScriptInconsistent, "non_witness_utxo txid does not match the input's prevout")
		}
		vout := p.UnsignedTx.TxIn[i].PreviousOutPoint.Index
		if int(vout) >= len(prevTx.TxOut) {
			return inputClass{}, airsigerr.New(airsigerr.KindScriptInconsistent, "prevout index out of range in non_witness_utxo")
		}
		scriptPubKey := prevTx.TxOut[vout].PkScript
		if input.RedeemScript != nil {
			if !scriptHashMatches(scriptPubKey, input.RedeemScript) {
				return inputClass{}, airsigerr.New(airsigerr.KindScriptInconsistent, "redeem_script does not match non_witness_utxo script_pubkey")
			}
			return inputClass{script: input.RedeemScript}, nil
		}
		return inputClass{script: scriptPubKey}, nil
	}

	if input.WitnessUtxo == nil {
		return inputClass{}, airsigerr.New(airsigerr.KindMissingUtxoAndNotFinalized, "input has neither non_witness_utxo nor witness_utxo")
	}

	effective := input.WitnessUtxo.PkScript
	if input.RedeemScript != nil {
		if !scriptHashMatches(effective, input.RedeemScript) {
			return inputClass{}, airsigerr.New(airsigerr.KindScriptInconsistent, "redeem_script does not match witness_utxo script_pubkey")
		}
		effective = input.RedeemScript
	}

	if txscript.IsPayToWitnessPubKeyHash(effective) {
		return inputClass{script: p2wpkhToP2pkh(effective[2:]), witness: true}, nil
	}

	if input.WitnessScript == nil {
		return inputClass{}, airsigerr.New(airsigerr.KindScriptInconsistent, "v0_p2wsh input missing witness_script")
	}
	if !witnessScriptHashMatches(effective, input.WitnessScript) {
		return inputClass{}, airsigerr.New(airsigerr.KindScriptInconsistent, "witness_script does not hash to the expected v0_p2wsh program")
	}
	return inputClass{script: input.WitnessScript, witness: true}, nil
}

func scriptHashMatches(scriptPubKey, redeemScript []byte) bool {
	if !txscript.IsPayToScriptHash(scriptPubKey) {
		return false
	}
	h160 := btcutil.Hash160(redeemScript)
	return bytes.Equal(scriptPubKey[2:22], h160)
}

func witnessScriptHashMatches(program, witnessScript []byte) bool {
	if len(program) != 34 || program[0] != 0x00 || program[1] != 0x20 {
		return false
	}
	h := sha256.Sum256(witnessScript)
	return bytes.Equal(program[2:], h[:])
}

// signInput produces the sighash-flagged signature bytes for input i given
// its resolved class: BIP143 witness signature for segwit inputs, legacy
// double-SHA256 signature otherwise.
func signInput(p *psbt.Packet, i int, class inputClass, sigHashes *txscript.TxSigHashes, hashType txscript.SigHashType, privKey *btcec.PrivateKey) ([]byte, error) {
	if class.witness {
		value, err := inputValue(p, i)
		if err != nil {
			return nil, err
		}
		return txscript.RawTxInWitnessSignature(p.UnsignedTx, sigHashes, i, value, class.script, hashType, privKey)
	}
	return txscript.RawTxInSignature(p.UnsignedTx, i, class.script, hashType, privKey)
}

func inputValue(p *psbt.Packet, i int) (int64, error) {
	if p.Inputs[i].WitnessUtxo != nil {
		return p.Inputs[i].WitnessUtxo.Value, nil
	}
	if p.Inputs[i].NonWitnessUtxo != nil {
		vout := p.UnsignedTx.TxIn[i].PreviousOutPoint.Index
		if int(vout) < len(p.Inputs[i].NonWitnessUtxo.TxOut) {
			return p.Inputs[i].NonWitnessUtxo.TxOut[vout].Value, nil
		}
	}
	return 0, airsigerr.New(airsigerr.KindMissingUtxoAndNotFinalized, "input has neither witness_utxo nor non_witness_utxo")
}

// p2wpkhToP2pkh synthesizes the legacy P2PKH scriptPubKey a P2WPKH output's
// witness program stands in for, since the BIP143 sighash for a v0_p2wpkh
// input is computed over that classic OP_DUP OP_HASH160 ... form.
func p2wpkhToP2pkh(witnessProgramHash []byte) []byte {
	b, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(witnessProgramHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	return b
}

// prevOutFetcher builds the prevout map txscript needs to compute BIP143
// sighashes, from whichever of witness_utxo/non_witness_utxo each input
// carries.
func prevOutFetcher(p *psbt.Packet) txscript.PrevOutputFetcher {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for i, input := range p.Inputs {
		op := p.UnsignedTx.TxIn[i].PreviousOutPoint
		if input.WitnessUtxo != nil {
			prevOuts[op] = input.WitnessUtxo
		} else if input.NonWitnessUtxo != nil && int(op.Index) < len(input.NonWitnessUtxo.TxOut) {
			prevOuts[op] = input.NonWitnessUtxo.TxOut[op.Index]
		}
	}
	return txscript.NewMultiPrevOutFetcher(prevOuts)
}

// Merge combines the input PartialSigs and Bip32Derivation entries of several
// copies of the same underlying unsigned transaction (one per co-signer
// round-trip) into a single PSBT; output metadata is taken from the first copy. Merge is commutative and idempotent: the
// result only depends on the set union of what each copy carries. All
// copies must share the same unsigned transaction and input count.
func Merge(psbtB64s []string) (string, error) {
	if len(psbtB64s) == 0 {
		return "", airsigerr.New(airsigerr.KindInvalidInput, "no PSBTs to merge")
	}
	base, err := Decode(psbtB64s[0])
	if err != nil {
		return "", err
	}
	baseTxID := base.UnsignedTx.TxHash()

	for _, other := range psbtB64s[1:] {
		p, err := Decode(other)
		if err != nil {
			return "", err
		}
		if p.UnsignedTx.TxHash() != baseTxID {
			return "", airsigerr.New(airsigerr.KindScriptInconsistent, "cannot merge PSBTs with different unsigned transactions")
		}
		if len(p.Inputs) != len(base.Inputs) {
			return "", airsigerr.New(airsigerr.KindScriptInconsistent, "PSBTs have a different number of inputs")
		}
		for i := range base.Inputs {
			for _, sig := range p.Inputs[i].PartialSigs {
				if !alreadySigned(&base.Inputs[i], sig.PubKey) {
					base.Inputs[i].PartialSigs = append(base.Inputs[i].PartialSigs, sig)
				}
			}
			base.Inputs[i].Bip32Derivation = mergeDerivations(base.Inputs[i].Bip32Derivation, p.Inputs[i].Bip32Derivation)
		}
		if name, ok := Name(p); ok {
			if _, baseHas := Name(base); !baseHas {
				SetName(base, name)
			}
		}
	}

	return Encode(base)
}

func mergeDerivations(a, b []*psbt.Bip32Derivation) []*psbt.Bip32Derivation {
	seen := map[string]bool{}
	for _, d := range a {
		if d != nil {
			seen[string(d.PubKey)] = true
		}
	}
	for _, d := range b {
		if d != nil && !seen[string(d.PubKey)] {
			a = append(a, d)
			seen[string(d.PubKey)] = true
		}
	}
	return a
}

func extractPubKeys(script []byte) ([][]byte, error) {
	var out [][]byte
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		data := tokenizer.Data()
		if len(data) == 33 {
			out = append(out, data)
		}
	}
	if err := tokenizer.Err(); err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindGeneric, "tokenizing script", err)
	}
	return out, nil
}

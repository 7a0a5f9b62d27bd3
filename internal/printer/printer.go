// Package printer renders a human-readable summary of a PSBT: per-input and
// per-output detail, wallet/balance attribution, fee and size estimation,
// and a set of ordered privacy warnings.
package printer

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/descriptor"
	"github.com/dan/airsig/internal/store"
)

// TxCommon is shared between a printed input and output.
type TxCommon struct {
	Value          string  `json:"value"`
	WalletWithPath *string `json:"wallet_with_path,omitempty"`
}

type TxIn struct {
	Outpoint   string   `json:"outpoint"`
	Signatures []string `json:"signatures"` // hex-encoded origin fingerprints of valid signatures
	TxCommon
}

type TxOut struct {
	Address string `json:"address"`
	TxCommon
}

type Size struct {
	Estimated *int `json:"estimated,omitempty"`
	Unsigned  int  `json:"unsigned"`
	Psbt      int  `json:"psbt"`
}

type Fee struct {
	Absolute    *int64   `json:"absolute,omitempty"`
	AbsoluteFmt string   `json:"absolute_fmt"`
	Rate        *float64 `json:"rate,omitempty"`
}

// Result is the full pretty-printed view of a PSBT.
type Result struct {
	Inputs   []TxIn   `json:"inputs"`
	Outputs  []TxOut  `json:"outputs"`
	Balances string   `json:"balances"`
	Info     []string `json:"info"`
	Size     Size     `json:"size"`
	Fee      Fee      `json:"fee"`
}

// PrettyPrint summarizes p, attributing inputs/outputs to any of wallets it
// recognizes via BIP32 derivation metadata, records an info line for each
// partial signature that fails to verify, and then runs the four script,
// amount and address privacy heuristics over the inputs and outputs.
func PrettyPrint(p *psbt.Packet, params *chaincfg.Params, wallets []store.Wallet) (*Result, error) {
	result := &Result{}
	tx := p.UnsignedTx

	previousOutputs := make([]*wire.TxOut, len(p.Inputs))
	for i, input := range p.Inputs {
		finalized := input.FinalScriptSig != nil || input.FinalScriptWitness != nil
		switch {
		case finalized:
			previousOutputs[i] = nil
		case input.WitnessUtxo != nil:
			previousOutputs[i] = input.WitnessUtxo
		case input.NonWitnessUtxo != nil:
			vout := tx.TxIn[i].PreviousOutPoint.Index
			if int(vout) >= len(input.NonWitnessUtxo.TxOut) {
				return nil, airsigerr.New(airsigerr.KindGeneric, "referenced outpoint not found in non_witness_utxo")
			}
			previousOutputs[i] = input.NonWitnessUtxo.TxOut[vout]
		default:
			return nil, airsigerr.New(airsigerr.KindMissingUtxoAndNotFinalized, "input has neither witness_utxo nor non_witness_utxo and is not finalized")
		}
	}
	allPreviousKnown := true
	for _, o := range previousOutputs {
		if o == nil {
			allPreviousKnown = false
			break
		}
	}

	balances := map[string]int64{}
	var outputValues []int64

	for i, txin := range tx.TxIn {
		prev := previousOutputs[i]

		var valueStr string
		var walletPath *string
		var validSigFingerprints []string

		if prev != nil {
			walletName, path, ok := walletWithPath(p.Inputs[i].Bip32Derivation, wallets, prev.PkScript, params)
			if ok {
				balances[walletName] -= prev.Value
				s := fmt.Sprintf("[%s]%s", walletName, path)
				walletPath = &s
			}
			valueStr = btcAmountString(prev.Value)

			validSigFingerprints = verifiedSignatureFingerprints(tx, p, i, prev, result)
		} else {
			valueStr = "N/A"
			validSigFingerprints = []string{}
		}

		result.Inputs = append(result.Inputs, TxIn{
			Outpoint:   txin.PreviousOutPoint.String(),
			Signatures: validSigFingerprints,
			TxCommon:   TxCommon{Value: valueStr, WalletWithPath: walletPath},
		})
	}

	for i, out := range tx.TxOut {
		walletName, path, ok := walletWithPath(p.Outputs[i].Bip32Derivation, wallets, out.PkScript, params)
		var walletPath *string
		if ok {
			balances[walletName] += out.Value
			s := fmt.Sprintf("[%s]%s", walletName, path)
			walletPath = &s
		}
		addrStr := scriptAddressString(out.PkScript, params)
		result.Outputs = append(result.Outputs, TxOut{
			Address:  addrStr,
			TxCommon: TxCommon{Value: btcAmountString(out.Value), WalletWithPath: walletPath},
		})
		outputValues = append(outputValues, out.Value)
	}

	result.Balances = formatBalances(balances)

	applyPrivacyHeuristics(result, tx, previousOutputs, outputValues, allPreviousKnown)

	var fee *int64
	if allPreviousKnown {
		var totalIn, totalOut int64
		for _, o := range previousOutputs {
			totalIn += o.Value
		}
		for _, v := range outputValues {
			totalOut += v
		}
		f := totalIn - totalOut
		fee = &f
	}

	unsignedVBytes := tx.SerializeSize()
	estimatedWeight, estErr := estimateWeight(p)
	var estimatedVBytes *int
	if estErr == nil {
		e := estimatedWeight / 4
		estimatedVBytes = &e
	}
	var rate *float64
	if fee != nil && estimatedVBytes != nil && *estimatedVBytes > 0 {
		r := float64(*fee) / float64(*estimatedVBytes)
		rate = &r
	}

	result.Size = Size{Estimated: estimatedVBytes, Unsigned: unsignedVBytes, Psbt: psbtSerializedLen(p)}

	absoluteFmt := "N/A"
	if fee != nil {
		absoluteFmt = btcAmountString(*fee)
	}
	result.Fee = Fee{Absolute: fee, AbsoluteFmt: absoluteFmt, Rate: rate}

	return result, nil
}

func psbtSerializedLen(p *psbt.Packet) int {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return 0
	}
	return buf.Len()
}

func btcAmountString(sats int64) string {
	neg := sats < 0
	if neg {
		sats = -sats
	}
	whole := sats / 1e8
	frac := sats % 1e8
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%08d BTC", sign, whole, frac)
}

func scriptAddressString(pkScript []byte, params *chaincfg.Params) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) == 0 {
		return hex.EncodeToString(pkScript)
	}
	return addrs[0].EncodeAddress()
}

// walletWithPath reports the wallet (and derivation path) that derives to
// pkScript, if any of the input/output's BIP32 derivation entries matches a
// known wallet's origin fingerprint on its sole (branch 0) key branch.
func walletWithPath(derivs []*psbt.Bip32Derivation, wallets []store.Wallet, pkScript []byte, params *chaincfg.Params) (name string, path string, ok bool) {
	for _, w := range wallets {
		fingerprints, err := descriptor.ExtractFingerprints(w.Descriptor)
		if err != nil {
			continue
		}
		fpSet := map[string]bool{}
		for _, fp := range fingerprints {
			fpSet[fp] = true
		}

		for _, d := range derivs {
			if d == nil || len(d.Bip32Path) < 2 {
				continue
			}
			fpHex := hex.EncodeToString(fingerprintBytes(d.MasterKeyFingerprint))
			if !fpSet[fpHex] {
				continue
			}
			branch := d.Bip32Path[len(d.Bip32Path)-2]
			index := d.Bip32Path[len(d.Bip32Path)-1]
			if branch != 0 {
				continue
			}
			derived, err := descriptor.DeriveAddress(params, w.Descriptor, 0, index)
			if err != nil {
				continue
			}
			if string(derived.Address.ScriptAddress()) == string(pkScriptHash(pkScript)) {
				return w.ID.Name, fmt.Sprintf("m/%d/%d", branch, index), true
			}
		}
	}
	return "", "", false
}

func fingerprintBytes(fp uint32) []byte {
	b := make([]byte, 4)
	b[0] = byte(fp)
	b[1] = byte(fp >> 8)
	b[2] = byte(fp >> 16)
	b[3] = byte(fp >> 24)
	return b
}

// pkScriptHash extracts the comparable "address body" of a scriptPubKey so
// a derived P2WSH address can be compared to an arbitrary output script.
func pkScriptHash(pkScript []byte) []byte {
	if len(pkScript) == 34 && pkScript[0] == 0x00 && pkScript[1] == 0x20 {
		return pkScript[2:]
	}
	return pkScript
}

func formatBalances(balances map[string]int64) string {
	out := ""
	first := true
	for name, v := range balances {
		if !first {
			out += "\n"
		}
		first = false
		sign := ""
		amt := v
		if amt < 0 {
			sign = "-"
			amt = -amt
		}
		out += fmt.Sprintf("%s: %s%d.%08d BTC", name, sign, amt/1e8, amt%1e8)
	}
	return out
}

// verifiedSignatureFingerprints verifies each partial signature on a v0-p2wsh
// input against its witness script, recording an info line for any that
// fail, and returns the origin fingerprints of the signing keys that
// verified. Non-p2wsh inputs are treated as trivially "signed" (matching the
// donor's historical TODO: only v0_p2wsh signatures are actually checked).
func verifiedSignatureFingerprints(tx *wire.MsgTx, p *psbt.Packet, i int, prev *wire.TxOut, result *Result) []string {
	input := p.Inputs[i]
	if input.WitnessScript == nil {
		fps := make([]string, 0, len(input.PartialSigs))
		for _, sig := range input.PartialSigs {
			if fp, ok := fingerprintForPubKey(input.Bip32Derivation, sig.PubKey); ok {
				fps = append(fps, fp)
			}
		}
		return fps
	}

	prevOuts := map[wire.OutPoint]*wire.TxOut{tx.TxIn[i].PreviousOutPoint: prev}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	var valid []string
	for _, sig := range input.PartialSigs {
		if len(sig.Signature) < 1 {
			continue
		}
		derSig := sig.Signature[:len(sig.Signature)-1]
		parsed, err := ecdsa.ParseDERSignature(derSig)
		if err != nil {
			result.Info = append(result.Info, "Signatures: A signature in the psbt is not valid")
			continue
		}
		pub, err := btcec.ParsePubKey(sig.PubKey)
		if err != nil {
			result.Info = append(result.Info, "Signatures: A signature in the psbt is not valid")
			continue
		}
		hash, err := txscript.CalcWitnessSigHash(input.WitnessScript, sigHashes, txscript.SigHashAll, tx, i, prev.Value)
		if err != nil {
			result.Info = append(result.Info, "Signatures: A signature in the psbt is not valid")
			continue
		}
		if !parsed.Verify(hash, pub) {
			result.Info = append(result.Info, "Signatures: A signature in the psbt is not valid")
			continue
		}
		if fp, ok := fingerprintForPubKey(input.Bip32Derivation, sig.PubKey); ok {
			valid = append(valid, fp)
		}
	}
	return valid
}

func fingerprintForPubKey(derivs []*psbt.Bip32Derivation, pubKey []byte) (string, bool) {
	for _, d := range derivs {
		if d != nil && string(d.PubKey) == string(pubKey) {
			return hex.EncodeToString(fingerprintBytes(d.MasterKeyFingerprint)), true
		}
	}
	return "", false
}

// biggestDividingPow returns the number of trailing factors of ten in num,
// used to detect suspiciously round payment amounts.
func biggestDividingPow(num int64) int {
	if num <= 0 {
		return 0
	}
	start := int64(10)
	count := 0
	for num%start == 0 {
		start *= 10
		count++
	}
	return count
}

// applyPrivacyHeuristics appends, in a fixed order, any of the four privacy
// warnings that apply to this transaction. The invalid-signature warnings are
// appended earlier, while the inputs are walked, so they precede these.
func applyPrivacyHeuristics(result *Result, tx *wire.MsgTx, previousOutputs []*wire.TxOut, outputValues []int64, allPreviousKnown bool) {
	// 1. Mixed output script types.
	scriptTypes := map[int]bool{}
	for _, o := range tx.TxOut {
		scriptTypes[scriptTypeIndex(o.PkScript)] = true
	}
	if len(scriptTypes) > 1 {
		result.Info = append(result.Info, "Privacy: outputs have different script types https://en.bitcoin.it/wiki/Privacy#Sending_to_a_different_script_type")
	}

	// 2. Round-number outputs of widely differing precision.
	if len(outputValues) > 0 {
		min, max := biggestDividingPow(outputValues[0]), biggestDividingPow(outputValues[0])
		for _, v := range outputValues[1:] {
			d := biggestDividingPow(v)
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		if max-min >= 3 {
			result.Info = append(result.Info, "Privacy: outputs have different precision https://en.bitcoin.it/wiki/Privacy#Round_numbers")
		}
	}

	// 3. Unnecessary input heuristic: an output smaller than the smallest input.
	if len(previousOutputs) > 1 && allPreviousKnown {
		smallestInput := previousOutputs[0].Value
		for _, o := range previousOutputs[1:] {
			if o.Value < smallestInput {
				smallestInput = o.Value
			}
		}
		for _, v := range outputValues {
			if v < smallestInput {
				result.Info = append(result.Info, "Privacy: smallest output is smaller then smallest input https://en.bitcoin.it/wiki/Privacy#Unnecessary_input_heuristic")
				break
			}
		}
	}

	// 4. Address reuse: an output script repeats an input script.
	inputScripts := map[string]bool{}
	for _, o := range previousOutputs {
		if o != nil {
			inputScripts[string(o.PkScript)] = true
		}
	}
	for _, o := range tx.TxOut {
		if inputScripts[string(o.PkScript)] {
			result.Info = append(result.Info, "Privacy: address reuse https://en.bitcoin.it/wiki/Privacy#Address_reuse")
			break
		}
	}
}

func scriptTypeIndex(pkScript []byte) int {
	switch {
	case txscript.IsPayToPubKey(pkScript):
		return 0
	case txscript.IsPayToPubKeyHash(pkScript):
		return 1
	case txscript.IsPayToScriptHash(pkScript):
		return 2
	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		return 3
	case txscript.IsPayToWitnessScriptHash(pkScript):
		return 4
	default:
		return -1
	}
}

// estimateWeight approximates the fully-signed transaction's weight: the
// unsigned weight plus, per input, its redeem/witness script length times
// the expected signature count (72 bytes each, the historical DER-signature
// average) times the segwit discount factor.
func estimateWeight(p *psbt.Packet) (int, error) {
	unsignedWeight := txWeight(p.UnsignedTx)
	spendingWeight := 0

	for _, input := range p.Inputs {
		var script []byte
		factor := 1
		switch {
		case input.RedeemScript != nil && input.WitnessScript == nil:
			script = input.RedeemScript
			factor = 4
		case input.WitnessScript != nil:
			script = input.WitnessScript
			factor = 1
		default:
			return 0, airsigerr.New(airsigerr.KindGeneric, "both redeem and witness script are unset")
		}
		sigs, err := expectedSignatures(script)
		if err != nil {
			return 0, err
		}
		spendingWeight += (len(script) + sigs*72) * factor
	}

	return unsignedWeight + spendingWeight, nil
}

func txWeight(tx *wire.MsgTx) int {
	base := tx.SerializeSizeStripped()
	total := tx.SerializeSize()
	return base*3 + total
}

// expectedSignatures counts how many signatures a script demands: for an
// OP_CHECKMULTISIG script, the push-num just before that opcode (an over-estimate when
// N<M, since it counts pubkeys not the required threshold); otherwise the
// number of 33-byte pubkey pushes in the script.
func expectedSignatures(script []byte) (int, error) {
	if len(script) == 0 {
		return 0, airsigerr.New(airsigerr.KindGeneric, "empty script")
	}
	if script[len(script)-1] == txscript.OP_CHECKMULTISIG && len(script) >= 2 {
		if n, ok := readPushNum(script[len(script)-2]); ok {
			return n, nil
		}
		return 0, nil
	}
	keys, err := extractPubKeys(script)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func readPushNum(b byte) (int, bool) {
	if b >= txscript.OP_1 && b <= txscript.OP_16 {
		return int(b-txscript.OP_1) + 1, true
	}
	return 0, false
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

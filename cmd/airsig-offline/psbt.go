package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/cliutil"
	"github.com/dan/airsig/internal/cryptoenv"
	"github.com/dan/airsig/internal/printer"
	"github.com/dan/airsig/internal/psbtsign"
	"github.com/dan/airsig/internal/qr"
	"github.com/dan/airsig/internal/store"
	"github.com/spf13/cobra"
)

func signCmd() *cobra.Command {
	var name, keyName, psbtIn string
	var totalDerivations uint32
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a PSBT against a master secret's descriptor key",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := newStore()
			encKey, err := readEncryptionKeyIfSet()
			if err != nil {
				return cliutil.Fail(err)
			}
			ms, err := store.Read[store.MasterSecret](s, store.NewIdentifier(network, store.KindMasterSecret, keyName), encKey)
			if err != nil {
				return cliutil.Fail(err)
			}

			psbtB64, err := loadPsbtInput(name, psbtIn)
			if err != nil {
				return cliutil.Fail(err)
			}

			signed, result, err := psbtsign.Sign(network, ms, psbtB64, totalDerivations)
			if err != nil {
				return cliutil.Fail(err)
			}

			saveName, err := savePsbt(s, name, signed)
			if err != nil {
				return cliutil.Fail(err)
			}
			redactLog("signed psbt", "name", saveName, "signed", result.Signed, "added_paths", result.AddedPaths)
			return cliutil.Emit(struct {
				Psbt   string              `json:"psbt"`
				Result psbtsign.SignResult `json:"result"`
			}{Psbt: signed, Result: result})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "saved psbt name to sign (and save back to)")
	cmd.Flags().StringVar(&keyName, "key", "", "name of the master secret to sign with")
	cmd.Flags().StringVar(&psbtIn, "psbt", "", "base64 PSBT (when not using --name)")
	cmd.Flags().Uint32Var(&totalDerivations, "total-derivations", 1000, "receive-address indexes to scan when deducing derivation paths")
	cmd.MarkFlagRequired("key")
	return cmd
}

// savePsbt persists a signed PSBT under the explicit --name when given,
// falling back to the name embedded in the PSBT's proprietary key (the
// air-gap file-handoff case), and synthesizing a psbt-<k> name when neither
// exists — reusing the name of any saved record carrying the same unsigned
// txid. An existing record of the same name is merged into, never clobbered:
// the saved record is the union of both signature sets.
func savePsbt(s *store.Store, name, signed string) (string, error) {
	p, err := psbtsign.Decode(signed)
	if err != nil {
		return "", err
	}
	if name == "" {
		if embedded, ok := psbtsign.Name(p); ok {
			name = embedded
		} else {
			name, err = synthesizePsbtName(s, psbtsign.UnsignedTxID(p).String())
			if err != nil {
				return "", err
			}
			psbtsign.SetName(p, name)
			if signed, err = psbtsign.Encode(p); err != nil {
				return "", err
			}
		}
	}

	id := store.NewIdentifier(network, store.KindPsbt, name)
	toSave := signed
	if existing, err := store.Read[store.Psbt](s, id, nil); err == nil {
		merged, err := psbtsign.Merge([]string{existing.Psbt, signed})
		if err != nil {
			return "", err
		}
		toSave = merged
	}
	if err := store.Write(s, store.Psbt{ID: id, Psbt: toSave}, nil); err != nil {
		return "", err
	}
	return name, nil
}

// synthesizePsbtName reuses the name of a saved record whose unsigned txid
// matches, else mints "psbt-<k>" for the smallest unused k.
func synthesizePsbtName(s *store.Store, txid string) (string, error) {
	ids, err := s.List(network, store.KindPsbt, nil)
	if err != nil {
		return "", err
	}
	used := map[string]bool{}
	for _, id := range ids {
		used[id.Name] = true
		rec, readErr := store.Read[store.Psbt](s, id, nil)
		if readErr != nil {
			continue
		}
		existing, decodeErr := psbtsign.Decode(rec.Psbt)
		if decodeErr != nil {
			continue
		}
		if psbtsign.UnsignedTxID(existing).String() == txid {
			return id.Name, nil
		}
	}
	for k := 0; ; k++ {
		candidate := fmt.Sprintf("psbt-%d", k)
		if !used[candidate] {
			return candidate, nil
		}
	}
}

// loadPsbtInput resolves a PSBT either from a saved name or a literal
// --psbt value, matching the pattern every PSBT-consuming command shares.
func loadPsbtInput(name, literal string) (string, error) {
	if name != "" {
		s := newStore()
		p, err := store.Read[store.Psbt](s, store.NewIdentifier(network, store.KindPsbt, name), nil)
		if err != nil {
			return "", err
		}
		return p.Psbt, nil
	}
	return literal, nil
}

func printCmd() *cobra.Command {
	var name, psbtIn string
	var walletNames []string
	cmd := &cobra.Command{
		Use:   "print",
		Short: "Pretty-print a PSBT's effect: inputs, outputs, balances, fee",
		RunE: func(cmd *cobra.Command, args []string) error {
			psbtB64, err := loadPsbtInput(name, psbtIn)
			if err != nil {
				return cliutil.Fail(err)
			}
			p, err := psbtsign.Decode(psbtB64)
			if err != nil {
				return cliutil.Fail(err)
			}
			params, err := network.ChainParams()
			if err != nil {
				return cliutil.Fail(err)
			}

			s := newStore()
			wallets := make([]store.Wallet, 0, len(walletNames))
			for _, wn := range walletNames {
				w, err := store.Read[store.Wallet](s, store.NewIdentifier(network, store.KindWallet, wn), nil)
				if err != nil {
					return cliutil.Fail(err)
				}
				wallets = append(wallets, w)
			}

			result, err := printer.PrettyPrint(p, params, wallets)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(result)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "saved psbt name to print")
	cmd.Flags().StringVar(&psbtIn, "psbt", "", "base64 PSBT (when not using --name)")
	cmd.Flags().StringSliceVar(&walletNames, "wallet", nil, "wallet name(s) to attribute inputs/outputs against")
	return cmd
}

func exportCmd() *cobra.Command {
	var kind, name, qrDir string
	var qrVersion int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a stored object as self-describing JSON, optionally as QR codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := store.ParseKind(kind)
			if err != nil {
				return cliutil.Fail(err)
			}
			encKey, err := readEncryptionKeyIfSet()
			if err != nil {
				return cliutil.Fail(err)
			}
			s := newStore()
			raw, err := s.Export(store.NewIdentifier(network, k, name), encKey)
			if err != nil {
				return cliutil.Fail(err)
			}
			if qrDir != "" {
				if err := writeQrCodes(qrDir, qrVersion, raw); err != nil {
					return cliutil.Fail(err)
				}
			}
			os.Stdout.Write(raw)
			os.Stdout.WriteString("\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "MasterSecret|DescriptorPublicKey|Wallet|WalletIndexes|WalletSignature|Psbt")
	cmd.Flags().StringVar(&name, "name", "", "object name")
	cmd.Flags().StringVar(&qrDir, "qr-dir", "", "also render the export as QR PNGs in this directory")
	cmd.Flags().IntVar(&qrVersion, "qr-version", 14, "QR version to split at (5..20)")
	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagRequired("name")
	return cmd
}

// writeQrCodes splits payload into structured-append records at the given
// version and renders one scannable PNG per record as qr-<i>.png under dir.
func writeQrCodes(dir string, version int, payload []byte) error {
	if version < qr.MinVersion || version > qr.MaxVersion {
		return airsigerr.New(airsigerr.KindInvalidInput, fmt.Sprintf("qr version must be between %d and %d", qr.MinVersion, qr.MaxVersion))
	}
	records, err := qr.Split(payload, version)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return airsigerr.Wrap(airsigerr.KindGeneric, "creating qr directory", err)
	}
	for i, record := range records {
		png, err := qr.RenderPNG(record, 256)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("qr-%d.png", i))
		if err := os.WriteFile(path, png, 0o600); err != nil {
			return airsigerr.WithPath(airsigerr.KindGeneric, path, err)
		}
	}
	return nil
}

func importCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a previously exported object",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return cliutil.Fail(err)
			}
			encKey, err := readEncryptionKeyIfSet()
			if err != nil {
				return cliutil.Fail(err)
			}
			s := newStore()
			id, err := s.Import(data, encKey)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(id)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the exported JSON document")
	cmd.MarkFlagRequired("file")
	return cmd
}

// decryptCmd decrypts a detached backup file — one never read through the
// Store — and prints its contents, the recovery path for material copied out
// of a datadir or produced by an external backup step.
func decryptCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a detached backup file and print its contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return cliutil.Fail(airsigerr.WithPath(airsigerr.KindFileNotFoundOrCorrupt, file, err))
			}
			encKey, err := readEncryptionKeyIfSet()
			if err != nil {
				return cliutil.Fail(err)
			}
			raw, err := decryptFileContents(data, encKey)
			if err != nil {
				return cliutil.Fail(err)
			}
			redactLog("decrypted backup file", "file", file)
			os.Stdout.Write(raw)
			os.Stdout.WriteString("\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the encrypted backup file")
	cmd.MarkFlagRequired("file")
	return cmd
}

// decryptFileContents handles both forms a detached backup can take: the
// MaybeEncrypted envelope a Store write produces (plain passes through
// without a key, encrypted needs one — a state/key mismatch is an error,
// never a silent fallback), or a bare base64(nonce||ciphertext||tag) blob
// saved outside any envelope.
func decryptFileContents(data []byte, key *cryptoenv.Key) ([]byte, error) {
	var env cryptoenv.MaybeEncrypted
	if err := json.Unmarshal(data, &env); err == nil && (env.State == "plain" || env.State == "encrypted") {
		var raw json.RawMessage
		if err := cryptoenv.Decrypt(env, key, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	if key == nil {
		return nil, airsigerr.New(airsigerr.KindInvalidInput, "a bare encrypted blob needs an encryption key (--encrypt)")
	}
	return cryptoenv.DecryptRaw(strings.TrimSpace(string(data)), *key)
}

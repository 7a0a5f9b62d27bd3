package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/dan/airsig/internal/cliutil"
	"github.com/dan/airsig/internal/entropy"
	"github.com/dan/airsig/internal/keys"
	"github.com/dan/airsig/internal/store"
	"github.com/spf13/cobra"
)

// createResult is the shared response shape for every command that mints a
// fresh MasterSecret + DescriptorPublicKey pair (§4.1's "persistence step":
// both writes succeed together or neither does).
type createResult struct {
	MasterSecret        store.MasterSecret        `json:"master_secret"`
	DescriptorPublicKey store.DescriptorPublicKey `json:"descriptor_public_key"`
}

func diceCmd() *cobra.Command {
	var faces uint32
	var bits string
	var launchesStr string
	var name string
	cmd := &cobra.Command{
		Use:   "dice",
		Short: "Create a MasterSecret from dice entropy",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := entropy.ParseBits(bits)
			if err != nil {
				return cliutil.Fail(err)
			}
			launches, err := parseLaunches(launchesStr)
			if err != nil {
				return cliutil.Fail(err)
			}
			ms, err := entropy.MasterSecretFromDice(network, faces, b, launches, name)
			if err != nil {
				return cliutil.Fail(err)
			}
			return emitNewSecret(name, ms)
		},
	}
	cmd.Flags().Uint32Var(&faces, "faces", 6, "die faces: 2, 4, 6, 8, 12, or 20")
	cmd.Flags().StringVar(&bits, "bits", "128", "entropy bits: 128, 192, or 256")
	cmd.Flags().StringVar(&launchesStr, "launches", "", "comma-separated dice roll results")
	cmd.Flags().StringVar(&name, "name", "", "name for the new key")
	cmd.MarkFlagRequired("launches")
	cmd.MarkFlagRequired("name")
	return cmd
}

func parseLaunches(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func randomCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "random",
		Short: "Create a MasterSecret from the system CSPRNG",
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := entropy.RandomMasterSecret(network, name)
			if err != nil {
				return cliutil.Fail(err)
			}
			return emitNewSecret(name, ms)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name for the new key")
	cmd.MarkFlagRequired("name")
	return cmd
}

func restoreCmd() *cobra.Command {
	var name, nature, value string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a MasterSecret from an xprv, hex seed, or bech32 seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := entropy.ParseNature(nature)
			if err != nil {
				return cliutil.Fail(err)
			}
			ms, err := entropy.Restore(network, n, name, value)
			if err != nil {
				return cliutil.Fail(err)
			}
			return emitNewSecret(name, ms)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name for the restored key")
	cmd.Flags().StringVar(&nature, "nature", "xprv", "xprv|hex-seed|bech32-seed")
	cmd.Flags().StringVar(&value, "value", "", "the xprv / hex seed / bech32 seed to restore from")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("value")
	return cmd
}

// emitNewSecret derives the sibling DescriptorPublicKey, writes both records
// (encrypting the MasterSecret when --encrypt is set), and prints the pair.
func emitNewSecret(name string, ms store.MasterSecret) error {
	s := newStore()
	encKey, err := readEncryptionKeyIfSet()
	if err != nil {
		return cliutil.Fail(err)
	}
	dpk, _, err := keys.DeriveDescriptorPublicKey(network, ms, name)
	if err != nil {
		return cliutil.Fail(err)
	}
	if err := store.Write(s, ms, encKey); err != nil {
		return cliutil.Fail(err)
	}
	if err := store.Write(s, dpk, nil); err != nil {
		if p, perr := ms.ID.Path(s.Datadir, false); perr == nil {
			os.Remove(p)
		}
		return cliutil.Fail(err)
	}
	redactLog("created master secret", "name", name, "encrypted", encKey != nil)
	return cliutil.Emit(createResult{MasterSecret: ms, DescriptorPublicKey: dpk})
}

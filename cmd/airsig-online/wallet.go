package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/cliutil"
	"github.com/dan/airsig/internal/store"
	"github.com/spf13/cobra"
)

func createWalletCmd() *cobra.Command {
	var name string
	var required int
	var keyNames []string
	cmd := &cobra.Command{
		Use:   "create-wallet",
		Short: "Create an r-of-n watch-only multisig wallet from imported descriptor public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newCoordinator()
			if err != nil {
				return cliutil.Fail(err)
			}
			s := newStore()
			keys := make([]store.DescriptorPublicKey, 0, len(keyNames))
			for _, kn := range keyNames {
				dpk, err := store.Read[store.DescriptorPublicKey](s, store.NewIdentifier(c.Network, store.KindDescriptorPublicKey, kn), nil)
				if err != nil {
					return cliutil.Fail(err)
				}
				keys = append(keys, dpk)
			}
			w, err := c.CreateWallet(context.Background(), name, required, keys)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(w)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "wallet name")
	cmd.Flags().IntVar(&required, "required", 0, "number of required signatures")
	cmd.Flags().StringSliceVar(&keyNames, "key", nil, "descriptor public key name; repeat for each cosigner")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("required")
	cmd.MarkFlagRequired("key")
	return cmd
}

func rescanCmd() *cobra.Command {
	var startHeight int64
	cmd := &cobra.Command{
		Use:   "rescan",
		Short: "Rescan the node's chain state from a given height",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newCoordinator()
			if err != nil {
				return cliutil.Fail(err)
			}
			if err := c.Rescan(context.Background(), startHeight); err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(struct {
				Rescanned bool `json:"rescanned"`
			}{true})
		},
	}
	cmd.Flags().Int64Var(&startHeight, "start-height", 0, "height to rescan from (0 == genesis)")
	return cmd
}

func getAddressCmd() *cobra.Command {
	var walletName string
	cmd := &cobra.Command{
		Use:   "get-address",
		Short: "Derive the next receive address of a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newCoordinator()
			if err != nil {
				return cliutil.Fail(err)
			}
			w, err := store.Read[store.Wallet](c.Store, store.NewIdentifier(c.Network, store.KindWallet, walletName), nil)
			if err != nil {
				return cliutil.Fail(err)
			}
			addr, path, err := c.GetAddress(context.Background(), w)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(struct {
				Address string `json:"address"`
				Path    string `json:"path"`
			}{addr, path})
		},
	}
	cmd.Flags().StringVar(&walletName, "wallet", "", "wallet name")
	cmd.MarkFlagRequired("wallet")
	return cmd
}

func createTxCmd() *cobra.Command {
	var walletName, changeAddress string
	var outputSpecs []string
	cmd := &cobra.Command{
		Use:   "create-tx",
		Short: "Fund an unsigned PSBT paying the given outputs from a wallet's UTXOs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newCoordinator()
			if err != nil {
				return cliutil.Fail(err)
			}
			w, err := store.Read[store.Wallet](c.Store, store.NewIdentifier(c.Network, store.KindWallet, walletName), nil)
			if err != nil {
				return cliutil.Fail(err)
			}
			outputs, err := parseOutputs(outputSpecs)
			if err != nil {
				return cliutil.Fail(err)
			}
			result, err := c.CreateTx(context.Background(), w, outputs, changeAddress)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(result)
		},
	}
	cmd.Flags().StringVar(&walletName, "wallet", "", "wallet name")
	cmd.Flags().StringSliceVar(&outputSpecs, "output", nil, "address=amount, repeat for each output")
	cmd.Flags().StringVar(&changeAddress, "change-address", "", "explicit change address; empty lets the node pick one")
	cmd.MarkFlagRequired("wallet")
	cmd.MarkFlagRequired("output")
	return cmd
}

// parseOutputs turns "address=amount" flag values into the map CreateTx
// expects.
func parseOutputs(specs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 {
			return nil, airsigerr.New(airsigerr.KindInvalidInput, "output must be of the form address=amount")
		}
		amt, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, airsigerr.Wrap(airsigerr.KindInvalidInput, "parsing output amount", err)
		}
		out[parts[0]] = amt
	}
	return out, nil
}

func sendTxCmd() *cobra.Command {
	var psbtNames []string
	cmd := &cobra.Command{
		Use:   "send-tx",
		Short: "Combine, finalize, and broadcast one or more signed copies of a PSBT",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newCoordinator()
			if err != nil {
				return cliutil.Fail(err)
			}
			psbts := make([]string, 0, len(psbtNames))
			for _, name := range psbtNames {
				p, err := store.Read[store.Psbt](c.Store, store.NewIdentifier(c.Network, store.KindPsbt, name), nil)
				if err != nil {
					return cliutil.Fail(err)
				}
				psbts = append(psbts, p.Psbt)
			}
			txid, err := c.SendTx(context.Background(), psbts)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(struct {
				TxID string `json:"txid"`
			}{txid})
		},
	}
	cmd.Flags().StringSliceVar(&psbtNames, "psbt", nil, "saved psbt name; repeat to combine multiple signed copies")
	cmd.MarkFlagRequired("psbt")
	return cmd
}

func balanceCmd() *cobra.Command {
	var walletName string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a wallet's trusted/untrusted balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newCoordinator()
			if err != nil {
				return cliutil.Fail(err)
			}
			b, err := c.Balance(context.Background(), walletName)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(b)
		},
	}
	cmd.Flags().StringVar(&walletName, "wallet", "", "wallet name")
	cmd.MarkFlagRequired("wallet")
	return cmd
}

func listCoinsCmd() *cobra.Command {
	var walletName string
	var minConf int
	cmd := &cobra.Command{
		Use:   "list-coins",
		Short: "List a wallet's UTXOs honoring the configured minimum-confirmations policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := newCoordinator()
			if err != nil {
				return cliutil.Fail(err)
			}
			if minConf < 0 {
				minConf = cfg.MinConfirmations
			}
			coins, err := c.ListCoins(context.Background(), walletName, minConf)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(coins)
		},
	}
	cmd.Flags().StringVar(&walletName, "wallet", "", "wallet name")
	cmd.Flags().IntVar(&minConf, "min-confirmations", -1, "override the datadir's configured minimum confirmations")
	cmd.MarkFlagRequired("wallet")
	return cmd
}

func importCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a descriptor public key exported from the offline signer",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return cliutil.Fail(err)
			}
			s := newStore()
			id, err := s.Import(data, nil)
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

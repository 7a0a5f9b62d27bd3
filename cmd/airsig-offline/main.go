// Command airsig-offline is the air-gapped half of the toolkit: entropy
// acquisition, master-key derivation, PSBT signing/printing, and wallet
// descriptor signing. It must never perform network I/O (§1 Non-goals).
// Cobra usage is patterned on sigil's/simple-eth-hd-wallet's root-command +
// subcommand registration style — the donor repo itself is a Vault plugin
// with no CLI of its own.
package main

import (
	"os"

	"github.com/dan/airsig/internal/cliutil"
	"github.com/dan/airsig/internal/cryptoenv"
	"github.com/dan/airsig/internal/logging"
	"github.com/dan/airsig/internal/store"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var (
	datadir      string
	networkFlag  string
	encryptFlag  bool
	logLevelFlag string
	logger       hclog.Logger
	network      store.Network
)

func main() {
	root := &cobra.Command{
		Use:           "airsig-offline",
		Short:         "Air-gapped Bitcoin multisig signer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			n, err := store.ParseNetwork(networkFlag)
			if err != nil {
				return err
			}
			network = n
			logger = logging.New("airsig-offline", logLevelFlag)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&datadir, "datadir", defaultDatadir(), "data directory")
	root.PersistentFlags().StringVar(&networkFlag, "network", "bitcoin", "bitcoin|testnet|regtest")
	root.PersistentFlags().BoolVar(&encryptFlag, "encrypt", false, "read a 32-byte encryption key from stdin")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "debug|info|warn|error")

	root.AddCommand(
		diceCmd(), randomCmd(), signCmd(), printCmd(), restoreCmd(), listCmd(),
		deriveKeyCmd(), signWalletCmd(), verifyWalletCmd(), importCmd(), exportCmd(), decryptCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultDatadir() string {
	if d := os.Getenv("AIRSIG_DATADIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".airsig"
	}
	return home + "/.airsig"
}

func newStore() *store.Store { return store.New(datadir) }

func redactLog(msg string, args ...interface{}) {
	logger.Debug(msg, logging.Redact(args...)...)
}

// readEncryptionKeyIfSet reads the 32-byte key from stdin when --encrypt was
// passed, nil otherwise — every command that writes or reads key material
// goes through this single choke point.
func readEncryptionKeyIfSet() (*cryptoenv.Key, error) {
	if !encryptFlag {
		return nil, nil
	}
	return cliutil.ReadEncryptionKey(cliutil.Stdin)
}

// Command airsig-online is the network-facing half of the toolkit: it talks
// to a Bitcoin Core node to create watch-only multisig wallets, derive
// addresses, fund and broadcast transactions, and track balances. It never
// touches private key material.
package main

import (
	"os"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/config"
	"github.com/dan/airsig/internal/coordinator"
	"github.com/dan/airsig/internal/logging"
	"github.com/dan/airsig/internal/node"
	"github.com/dan/airsig/internal/store"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var (
	datadir      string
	logLevelFlag string
	logger       hclog.Logger
)

func main() {
	root := &cobra.Command{
		Use:           "airsig-online",
		Short:         "Node-facing coordinator for air-gapped multisig wallets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger = logging.New("airsig-online", logLevelFlag)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&datadir, "datadir", defaultDatadir(), "data directory")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "debug|info|warn|error")

	root.AddCommand(
		connectCmd(), createWalletCmd(), rescanCmd(), getAddressCmd(),
		createTxCmd(), sendTxCmd(), balanceCmd(), listCoinsCmd(), importCmd(),
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

// newCoordinator loads the datadir's config file and wires up a Coordinator
// against the node it names; every subcommand but "connect" needs one.
func newCoordinator() (*coordinator.Coordinator, *config.Config, error) {
	cfg, err := config.Load(datadir)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		return nil, nil, errNoConfig()
	}
	network, err := store.ParseNetwork(string(cfg.Network))
	if err != nil {
		return nil, nil, err
	}
	n := node.New(cfg.NodeURL, cfg.NodeUser, cfg.NodePassword)
	return coordinator.New(n, newStore(), network, logger), cfg, nil
}

func errNoConfig() error {
	return airsigerr.New(airsigerr.KindInvalidInput, "no node configured for this datadir; run \"connect\" first")
}

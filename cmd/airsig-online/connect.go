package main

import (
	"context"

	"github.com/dan/airsig/internal/cliutil"
	"github.com/dan/airsig/internal/config"
	"github.com/dan/airsig/internal/coordinator"
	"github.com/dan/airsig/internal/node"
	"github.com/dan/airsig/internal/store"
	"github.com/spf13/cobra"
)

// connectCmd saves the node connection settings for this datadir and
// verifies the node's genesis block matches the requested network before
// persisting anything, per §4.9's "connect is the first call" contract.
func connectCmd() *cobra.Command {
	var networkFlag, nodeURL, nodeUser, nodePassword string
	var minConfirmations int
	var genesisHash string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Configure and verify the Bitcoin Core node for this datadir",
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := store.ParseNetwork(networkFlag)
			if err != nil {
				return cliutil.Fail(err)
			}
			n := node.New(nodeURL, nodeUser, nodePassword)
			c := coordinator.New(n, newStore(), network, logger)
			if err := c.Connect(context.Background(), genesisHash); err != nil {
				return cliutil.Fail(err)
			}
			cfg := config.Config{
				Network:          network,
				NodeURL:          nodeURL,
				NodeUser:         nodeUser,
				NodePassword:     nodePassword,
				MinConfirmations: minConfirmations,
			}
			if err := config.Save(datadir, cfg); err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(struct {
				Connected bool `json:"connected"`
			}{true})
		},
	}
	cmd.Flags().StringVar(&networkFlag, "network", "bitcoin", "bitcoin|testnet|regtest")
	cmd.Flags().StringVar(&nodeURL, "node-url", "", "Bitcoin Core RPC endpoint, e.g. http://127.0.0.1:8332")
	cmd.Flags().StringVar(&nodeUser, "node-user", "", "RPC basic-auth user")
	cmd.Flags().StringVar(&nodePassword, "node-password", "", "RPC basic-auth password")
	cmd.Flags().IntVar(&minConfirmations, "min-confirmations", 1, "minimum confirmations required to spend a coin")
	cmd.Flags().StringVar(&genesisHash, "genesis-hash", "", "expected genesis block hash; empty skips the check")
	cmd.MarkFlagRequired("node-url")
	return cmd
}

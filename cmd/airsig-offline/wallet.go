package main

import (
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/cliutil"
	"github.com/dan/airsig/internal/keys"
	"github.com/dan/airsig/internal/store"
	"github.com/dan/airsig/internal/walletsign"
	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identifiers of a given kind",
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
			ids, err := s.List(network, k, encKey)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(ids)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "MasterSecret|DescriptorPublicKey|Wallet|WalletIndexes|WalletSignature|Psbt")
	cmd.MarkFlagRequired("kind")
	return cmd
}

// deriveKeyCmd derives a child master secret from an existing one by walking
// a hardened path built byte-by-byte from the new key's name: each byte of
// toKeyName becomes one hardened derivation index.
func deriveKeyCmd() *cobra.Command {
	var fromKey, toKeyName string
	cmd := &cobra.Command{
		Use:   "derive-key",
		Short: "Derive a child master secret from an existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if toKeyName == "" {
				return cliutil.Fail(airsigerr.New(airsigerr.KindInvalidInput, "--to-key-name must not be empty"))
			}
			s := newStore()
			encKey, err := readEncryptionKeyIfSet()
			if err != nil {
				return cliutil.Fail(err)
			}
			ms, err := store.Read[store.MasterSecret](s, store.NewIdentifier(network, store.KindMasterSecret, fromKey), encKey)
			if err != nil {
				return cliutil.Fail(err)
			}

			master, err := keys.MasterFromSecret(ms)
			if err != nil {
				return cliutil.Fail(err)
			}
			child := master
			for _, b := range []byte(toKeyName) {
				child, err = child.Derive(hdkeychain.HardenedKeyStart + uint32(b))
				if err != nil {
					return cliutil.Fail(airsigerr.Wrap(airsigerr.KindGeneric, "deriving child master key", err))
				}
			}
			childStr := child.String()
			childMS := store.MasterSecret{
				ID:   store.NewIdentifier(network, store.KindMasterSecret, toKeyName),
				Xprv: childStr,
			}
			return emitNewSecret(toKeyName, childMS)
		},
	}
	cmd.Flags().StringVar(&fromKey, "from-key", "", "name of the master secret to derive from")
	cmd.Flags().StringVar(&toKeyName, "to-key-name", "", "name of the new derived key; also its derivation seed")
	cmd.MarkFlagRequired("from-key")
	cmd.MarkFlagRequired("to-key-name")
	return cmd
}

func signWalletCmd() *cobra.Command {
	var walletName string
	cmd := &cobra.Command{
		Use:   "sign-wallet",
		Short: "Sign a wallet's descriptor with whichever available master secret participates in it",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := newStore()
			encKey, err := readEncryptionKeyIfSet()
			if err != nil {
				return cliutil.Fail(err)
			}
			w, err := store.Read[store.Wallet](s, store.NewIdentifier(network, store.KindWallet, walletName), nil)
			if err != nil {
				return cliutil.Fail(err)
			}

			ids, err := s.List(network, store.KindMasterSecret, encKey)
			if err != nil {
				return cliutil.Fail(err)
			}
			secrets := make([]store.MasterSecret, 0, len(ids))
			for _, id := range ids {
				ms, err := store.Read[store.MasterSecret](s, id, encKey)
				if err != nil {
					continue
				}
				secrets = append(secrets, ms)
			}

			ms, err := walletsign.FindSigningSecret(network, w.Descriptor, secrets)
			if err != nil {
				return cliutil.Fail(err)
			}
			sig, err := walletsign.SignDescriptor(network, ms, w.Descriptor)
			if err != nil {
				return cliutil.Fail(err)
			}

			ws := store.WalletSignature{
				ID:        w.ID.WithKind(store.KindWalletSignature),
				Signature: sig,
			}
			if err := store.Write(s, ws, nil); err != nil {
				return cliutil.Fail(err)
			}
			redactLog("signed wallet descriptor", "wallet", walletName)
			return cliutil.Emit(ws)
		},
	}
	cmd.Flags().StringVar(&walletName, "wallet", "", "wallet name")
	cmd.MarkFlagRequired("wallet")
	return cmd
}

func verifyWalletCmd() *cobra.Command {
	var walletName string
	cmd := &cobra.Command{
		Use:   "verify-wallet",
		Short: "Verify a wallet's stored signature against its descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := newStore()
			w, err := store.Read[store.Wallet](s, store.NewIdentifier(network, store.KindWallet, walletName), nil)
			if err != nil {
				return cliutil.Fail(err)
			}
			ws, err := store.Read[store.WalletSignature](s, w.ID.WithKind(store.KindWalletSignature), nil)
			if err != nil {
				return cliutil.Fail(err)
			}
			params, err := network.ChainParams()
			if err != nil {
				return cliutil.Fail(err)
			}
			idx, err := walletsign.VerifyDescriptor(params, w.Descriptor, ws.Signature)
			if err != nil {
				return cliutil.Fail(err)
			}
			return cliutil.Emit(struct {
				Verified bool `json:"verified"`
				KeyIndex int  `json:"key_index"`
			}{true, idx})
		},
	}
	cmd.Flags().StringVar(&walletName, "wallet", "", "wallet name")
	cmd.MarkFlagRequired("wallet")
	return cmd
}

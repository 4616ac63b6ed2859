package commands

import (
	"context"

	"github.com/spf13/cobra"

	"parley/internal/app"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and a prekey pool and store them sealed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return errNoPassphrase
			}
			peer, fp, err := app.Init(cfg, passphrase, logger)
			if err != nil {
				return err
			}
			printf(cmd, "Identity created.\nPeer ID:     %s\nFingerprint: %s\n", peer, fp)
			return nil
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "fingerprint",
		Aliases: []string{"id"},
		Short:   "Show the local peer id and identity fingerprint",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWire(cmd, func(_ context.Context, w *app.Wire) error {
				printf(cmd, "Peer ID:     %s\nFingerprint: %s\n", w.Identity.PeerID(), w.Identity.Fingerprint())
				return nil
			})
		},
	}
}

func passwdCmd() *cobra.Command {
	var next string
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Re-seal the identity under a new passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return errNoPassphrase
			}
			if err := app.Identities(cfg, logger).ChangePassphrase(passphrase, next); err != nil {
				return err
			}
			printf(cmd, "passphrase changed\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&next, "new", "", "new passphrase")
	_ = cmd.MarkFlagRequired("new")
	return cmd
}

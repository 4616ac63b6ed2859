package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"parley/internal/app"
	"parley/internal/domain"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, reset and clean up pairwise sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWire(cmd, func(_ context.Context, w *app.Wire) error {
					infos, err := w.Sessions.List()
					if err != nil {
						return err
					}
					for _, s := range infos {
						printf(cmd, "%s  fp=%s  sent=%d recv=%d failures=%d  last=%s\n",
							s.Peer, s.RemoteIdentity, s.Sent, s.Received, s.Failures,
							time.Unix(s.LastUsed, 0).Format(time.DateTime))
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "start <peer>",
			Short: "Run a handshake with a peer now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWire(cmd, func(ctx context.Context, w *app.Wire) error {
					info, err := w.Sessions.Initiate(ctx, domain.PeerID(args[0]))
					if err != nil {
						return err
					}
					printf(cmd, "session with %s, remote fingerprint %s\n", info.Peer, info.RemoteIdentity)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset <peer>",
			Short: "Drop the session with a peer; the next send starts a new one",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWire(cmd, func(_ context.Context, w *app.Wire) error {
					if err := w.Sessions.Reset(domain.PeerID(args[0])); err != nil {
						return err
					}
					printf(cmd, "reset\n")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Delete sessions idle longer than sessions.stale_after",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWire(cmd, func(_ context.Context, w *app.Wire) error {
					n, err := w.Sessions.CleanupStale()
					if err != nil {
						return err
					}
					printf(cmd, "removed %d stale sessions\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

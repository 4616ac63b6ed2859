package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"parley/internal/app"
	"parley/internal/domain"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWire(cmd, func(ctx context.Context, w *app.Wire) error {
				if err := w.Messages.Send(ctx, domain.PeerID(args[0]), []byte(args[1])); err != nil {
					return err
				}
				printf(cmd, "sent\n")
				return nil
			})
		},
	}
}

// recv: fetch and decrypt queued messages.
func recvCmd() *cobra.Command {
	var (
		limit    int
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWire(cmd, func(ctx context.Context, w *app.Wire) error {
				if follow {
					err := w.Messages.Listen(ctx, interval, func(m domain.DecryptedMessage) {
						printMessage(cmd, m)
					})
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				msgs, err := w.Messages.Receive(ctx, limit)
				for _, m := range msgs {
					printMessage(cmd, m)
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum envelopes to fetch (0 for the relay default)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func printMessage(cmd *cobra.Command, m domain.DecryptedMessage) {
	ts := time.Unix(m.Timestamp, 0).Format(time.DateTime)
	if m.Group != "" {
		printf(cmd, "%s [%s] <%s> %s\n", ts, m.Group, m.From, m.Plaintext)
		return
	}
	printf(cmd, "%s <%s> %s\n", ts, m.From, m.Plaintext)
}

package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"parley/internal/app"
)

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish a batch of prekey bundles to the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWire(cmd, func(ctx context.Context, w *app.Wire) error {
				n, err := w.PreKeys.Publish(ctx)
				if err != nil {
					return err
				}
				printf(cmd, "published %d bundles, %d one-time prekeys left\n", n, w.PreKeys.Count())
				return nil
			})
		},
	}
}

func prekeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prekeys",
		Short: "Inspect and maintain the local prekey pool",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show how many one-time prekeys are available",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWire(cmd, func(_ context.Context, w *app.Wire) error {
					pool := w.Identity.Pool()
					printf(cmd, "available: %d\nissued:    %d\nsigned prekey age: %s\n",
						pool.Count(), pool.IssuedCount(), pool.SignedPreKeyAge().Round(time.Second))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "maintain",
			Short: "Replenish the pool, rotate the signed prekey when due and republish",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWire(cmd, func(ctx context.Context, w *app.Wire) error {
					r, err := w.PreKeys.Maintain(ctx)
					if err != nil {
						return err
					}
					printf(cmd, "added %d, rotated %t, published %d, available %d\n",
						r.Added, r.Rotated, r.Published, w.PreKeys.Count())
					return nil
				})
			},
		},
	)
	return cmd
}

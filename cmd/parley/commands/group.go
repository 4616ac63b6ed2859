package commands

import (
	"context"

	"github.com/spf13/cobra"

	"parley/internal/app"
	"parley/internal/domain"
)

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage sender-key groups",
	}
	cmd.AddCommand(
		groupRun("create <peer>...", "Create a group with the given members", cobra.MinimumNArgs(1),
			func(ctx context.Context, cmd *cobra.Command, w *app.Wire, args []string) error {
				peers := make([]domain.PeerID, len(args))
				for i, a := range args {
					peers[i] = domain.PeerID(a)
				}
				id, err := w.Groups.CreateGroup(ctx, peers)
				if id != "" {
					printf(cmd, "%s\n", id)
				}
				return err
			}),
		groupRun("add <group> <peer>", "Add a member and rotate the group key", cobra.ExactArgs(2),
			func(ctx context.Context, cmd *cobra.Command, w *app.Wire, args []string) error {
				return w.Groups.AddMember(ctx, domain.GroupID(args[0]), domain.PeerID(args[1]))
			}),
		groupRun("remove <group> <peer>", "Remove a member and rotate the group key", cobra.ExactArgs(2),
			func(ctx context.Context, cmd *cobra.Command, w *app.Wire, args []string) error {
				return w.Groups.RemoveMember(ctx, domain.GroupID(args[0]), domain.PeerID(args[1]))
			}),
		groupRun("rotate <group>", "Rotate the local sender key", cobra.ExactArgs(1),
			func(ctx context.Context, cmd *cobra.Command, w *app.Wire, args []string) error {
				return w.Groups.RotateGroupKey(ctx, domain.GroupID(args[0]))
			}),
		groupRun("send <group> <message>", "Encrypt and send a message to every member", cobra.ExactArgs(2),
			func(ctx context.Context, cmd *cobra.Command, w *app.Wire, args []string) error {
				return w.Messages.SendGroup(ctx, domain.GroupID(args[0]), []byte(args[1]))
			}),
		groupRun("leave <group>", "Forget a group and its keys", cobra.ExactArgs(1),
			func(_ context.Context, cmd *cobra.Command, w *app.Wire, args []string) error {
				return w.Groups.LeaveGroup(domain.GroupID(args[0]))
			}),
		groupRun("list", "List known groups", cobra.NoArgs,
			func(_ context.Context, cmd *cobra.Command, w *app.Wire, args []string) error {
				ids, err := w.Groups.ListGroups()
				if err != nil {
					return err
				}
				for _, id := range ids {
					n, err := w.Groups.MemberCount(id)
					if err != nil {
						return err
					}
					printf(cmd, "%s  members=%d\n", id, n)
				}
				return nil
			}),
		groupRun("members <group>", "List the members of a group", cobra.ExactArgs(1),
			func(_ context.Context, cmd *cobra.Command, w *app.Wire, args []string) error {
				members, err := w.Groups.Members(domain.GroupID(args[0]))
				if err != nil {
					return err
				}
				for _, m := range members {
					printf(cmd, "%s\n", m)
				}
				return nil
			}),
	)
	return cmd
}

func groupRun(
	use, short string,
	args cobra.PositionalArgs,
	fn func(ctx context.Context, cmd *cobra.Command, w *app.Wire, args []string) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, a []string) error {
			return withWire(cmd, func(ctx context.Context, w *app.Wire) error {
				return fn(ctx, cmd, w, a)
			})
		},
	}
}

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/edisonflow/edison/internal/types"
	"github.com/edisonflow/edison/internal/ui"
)

func (a *app) gitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "git",
		Short:   "Manage session worktrees",
		GroupID: "sessions",
	}
	type op func(ctx context.Context, id, actor string) (*types.Session, error)
	sub := func(use, short, done string, run op) *cobra.Command {
		var sessionID string
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				if sessionID == "" {
					return usageErrorf("--session is required")
				}
				sess, err := run(cmd.Context(), sessionID, a.actor)
				if err != nil {
					return err
				}
				a.emit(sess, nil, func() {
					a.printf("%s %s %s (%s)\n", ui.RenderPass(ui.IconPass), done, sess.WorktreePath, sess.ID)
				})
				return nil
			},
		}
		c.Flags().StringVar(&sessionID, "session", "", "Session id")
		return c
	}
	cmd.AddCommand(
		sub("worktree-create", "Create (or recreate) a session's worktree", "Worktree ready at",
			func(ctx context.Context, id, actor string) (*types.Session, error) {
				return a.svc.WorktreeCreate(ctx, id, actor)
			}),
		sub("worktree-archive", "Remove a session's worktree, keeping its branch", "Archived worktree",
			func(ctx context.Context, id, actor string) (*types.Session, error) {
				return a.svc.WorktreeArchive(ctx, id, actor)
			}),
		sub("worktree-cleanup", "Force-remove a session's worktree and prune git's worktree list", "Cleaned up worktree",
			func(ctx context.Context, id, actor string) (*types.Session, error) {
				return a.svc.WorktreeCleanup(ctx, id, actor)
			}),
	)
	return cmd
}

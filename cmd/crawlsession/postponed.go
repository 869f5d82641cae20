package main

import (
	"slices"

	"github.com/spf13/cobra"
)

func newPostponedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postponed",
		Short: "Manage the postponed-session set.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List postponed session ids.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				app, err := resolveApp(cmd)
				if err != nil {
					return err
				}
				ids, err := app.Manager().ListPostponed(cmd.Context())
				if err != nil {
					return err
				}
				slices.Sort(ids)
				return printJSON(cmd, map[string]any{"sessions": ids})
			},
		},
		&cobra.Command{
			Use:   "push <session-id>",
			Short: "Add a session id to the postponed set.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := resolveApp(cmd)
				if err != nil {
					return err
				}
				return app.Manager().PushPostponed(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "pop <session-id>",
			Short: "Remove a session id from the postponed set and print it.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := resolveApp(cmd)
				if err != nil {
					return err
				}
				s, err := app.Manager().PopPostponed(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				meta, err := s.Meta(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"id": s.ID(), "meta": meta})
			},
		},
	)
	return cmd
}

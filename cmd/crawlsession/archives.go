package main

import (
	"github.com/spf13/cobra"
)

func newArchivesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Read retired sessions from the archive repository.",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List archive records, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			repo, err := requireRepository(app)
			if err != nil {
				return err
			}
			recs, err := repo.ListArchives(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"archives": recs})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum records to return")
	list.Flags().IntVar(&offset, "offset", 0, "records to skip")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print one archive record with its event tallies.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			repo, err := requireRepository(app)
			if err != nil {
				return err
			}
			rec, err := repo.GetArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			counts, err := repo.ListEventCounts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"archive": rec, "events": counts})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

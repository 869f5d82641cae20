package main

import (
	"errors"
	"slices"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-session-coordinator/internal/server"
	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
)

var (
	errArchiveDisabled = errors.New("archiving is not enabled (archive.enabled)")
	errNoRepository    = errors.New("no archive repository configured (archive.dsn)")
)

type sessionView struct {
	ID           string           `json:"id"`
	Meta         session.Meta     `json:"meta"`
	URLCount     int64            `json:"url_count"`
	ContentCount int64            `json:"content_count"`
	TagsUsage    map[string]int64 `json:"tags_usage"`
	Heartbeats   map[string]int64 `json:"heartbeats"`
	Postponed    bool             `json:"postponed"`
}

func requireRepository(app App) (server.Repository, error) {
	repo := app.Repository()
	if repo == nil {
		return nil, errNoRepository
	}
	return repo, nil
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage live sessions.",
	}
	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsCreateCmd(),
		newSessionsShowCmd(),
		newSessionsStopCmd(),
		newSessionsRemoveCmd(),
		newSessionsRetireCmd(),
	)
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live session ids.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			ids, err := app.Manager().IDs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			slices.Sort(ids)
			return printJSON(cmd, map[string]any{"sessions": ids})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum ids to return (0 for all)")
	return cmd
}

func newSessionsCreateCmd() *cobra.Command {
	var hintID, url string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session for a seed URL.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			s, err := app.Manager().Create(cmd.Context(), hintID, url)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"id": s.ID()})
		},
	}
	cmd.Flags().StringVar(&hintID, "hint", "", "hint id recorded in the session metadata")
	cmd.Flags().StringVar(&url, "url", "", "seed URL")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's metadata, counts, tags, and heartbeats.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := app.Manager().Get(ctx, args[0])
			if err != nil {
				return err
			}
			view := sessionView{ID: s.ID()}
			if view.Meta, err = s.Meta(ctx); err != nil {
				return err
			}
			if view.URLCount, err = s.URLCount(ctx); err != nil {
				return err
			}
			if view.ContentCount, err = s.ContentCount(ctx); err != nil {
				return err
			}
			if view.TagsUsage, err = s.TagsUsage(ctx); err != nil {
				return err
			}
			if view.Heartbeats, err = s.Heartbeats(ctx); err != nil {
				return err
			}
			postponed, err := app.Manager().ListPostponed(ctx)
			if err != nil {
				return err
			}
			view.Postponed = slices.Contains(postponed, s.ID())
			return printJSON(cmd, view)
		},
	}
}

func newSessionsStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Mark a session STOPPED so it can be retired.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			s, err := app.Manager().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := s.SetStatus(cmd.Context(), session.StatusStopped); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"id": s.ID(), "status": session.StatusStopped})
		},
	}
}

func newSessionsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <session-id>",
		Short: "Delete every key of a session without archiving it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			if err := app.Manager().Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			app.Logger().Info("session removed")
			return nil
		},
	}
}

func newSessionsRetireCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "retire <session-id>",
		Short: "Archive a stopped session and remove it from the live store.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			archiver := app.Archiver()
			if archiver == nil {
				return errArchiveDisabled
			}
			rec, err := archiver.Retire(cmd.Context(), args[0], force)
			if err != nil && rec.SessionID == "" {
				return err
			}
			if printErr := printJSON(cmd, rec); printErr != nil {
				return errors.Join(err, printErr)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "retire even if the session is not STOPPED")
	return cmd
}

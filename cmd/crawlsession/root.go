package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-session-coordinator/internal/config"
	"github.com/JakeFAU/crawl-session-coordinator/internal/logging"
	"github.com/JakeFAU/crawl-session-coordinator/internal/server"
	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what commands need from the application container.
type App interface {
	Manager() *session.Manager
	Archiver() *archive.Archiver
	Repository() server.Repository
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// newRootCmd builds the command tree. The app opened by PersistentPreRunE is
// stored in opened so the caller can close it after any outcome.
func newRootCmd(opened *App) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawlsession",
		Short: "Coordinates distributed crawl sessions over a shared hash store.",
		Long: `crawlsession owns the lifecycle of crawl sessions kept in Redis: creating
them, registering and claiming URLs, tracking counters, postponing, and
retiring finished sessions into durable storage.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			*opened = app
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and CRAWLSESSION_* env only when empty)")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSessionsCmd(),
		newPostponedCmd(),
		newArchivesCmd(),
	)
	return cmd
}

func resolveApp(cmd *cobra.Command) (App, error) {
	app, ok := cmd.Context().Value(appKey).(App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opened App
	root := newRootCmd(&opened)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if opened != nil {
		err = errors.Join(err, opened.Close(context.Background()))
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		logger, logErr := logging.New(false)
		if logErr != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.Fatal("Command execution failed", zap.Error(err))
	}
}

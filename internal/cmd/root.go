package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

type options struct {
	configPath  string
	catalogPath string
	statePath   string
	logLevel    string
	discover    bool
}

func NewRootCommand() *cobra.Command {
	o := &options{}

	var cmd = &cobra.Command{
		Use:   "tap-youtube-analytics",
		Short: "Singer tap for the YouTube Data and Reporting APIs",
		Long: `Extracts channels, playlists, playlist items, videos and bulk
reports from YouTube and writes them as Singer messages.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case o.discover:
				return runDiscover(cmd.Context(), o, cmd.OutOrStdout())
			case o.catalogPath != "":
				return runSync(cmd.Context(), o, cmd.OutOrStdout())
			default:
				return errors.New("either --discover or --catalog is required")
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", "", "Path to the tap config file (JSON or YAML)")
	flags.StringVar(&o.catalogPath, "catalog", "", "Path to the catalog of selected streams")
	flags.StringVar(&o.statePath, "state", "", "Path to a state file to resume from")
	flags.StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVarP(&o.discover, "discover", "d", false, "Run discovery and print the catalog")

	cmd.AddCommand(newDiscoverCommand(o))
	cmd.AddCommand(newSyncCommand(o))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// newLogger builds the development logger on stderr. stdout carries the
// Singer messages.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("tap-youtube-analytics"), nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/tap-youtube-analytics/internal/config"
	"github.com/turbolytics/tap-youtube-analytics/pkg/singer"
	"github.com/turbolytics/tap-youtube-analytics/pkg/tap"
)

func newDiscoverCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Prints the catalog of streams available to the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), o, cmd.OutOrStdout())
		},
	}
}

func runDiscover(ctx context.Context, o *options, stdout io.Writer) error {
	logger, err := newLogger(o.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	logger.Info("starting discover")
	client := newClient(ctx, c, logger, nil)
	t := tap.New(client, singer.NewStreamTarget(io.Discard), tapConfig(c), tap.WithLogger(logger.Named("tap")))

	cat, err := t.Discover(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cat); err != nil {
		return err
	}
	logger.Info("finished discover", zap.Int("streams", len(cat.Streams)))
	return nil
}

package cli

import (
	"github.com/spf13/cobra"

	"github.com/nicktill/tinystats/pkg/server"
)

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the update schedule.",
		Long: `Serve the chart API and keep charts up to date.

Charts are updated once on startup and then on the configured schedule.
Transient failures (source outages, dependency lag) are retried with
exponential backoff; reads always serve the last committed series.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := e.context(cmd.Context())
			app, err := server.NewApp(ctx, e.cfg, &e.logger, server.Options{})
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Serve(ctx)
		},
	}
}

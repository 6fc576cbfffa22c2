package cli

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nicktill/tinystats/pkg/server"
)

func newUpdateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "update [chart...]",
		Short: "Update charts once and exit.",
		Long: `Run one update cycle for the named charts and everything they depend on,
or for every chart when none are named. Exits non-zero if any chart failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := e.context(cmd.Context())
			app, err := server.NewApp(ctx, e.cfg, &e.logger, server.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Updater.Run(ctx, args...)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header([]string{"Chart", "Window", "Points", "Took", "Result"})
			red := color.New(color.FgRed).SprintFunc()
			green := color.New(color.FgGreen).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()

			var data [][]string
			for _, res := range report.Results {
				v := server.NewResultView(res)
				result := green("ok")
				switch {
				case v.Skipped:
					result = yellow("skipped: " + v.Error)
				case v.Error != "" && v.Retryable:
					result = yellow("retryable: " + v.Error)
				case v.Error != "":
					result = red(v.Error)
				}
				data = append(data, []string{v.Chart, v.Window, strconv.Itoa(v.Points), v.Took, result})
			}
			if err := table.Bulk(data); err != nil {
				return err
			}
			if err := table.Render(); err != nil {
				return err
			}

			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d of %d charts failed to update", len(failed), len(report.Results))
			}
			return nil
		},
	}
}

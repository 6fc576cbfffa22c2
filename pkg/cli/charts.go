package cli

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/export"
	"github.com/nicktill/tinystats/pkg/server"
	"github.com/nicktill/tinystats/pkg/timespan"
)

func newChartsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "charts",
		Short: "List registered charts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := e.context(cmd.Context())
			app, err := server.NewApp(ctx, e.cfg, &e.logger, server.Options{Offline: true})
			if err != nil {
				return err
			}
			defer app.Close()

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header([]string{"Chart", "Resolution", "Type", "Window", "Last", "Pipeline"})

			var data [][]string
			for _, c := range app.Registry.Charts() {
				last, err := c.Last(ctx)
				if err != nil {
					return err
				}
				lastText := "-"
				if last != nil {
					lastText = timespan.FormatBucket(*last)
				}
				meta := c.Metadata()
				data = append(data, []string{
					meta.Name, meta.Resolution.String(), string(meta.Type), c.Window().String(), lastText, c.Pipeline(),
				})
			}
			if err := table.Bulk(data); err != nil {
				return err
			}
			return table.Render()
		},
	}
}

func newGetCmd(e *env) *cobra.Command {
	var from, to, format string
	cmd := &cobra.Command{
		Use:   "get <chart>",
		Short: "Print a chart's persisted series.",
		Long: `Print the persisted series of one chart. Nothing is computed: run
"tinystats update" first to bring the chart up to date.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := e.context(cmd.Context())
			rng, err := parseRange(from, to)
			if err != nil {
				return err
			}

			app, err := server.NewApp(ctx, e.cfg, &e.logger, server.Options{Offline: true})
			if err != nil {
				return err
			}
			defer app.Close()

			c, err := app.Registry.Chart(args[0])
			if err != nil {
				return err
			}

			switch strings.ToLower(format) {
			case "table", "":
				series, err := c.Get(ctx, rng)
				if err != nil {
					return err
				}
				table := tablewriter.NewWriter(cmd.OutOrStdout())
				table.Header([]string{"Date", "Value"})
				table.Configure(func(cfg *tablewriter.Config) {
					cfg.Row.Alignment.Global = tw.AlignRight
				})
				var data [][]string
				for _, p := range series {
					data = append(data, []string{timespan.FormatBucket(p.Bucket), p.Value})
				}
				if err := table.Bulk(data); err != nil {
					return err
				}
				return table.Render()
			case export.FormatJSON, export.FormatCSV:
				_, err := export.Export(ctx, cmd.OutOrStdout(), c, export.Options{Range: rng, Format: strings.ToLower(format)})
				return err
			}
			return fmt.Errorf("unknown format %q: must be table or json or csv", format)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "First bucket (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Bucket after the last one (YYYY-MM-DD)")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json or csv")
	return cmd
}

func parseRange(from, to string) (chart.Range, error) {
	var rng chart.Range
	var err error
	if from != "" {
		if rng.From, err = timespan.ParseBucket(from); err != nil {
			return chart.Range{}, fmt.Errorf("invalid --from %q: want YYYY-MM-DD", from)
		}
	}
	if to != "" {
		if rng.To, err = timespan.ParseBucket(to); err != nil {
			return chart.Range{}, fmt.Errorf("invalid --to %q: want YYYY-MM-DD", to)
		}
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && !rng.From.Before(rng.To) {
		return chart.Range{}, fmt.Errorf("--from must be before --to")
	}
	return rng, nil
}

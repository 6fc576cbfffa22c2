package cli

import (
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nicktill/tinystats/pkg/client"
)

func newStatusCmd(e *env) *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the update status of a running server.",
		Long: `Query a running tinystats server for the update health of every chart.
Defaults to the server at the configured listen address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if endpoint == "" {
				endpoint = localEndpoint(e.cfg.HTTP.Addr)
			}
			c, err := client.New(endpoint)
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}

			red := color.New(color.FgRed).SprintFunc()
			green := color.New(color.FgGreen).SprintFunc()
			health := green("healthy")
			if !status.Healthy {
				health = red("degraded")
			}
			cmd.Printf("tinystats %s, up %s, %s\n", status.Version, status.Uptime, health)
			if s := status.Storage; s != nil {
				cmd.Printf("Storage: %d points in %d charts\n", s.TotalPoints, s.TotalCharts)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header([]string{"Chart", "Healthy", "Last Success", "Points", "Errors", "Last Error"})
			var data [][]string
			for _, cs := range status.Charts {
				ok := green("yes")
				if !cs.Healthy {
					ok = red("no")
				}
				last := cs.LastSuccess
				if last == "" {
					last = "never"
				}
				data = append(data, []string{
					cs.Chart, ok, last, strconv.Itoa(cs.Points), strconv.Itoa(cs.ConsecutiveErrors), cs.LastError,
				})
			}
			if err := table.Bulk(data); err != nil {
				return err
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&endpoint, "server", "", "Server URL (default http://localhost plus the configured --addr port)")
	return cmd
}

// localEndpoint turns a listen address into a URL on this host.
func localEndpoint(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/httpx"
	"github.com/nicktill/tinystats/pkg/server"
	"github.com/nicktill/tinystats/pkg/server/monitor"
)

// run executes the CLI against an in-memory store and an empty SQLite source.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	base := []string{
		"--store-backend", "memory",
		"--source-backend", "sqlite",
		"--retry-elapsed", "0s",
		"--log-level", "error",
	}
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(append([]string{}, base...), args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: dev")
	assert.Contains(t, out, "Commit:  none")
}

func TestCharts(t *testing.T) {
	out, err := run(t, "charts")
	require.NoError(t, err)
	for _, name := range []string{
		"newBlocks", "averageBlockRewards",
		"newBlocksMonthly", "averageBlockRewardsWeekly",
		"averageBlockRewardsMonthly", "averageBlockRewardsYearly",
	} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "30 years")
}

func TestUpdateReportsFailures(t *testing.T) {
	out, err := run(t, "update", "newBlocks")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update")
	assert.Contains(t, out, "newBlocks")
}

func TestGet(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "empty json", args: []string{"get", "newBlocks", "--format", "json"}, want: `"points": []`},
		{name: "empty csv", args: []string{"get", "newBlocks", "--format", "csv"}, want: "date,value"},
		{name: "bad format", args: []string{"get", "newBlocks", "--format", "xml"}, wantErr: "unknown format"},
		{name: "bad range", args: []string{"get", "newBlocks", "--from", "yesterday"}, wantErr: "invalid --from"},
		{name: "unknown chart", args: []string{"get", "nope"}, wantErr: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestMigrate(t *testing.T) {
	t.Run("memory store has no schema", func(t *testing.T) {
		_, err := run(t, "migrate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no schema")
	})

	t.Run("sqlite store", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "charts.db")
		out, err := run(t, "migrate", "--store-backend", "sqlite", "--store-dsn", dsn)
		require.NoError(t, err)
		assert.Contains(t, out, "Migrated sqlite chart store to version latest")

		out, err = run(t, "migrate", "--store-backend", "sqlite", "--store-dsn", dsn, "--target-version", "0")
		require.NoError(t, err)
		assert.Contains(t, out, "version 0")
	})
}

func TestInvalidConfig(t *testing.T) {
	_, err := run(t, "charts", "--workers", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}

func TestStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, r, http.StatusOK, server.StatusResponse{
			Version: "v1.2.3",
			Uptime:  "1h0m0s",
			Charts: []monitor.ChartStatus{
				{Chart: "newBlocks", Healthy: true, LastSuccess: "2022-11-20T00:00:00Z", Points: 30},
				{Chart: "averageBlockRewards", ConsecutiveErrors: 4, LastError: "source unavailable"},
			},
		})
	}))
	defer ts.Close()

	out, err := run(t, "status", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "tinystats v1.2.3")
	assert.Contains(t, out, "newBlocks")
	assert.Contains(t, out, "source unavailable")
	assert.Contains(t, out, "never")
}

func TestLocalEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", localEndpoint(":8080"))
	assert.Equal(t, "http://0.0.0.0:9000", localEndpoint("0.0.0.0:9000"))
}

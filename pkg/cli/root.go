// Package cli defines the command-line interface for tinystats.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/server"
)

// All linker flags will be set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// env is the state shared by every command of one invocation.
type env struct {
	v      *viper.Viper
	cfg    *config.Config
	logger zerolog.Logger
}

// flagKeys maps flag names to their nested configuration keys.
var flagKeys = map[string]string{
	"config":         "config",
	"source-backend": "source.backend",
	"source-dsn":     "source.dsn",
	"source-timeout": "source.timeout",
	"store-backend":  "store.backend",
	"store-path":     "store.path",
	"store-dsn":      "store.dsn",
	"max-memory-mb":  "store.max-memory-mb",
	"addr":           "http.addr",
	"log-level":      "log.level",
	"log-pretty":     "log.pretty",
	"retry-elapsed":  "retry.max-elapsed",
	"schedule":       "schedule",
	"workers":        "workers",
	"update-timeout": "update-timeout",
}

// NewRootCmd builds the tinystats command tree with its own configuration.
func NewRootCmd() *cobra.Command {
	e := &env{v: viper.New()}
	server.Version = version

	root := &cobra.Command{
		Use:   "tinystats",
		Short: "Incremental chart engine for block statistics.",
		Long: `tinystats computes daily charts from a block ledger database, rolls them
up into weekly, monthly and yearly charts, and serves the results.

Charts update incrementally: each cycle recomputes only a trailing window of
buckets and merges it into the persisted series.`,
		SilenceUsage:      true,
		PersistentPreRunE: e.setup,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to config file (default .tinystats.yaml in . or $HOME)")
	flags.String("source-backend", "postgresql", "Ledger database: postgresql or mysql or sqlite")
	flags.String("source-dsn", "", "Ledger database connection string")
	flags.Duration("source-timeout", config.DefaultSourceTimeout, "Timeout of one source query")
	flags.String("store-backend", config.BackendBadger, "Chart store: badger or memory or sqlite or mysql or postgresql")
	flags.String("store-path", config.DefaultDataDir, "Badger data directory")
	flags.String("store-dsn", "", "Chart store connection string for SQL backends")
	flags.Int64("max-memory-mb", config.DefaultMaxMemoryMB, "Badger memory budget in MB")
	flags.String("addr", config.DefaultAddr, "HTTP listen address")
	flags.String("log-level", config.DefaultLogLevel, "Log level: debug or info or warn or error")
	flags.Bool("log-pretty", false, "Human-readable console logs")
	flags.Duration("retry-elapsed", config.DefaultRetryElapsed, "Give up retrying transient failures after this long (0 disables retries)")
	flags.String("schedule", config.DefaultSchedule, "Update schedule (cron, seconds optional, or @every 10m)")
	flags.Int("workers", config.DefaultWorkers, "Charts updated concurrently")
	flags.Duration("update-timeout", config.DefaultUpdateTimeout, "Timeout of one update run")
	for name, key := range flagKeys {
		if err := e.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}

	root.AddCommand(
		newServeCmd(e),
		newUpdateCmd(e),
		newChartsCmd(e),
		newGetCmd(e),
		newMigrateCmd(e),
		newStatusCmd(e),
		newVersionCmd(),
	)
	return root
}

// setup reads the config file, environment and flags into a validated Config.
func (e *env) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	if configFile := e.v.GetString("config"); configFile != "" {
		e.v.SetConfigFile(configFile)
	} else {
		e.v.SetConfigName(".tinystats") // Name of config file (without extension)
		e.v.SetConfigType("yaml")
		e.v.AddConfigPath(".")
		e.v.AddConfigPath("$HOME")
	}

	e.v.SetEnvPrefix("TINYSTATS")
	e.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	e.v.AutomaticEnv()
	config.SetDefaults(e.v)

	if err := e.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := config.Load(e.v)
	if err != nil {
		return err
	}
	e.cfg = cfg
	e.logger = log.New(cfg.Log.Level, cfg.Log.Pretty)
	if used := e.v.ConfigFileUsed(); used != "" {
		e.logger.Debug().Str("file", used).Msg("config file loaded")
	}
	return nil
}

func (e *env) context(ctx context.Context) context.Context {
	return log.Set(ctx, &e.logger)
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/sqldb"
	"github.com/nicktill/tinystats/pkg/storage/sqlstore"
)

func newMigrateCmd(e *env) *cobra.Command {
	var targetVersion int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the SQL chart store schema.",
		Long: `Apply or roll back chart store migrations. Only SQL store backends
(sqlite, mysql, postgresql) have a schema; the store is migrated to the
latest version automatically when it is opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend := strings.ToLower(e.cfg.Store.Backend)
			if backend == config.BackendBadger || backend == config.BackendMemory {
				return fmt.Errorf("store backend %s has no schema to migrate", backend)
			}
			d, err := sqldb.ParseDialect(backend)
			if err != nil {
				return err
			}
			ctx := e.context(cmd.Context())
			if err := sqlstore.Migrate(ctx, d, e.cfg.Store.DSN, targetVersion); err != nil {
				return err
			}
			cmd.Printf("Migrated %s chart store to version %s\n", d, describeVersion(targetVersion))
			return nil
		},
	}
	cmd.Flags().IntVar(&targetVersion, "target-version", sqlstore.Latest, "Target migration version (-1 means latest, 0 means rollback to initial state)")
	return cmd
}

func describeVersion(v int) string {
	if v == sqlstore.Latest {
		return "latest"
	}
	return fmt.Sprint(v)
}

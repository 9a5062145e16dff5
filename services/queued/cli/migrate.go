package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agenix-sh/agenix/internal/archive"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply archive database migrations",
	Long: `Connect to PostgreSQL and apply the job archive schema.

Reads the DSN from --archive-dsn flag, ARCHIVE_DSN env var, or config file.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("archive-dsn", "", "PostgreSQL DSN for the job archive")
	bindFlag("archive_dsn", migrateCmd.Flags(), "archive-dsn")
	_ = viper.BindEnv("archive_dsn", "ARCHIVE_DSN")
}

func runMigrate(_ *cobra.Command, _ []string) error {
	dsn := viper.GetString("archive_dsn")
	if dsn == "" {
		return fmt.Errorf("archive_dsn is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := archive.Migrate(ctx, pool); err != nil {
		return err
	}

	fmt.Println("migrations complete")
	return nil
}

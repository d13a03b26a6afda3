package main

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/localvercel/internal/app/migrate"
)

var (
	migrateTimeout time.Duration
	migrateTarget  int64
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|status|down]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "status", "down"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", time.Minute, "command timeout")
	migrateCmd.Flags().Int64Var(&migrateTarget, "target", 0, "target version for down (optional)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log := loadConfig()
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	command := "up"
	if len(args) == 1 {
		command = args[0]
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	switch command {
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, migrateTarget)
	default:
		err = runner.Ensure(ctx)
	}
	if err != nil {
		return err
	}
	log.Info("migration command completed", "command", command)
	return nil
}

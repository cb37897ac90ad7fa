package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/duckmesh/askmesh/internal/config"
	"github.com/duckmesh/askmesh/internal/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var timeout time.Duration
	root := &cobra.Command{
		Use:          "askmesh-migrate",
		Short:        "Apply or roll back the catalog and correction memory schema",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall migration timeout")

	var upSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, timeout, func(ctx context.Context, db *sql.DB) error {
				applied, err := migrations.NewRunner().Up(ctx, db, upSteps)
				if err != nil {
					return fmt.Errorf("migration up failed: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
				return nil
			})
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "number of migrations to apply; 0 applies all")

	var downSteps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, timeout, func(ctx context.Context, db *sql.DB) error {
				rolledBack, err := migrations.NewRunner().Down(ctx, db, downSteps)
				if err != nil {
					return fmt.Errorf("migration down failed: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", rolledBack)
				return nil
			})
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "List known migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, timeout, func(ctx context.Context, db *sql.DB) error {
				statuses, err := migrations.NewRunner().Status(ctx, db)
				if err != nil {
					return fmt.Errorf("migration status failed: %w", err)
				}
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"version", "name", "applied"})
				for _, s := range statuses {
					t.AppendRow(table.Row{s.Version, s.Name, s.Applied})
				}
				t.Render()
				return nil
			})
		},
	}

	root.AddCommand(up, down, status)
	return root
}

func withDB(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, db *sql.DB) error) error {
	cfg, err := config.LoadFromEnv("askmesh-migrate")
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if cfg.Catalog.DSN == "" {
		return fmt.Errorf("ASKMESH_CATALOG_DSN is required")
	}

	db, err := sql.Open("pgx", cfg.Catalog.DSN)
	if err != nil {
		return fmt.Errorf("database open error: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping error: %w", err)
	}
	return fn(ctx, db)
}

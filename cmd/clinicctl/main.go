package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"clinic/server/internal/config"
)

var (
	databaseURL   string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:   "clinicctl",
	Short: "Operator tooling for the clinic session server",
	Long: `clinicctl manages the clinic database outside the running server:

- migrate: apply pending schema migrations
- user create: provision an account with a role
- user activate / deactivate: toggle login access
- hash-password: print a bcrypt hash for manual seeding`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cfg := config.Load()
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", cfg.MigrationsDir, "Directory of *.up.sql files (embedded migrations when missing)")

	rootCmd.AddCommand(migrateCmd, hashPasswordCmd, newUserCmd())
}

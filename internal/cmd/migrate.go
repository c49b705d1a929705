package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/Studio-Elephant-and-Rope/muster/internal/config"
	"github.com/Studio-Elephant-and-Rope/muster/internal/logging"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration management",
	Long: `Manage database migrations for the Muster incident store.

Migrations version the PostgreSQL schema so it can be upgraded or rolled
back safely. Only the postgres storage backend requires migrations.

Examples:
  muster migrate up           # Apply all pending migrations
  muster migrate down         # Rollback one migration
  muster migrate status       # Show migration status`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Long: `Apply all pending database migrations in order.

A dirty database (a previous migration failed partway) aborts the run and
requires manual repair.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		return runMigrateUp(configFile)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last migration",
	Long: `Rollback the most recently applied migration.

Only one migration is rolled back per invocation. Rolling back may result
in data loss; in production a confirmation prompt is shown first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		return runMigrateDown(configFile)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		return runMigrateStatus(configFile)
	},
}

// openMigrator builds the shared migration plumbing: logger, validated
// config, a pinged connection and the migrate instance over the migrations
// directory. The returned cleanup closes the migrator.
func openMigrator(configFile string) (*migrate.Migrate, *logging.Logger, func(), error) {
	logger, err := logging.NewFromEnvironment()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Storage.Type != "postgres" {
		return nil, nil, nil, fmt.Errorf("unsupported database type: %s (only postgres is supported for migrations)", cfg.Storage.Type)
	}
	if cfg.Storage.DSN == "" {
		return nil, nil, nil, fmt.Errorf("database DSN is required")
	}

	migrationsPath, err := findMigrationsPath()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to find migrations directory: %w", err)
	}
	logger.Debug("Using migrations path", "path", migrationsPath)

	db, err := sql.Open("postgres", cfg.Storage.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	cleanup := func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			logger.WithError(fmt.Errorf("source: %v, db: %v", sourceErr, dbErr)).Error("Failed to close migrator")
		}
	}
	return m, logger, cleanup, nil
}

func runMigrateUp(configFile string) error {
	m, logger, cleanup, err := openMigrator(configFile)
	if err != nil {
		return err
	}
	defer cleanup()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state (version %d), please fix manually", version)
	}

	logger.Info("Applying migrations", "current_version", version)

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			logger.Info("No pending migrations to apply")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get new migration version: %w", err)
	}
	logger.Info("Migrations applied successfully", "new_version", newVersion)
	return nil
}

func runMigrateDown(configFile string) error {
	m, logger, cleanup, err := openMigrator(configFile)
	if err != nil {
		return err
	}
	defer cleanup()

	version, dirty, err := m.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			logger.Info("No migrations to rollback (database is empty)")
			return nil
		}
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state (version %d), please fix manually", version)
	}

	logger.Warn("Rolling back migration", "current_version", version)

	if os.Getenv("MUSTER_ENV") == "production" {
		fmt.Print("You are about to rollback a migration in production. This may result in data loss.\n")
		fmt.Print("Type 'yes' to continue: ")
		var confirmation string
		if _, err := fmt.Scanln(&confirmation); err != nil || confirmation != "yes" {
			logger.Info("Migration rollback cancelled by user")
			return nil
		}
	}

	if err := m.Steps(-1); err != nil {
		if err == migrate.ErrNoChange {
			logger.Info("No migrations to rollback")
			return nil
		}
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get new migration version: %w", err)
	}
	logger.Warn("Migration rolled back successfully", "previous_version", version, "new_version", newVersion)
	return nil
}

func runMigrateStatus(configFile string) error {
	m, _, cleanup, err := openMigrator(configFile)
	if err != nil {
		return err
	}
	defer cleanup()

	version, dirty, err := m.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			fmt.Println("Migration status: no migrations applied (empty database)")
			return nil
		}
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	fmt.Printf("Migration status: version %d\n", version)
	if dirty {
		fmt.Println("WARNING: database is in dirty state; a migration failed partway through and needs manual repair")
	}
	return nil
}

// findMigrationsPath locates the migrations directory: the working directory
// first, then next to the executable, then walking up from the working
// directory so tests in subdirectories find the repository root.
func findMigrationsPath() (string, error) {
	if _, err := os.Stat("migrations"); err == nil {
		return filepath.Abs("migrations")
	}

	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), "migrations")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("migrations directory not found")
	}
	for {
		candidate := filepath.Join(wd, "migrations")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			break
		}
		wd = parent
	}
	return "", fmt.Errorf("migrations directory not found")
}

// init registers the migrate command and its subcommands.
func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

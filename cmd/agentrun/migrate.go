package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		runMigrateUp(subargs)
	case "down":
		runMigrateDown(subargs)
	case "status":
		runMigrateStatus(subargs)
	case "version":
		runMigrateVersion(subargs)
	case "goto":
		runMigrateGoto(subargs)
	case "force":
		runMigrateForce(subargs)
	case "reset":
		runMigrateReset(subargs)
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  agentrun migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all rolls back everything)
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  agentrun migrate up
  agentrun migrate up --config /etc/agentrun/config.yaml
  agentrun migrate down
  agentrun migrate down --all
  agentrun migrate status
  agentrun migrate goto 1
  agentrun migrate force 0
  agentrun migrate reset`)
}

// createMigrator registers the shared connection flags on fs, parses args
// and builds a migrator. Flags registered on fs before the call (like
// --all for down) are parsed along with them.
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// If db-type and db-url are provided, use them directly
	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	// Otherwise, load from config
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override database type if specified
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}

	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// runMigrateUp applies all pending migrations
func runMigrateUp(args []string) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)

	if err := cli.RunUp(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateDown rolls back the last migration, or everything with --all
func runMigrateDown(args []string) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	all := fs.Bool("all", false, "Rollback all migrations")

	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	ctx := context.Background()

	if *all {
		err = cli.RunDownAll(ctx)
	} else {
		err = cli.RunDown(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration rollback failed: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateStatus shows the status of all migrations
func runMigrateStatus(args []string) {
	fs := flag.NewFlagSet("migrate status", flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)

	if err := cli.RunStatus(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get status: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateVersion shows the current migration version
func runMigrateVersion(args []string) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)

	if err := cli.RunVersion(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get version: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateGoto migrates to a specific version
func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: agentrun migrate goto <version>\n")
		os.Exit(1)
	}

	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	fs := flag.NewFlagSet("migrate goto", flag.ExitOnError)
	migrator, err := createMigrator(fs, args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)

	if err := cli.RunGoto(context.Background(), uint(version)); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateForce forces the migration version
func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: agentrun migrate force <version>\n")
		os.Exit(1)
	}

	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	migrator, err := createMigrator(fs, args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)

	if err := cli.RunForce(context.Background(), int(version)); err != nil {
		fmt.Fprintf(os.Stderr, "Force failed: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateReset rolls back all migrations
func runMigrateReset(args []string) {
	fs := flag.NewFlagSet("migrate reset", flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)

	if err := cli.RunDownAll(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Reset failed: %v\n", err)
		os.Exit(1)
	}
}

package db

import (
	"fmt"
	"io"
	"io/fs"
	"log"
	"strconv"
)

// MigrationStatus summarises the schema state of a ledger file.
type MigrationStatus struct {
	Version                uint
	Dirty                  bool
	Latest                 uint
	SchemaMigrationsExists bool
}

// GetMigrationStatus reports the applied and latest available versions.
func (db *DB) GetMigrationStatus(migrationsFS fs.FS) (MigrationStatus, error) {
	var st MigrationStatus
	exists, err := db.SchemaMigrationsExists()
	if err != nil {
		return st, err
	}
	st.SchemaMigrationsExists = exists
	st.Version, st.Dirty, err = db.MigrateVersion(migrationsFS)
	if err != nil {
		return st, fmt.Errorf("failed to get migration version: %w", err)
	}
	st.Latest, err = GetLatestMigrationVersion(migrationsFS)
	if err != nil {
		return st, err
	}
	return st, nil
}

// RunMigrateCommand handles the 'migrate' subcommand. Output for the user is
// written to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("missing migrate action")
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return nil
	}

	migrationsFS, err := getMigrationsFS()
	if err != nil {
		return err
	}

	// Migrations manage the schema, so open without applying them.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		log.Printf("[migrate] applying pending migrations to %s", dbPath)
		if err := database.MigrateUp(migrationsFS); err != nil {
			return err
		}
		return printStatus(database, migrationsFS, out)

	case "down":
		log.Printf("[migrate] rolling back one migration on %s", dbPath)
		if err := database.MigrateDown(migrationsFS); err != nil {
			return err
		}
		return printStatus(database, migrationsFS, out)

	case "status":
		return printStatus(database, migrationsFS, out)

	case "version":
		if len(args) < 2 {
			return fmt.Errorf("usage: paramsweep migrate version <version_number>")
		}
		target, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if err := database.MigrateTo(migrationsFS, uint(target)); err != nil {
			return err
		}
		return printStatus(database, migrationsFS, out)

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: paramsweep migrate force <version_number>")
		}
		target, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		log.Printf("[migrate] warning: forcing version to %d", target)
		if err := database.MigrateForce(migrationsFS, target); err != nil {
			return err
		}
		return printStatus(database, migrationsFS, out)

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

func printStatus(database *DB, migrationsFS fs.FS, out io.Writer) error {
	st, err := database.GetMigrationStatus(migrationsFS)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", st.Version)
	fmt.Fprintf(out, "Latest available: %d\n", st.Latest)
	fmt.Fprintf(out, "Dirty: %v\n", st.Dirty)
	switch {
	case st.Dirty:
		fmt.Fprintln(out, "A migration failed mid-execution. Inspect the ledger, then run: paramsweep migrate force <version>")
	case st.Version < st.Latest:
		fmt.Fprintf(out, "Ledger is %d version(s) behind. Run 'paramsweep migrate up' to update.\n", st.Latest-st.Version)
	default:
		fmt.Fprintln(out, "Ledger is up to date.")
	}
	return nil
}

// PrintMigrateHelp displays the help message for the migrate command.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprintln(out, "Ledger Migration Commands")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage: paramsweep migrate <command> [options]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  up              Apply all pending migrations")
	fmt.Fprintln(out, "  down            Rollback one migration")
	fmt.Fprintln(out, "  status          Show current migration status and version")
	fmt.Fprintln(out, "  version <N>     Migrate to specific version N")
	fmt.Fprintln(out, "  force <N>       Force migration version to N (recovery only)")
	fmt.Fprintln(out, "  help            Show this help message")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Options:")
	fmt.Fprintln(out, "  -db <path>      Path to ledger file (default: sweeps.db)")
}

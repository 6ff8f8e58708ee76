package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

func main() {
	var migrationDir string
	flag.StringVar(&migrationDir, "path", "migrations", "Path to migration files")
	flag.Usage = printUsage
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	m, err := migrate.New("file://"+migrationDir, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("path", migrationDir).Msg("Migration failed to initialize")
	}
	m.Log = migrateLogger{log: log}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Warn().AnErr("source", srcErr).AnErr("database", dbErr).Msg("Failed to close migrator")
		}
	}()

	// ─── Run Command ───────────────────────────────────────────────────
	switch command := args[0]; command {
	case "up":
		report(log, "up", m.Up())
	case "down":
		report(log, "down", m.Down())
	case "steps":
		n := intArg(log, args, "steps")
		report(log, "steps", m.Steps(n))
	case "force":
		v := intArg(log, args, "force")
		if err := m.Force(v); err != nil {
			log.Fatal().Err(err).Msg("Force failed")
		}
		log.Info().Int("version", v).Msg("Forced version")
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info().Msg("No migration applied yet")
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Version failed")
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Schema version")
	default:
		printUsage()
		os.Exit(2)
	}
}

func report(log zerolog.Logger, command string, err error) {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Info().Str("command", command).Msg("Schema already up to date")
	case err != nil:
		log.Fatal().Err(err).Str("command", command).Msg("Migration failed")
	default:
		log.Info().Str("command", command).Msg("Migrated successfully")
	}
}

func intArg(log zerolog.Logger, args []string, command string) int {
	if len(args) < 2 {
		log.Fatal().Str("command", command).Msg("Missing numeric argument")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("Invalid numeric argument")
	}
	return n
}

// migrateLogger routes golang-migrate's progress lines through zerolog.
type migrateLogger struct {
	log zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Info().Msgf(format, v...)
}

func (l migrateLogger) Verbose() bool { return false }

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command>")
	fmt.Fprintln(os.Stderr, "Commands: up, down, steps <n>, version, force <version>")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

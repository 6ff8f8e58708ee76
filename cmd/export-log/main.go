package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/report"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/seal"
	"golang.org/x/term"
)

// export-log decrypts one session's proctoring log and writes it as CSV,
// for audits run outside the API.
func main() {
	var sessionArg, outPath string
	var promptKey bool
	flag.StringVar(&sessionArg, "session", "", "Session ID to export")
	flag.StringVar(&outPath, "out", "", "Output file (default: proctoring-logs-<session>.csv, - for stdout)")
	flag.BoolVar(&promptKey, "prompt-key", false, "Read the encryption key from the terminal instead of ENCRYPTION_KEY")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	sessionID, err := uuid.Parse(sessionArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: -session must be a valid UUID")
		flag.Usage()
		os.Exit(2)
	}

	// ─── Key Input ─────────────────────────────────────────────────────
	keyHex := cfg.EncryptionKey
	if promptKey {
		fmt.Fprint(os.Stderr, "Enter Encryption Key (hex): ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read key")
		}
		keyHex = strings.TrimSpace(string(raw))
	}

	var cipher *seal.Cipher
	if keyHex != "" {
		key, err := seal.ParseHexKey(keyHex)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid encryption key")
		}
		if cipher, err = seal.New(key); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize log cipher")
		}
	} else {
		log.Warn().Msg("No encryption key, sealed records will export as unreadable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Read Log ──────────────────────────────────────────────────────
	bus := eventlog.NewBus(log)
	defer bus.Close()
	events := eventlog.New(repository.NewExamSessionRepository(pool), cipher, bus, nil, log)

	entries, err := events.Read(ctx, sessionID)
	if err != nil {
		log.Fatal().Err(err).Str("session_id", sessionID.String()).Msg("Failed to read proctoring log")
	}

	// ─── Write CSV ─────────────────────────────────────────────────────
	if outPath == "" {
		outPath = report.Filename(sessionID)
	}
	out := os.Stdout
	if outPath != "-" {
		f, err := os.Create(outPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer f.Close()
		out = f
	}
	if err := report.WriteCSV(out, entries); err != nil {
		log.Fatal().Err(err).Msg("Failed to write CSV")
	}

	_, unreadable := eventlog.Events(entries)
	log.Info().
		Str("session_id", sessionID.String()).
		Int("records", len(entries)).
		Int("unreadable", unreadable).
		Str("out", outPath).
		Msg("Proctoring log exported")
}

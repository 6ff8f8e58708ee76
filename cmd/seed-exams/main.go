package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"gopkg.in/yaml.v3"
)

// examFile mirrors the exam catalogue exported by the authoring platform.
//
//	exams:
//	  - id: 7d1c...
//	    title: Matematika XII
//	    author_id: 12
//	    scheduled_start: 2026-11-02T07:30:00+07:00
//	    scheduled_end: 2026-11-02T09:30:00+07:00
type examFile struct {
	Exams []struct {
		ID             string     `yaml:"id"`
		Title          string     `yaml:"title"`
		AuthorID       int        `yaml:"author_id"`
		ScheduledStart *time.Time `yaml:"scheduled_start"`
		ScheduledEnd   *time.Time `yaml:"scheduled_end"`
	} `yaml:"exams"`
}

func main() {
	var path string
	flag.StringVar(&path, "file", "exams.yaml", "YAML exam catalogue to load")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Failed to read exam catalogue")
	}
	var file examFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Failed to parse exam catalogue")
	}

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examRepo := repository.NewExamRepository(pool)

	fmt.Printf("=== Seeding %d Exams ===\n", len(file.Exams))

	var seeded, skipped int
	for i, e := range file.Exams {
		id, err := uuid.Parse(e.ID)
		if err != nil || e.Title == "" || e.AuthorID <= 0 {
			log.Warn().Int("index", i).Str("id", e.ID).Msg("Skipping invalid exam entry")
			skipped++
			continue
		}
		if e.ScheduledStart != nil && e.ScheduledEnd != nil && !e.ScheduledEnd.After(*e.ScheduledStart) {
			log.Warn().Str("id", e.ID).Msg("Skipping exam with an empty window")
			skipped++
			continue
		}
		exam := &model.Exam{
			ID:             id,
			Title:          e.Title,
			AuthorID:       e.AuthorID,
			ScheduledStart: e.ScheduledStart,
			ScheduledEnd:   e.ScheduledEnd,
		}
		if err := examRepo.Upsert(ctx, exam); err != nil {
			log.Fatal().Err(err).Str("id", e.ID).Msg("Failed to upsert exam")
		}
		seeded++
	}

	fmt.Printf("Done. Seeded: %d, skipped: %d\n", seeded, skipped)
}

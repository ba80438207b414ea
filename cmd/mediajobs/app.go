package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/mediajobs/internal/common"
	"github.com/jo-hoe/mediajobs/internal/config"
	"github.com/jo-hoe/mediajobs/internal/database"
	"github.com/jo-hoe/mediajobs/internal/engine"
	"github.com/jo-hoe/mediajobs/internal/engine/mock"
	"github.com/jo-hoe/mediajobs/internal/engine/openai"
	"github.com/jo-hoe/mediajobs/internal/export"
	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/media"
	"github.com/jo-hoe/mediajobs/internal/notify"
	"github.com/jo-hoe/mediajobs/internal/processor"
	"github.com/jo-hoe/mediajobs/internal/queue"
	"github.com/jo-hoe/mediajobs/internal/storage"
	"github.com/jo-hoe/mediajobs/internal/transcribe"
	"github.com/jo-hoe/mediajobs/internal/videos"
)

// app holds every long-lived component of a running service.
type app struct {
	db        *sql.DB
	hub       *notify.Hub
	jobs      jobs.Store
	videos    *videos.SQLiteStore
	objects   *storage.LocalStore
	scheduler *queue.Scheduler
}

func openApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	db, err := database.Open(cfg.Server.DatabasePath)
	if err != nil {
		return nil, err
	}
	a := &app{db: db, hub: notify.NewHub(log, 0)}
	a.jobs = notify.ObserveStore(jobs.NewSQLiteStore(db), a.hub)
	a.videos = videos.NewSQLiteStore(db)
	a.objects = storage.NewLocalStore(cfg.Objects.Dir, cfg.Objects.PublicBaseURL, storage.NewSigner(cfg.Objects.SigningSecret))

	eng, err := newEngine(cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	fetcher := media.NewFetcher(log, nil)
	tr := cfg.Transcription
	transcriber := transcribe.New(log.With("worker", "transcription"), a.jobs, a.videos, fetcher,
		media.NewCompressor(log, tr.FFmpegPath), eng, transcribe.Options{
			ScratchDir:         cfg.ScratchDir(),
			FetchTimeout:       tr.FetchTimeout,
			EngineTimeout:      tr.EngineTimeout,
			SizeCeiling:        int64(tr.SizeCeiling), // #nosec G115 - validated config sizes fit int64
			DesiredCap:         int64(tr.DesiredCap),  // #nosec G115
			AssumedMaxDuration: tr.AssumedMaxDuration,
		})
	ex := cfg.Export
	exporter := export.New(log.With("worker", "export"), a.jobs, a.videos, a.objects, fetcher,
		media.NewCompositor(log, ex.FFmpegPath), export.Options{
			ScratchDir:   cfg.ScratchDir(),
			FetchTimeout: tr.FetchTimeout,
			Timeout:      ex.Timeout,
			FontScale:    ex.FontScale,
			DefaultTTL:   ex.DefaultTTL,
		})

	dispatcher := processor.NewDispatcher(log, a.jobs, map[jobs.Kind]processor.Runner{
		jobs.KindTranscription: transcriber,
		jobs.KindExport:        exporter,
	})
	q := cfg.Queue
	a.scheduler = queue.NewScheduler(log.With("component", "queue"), queue.NewSQLiteBackend(db), dispatcher,
		processor.NewTracker(log, a.jobs), queue.Options{
			Workers:            q.Workers,
			MaxAttempts:        q.MaxAttempts,
			BackoffBase:        q.BackoffBase,
			BackoffMax:         q.BackoffMax,
			PollInterval:       q.PollInterval,
			HeartbeatInterval:  q.HeartbeatInterval,
			StallTimeout:       q.StallTimeout,
			AttemptTimeout:     q.AttemptTimeout,
			PurgeInterval:      q.PurgeInterval,
			CompletedRetention: q.CompletedRetention,
			FailedRetention:    q.FailedRetention,
			PurgeLockPath:      filepath.Join(cfg.Server.StorageDir, common.PurgeLockName),
		})
	return a, nil
}

func (a *app) Close() error {
	a.hub.Close()
	return a.db.Close()
}

func newEngine(cfg *config.Config, log *slog.Logger) (engine.Client, error) {
	switch strings.ToLower(cfg.Transcription.Engine) {
	case "mock":
		return mock.New(cfg.Transcription.Mock), nil
	case "openai":
		return openai.New(log.With("engine", "openai"), cfg.Transcription.OpenAI), nil
	default:
		return nil, fmt.Errorf("unsupported transcription engine %q", cfg.Transcription.Engine)
	}
}

// Command gleecore is the demo/dev entrypoint wiring every component
// of the generation core together: store, repositories, the inference
// sidecar supervisor, the context builder, the queue, the scheduler,
// memory extraction, summarization, the download supervisor, and the
// local event bus a desktop shell would connect to over websocket.
//
// It holds the state spec.md §9 calls out: a store handle, an
// inference handle (the supervisor itself owns the child-process
// slot), a generation slot (owned by the scheduler), and a shutdown
// notifier, plus the download supervisor and the event bus.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/glee/core/internal/config"
	gctx "github.com/glee/core/internal/context"
	"github.com/glee/core/internal/download"
	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/events"
	"github.com/glee/core/internal/inference"
	"github.com/glee/core/internal/memory"
	"github.com/glee/core/internal/queue"
	"github.com/glee/core/internal/repo"
	"github.com/glee/core/internal/scheduler"
	"github.com/glee/core/internal/store"
	"github.com/glee/core/internal/summarizer"
)

// App is the single global-state struct spec.md §9 describes: a store
// handle, an inference handle, a generation slot (owned by the
// scheduler itself), and a shutdown notifier, plus the download
// supervisor and the event bus. No package-level
// globals live anywhere else in the module.
type App struct {
	store     *store.Store
	inference *inference.Supervisor
	scheduler *scheduler.Scheduler
	download  *download.Supervisor
	events    *events.Bus
	shutdown  chan struct{}
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	listenAddr := flag.String("listen", "127.0.0.1:7890", "address the event bus listens on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err) // nothing has started yet; no logger exists to report through
	}
	log, err := config.NewLogger(cfg)
	if err != nil {
		panic(err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("creating data directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("building app")
	}
	defer app.store.Close()

	go app.scheduler.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", app.events.Handler)
	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", *listenAddr).Msg("event bus listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("event bus server failed")
		}
	}()

	go watchSignals(app.shutdown)
	<-app.shutdown

	log.Info().Msg("shutting down")
	app.scheduler.Stop()
	app.inference.Stop(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	st, err := store.Open(ctx, store.Options{Path: cfg.DBPath(), Log: log})
	if err != nil {
		return nil, err
	}

	conversations := repo.NewConversationRepo(st)
	characters := repo.NewCharacterRepo(st)
	personas := repo.NewPersonaRepo(st)
	messages := repo.NewMessageRepo(st)
	lorebooks := repo.NewLorebookRepo(st)
	lorebookEntries := repo.NewLorebookEntryRepo(st)
	settingsRepo := repo.NewSettingsRepo(st)
	tasks := repo.NewQueueTaskRepo(st)
	memories := repo.NewMemoryRepo(st)
	embeddings := repo.NewEmbeddingRepo(st)
	summaries := repo.NewSummaryRepo(st)
	downloads := repo.NewDownloadRepo(st)

	inf := inference.New(log)

	settings, err := settingsRepo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if settings.ModelPath != "" {
		go startInference(inf, cfg, settings, log)
	}

	q := queue.New(tasks)
	builder := gctx.NewBuilder(conversations, characters, personas, messages, lorebooks, lorebookEntries, settingsRepo)
	bus := events.NewBus(log)

	extractor := memory.NewExtractor(log, inf, memories, embeddings)
	summ := summarizer.New(log, inf, conversations, messages, summaries)

	sched := scheduler.New(log, inf, q, builder, bus, conversations, messages, characters, settingsRepo, extractor, summ)

	downloadSup := download.New(log, downloads, settingsRepo, bus)
	if err := downloadSup.RecoverStale(ctx); err != nil {
		log.Warn().Err(err).Msg("recovering stale downloads")
	}

	return &App{
		store:     st,
		inference: inf,
		scheduler: sched,
		download:  downloadSup,
		events:    bus,
		shutdown:  make(chan struct{}),
	}, nil
}

func startInference(inf *inference.Supervisor, cfg config.Config, settings entities.Settings, log zerolog.Logger) {
	spawnCtx, spawnCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer spawnCancel()
	err := inf.Start(spawnCtx, inference.Config{
		BinaryPaths:   cfg.SidecarBinaryPaths,
		ModelPath:     settings.ModelPath,
		Host:          cfg.InferenceHost,
		PreferredPort: cfg.InferencePort,
		ContextWindow: settings.ContextWindow,
	}, nil)
	if err != nil {
		log.Warn().Err(err).Msg("inference sidecar did not start; generation will stay queued")
	}
}

func watchSignals(shutdown chan struct{}) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	close(shutdown)
}

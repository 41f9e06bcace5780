package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgallion1/dococr/internal/api"
	"github.com/dgallion1/dococr/internal/blob"
	"github.com/dgallion1/dococr/internal/config"
	"github.com/dgallion1/dococr/internal/extract"
	"github.com/dgallion1/dococr/internal/extract/tesseract"
	"github.com/dgallion1/dococr/internal/inbox"
	"github.com/dgallion1/dococr/internal/pipeline"
	"github.com/dgallion1/dococr/internal/progress"
	"github.com/dgallion1/dococr/internal/search"
	"github.com/dgallion1/dococr/internal/source"
	"github.com/dgallion1/dococr/internal/store"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// A missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Error("load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	blobs, err := blob.NewStore(cfg.UploadDir)
	if err != nil {
		return err
	}

	// Extraction.
	image, closeImage := imageExtractor(cfg)
	defer closeImage()
	stats := extract.NewStats(cfg.StatsWindow)
	extractor := extract.Instrument(extract.NewRouter(image, cfg.PDFFallbackPdftotext), stats)

	// Pipeline.
	bus := progress.NewBus(cfg.SubscriberBuffer)
	orch := pipeline.NewOrchestrator(pipeline.Config{
		WorkerCount:     cfg.WorkerCount,
		MaxQueueSize:    cfg.MaxQueueSize,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		DefaultLanguage: cfg.OCRLanguage,
		RunTTL:          cfg.RunTTL,
	}, st, blobs, bus, extractor, source.NewOpener(cfg.TextPageTokens), log)
	orch.Start(ctx)
	defer orch.Stop()

	if cfg.ResumeOnStart {
		n, err := orch.Resume(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("resumed interrupted documents", "count", n)
		}
	}

	// HTTP server.
	srv := api.NewServer(api.Deps{
		Orchestrator: orch,
		Store:        st,
		Search:       search.NewEngine(st),
		Bus:          bus,
		Stats:        stats,
	}, log, cfg)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: event streams stay open.
		IdleTimeout: 60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting dococr", "port", cfg.Port, "store", cfg.StoreBackend, "extractor", cfg.Extractor)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.InboxDir != "" {
		g.Go(func() error {
			return inbox.New(cfg.InboxDir, orch, log).Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreBackend == config.BackendMemory {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(cfg.DatabasePath)
}

// imageExtractor builds the page image recognizer and its cleanup func.
func imageExtractor(cfg config.Config) (extract.Extractor, func()) {
	if cfg.Extractor == config.ExtractorClaude {
		c := extract.NewClaude(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		return c, c.Close
	}
	return tesseract.New(cfg.OCRLanguage), func() {}
}

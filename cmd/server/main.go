// Command server wires every engine component together behind the thin
// REST/WebSocket adapter and serves it over HTTP: load config, build
// loggers, build storage, construct the domain components, mount the
// adapter, graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smilemakc/styleforge/internal/autoloop"
	"github.com/smilemakc/styleforge/internal/blobstore"
	"github.com/smilemakc/styleforge/internal/color"
	"github.com/smilemakc/styleforge/internal/config"
	"github.com/smilemakc/styleforge/internal/controller"
	"github.com/smilemakc/styleforge/internal/critic"
	"github.com/smilemakc/styleforge/internal/evaluator"
	"github.com/smilemakc/styleforge/internal/extractor"
	"github.com/smilemakc/styleforge/internal/generator"
	"github.com/smilemakc/styleforge/internal/infrastructure/api/rest"
	"github.com/smilemakc/styleforge/internal/infrastructure/logger"
	"github.com/smilemakc/styleforge/internal/progress"
	"github.com/smilemakc/styleforge/internal/storage"
	"github.com/smilemakc/styleforge/internal/vlm"
)

func main() {
	var (
		port       = flag.String("port", "", "server port (overrides config)")
		enableCORS = flag.Bool("cors", true, "enable CORS")
		inMemory   = flag.Bool("memory-store", false, "use the in-process memory store instead of Postgres")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *port != "" {
		cfg.Port = *port
	}

	log := logger.Setup(cfg.LogLevel)
	logger.SetupZerolog(cfg.LogLevel) // installs the zerolog global used by the domain packages
	log.Info("starting styleforge server", "port", cfg.Port)

	var store storage.Store
	if *inMemory {
		store = storage.NewMemoryStore()
		log.Info("using in-process memory store")
	} else {
		bunStore := storage.NewBunStore(cfg.DatabaseDSN)
		ctx := context.Background()
		if err := bunStore.InitSchema(ctx); err != nil {
			log.Error("failed to initialize database schema", "error", err)
			os.Exit(1)
		}
		store = bunStore
		log.Info("using Postgres-backed store")
	}

	blobs, err := blobstore.New(cfg.BlobDir)
	if err != nil {
		log.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	vlmClient := vlm.NewClient(cfg.VLMAPIKey, cfg.VLMEndpoint, cfg.VLMModel,
		vlm.WithRetryPolicy(vlm.RetryPolicy{
			MaxAttempts:  cfg.RetriesMax,
			InitialDelay: cfg.BackoffBase,
			MaxDelay:     cfg.BackoffBase * 4,
			Multiplier:   2.0,
			Jitter:       true,
		}),
		vlm.WithCallTimeout(cfg.VLMTimeout),
	)
	generatorClient := generator.NewClient(cfg.GeneratorEndpoint, cfg.GeneratorTimeout)
	palettes := color.NewCache()

	ext := extractor.New(vlmClient)
	crit := critic.New(vlmClient, palettes)
	eval := evaluator.NewEngine(cfg.DimensionWeights, cfg.CatastrophicThresholds)

	bus := progress.New()
	busStop := make(chan struct{})
	go bus.Run(busStop)
	defer close(busStop)

	ctrl := controller.New(store, blobs, generatorClient, crit, eval, bus)
	loop := autoloop.New(store, ctrl)

	srv := rest.NewServer(store, blobs, ext, ctrl, loop, bus, log, rest.Config{
		EnableCORS:        *enableCORS,
		CreativityDefault: cfg.CreativityDefault,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.GeneratorTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("server exited gracefully")
}

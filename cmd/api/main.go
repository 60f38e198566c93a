package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mediaforge/internal/domain"
	httpapi "mediaforge/internal/http"
	"mediaforge/internal/http/handlers"
	"mediaforge/internal/infra"
	"mediaforge/internal/infra/migrate"
	"mediaforge/internal/ledger"
	"mediaforge/internal/notify"
	"mediaforge/internal/pipeline"
	"mediaforge/internal/provider"
	"mediaforge/internal/provider/dashscope"
	"mediaforge/internal/provider/flashimg"
	"mediaforge/internal/provider/veo"
	"mediaforge/internal/reconcile"
	"mediaforge/internal/storage"
	"mediaforge/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	migrator, err := migrate.New(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database for migrations")
	}
	if err := migrator.Run(); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	_ = migrator.Close()

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	runner := infra.NewSQLRunner(dbpool, logger)
	jobs := store.NewJobs(runner)
	creditLedger := ledger.New(runner)

	objectStore, err := buildObjectStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	var publisher notify.Publisher
	if cfg.NotifyWebhookURL != "" {
		publisher = notify.NewWebhookPublisher(cfg.NotifyWebhookURL, logger)
	} else {
		publisher = notify.NewLogPublisher(logger)
	}

	registry, err := buildRegistry(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure providers")
	}

	completer := pipeline.NewCompleter(jobs, creditLedger, objectStore, publisher, logger)
	sweeper := reconcile.NewSweeper(jobs, registry, completer, logger)

	app := handlers.NewApp(jobs, creditLedger, registry, completer, sweeper, logger)
	router := httpapi.NewRouter(app, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func buildObjectStore(cfg *infra.Config) (storage.ObjectStore, error) {
	if cfg.StorageBackend == "supabase" {
		return storage.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
	}
	return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}

func buildRegistry(cfg *infra.Config, logger *infra.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	dashscopeClient, err := dashscope.NewClient(dashscope.Options{
		APIKey:  cfg.DashScopeAPIKey,
		BaseURL: cfg.DashScopeBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	registry.Register("wanx-turbo", dashscopeClient, provider.Defaults{
		ProviderModel: "wanx2.1-t2i-turbo",
		Kind:          domain.JobKindImage,
		CreditCost:    4,
		Timeout:       10 * time.Minute,
		BaseSize:      1024,
	})
	registry.Register("wanx-plus", dashscopeClient, provider.Defaults{
		ProviderModel: "wanx2.1-t2i-plus",
		Kind:          domain.JobKindImage,
		CreditCost:    8,
		Timeout:       10 * time.Minute,
		BaseSize:      1280,
	})

	veoClient, err := veo.NewClient(veo.Options{
		APIKey:  cfg.VeoAPIKey,
		BaseURL: cfg.VeoBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	registry.Register("veo-3", veoClient, provider.Defaults{
		ProviderModel:  "veo-3.0-generate-001",
		Kind:           domain.JobKindVideo,
		CreditCost:     50,
		Timeout:        30 * time.Minute,
		MaxDurationSec: 8,
	})

	flashClient := flashimg.NewClient(flashimg.Options{
		APIKey:  cfg.FlashImgAPIKey,
		BaseURL: cfg.FlashImgBaseURL,
	})
	registry.Register("flash-image", flashClient, provider.Defaults{
		ProviderModel: "flash-image-1",
		Kind:          domain.JobKindImage,
		CreditCost:    2,
		Timeout:       5 * time.Minute,
		BaseSize:      1024,
	})

	return registry, nil
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mediaforge/internal/domain"
	"mediaforge/internal/infra"
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

// The reconciler is the polling half of the completion race: it repeatedly
// sweeps jobs the webhook path has not resolved, so a provider that never
// calls back (or a webhook that was lost) still converges to a terminal
// state.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reconciler: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	jobs := store.NewJobs(runner)
	creditLedger := ledger.New(runner)

	objectStore, err := buildObjectStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reconciler: failed to configure storage")
	}

	var publisher notify.Publisher
	if cfg.NotifyWebhookURL != "" {
		publisher = notify.NewWebhookPublisher(cfg.NotifyWebhookURL, logger)
	} else {
		publisher = notify.NewLogPublisher(logger)
	}

	registry, err := buildRegistry(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("reconciler: failed to configure providers")
	}

	completer := pipeline.NewCompleter(jobs, creditLedger, objectStore, publisher, logger)
	sweeper := reconcile.NewSweeper(jobs, registry, completer, logger)

	if err := run(ctx, sweeper, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("reconciler: stopped with error")
	}
	logger.Info().Msg("reconciler: stopped")
}

func run(ctx context.Context, sweeper *reconcile.Sweeper, cfg *infra.Config, logger infra.Logger) error {
	logger.Info().
		Dur("interval", cfg.ReconcileInterval).
		Int("batch_size", cfg.ReconcileBatchSize).
		Msg("reconciler: started")

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		if _, err := sweeper.Sweep(ctx, cfg.ReconcileBatchSize); err != nil {
			logger.Error().Err(err).Msg("reconciler: sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
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

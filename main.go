package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haojie06/sd-task-http/internal/callback"
	"github.com/haojie06/sd-task-http/internal/config"
	"github.com/haojie06/sd-task-http/internal/generation"
	"github.com/haojie06/sd-task-http/internal/inference"
	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/prompt"
	"github.com/haojie06/sd-task-http/internal/server"
	"github.com/haojie06/sd-task-http/internal/server/handler"
	"github.com/haojie06/sd-task-http/internal/shutdown"
	"github.com/haojie06/sd-task-http/internal/storage"
	"github.com/haojie06/sd-task-http/internal/task"
	"github.com/haojie06/sd-task-http/internal/translator"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n  %s\n", strings.Join(problems, "\n  "))
		os.Exit(1)
	}
	logger.Init(logger.Options{
		Development: cfg.Log.Development,
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Errorf("service stopped with error: %s", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var store task.Store
	// cleared when workers outlive the grace period and may still write
	closeStore := true
	if cfg.TaskDB.Path != "" {
		sqliteStore, err := task.OpenSQLiteStore(cfg.TaskDB.Path)
		if err != nil {
			return fmt.Errorf("open task db: %w", err)
		}
		defer func() {
			if !closeStore {
				return
			}
			if err := sqliteStore.Close(); err != nil {
				logger.Warnf("close task db: %s", err)
			}
		}()
		store = sqliteStore
	} else {
		logger.Warnf("task_db.path is empty, tasks are kept in memory only")
	}
	var registryOpts []task.Option
	if store != nil {
		registryOpts = append(registryOpts, task.WithStore(store))
	}
	registry := task.NewRegistry(registryOpts...)

	var tr prompt.Translator
	if cfg.LLM.Enabled() {
		tr = translator.NewOpenAITranslator(translator.Options{
			APIBase:      cfg.LLM.APIBase,
			APIKey:       cfg.LLM.APIKey,
			Model:        cfg.LLM.Model,
			Temperature:  cfg.LLM.Temperature,
			Timeout:      cfg.LLM.Timeout,
			PromptPrefix: cfg.LLM.PromptPrefix,
		})
	} else {
		logger.Infof("llm is not configured, natural_language requests are disabled")
	}

	loras := make([]prompt.LoraModel, 0, len(cfg.Lora.Models))
	for _, m := range cfg.Lora.Models {
		loras = append(loras, prompt.LoraModel{Name: m.Name, Weight: m.Weight, TriggerWords: m.TriggerWords})
	}
	normalizer, err := prompt.NewNormalizer(prompt.Config{
		DefaultScheduler: cfg.DefaultScheduler,
		TriggerWords:     cfg.Lora.TriggerWords,
	}, prompt.NewStaticRegistry(loras...), tr)
	if err != nil {
		return err
	}

	engine := inference.NewSDAPIClient(cfg.Inference.BaseURL, cfg.Inference.Timeout)
	go engine.Warmup(ctx, cfg.Inference.WarmupInterval)

	uploader, imagesDir, err := newUploader(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	deliverer := callback.NewDeliverer(callback.Options{
		MaxAttempts:     cfg.Callback.RetryTimes,
		InitialInterval: cfg.Callback.RetryInterval,
		MaxInterval:     cfg.Callback.MaxInterval,
		Timeout:         cfg.Callback.Timeout,
	})
	dispatcher := callback.NewDispatcher(deliverer, shutdown.NewOperationTracker())

	queue := generation.NewQueue(cfg.Queue.MaxDepth)
	publisher := generation.NewPublisher(registry, uploader, dispatcher)
	pool := generation.NewPool(cfg.Queue.Workers, queue, registry, engine, publisher)
	service := generation.NewService(normalizer, registry, queue, engine)

	if err := service.Resume(ctx); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	pool.Start(ctx)
	go registry.RunJanitor(ctx, cfg.TaskDB.SweepInterval, cfg.TaskDB.Retention)

	router := server.InitRouter(handler.New(service, uploader), server.Options{
		APIKeys:      cfg.API.Keys,
		KeyHeader:    cfg.API.KeyHeader,
		HealthNoAuth: cfg.HealthCheck.NoAuth,
		Pprof:        cfg.Server.Pprof,
		ImagesDir:    imagesDir,
	})
	logger.Infof("service is starting, host: %s, port: %s, workers: %d", cfg.Server.Host, cfg.Server.Port, cfg.Queue.Workers)
	srv := server.Start(cfg.Server.Host, cfg.Server.Port, router)

	<-ctx.Done()
	logger.Infof("shutting down, grace period: %s", cfg.Shutdown.GracePeriod)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %s", err)
	}
	closeStore = stopWorkers(pool, cfg.Shutdown.GracePeriod)
	if err := dispatcher.Drain(cfg.Shutdown.GracePeriod); err != nil {
		logger.Warnf("callbacks: %s, %d still pending", err, dispatcher.Pending())
	}
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	if left, err := registry.Flush(flushCtx); err != nil {
		logger.Warnf("%d finished tasks could not be persisted: %s", left, err)
	}
	logger.Infof("service stopped, %d tasks still queued", queue.Depth())
	return nil
}

type workerStopper interface {
	Stop(grace time.Duration) error
}

// stopWorkers reports whether the task db may be closed. Workers still running after
// grace keep it open, their tasks are failed as interrupted on the next start.
func stopWorkers(pool workerStopper, grace time.Duration) bool {
	if err := pool.Stop(grace); err != nil {
		logger.Warnf("worker pool: %s, leaving task db open for running tasks", err)
		return false
	}
	return true
}

// newUploader also returns the directory to serve under /images for local storage.
func newUploader(ctx context.Context, cfg config.StorageConfig) (storage.Backend, string, error) {
	switch cfg.Backend {
	case "s3":
		s3Storage, err := storage.NewS3Storage(ctx, storage.S3Options{
			Endpoint:      cfg.S3.Endpoint,
			Region:        cfg.S3.Region,
			AccessKey:     cfg.S3.AccessKey,
			SecretKey:     cfg.S3.SecretKey,
			Bucket:        cfg.S3.Bucket,
			UseSSL:        cfg.S3.UseSSL,
			PublicBaseURL: cfg.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, "", err
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s3Storage.EnsureBucket(ensureCtx); err != nil {
			return nil, "", err
		}
		return s3Storage, "", nil
	default:
		local, err := storage.NewLocalStorage(cfg.Local.Dir, cfg.Local.BaseURL)
		if err != nil {
			return nil, "", err
		}
		return local, local.Dir(), nil
	}
}

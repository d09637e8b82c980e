package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"codegrade/internal/common/cache"
	"codegrade/internal/common/db"
	"codegrade/internal/common/mq"
	"codegrade/internal/common/storage"
	"codegrade/internal/grading/config"
	"codegrade/internal/grading/controller"
	"codegrade/internal/grading/producer"
	"codegrade/internal/grading/registry"
	"codegrade/internal/grading/repository"
	"codegrade/internal/grading/sandbox/engine"
	"codegrade/internal/grading/sandbox/observer"
	"codegrade/internal/grading/sandbox/runner"
	"codegrade/internal/grading/service"
	"codegrade/internal/grading/verdict"
	"codegrade/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grading_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file (.yaml or .toml)")
	flag.Parse()

	appCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "grading worker stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *config.AppConfig) error {
	ctx := context.Background()

	database, err := db.Open(appCfg.Database.Dialect(), &appCfg.Database.PoolConfig)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	queue, err := mq.New(ctx, appCfg.Queue.MQConfig(), redisCache.Client())
	if err != nil {
		return fmt.Errorf("init job queue failed: %w", err)
	}
	defer func() {
		_ = queue.Close()
	}()

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observer.NewPrometheusRecorder(metricsRegistry)
	if err != nil {
		return fmt.Errorf("init metrics failed: %w", err)
	}

	eng, err := engine.New(appCfg.Sandbox, appCfg.SecurityResolver())
	if err != nil {
		return fmt.Errorf("init sandbox engine failed: %w", err)
	}
	if closer, ok := eng.(io.Closer); ok {
		defer func() {
			_ = closer.Close()
		}()
	}

	runtimes, err := appCfg.Registry()
	if err != nil {
		return fmt.Errorf("init runtime registry failed: %w", err)
	}
	var verifier registry.ImageVerifier
	if v, ok := eng.(engine.ImageVerifier); ok && appCfg.Worker.VerifyImages {
		verifier = v
		verifyRuntimeImages(ctx, verifier, runtimes)
	}

	submissions := repository.NewSubmissionRepository(database)
	progress := repository.NewProgressRepository(redisCache, appCfg.Status.ProgressTTL)
	events := repository.NewMQStatusEventPublisher(queue, appCfg.Status.Topic)

	gradingSvc, err := service.NewGradingService(service.Config{
		Registry:        runtimes,
		Runner:          runner.NewRunnerWithObserver(eng, appCfg.Runner, metrics),
		Submissions:     submissions,
		Progress:        progress,
		Events:          events,
		Metrics:         metrics,
		Policy:          verdict.Policy{SkipAfterResourceLimit: *appCfg.Worker.SkipAfterResourceLimit},
		TestParallelism: appCfg.Worker.TestParallelism,
		PerTestOverhead: appCfg.Worker.PerTestOverhead,
		JobOverhead:     appCfg.Worker.JobOverhead,
		MaxJobTimeout:   appCfg.Worker.MaxJobTimeout,
	})
	if err != nil {
		return fmt.Errorf("init grading service failed: %w", err)
	}

	if err := queue.SubscribeWithOptions(ctx, appCfg.Queue.Topic, gradingSvc.HandleMessage, appCfg.Queue.SubscribeOptions()); err != nil {
		return fmt.Errorf("subscribe %s failed: %w", appCfg.Queue.Topic, err)
	}

	checks := map[string]controller.HealthCheck{
		"database": database.Ping,
		"redis":    redisCache.Ping,
		"queue":    queue.Ping,
	}
	if p, ok := eng.(engine.Pinger); ok {
		checks["sandbox"] = p.Ping
	}

	if appCfg.DeadLetter.Enabled {
		dlqHandler, storageCheck, err := buildDeadLetterHandler(ctx, appCfg, submissions, progress)
		if err != nil {
			return err
		}
		if err := queue.SubscribeWithOptions(ctx, appCfg.Queue.DeadLetterTopic, dlqHandler.HandleMessage, appCfg.Queue.DeadLetterSubscribeOptions()); err != nil {
			return fmt.Errorf("subscribe %s failed: %w", appCfg.Queue.DeadLetterTopic, err)
		}
		checks["storage"] = storageCheck
	}

	if err := queue.Start(); err != nil {
		return fmt.Errorf("start consumer failed: %w", err)
	}
	logger.Info(ctx, "grading worker consuming",
		zap.String("driver", appCfg.Queue.Driver),
		zap.String("topic", appCfg.Queue.Topic),
		zap.String("consumer", appCfg.Queue.ConsumerName),
		zap.Strings("languages", runtimes.Languages()),
	)

	enqueuer := producer.NewEnqueuer(queue, runtimes, verifier, producer.Config{
		Topic:        appCfg.Queue.Topic,
		MaxCodeBytes: appCfg.Worker.MaxCodeBytes,
		MessageTTL:   appCfg.Queue.MessageTTL,
	})
	router := controller.NewRouter(
		controller.NewGradingController(enqueuer, progress),
		controller.NewHealthController(checks, appCfg.Server.HealthTimeout),
		metricsRegistry,
	)
	httpServer := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		_ = queue.Stop()
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "grading http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	// Stop waits for in-flight jobs; an interrupted job stays unacknowledged and is redelivered.
	if err := queue.Stop(); err != nil {
		logger.Error(ctx, "consumer stop failed", zap.Error(err))
	}
	return nil
}

func buildDeadLetterHandler(ctx context.Context, appCfg *config.AppConfig, submissions repository.SubmissionRepository, progress service.ProgressStore) (*service.DeadLetterHandler, controller.HealthCheck, error) {
	bucket := appCfg.DeadLetter.Bucket
	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return nil, nil, fmt.Errorf("init minio failed: %w", err)
	}
	if err := objStorage.EnsureBucket(ctx, bucket, appCfg.MinIO.Region); err != nil {
		return nil, nil, fmt.Errorf("ensure dead letter bucket failed: %w", err)
	}
	archive, err := repository.NewDeadLetterArchive(objStorage, bucket)
	if err != nil {
		return nil, nil, fmt.Errorf("init dead letter archive failed: %w", err)
	}
	handler, err := service.NewDeadLetterHandler(archive, submissions, progress)
	if err != nil {
		return nil, nil, fmt.Errorf("init dead letter handler failed: %w", err)
	}
	check := func(ctx context.Context) error {
		return objStorage.Ping(ctx, bucket)
	}
	return handler, check, nil
}

// verifyRuntimeImages logs, without failing start-up, any configured image the host cannot start.
func verifyRuntimeImages(ctx context.Context, verifier registry.ImageVerifier, runtimes *registry.Registry) {
	for _, rt := range runtimes.Runtimes() {
		if err := verifier.VerifyImage(ctx, rt.Image); err != nil {
			logger.Warn(ctx, "runtime image not available",
				zap.String("language", rt.Language),
				zap.String("image", rt.Image),
				zap.Error(err),
			)
		}
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mysql-sink/internal/binlog"
	"mysql-sink/internal/checker"
	"mysql-sink/internal/config"
	"mysql-sink/internal/executor"
	"mysql-sink/internal/metrics"
	"mysql-sink/internal/nats"
	"mysql-sink/internal/processor"
)

const drainTimeout = 30 * time.Second

func setupLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logger.SetLevel(logrus.InfoLevel)
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}

	return logger
}

func serveMetrics(listen string, reg *prometheus.Registry, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		logger.Infof("Serving metrics on %s/metrics", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()

	return srv
}

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("Starting MySQL sink service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Source connection for permission checks and column lookups
	sourceDB, err := checker.OpenSource(cfg.Source.Host, cfg.Source.Port, cfg.Source.User, cfg.Source.Password)
	if err != nil {
		logger.Fatalf("Failed to open source connection: %v", err)
	}
	defer sourceDB.Close()

	if cfg.Source.CheckPermissions {
		if err := checker.New(sourceDB, logger).CheckSource(ctx); err != nil {
			logger.Fatalf("Source check failed: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	sinkMetrics := metrics.New(reg)

	exec := executor.New(logger, executor.WithMetrics(sinkMetrics))
	if err := exec.Configure(cfg.Executor); err != nil {
		logger.Fatalf("Failed to configure executor: %v", err)
	}
	if err := exec.Start(ctx); err != nil {
		logger.Fatalf("Failed to start executor: %v", err)
	}

	if cfg.Source.CheckPermissions {
		if err := checker.New(exec.PoolHandle().DB(), logger).CheckTarget(ctx); err != nil {
			logger.Fatalf("Target check failed: %v", err)
		}
	}

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		metricsServer = serveMetrics(cfg.Metrics.Listen, reg, logger)
	}

	// The watcher outlives ctx so failures from the final drain are still
	// forwarded; it stops when the failure stream closes
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()

	var notifier *nats.Notifier
	watcherDone := make(chan struct{})
	if cfg.NATS.URL != "" {
		notifier, err = nats.NewNotifier(
			cfg.NATS.URL,
			cfg.NATS.Subject,
			cfg.NATS.MaxReconnect,
			cfg.NATS.ReconnectWait,
			logger,
		)
		if err != nil {
			logger.Fatalf("Failed to create NATS notifier: %v", err)
		}

		go func() {
			defer close(watcherDone)
			executor.WatchFailures(watchCtx, exec.Failures(), notifier, logger)
		}()
	} else {
		close(watcherDone)
	}

	transformer, err := processor.NewTransformer(&cfg.Processor, logger)
	if err != nil {
		logger.Fatalf("Failed to create transformer: %v", err)
	}

	reader, err := binlog.NewReader(binlog.Options{
		Host:          cfg.Source.Host,
		Port:          cfg.Source.Port,
		User:          cfg.Source.User,
		Password:      cfg.Source.Password,
		ServerID:      cfg.Source.ServerID,
		Flavor:        cfg.Source.Flavor,
		PositionFile:  cfg.Binlog.PositionFile,
		StartPosition: cfg.Binlog.StartPosition,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to create binlog reader: %v", err)
	}
	defer reader.Close()

	ckpt := binlog.NewCheckpointer(reader, binlog.DefaultCheckpointDepth, logger)
	ckptDone := make(chan error, 1)
	go func() {
		ckptDone <- ckpt.Run(context.Background())
	}()

	proc := processor.NewProcessor(reader, exec, processor.NewInformationSchema(sourceDB), transformer, ckpt, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- proc.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.Errorf("Processor error: %v", err)
		}
		cancel()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()

	if err := exec.Stop(drainCtx); err != nil {
		logger.Errorf("Executor stop: %v", err)
	}

	ckpt.Close()
	if err := <-ckptDone; err != nil {
		logger.Warnf("Position not advanced past abandoned statements: %v", err)
	}
	logger.Infof("Binlog position: %s", binlog.FormatPosition(reader.Position()))

	<-watcherDone
	if notifier != nil {
		notifier.Close()
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(drainCtx); err != nil {
			logger.Warnf("Metrics server shutdown: %v", err)
		}
	}

	logger.Info("MySQL sink service stopped")
}

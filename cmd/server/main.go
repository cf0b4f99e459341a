package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/aggregate"
	"github.com/opsarch/nodewatch/internal/alert"
	"github.com/opsarch/nodewatch/internal/coord"
	"github.com/opsarch/nodewatch/internal/dispatch"
	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/monitor"
	"github.com/opsarch/nodewatch/internal/notify"
	"github.com/opsarch/nodewatch/internal/probe"
	"github.com/opsarch/nodewatch/internal/scheduler"
	"github.com/opsarch/nodewatch/internal/storage"
	"github.com/opsarch/nodewatch/internal/sweep"
)

func main() {
	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	var err error
	if viper.GetBool("logging.development") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Create JetStream context
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Open engine database and stores
	db, err := storage.Open(viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	nodeStore, err := storage.NewSQLiteNodeStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create node store", zap.Error(err))
	}
	healthHistory, err := storage.NewSQLiteHealthHistory(logger, db)
	if err != nil {
		logger.Fatal("Failed to create health history", zap.Error(err))
	}
	alertStore, err := storage.NewSQLiteAlertStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create alert store", zap.Error(err))
	}
	sweepHistory, err := storage.NewSQLiteSweepHistory(logger, db)
	if err != nil {
		logger.Fatal("Failed to create sweep history", zap.Error(err))
	}
	statsStore, err := storage.NewSQLiteStatsStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create stats store", zap.Error(err))
	}

	// Prometheus registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(registry)

	// Probing pipeline
	probeRegistry := probe.NewRegistry()
	if viper.GetBool("probe.privileged_ping") {
		probeRegistry.Register(probe.KindPing, &probe.PingProbe{Privileged: true})
	}

	dispatcher := dispatch.NewDispatcher(probeRegistry, dispatch.Config{
		ProbeTimeout: viper.GetDuration("probe.timeout"),
	}, logger)

	samplePublisher, err := aggregate.NewNATSPublisher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create health publisher", zap.Error(err))
	}
	aggregator := aggregate.NewAggregator(nodeStore, healthHistory,
		aggregate.MultiPublisher{samplePublisher, metrics}, logger)

	coordStore := coord.NewNATSStore(js, logger)
	coordinator := sweep.NewCoordinator(nodeStore, sweepHistory, statsStore, coordStore,
		dispatcher, aggregator, sweep.Config{
			MaxConcurrent:   viper.GetInt("sweep.max_concurrent"),
			StaggerInterval: viper.GetDuration("sweep.stagger_interval"),
		}, logger)

	// Alerting pipeline
	rules, err := alert.LoadRules(viper.GetString("alerts.rules_path"), logger)
	if err != nil {
		logger.Fatal("Failed to load alert rules", zap.Error(err))
	}

	natsChannel, err := notify.NewNATSChannel(js, logger)
	if err != nil {
		logger.Fatal("Failed to create notification channel", zap.Error(err))
	}
	trigger := notify.NewTrigger(
		[]notify.Channel{natsChannel, notify.NewLogChannel(logger), metrics},
		notify.Config{
			MinSeverity:  model.AlertSeverity(viper.GetString("notify.min_severity")),
			DedupeWindow: viper.GetDuration("notify.dedupe_window"),
		}, logger)

	engine := alert.NewEngine(rules, nodeStore, healthHistory, alertStore, trigger, logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Periodic jobs
	cronScheduler := scheduler.NewCronScheduler(logger)

	addJob := func(name, key, fallback string, fn scheduler.JobFunc) {
		expr := viper.GetString(key)
		if expr == "" {
			expr = fallback
		}
		if err := cronScheduler.AddJob(name, expr, fn); err != nil {
			logger.Fatal("Failed to register job",
				zap.String("name", name),
				zap.Error(err))
		}
	}

	addJob("health-sweep", "sweep.schedule", "0 */5 * * * *", func(ctx context.Context) {
		if _, err := coordinator.Run(ctx); err != nil && err != sweep.ErrSweepInProgress {
			logger.Error("Sweep failed", zap.Error(err))
		}
	})
	addJob("alert-evaluation", "alerts.evaluation_schedule", "30 * * * * *", func(ctx context.Context) {
		if err := engine.EvaluateAll(ctx); err != nil {
			logger.Error("Alert evaluation failed", zap.Error(err))
		}
	})
	addJob("silence-expiry", "alerts.silence_expiry_schedule", "0 * * * * *", func(ctx context.Context) {
		if err := engine.ExpireSilences(ctx); err != nil {
			logger.Error("Silence expiry failed", zap.Error(err))
		}
	})

	retentionDays := viper.GetInt("retention.days")
	if retentionDays <= 0 {
		retentionDays = 30
	}
	addJob("retention-cleanup", "retention.cleanup_schedule", "0 0 3 * * *", func(ctx context.Context) {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		if _, err := healthHistory.DeleteBefore(ctx, cutoff); err != nil {
			logger.Error("Failed to prune health samples", zap.Error(err))
		}
		if err := sweepHistory.DeleteBefore(ctx, cutoff); err != nil {
			logger.Error("Failed to prune sweep history", zap.Error(err))
		}
	})

	cronScheduler.Start(ctx)
	defer cronScheduler.Stop()

	// Host stats collection
	hostStats := monitor.NewHostStatsCollector(js, statsStore,
		viper.GetDuration("metrics.host_stats_interval"), logger)
	hostStats.Start(ctx)
	defer hostStats.Stop()

	// Metrics endpoint
	metricsAddr := viper.GetString("metrics.listen_addr")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("Metrics endpoint listening", zap.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		coordinator.Wait()
		close(done)
	}()
	select {
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached, some node checks may not have completed")
	case <-done:
		logger.Info("All node checks completed")
	}

	logger.Info("Server shutting down gracefully")
}

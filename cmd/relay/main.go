package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/richardliu001/permissions-service/internal/config"
	"github.com/richardliu001/permissions-service/internal/events"
	"github.com/richardliu001/permissions-service/internal/logger"
	"github.com/richardliu001/permissions-service/internal/model"
	"github.com/richardliu001/permissions-service/internal/relay"
	"github.com/richardliu001/permissions-service/internal/repo"
	"github.com/richardliu001/permissions-service/internal/search"
	"github.com/richardliu001/permissions-service/internal/sink"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level, "permissions-relay")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	}
	store := repo.NewRepository(gdb, nil, 0, log)

	kw := events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer kw.Close()

	es, err := search.NewClient(cfg.Elasticsearch.Addresses, cfg.Elasticsearch.Username, cfg.Elasticsearch.Password, nil)
	if err != nil {
		log.Fatalf("elasticsearch client: %v", err)
	}
	projector := search.NewProjector(es, cfg.Elasticsearch.Index, log)
	if err := projector.EnsureIndex(ctx); err != nil {
		log.Warnf("ensure index %s: %v", cfg.Elasticsearch.Index, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(reg)

	rc := cfg.Relay
	r := relay.New(store, map[model.Destination]sink.Dispatcher{
		model.DestinationSearchIndex: projector,
		model.DestinationEventStream: events.NewPublisher(kw, log),
	}, relay.NewPolicy(rc.MaxRetries, rc.BackoffBase, rc.BackoffCeiling), metrics, log, relay.Options{
		BatchSize:       rc.BatchSize,
		Workers:         rc.Workers,
		PollInterval:    rc.PollInterval,
		LeaseTimeout:    rc.LeaseTimeout,
		DispatchTimeout: rc.DispatchTimeout,
	})
	janitor := relay.NewJanitor(store, rc.Retention, rc.RetentionInterval, metrics, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.Infof("permissions-relay %s started, metrics on %s", r.Owner(), metricsSrv.Addr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relay: %v", err)
	}
	log.Info("permissions-relay stopped")
}

func configPath() string {
	if p := os.Getenv(config.EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

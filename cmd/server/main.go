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

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/richardliu001/permissions-service/internal/config"
	"github.com/richardliu001/permissions-service/internal/domain"
	"github.com/richardliu001/permissions-service/internal/logger"
	"github.com/richardliu001/permissions-service/internal/model"
	"github.com/richardliu001/permissions-service/internal/repo"
	"github.com/richardliu001/permissions-service/internal/search"
	"github.com/richardliu001/permissions-service/internal/service"
	httptransport "github.com/richardliu001/permissions-service/internal/transport/http"
)

func main() {
	_ = godotenv.Load()

	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level, "permissions-server")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	}
	if err := repo.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis read cache
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		defer rdb.Close()
	}

	// 5. repo, seed data & service
	repository := repo.NewRepository(gdb, rdb, cfg.Redis.CacheTTL, log)
	if err := repository.SeedPermissionTypes(ctx, model.DefaultPermissionTypes); err != nil {
		log.Fatalf("seed permission types: %v", err)
	}
	svc := service.NewPermissionService(repository, repository, domain.NewMutator(), log)

	// 6. search index, read side only
	var searcher httptransport.Searcher
	if len(cfg.Elasticsearch.Addresses) > 0 {
		es, err := search.NewClient(cfg.Elasticsearch.Addresses, cfg.Elasticsearch.Username, cfg.Elasticsearch.Password, nil)
		if err != nil {
			log.Fatalf("elasticsearch client: %v", err)
		}
		searcher = search.NewProjector(es, cfg.Elasticsearch.Index, log)
	}

	// 7. gin router
	router := httptransport.NewRouter(svc, searcher, cfg.RateLimit, log)

	// 8. serve
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	log.Infof("permissions-server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
	log.Info("permissions-server stopped")
}

func configPath() string {
	if p := os.Getenv(config.EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

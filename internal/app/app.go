package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"realty-mail-engine/internal/auth"
	"realty-mail-engine/internal/classify"
	"realty-mail-engine/internal/config"
	"realty-mail-engine/internal/credential"
	"realty-mail-engine/internal/db"
	"realty-mail-engine/internal/handler"
	"realty-mail-engine/internal/ingest"
	"realty-mail-engine/internal/matching"
	"realty-mail-engine/internal/metrics"
	"realty-mail-engine/internal/notify"
	"realty-mail-engine/internal/provider"
	"realty-mail-engine/internal/repository"
	"realty-mail-engine/internal/router"
	"realty-mail-engine/internal/service"
	"realty-mail-engine/internal/service/scheduler"
	"realty-mail-engine/internal/session"
	"realty-mail-engine/internal/workflow"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Realty Mail Engine")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("Unknown log level %q, using info", cfg.Log.Level)
	}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	repo := repository.New(dbConn)
	bus := notify.NewBus(cfg.Notifications.Capacity, cfg.Notifications.SubscriberBuffer)

	creds, states, closeStores, err := authStores(cfg, dbConn)
	if err != nil {
		return err
	}
	defer closeStores()

	opts := auth.Options{
		StateTTL:             cfg.Auth.StateTTL,
		RefreshSkew:          cfg.Auth.RefreshSkew,
		HTTPTimeout:          cfg.Auth.HTTPTimeout,
		DefaultTokenLifetime: cfg.Auth.DefaultTokenLifetime,
		Scopes:               cfg.Google.Scopes,
	}
	google := provider.NewGoogle(cfg.Google)
	controller := auth.NewController(google, states, creds, opts)
	refresher := auth.NewRefresher(google, creds, opts, m)

	var fetcher ingest.Fetcher
	if cfg.Google.UseIMAP {
		fetcher = ingest.NewIMAPFetcher(cfg.Google)
		logrus.Info("Using IMAP for mailbox ingestion")
	} else {
		fetcher = ingest.NewGmailFetcher(cfg.Google)
		logrus.Info("Using Gmail API for mailbox ingestion")
	}
	adapter := ingest.NewAdapter(fetcher, refresher, cfg.Scheduler, m)

	dispatcher := workflow.NewDispatcher(repo, repo, bus, m)
	classifier := classify.NewSafe(classify.NewKeywordClassifier(), 0, cfg.Scheduler.MaxRetries, cfg.Scheduler.RetryBackoff)
	engine := matching.NewEngine(repo, cfg.Matching.MinScore)
	pipeline := service.NewPipeline(repo, classifier, engine, dispatcher, bus, cfg, m)
	suggestions := service.NewSuggestions(repo, dispatcher)

	sched := scheduler.New(&cfg.Scheduler, adapter, pipeline, bus, m)

	h := handler.NewHandlers(handler.Dependencies{
		Config:      cfg,
		Auth:        controller,
		Refresher:   refresher,
		Bus:         bus,
		Suggestions: suggestions,
		Dispatcher:  dispatcher,
		Repo:        repo,
		Scheduler:   sched,
		Sessions:    session.NewManager(cfg.Session),
		Metrics:     m,
	})
	r := router.SetupRouter(h, cfg.Log.Level == "debug")
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

// authStores selects where credentials and pending authorization states live
func authStores(cfg *config.Config, dbConn *gorm.DB) (credential.Store, auth.StateStore, func(), error) {
	noop := func() {}

	switch cfg.Auth.Store {
	case "database":
		logrus.Info("Storing credentials in the database")
		return credential.NewGormStore(dbConn), auth.NewMemoryStateStore(cfg.Auth.AllowParallelAttempts, nil), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, noop, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logrus.WithField("addr", cfg.Redis.Addr).Info("Storing credentials in redis")
		closeFn := func() {
			if err := client.Close(); err != nil {
				logrus.Errorf("Failed to close redis client: %v", err)
			}
		}
		return credential.NewRedisStore(client, cfg.Session.TTL),
			auth.NewRedisStateStore(client, cfg.Auth.AllowParallelAttempts), closeFn, nil
	default:
		logrus.Info("Storing credentials in memory")
		return credential.NewMemoryStore(), auth.NewMemoryStateStore(cfg.Auth.AllowParallelAttempts, nil), noop, nil
	}
}

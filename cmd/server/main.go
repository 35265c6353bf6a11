package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdko-org/certdeliver/internal/artifact"
	"github.com/sdko-org/certdeliver/internal/audit"
	"github.com/sdko-org/certdeliver/internal/auth"
	"github.com/sdko-org/certdeliver/internal/config"
	"github.com/sdko-org/certdeliver/internal/database"
	"github.com/sdko-org/certdeliver/internal/handlers"
	"github.com/sdko-org/certdeliver/internal/httpserver"
	"github.com/sdko-org/certdeliver/internal/whitelist"
)

func main() {
	logger := logrus.New()

	cfg := config.LoadServer()

	tokens, err := cfg.Tokens()
	if err != nil {
		logger.WithError(err).Fatal("Token configuration invalid")
	}
	if len(cfg.Domains) == 0 {
		logger.Warn("No whitelist domains configured, all client IPs accepted")
	}

	var db *gorm.DB
	if cfg.AuditDBEnabled {
		db, err = database.NewPostgresDB(logger, database.PostgresConfig{
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			DBName:   cfg.PostgresDatabase,
			SSLMode:  cfg.PostgresSSLMode,
		})
		if err != nil {
			logger.WithError(err).Fatal("Audit database unavailable")
		}
	}

	validator := auth.NewValidator(logger, tokens, cfg.MaxFailedAttempts)
	wl := whitelist.NewCache(logger, cfg.Domains, cfg.WhitelistTTL, cfg.ResolveTimeout)
	store := artifact.NewStore(logger, cfg.TargetsDir)
	auditLog := audit.NewLogger(logger, db)

	handler := handlers.NewCertHandler(logger, cfg, validator, wl, store, auditLog)

	r := mux.NewRouter()
	r.Use(handlers.LoggingMiddleware(logger))
	r.Use(handlers.RateLimitMiddleware(cfg))
	handlers.RegisterRoutes(r, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		<-sigint
		cancel()
	}()

	watcher := artifact.NewWatcher(logger, store)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("Artifact watcher stopped")
		}
	}()

	if db != nil {
		go audit.NewRetention(logger, db).Start(ctx)
	}

	logger.WithFields(logrus.Fields{
		"targets_dir": cfg.TargetsDir,
		"domains":     len(cfg.Domains),
		"tokens":      len(tokens),
	}).Info("CertDeliver server starting")

	if err := httpserver.Run(ctx, logger, cfg, r); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}

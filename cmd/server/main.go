package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/estate-auth/internal/config"
	"github.com/iliyamo/estate-auth/internal/database"
	"github.com/iliyamo/estate-auth/internal/handler"
	"github.com/iliyamo/estate-auth/internal/metrics"
	"github.com/iliyamo/estate-auth/internal/middleware"
	"github.com/iliyamo/estate-auth/internal/queue"
	"github.com/iliyamo/estate-auth/internal/repository"
	"github.com/iliyamo/estate-auth/internal/router"
	"github.com/iliyamo/estate-auth/internal/service"
	"github.com/iliyamo/estate-auth/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, store, degraded := openStore(ctx, cfg, log)
	if db != nil {
		defer db.Close()
	}

	// Redis is optional: without it logout cannot revoke tokens and the
	// rate limiter keeps its buckets in process.
	var deny service.Denylist
	rdb, err := config.NewRedisClient(ctx, config.RedisOptions())
	if err != nil {
		log.WithError(err).Warn("redis unavailable; token revocation disabled")
		rdb = nil
	} else {
		defer rdb.Close()
		deny = repository.NewTokenDenylist(rdb)
	}

	var events service.EventPublisher
	if cfg.RabbitURL != "" {
		events = queue.NewPublisher(cfg.RabbitURL, log)
		consumer := queue.NewAuditConsumer(cfg.RabbitURL, "", log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("audit consumer stopped")
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	tokens := utils.NewTokenService(cfg.Tokens())
	auth := service.NewAuthService(service.Deps{
		Store:     store,
		Hasher:    utils.NewBcryptHasher(cfg.BcryptCost),
		OTP:       service.NewOTPService(store, utils.RandomCodes{}, cfg.OTP()),
		Tokens:    tokens,
		Denylist:  deny,
		Events:    events,
		Metrics:   m,
		Log:       log,
		ExposeOTP: cfg.OTPExposeCode,
	})

	e := newEcho(cfg, log, m, rdb, handler.NewAuthHandler(auth, cfg.IsProd()), middleware.NewGuard(tokens, deny, log), degraded)

	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "env": cfg.Env, "degraded": degraded}).Info("listening")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

func setupLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.IsProd() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// openStore connects to MySQL.  When the database is unreachable and
// degraded mode is allowed the in-memory demo store is used instead; the
// choice is made once here and never revisited.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*sql.DB, service.CredentialStore, bool) {
	db, err := database.Open(ctx, cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err == nil {
		err = database.EnsureSchema(ctx, db)
		if err == nil {
			return db, repository.NewIdentityRepo(db), false
		}
		_ = db.Close()
	}
	if !cfg.DegradedModeAllowed {
		log.WithError(err).Fatal("database unavailable")
	}
	log.WithError(err).Warn("database unavailable; running on the demo store")
	return nil, repository.NewDemoStore(), true
}

func newEcho(cfg config.Config, log logrus.FieldLogger, m *metrics.Metrics, rdb *redis.Client,
	a *handler.AuthHandler, guard *middleware.Guard, degraded bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(m.Middleware())

	router.RegisterRoutes(e, m, degraded)
	router.RegisterAuth(e, a, guard, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log))
	return e
}

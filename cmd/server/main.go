package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/modelgate/modelgate/internal/admin"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/crypto"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/models"
	"github.com/modelgate/modelgate/internal/pipeline"
	"github.com/modelgate/modelgate/internal/ratelimit"
	"github.com/modelgate/modelgate/internal/replay"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("configuration invalid")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("database connection failed")
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		logrus.WithError(err).Fatal("schema migration failed")
	}

	redisStore, err := store.NewRedis(cfg.RedisURL)
	if err != nil {
		logrus.WithError(err).Fatal("redis url invalid")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisStore.Ping(pingCtx); err != nil {
		logrus.WithError(err).Warn("redis unreachable at startup, serving on in-process fallback until it recovers")
	}
	cancel()

	local := store.NewMemory()
	shared := store.NewFailover(redisStore, local, cfg.StoreTimeout, cfg.StoreCooldown)
	defer shared.Close()

	secrets, err := crypto.NewBox(cfg.SecretEncKey)
	if err != nil {
		logrus.WithError(err).Fatal("secret encryption key invalid")
	}

	keys, err := auth.NewKeyStore(cfg.KeyGracePeriod)
	if err != nil {
		logrus.WithError(err).Fatal("signing key generation failed")
	}
	tokens := auth.NewTokenService(keys, cfg.TokenTTL)
	signer := auth.NewRequestSigner(cfg.ClockSkew)

	guard := replay.NewGuard(shared, cfg.ReplayTTL())
	limiter := ratelimit.NewLimiter(shared, models.Quota{
		Capacity:     cfg.RateCapacity,
		RefillPerSec: cfg.RateRefill,
	})
	respCache := cache.New(shared, cfg.CacheTTL, cfg.CacheFallbackSize)

	directory := db.NewClientCache(database, cfg.ClientCacheTTL)
	pl := pipeline.New(directory, secrets, signer, guard, tokens, limiter, shared)

	catalog := router.DefaultCatalog(cfg.MockUpstreamURL)
	modelRouter := router.New(catalog, cfg.UpstreamTimeout)

	invoke := gateway.NewInvokeHandler(pl, respCache, modelRouter, catalog, database, cfg.MaxBodyBytes)
	authAPI := gateway.NewAuthAPI(database, secrets, tokens, catalog)
	adminAPI := admin.New(database, directory, keys, respCache, secrets, cfg.AdminSecret)

	throttle := gateway.NewIPThrottle(cfg.ThrottlePerSec, cfg.ThrottleBurst)
	defer throttle.Stop()

	r := mux.NewRouter()
	r.Use(gateway.SecurityHeaders, gateway.AccessLog)
	r.HandleFunc("/health", gateway.Health(database, shared)).Methods(http.MethodGet)

	authRoutes := r.PathPrefix("/auth").Subrouter()
	authRoutes.Use(throttle.Middleware)
	authRoutes.HandleFunc("/token", authAPI.Token).Methods(http.MethodPost)
	authRoutes.Handle("/profile", gateway.RequireToken(tokens)(http.HandlerFunc(authAPI.Profile))).Methods(http.MethodGet)

	r.Handle("/models", gateway.RequireToken(tokens)(http.HandlerFunc(authAPI.Models))).Methods(http.MethodGet)

	apiRoutes := r.PathPrefix("/api").Subrouter()
	apiRoutes.Use(throttle.Middleware)
	apiRoutes.Handle("/models/{model}", invoke).Methods(http.MethodPost)

	adminAPI.RegisterRoutes(r)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"port":   cfg.ServerPort,
			"models": len(catalog.List()),
		}).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("shutdown incomplete")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Command chain-monitor wires the ingestion, matching, and dispatch
// subsystems into a single HTTP service: flag parsing, config loading,
// DB connect + migrate, store/app wiring, graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/r3e-network/chain-monitor/infrastructure/logging"
	"github.com/r3e-network/chain-monitor/infrastructure/metrics"
	"github.com/r3e-network/chain-monitor/infrastructure/middleware"
	"github.com/r3e-network/chain-monitor/infrastructure/resilience"
	"github.com/r3e-network/chain-monitor/internal/chain"
	"github.com/r3e-network/chain-monitor/internal/config"
	"github.com/r3e-network/chain-monitor/internal/dispatch"
	"github.com/r3e-network/chain-monitor/internal/httpapi"
	"github.com/r3e-network/chain-monitor/internal/ingestion"
	"github.com/r3e-network/chain-monitor/internal/kv"
	"github.com/r3e-network/chain-monitor/internal/matcher"
	"github.com/r3e-network/chain-monitor/internal/migrations"
	"github.com/r3e-network/chain-monitor/internal/notify"
	"github.com/r3e-network/chain-monitor/internal/ratelimit"
	"github.com/r3e-network/chain-monitor/internal/rules"
	"github.com/r3e-network/chain-monitor/internal/security"
	"github.com/r3e-network/chain-monitor/internal/tokens"
	"github.com/r3e-network/chain-monitor/internal/webhook"
	"github.com/r3e-network/chain-monitor/pkg/pgnotify"
)

func main() {
	runMigrations := flag.Bool("migrate", true, "apply embedded database migrations on startup")
	flag.Parse()

	logger := logging.NewFromEnv("chain-monitor")
	m := metrics.New("chain-monitor")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("chain-monitor: load config: %v", err)
	}

	if err := security.ValidateSecret(cfg.HMAC.Secret); err != nil {
		log.Fatalf("chain-monitor: hmac secret: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DB.URL)
	if err != nil {
		log.Fatalf("chain-monitor: open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 30*time.Second)
	if err := resilience.Retry(pingCtx, resilience.DefaultRetryConfig(), func() error {
		return db.PingContext(pingCtx)
	}); err != nil {
		cancelPing()
		log.Fatalf("chain-monitor: database unreachable: %v", err)
	}
	cancelPing()

	if *runMigrations {
		if err := migrations.Apply(db); err != nil {
			log.Fatalf("chain-monitor: apply migrations: %v", err)
		}
	}

	kvStore, err := kv.New(kv.Config{URL: cfg.KV.URL, Password: cfg.KV.Password})
	if err != nil {
		log.Fatalf("chain-monitor: connect kv store: %v", err)
	}
	defer kvStore.Close()

	verifier := security.NewVerifier(security.Config{
		Secret:          []byte(cfg.HMAC.Secret),
		FreshnessWindow: cfg.HMAC.FreshnessWindow,
		NonceTTL:        cfg.KV.NonceTTL,
	}, kvStore)

	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute}, kvStore)

	archiveStore := webhook.NewStore(db)

	chainStore := chain.NewStore()
	ruleStore := rules.NewStore(db)
	ruleCache := rules.NewCache(ruleStore)

	matchEngine := matcher.New(ruleCache, m)

	bus, err := pgnotify.New(cfg.DB.URL, logger)
	if err != nil {
		log.Fatalf("chain-monitor: connect notification bus: %v", err)
	}
	defer bus.Close()
	registry := notify.New(bus)

	engine := ingestion.New(db, chainStore, matchEngine, registry)
	replayer := webhook.NewReplayer(archiveStore, verifier, engine)

	handlers := map[dispatch.Channel]dispatch.Handler{
		dispatch.ChannelWebhook: dispatch.NewWebhookHandler(nil),
	}
	if cfg.Notifications.EmailEnabled {
		handlers[dispatch.ChannelEmail] = dispatch.NewEmailHandler(dispatch.EmailConfig{
			Host: cfg.Notifications.EmailHost,
			Port: cfg.Notifications.EmailPort,
			From: cfg.Notifications.EmailFrom,
		})
	}

	dispatchStore := dispatch.NewStore(db)
	dispatcher := dispatch.New(dispatchStore, handlers, m, logger, dispatch.Config{
		RetryAttempts:         cfg.Dispatch.MaxAttempts,
		RetryBaseDelay:        time.Duration(cfg.Dispatch.BackoffBaseMs) * time.Millisecond,
		CircuitWindow:         cfg.Circuit.Window,
		CircuitFailureRatePct: cfg.Circuit.FailureRatePct,
		CircuitCoolOff:        cfg.Circuit.CoolOff,
		DLQStalenessWarn:      cfg.DLQ.StalenessWarn,
	})

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	go func() {
		if err := dispatcher.Run(dispatchCtx, registry); err != nil {
			logger.WithError(err).Error("chain-monitor: dispatcher subscription ended")
		}
	}()
	if err := dispatcher.StartStalenessSweep("@every 5m"); err != nil {
		logger.WithError(err).Warn("chain-monitor: could not start dlq staleness sweep")
	}
	defer dispatcher.Stop()
	defer cancelDispatch()

	tokensCfg := tokens.Config{
		KeyID:      cfg.Token.KeyID,
		Issuer:     cfg.Token.Issuer,
		Expiration: cfg.Token.Expiration,
	}
	if cfg.Token.PrivateKeyPath != "" {
		privPEM, err := readKeyFile(cfg.Token.PrivateKeyPath)
		if err != nil {
			log.Fatalf("chain-monitor: load token private key: %v", err)
		}
		tokensCfg.PrivateKey, err = tokens.ParseRSAPrivateKeyFromPEM(privPEM)
		if err != nil {
			log.Fatalf("chain-monitor: parse token private key: %v", err)
		}
	}
	if cfg.Token.PublicKeyPath != "" {
		pubPEM, err := readKeyFile(cfg.Token.PublicKeyPath)
		if err != nil {
			log.Fatalf("chain-monitor: load token public key: %v", err)
		}
		tokensCfg.PublicKey, err = tokens.ParseRSAPublicKeyFromPEM(pubPEM)
		if err != nil {
			log.Fatalf("chain-monitor: parse token public key: %v", err)
		}
	}

	tokenStore := tokens.NewStore(db)
	tokenSweeper := tokens.NewSweeper(tokenStore, logger)
	if err := tokenSweeper.Start("@every 1h"); err != nil {
		logger.WithError(err).Warn("chain-monitor: could not start revoked-token sweeper")
	}
	defer tokenSweeper.Stop()

	sessionVerifier := tokens.NewVerifier(tokensCfg, tokenStore)

	router := httpapi.NewRouter(httpapi.Deps{
		Logger:    logger,
		Verifier:  verifier,
		Archive:   archiveStore,
		RateLimit: limiter,
		Ingest:    engine,
		Replay:    replayer,
		DLQ:       dispatchStore,
		Sessions:  sessionVerifier,
		AdminRole: "admin",
	})

	handler := wrapMiddleware(router, logger, m)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(srv, 15*time.Second)
	shutdown.OnShutdown(func() {
		cancelDispatch()
		dispatcher.Stop()
		tokenSweeper.Stop()
	})
	shutdown.ListenForSignals()

	logger.Info(context.Background(), "chain-monitor starting", map[string]interface{}{"addr": cfg.Addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("chain-monitor: serve: %v", err)
	}
	shutdown.Wait()
}

// wrapMiddleware composes the ambient request pipeline around router:
// Recovery -> Tracing -> Logging -> Metrics -> SecurityHeaders -> BodyLimit
// -> Timeout (infrastructure/middleware).
func wrapMiddleware(router *mux.Router, logger *logging.Logger, m *metrics.Metrics) http.Handler {
	recovery := middleware.NewRecoveryMiddleware(logger)
	tracing := middleware.NewTracingMiddleware(logger)
	secHeaders := middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders())
	bodyLimit := middleware.NewBodyLimitMiddleware(0)
	timeoutMW := middleware.NewTimeoutMiddleware(30 * time.Second)

	router.Use(mux.MiddlewareFunc(recovery.Handler))
	router.Use(mux.MiddlewareFunc(tracing.Handler))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware("chain-monitor", m))
	router.Use(mux.MiddlewareFunc(secHeaders.Handler))
	router.Use(mux.MiddlewareFunc(bodyLimit.Handler))
	router.Use(mux.MiddlewareFunc(timeoutMW.Handler))

	return router
}

func readKeyFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

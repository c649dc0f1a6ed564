package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/execution-hub/invitation-hub/internal/api/http"
	"github.com/execution-hub/invitation-hub/internal/application/negotiation"
	"github.com/execution-hub/invitation-hub/internal/application/notification"
	"github.com/execution-hub/invitation-hub/internal/config"
	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
	domainNotification "github.com/execution-hub/invitation-hub/internal/domain/notification"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/redisfeed"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/sse"
	"github.com/execution-hub/invitation-hub/internal/infrastructure/webhook"
	"github.com/execution-hub/invitation-hub/internal/logging"
	"github.com/execution-hub/invitation-hub/internal/scheduler"
	"github.com/execution-hub/invitation-hub/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}
	defer logCloser.Close()

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, cfg.ServiceName)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	stores, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store setup failed")
	}
	defer stores.close()

	ledgerKey, _ := cfg.LedgerKeyBytes()
	ledger := invitation.NewLedger(ledgerKey)
	if len(ledgerKey) == 0 {
		logger.Warn().Msg("LEDGER_KEY not set, history digests are unkeyed")
	}

	// notification delivery
	sseHub := sse.NewHub()
	defer sseHub.Stop()
	sseSink := sse.NewSink(sseHub, logger)
	sink := notification.NewFanoutSink(logger).
		Handle(domainNotification.ChannelSSE, sseSink).
		Fallback(sseSink)
	if cfg.WebhookURL != "" {
		hook, err := webhook.NewSink(webhook.Config{URL: cfg.WebhookURL}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("webhook sink setup failed")
		}
		sink.Handle(domainNotification.ChannelWebhook, hook).Fallback(hook)
	}

	rules := notification.DefaultRules()
	if cfg.RoutingRulesFile != "" {
		if rules, err = notification.LoadRules(cfg.RoutingRulesFile); err != nil {
			logger.Fatal().Err(err).Msg("routing rules")
		}
	}
	router, err := notification.NewRouter(rules)
	if err != nil {
		logger.Fatal().Err(err).Msg("routing rules")
	}
	dispatcher := notification.NewDispatcher(stores.notifications, stores.invitations, sink, router, logger)

	// timeline feeds
	publishers := negotiation.Publishers{sse.NewPublisher(sseHub)}
	if cfg.RedisAddr != "" {
		rdb, err := redisfeed.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rdb.Close()
		publishers = append(publishers, redisfeed.NewPublisher(rdb))
	}

	negotiationSvc := negotiation.NewService(
		stores.invitations,
		stores.resolver,
		stores.engagements,
		dispatcher,
		publishers,
		ledger,
		negotiation.Config{
			DefaultValidity: cfg.DefaultValidity,
			StoreTimeout:    cfg.StoreTimeout,
			DispatchTimeout: cfg.DispatchTimeout,
			ConflictRetries: cfg.ConflictRetries,
		},
		logger,
	)

	jobs, err := scheduler.New(scheduler.Config{
		ExpirySweep:        cfg.ExpirySweepSchedule,
		OutboxRelay:        cfg.OutboxRelaySchedule,
		NotificationExpiry: cfg.NotificationExpirySchedule,
		BatchSize:          cfg.SweepBatchSize,
	}, negotiationSvc, dispatcher, dispatcher, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler setup failed")
	}

	// API server
	apiServer := httpapi.NewServer(negotiationSvc, dispatcher, stores.resolver, sseHub, logger)
	if stores.cluster != nil {
		apiServer.WithCluster(stores.cluster)
	}

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// background jobs
	jobs.Start()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("backend", cfg.StoreBackend).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	if stores.afterStart != nil {
		go stores.afterStart()
	}

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := jobs.Stop(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not stop in time")
	}
	sseHub.Stop()
	_ = httpServer.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}

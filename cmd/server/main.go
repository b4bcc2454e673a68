// Command server runs the sandbox exchange node: router, consent authority,
// holding party, and requester inbox behind one listener.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"setu/internal/consent"
	"setu/internal/dispatch"
	"setu/internal/gateway"
	"setu/internal/linking"
	"setu/internal/patient"
	"setu/internal/platform/config"
	"setu/internal/platform/database"
	"setu/internal/platform/health"
	"setu/internal/platform/httpserver"
	"setu/internal/platform/kafka/producer"
	"setu/internal/platform/logger"
	"setu/internal/platform/metrics"
	platformredis "setu/internal/platform/redis"
	"setu/internal/registry"
	"setu/internal/requester"
	"setu/internal/transfer"
	httptransport "setu/internal/transport/http"
	"setu/pkg/domain"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	log.Info("initializing exchange node",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional backing services. Each degrades to an in-memory stand-in when
	// unconfigured, so the sandbox runs with no external dependencies.
	dbPool, err := database.New(cfg.Database)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis init failed", "error", err)
		os.Exit(1)
	}

	var txSink producer.Sink
	if cfg.Kafka.Brokers != "" {
		kafkaProducer, err := producer.New(producer.Config{Brokers: cfg.Kafka.Brokers}, log)
		if err != nil {
			log.Error("kafka init failed", "error", err)
			os.Exit(1)
		}
		txSink = kafkaProducer
	} else {
		txSink = producer.NewNoopProducer()
	}

	pool := dispatch.New(cfg.DispatchWorkers, cfg.DispatchQueueSize, dispatch.WithLogger(log))
	pool.Start(ctx)

	txlog := gateway.NewTxLog(gateway.NewInMemoryTxStore(),
		gateway.WithKafkaSink(txSink, cfg.Kafka.TransactionTopic),
		gateway.WithTxLogLogger(log),
	)

	// Sandbox enrollment: one participant per actor role.
	reg := registry.New()
	reg.Add(registry.Participant{
		ID:      domain.ParticipantID("cm-sandbox"),
		Role:    registry.RoleConsentManager,
		BaseURL: cfg.ConsentManagerBaseURL,
		Secret:  cfg.ConsentManagerSecret,
	})
	reg.Add(registry.Participant{
		ID:      domain.ParticipantID("hip-sandbox"),
		Role:    registry.RoleProvider,
		BaseURL: cfg.ProviderBaseURL,
		Secret:  cfg.ProviderSecret,
	})
	reg.Add(registry.Participant{
		ID:      domain.ParticipantID("hiu-sandbox"),
		Role:    registry.RoleRequester,
		BaseURL: cfg.RequesterBaseURL,
		Secret:  cfg.RequesterSecret,
	})
	sessions := registry.NewSessionService(reg, cfg.JWTSigningKey, 20*time.Minute)

	peerClient := gateway.NewClient(cfg.PeerCallTimeout, log, m)

	// Callback senders authenticate like any other participant: the gateway's
	// callback intake sits behind the bearer perimeter.
	hipCallbacks := gateway.NewCallbackClient(peerClient, cfg.GatewayBaseURL, gateway.Credentials{
		ClientID:     "hip-sandbox",
		ClientSecret: cfg.ProviderSecret,
	})
	cmCallbacks := gateway.NewCallbackClient(peerClient, cfg.GatewayBaseURL, gateway.Credentials{
		ClientID:     "cm-sandbox",
		ClientSecret: cfg.ConsentManagerSecret,
	})

	var correlations gateway.Store
	if redisClient != nil {
		correlations = gateway.NewRedisStore(redisClient)
	} else {
		correlations = gateway.NewInMemoryStore()
	}
	gatewaySvc := gateway.NewService(correlations, reg, txlog, pool, peerClient, log,
		gateway.WithMetrics(m),
		gateway.WithCorrelationTTL(cfg.CorrelationTTL),
	)

	// Holding party.
	patients := patient.NewInMemoryStore()
	bundles := transfer.NewInMemoryBundleStore()
	seedSandbox(patients, bundles)

	matcher := patient.NewMatcher(patients, log, m)
	discoverySvc := patient.NewService(patients, matcher, hipCallbacks, pool, log)

	var attempts linking.AttemptStore
	if redisClient != nil {
		attempts = linking.NewRedisAttemptStore(redisClient)
	} else {
		attempts = linking.NewInMemoryAttemptStore()
	}
	links := linking.NewInMemoryLinkStore()
	linkingSvc := linking.NewService(patients, attempts, links, hipCallbacks, pool,
		linking.LogMessenger{Logger: log}, log,
		linking.WithMetrics(m),
		linking.WithChallengeTTL(cfg.OTPTTL),
		linking.WithMaxAttempts(cfg.OTPMaxAttempts),
		linking.WithAuthoritySender(cmCallbacks),
	)

	// Consent authority.
	var consentStore consent.Store
	if dbPool != nil {
		consentStore = consent.NewPostgres(dbPool.DB())
	} else {
		consentStore = consent.NewInMemoryStore()
	}
	consentSvc := consent.NewService(consentStore, linkingSvc, cmCallbacks, pool, reg, peerClient, log,
		consent.WithMetrics(m),
		consent.WithRequestTTL(cfg.ConsentTTL),
		consent.WithSigningKey(cfg.ArtefactSigningKey),
	)

	transferSvc := transfer.NewService(bundles, consentSvc, hipCallbacks, pool, peerClient, log,
		transfer.WithMetrics(m),
	)
	relay := transfer.NewRelay(consentSvc, reg, cmCallbacks, pool, peerClient, log)

	inbox := requester.NewInbox()

	healthHandler := health.New(cfg.Environment)
	if dbPool != nil {
		healthHandler.RegisterCheck("database", func() error {
			return dbPool.Health(context.Background())
		})
	}
	if redisClient != nil {
		healthHandler.RegisterCheck("redis", func() error {
			return redisClient.Health(context.Background())
		})
	}
	healthHandler.RegisterCheck("txlog-sink", func() error {
		if !txSink.Healthy(context.Background()) {
			return errors.New("transaction log sink unreachable")
		}
		return nil
	})

	router := httptransport.NewRouter(httptransport.Deps{
		Gateway: httptransport.NewGatewayHandler(gatewaySvc, sessions, log),
		HIP:     httptransport.NewHIPHandler(discoverySvc, linkingSvc, transferSvc, log),
		CM:      httptransport.NewCMHandler(consentSvc, linkingSvc, relay, log),
		HIU:     httptransport.NewHIUHandler(inbox, log),
		Health:  healthHandler,
		Auth:    sessions,
		Logger:  log,
	})

	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting http server", "addr", cfg.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}

	// Drain queued background work before closing the audit trail. The pool
	// context stays live until the drain finishes; cancelling first would let
	// workers exit with tasks still queued.
	pool.Close()
	cancel()
	txlog.Close()
	txSink.Flush(5 * time.Second)
	_ = txSink.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if dbPool != nil {
		_ = dbPool.Close()
	}

	log.Info("server stopped")
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"entitlement-api/internal/api"
	"entitlement-api/internal/config"
	"entitlement-api/internal/database"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/middleware"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 20 * time.Second

func main() {
	// 初始化配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// 初始化日志
	if err := logging.InitLogging(cfg.LogLevel); err != nil {
		log.Fatal("Failed to initialize logging:", err)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Errorf("Server stopped with error: %v", err)
		logging.Sync()
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库
	db, err := database.Open(database.Options{DatabaseURL: cfg.DatabaseURL, SQLitePath: cfg.SQLitePath})
	if err != nil {
		return err
	}
	defer database.Close(db)

	redisClient, err := database.OpenRedis(cfg.RedisURL)
	if err != nil {
		return err
	}

	var leases services.LeaseStore
	if redisClient != nil {
		defer redisClient.Close()
		leases = services.NewRedisLeaseStore(redisClient, "entitlement:notification:")
	} else {
		memLeases := services.NewMemoryLeaseStore(time.Minute)
		defer memLeases.Stop()
		leases = memLeases
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rootPEM, err := cfg.AppStore.RootCertificatePEM()
	if err != nil {
		return err
	}
	verifier, err := services.NewSignatureVerifier(rootPEM, cfg.AppStore.AllowedAlgs, cfg.AppStore.RequireAppleOIDs)
	if err != nil {
		return err
	}

	entitlementRepo := database.NewEntitlementRepo(db)
	ledger := services.NewEntitlementLedger(db, entitlementRepo, m)
	changeLog := database.NewChangeLogStore(db)
	devices := database.NewDeviceRepo(db)
	crmJobs := database.NewCrmJobRepo(db)
	idempotency := services.NewIdempotencyStore(database.NewIdempotencyRepo(db), leases, cfg.Pipeline.IdempotencyLease)
	sessions := services.NewSessionRegistry(cfg.Stream.SendTimeout, cfg.Stream.HeartbeatInterval, cfg.Stream.HeartbeatWindow, m)

	catalog := config.ParseContentCatalog(cfg.ContentCatalog)
	if len(catalog) == 0 {
		logging.Warnf("CONTENT_CATALOG is empty, every product unlocks a content id equal to its product id")
	}

	fanout := services.FanoutDeps{
		ChangeLog:   changeLog,
		Catalog:     services.NewStaticContentCatalog(catalog),
		Sessions:    sessions,
		PushTimeout: cfg.Push.Timeout,
		Metrics:     m,
	}
	if cfg.Push.GatewayURL != "" {
		fanout.Push = services.NewHTTPPushGateway(cfg.Push.GatewayURL, cfg.Push.Secret, cfg.Push.Timeout)
		fanout.Devices = devices
	} else {
		logging.Infof("PUSH_GATEWAY_URL not set, push channel disabled")
	}

	var crmWorker *services.CrmSyncWorker
	if cfg.Crm.Endpoint != "" {
		fanout.CrmQueue = crmJobs

		var alerter services.DeadLetterAlerter
		if cfg.Alerts.BrevoAPIKey != "" && cfg.Alerts.AlertEmail != "" {
			alerter = services.NewBrevoDeadLetterAlerter(cfg.Alerts.BrevoAPIKey, cfg.Alerts.BrevoFromEmail, cfg.Alerts.AlertEmail, "")
		}
		crmWorker = services.NewCrmSyncWorker(crmJobs, ledger,
			services.NewHTTPCrmClient(cfg.Crm.Endpoint, cfg.Crm.Secret, cfg.Crm.Timeout),
			alerter, m, services.CrmWorkerConfig{
				MaxAttempts:  cfg.Crm.MaxAttempts,
				BaseBackoff:  cfg.Crm.BaseBackoff,
				MaxBackoff:   cfg.Crm.MaxBackoff,
				PollInterval: cfg.Crm.PollInterval,
				CallTimeout:  cfg.Crm.Timeout,
			})
	} else {
		logging.Infof("CRM_ENDPOINT not set, CRM sync disabled")
	}

	pipeline := services.NewNotificationPipeline(services.PipelineDeps{
		DB:               db,
		Verifier:         verifier,
		Parser:           services.NewNotificationParser(cfg.AppStore.SupportedVersions),
		Idempotency:      idempotency,
		Ledger:           ledger,
		Dispatcher:       services.NewFanoutDispatcher(fanout),
		AllowedBundleIDs: cfg.AppStore.AllowedBundleIDs,
		BroadcastTimeout: cfg.Pipeline.Timeout,
		Metrics:          m,
	})

	handler := api.NewHandler(api.HandlerDeps{
		Pipeline:        pipeline,
		Entitlements:    ledger,
		Changes:         changeLog,
		Devices:         devices,
		Sessions:        sessions,
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		PipelineTimeout: cfg.Pipeline.Timeout,
		AllowedOrigins:  cfg.Stream.AllowedOrigins,
	})

	// 设置 Gin 模式
	gin.SetMode(cfg.Mode)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())

	// 设置路由
	api.SetupRoutes(r, handler, cfg.ClientAPIKey)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sessions.RunHeartbeat(gctx)
		return nil
	})

	g.Go(func() error {
		idempotency.RunPruner(gctx, cfg.Pipeline.IdempotencyRetention, 6*time.Hour)
		return nil
	})

	if crmWorker != nil {
		g.Go(func() error {
			if err := crmWorker.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Infof("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked stream connections are not tracked by Shutdown.
		sessions.CloseAll("server shutting down")
		err := srv.Shutdown(shutdownCtx)
		pipeline.Wait()
		return err
	})

	return g.Wait()
}

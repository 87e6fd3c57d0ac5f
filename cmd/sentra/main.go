// Sentra is the multi-tenant cloud compliance scanning platform: job
// orchestration, sharded result storage, report derivation, scheduled and
// event-driven triggers, license enforcement and rule-source syncing behind
// one JSON API.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/sentra-scan/sentra/internal/config"
	"github.com/sentra-scan/sentra/internal/engine"
	"github.com/sentra-scan/sentra/internal/events"
	"github.com/sentra-scan/sentra/internal/license"
	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/objectstore"
	"github.com/sentra-scan/sentra/internal/orchestrator"
	"github.com/sentra-scan/sentra/internal/reports"
	"github.com/sentra-scan/sentra/internal/rules"
	"github.com/sentra-scan/sentra/internal/rulesource"
	"github.com/sentra-scan/sentra/internal/secrets"
	"github.com/sentra-scan/sentra/internal/server"
	"github.com/sentra-scan/sentra/internal/sharding"
	"github.com/sentra-scan/sentra/internal/siem"
	"github.com/sentra-scan/sentra/internal/tenants"
	"github.com/sentra-scan/sentra/internal/trigger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	// Persistent stores.
	tenantStore, err := tenants.NewStore(filepath.Join(cfg.DataDir, "tenants.db"))
	if err != nil {
		logger.Fatal("open tenants store", zap.Error(err))
	}
	defer tenantStore.Close()

	licenseStore, err := license.NewStore(filepath.Join(cfg.DataDir, "licenses.db"))
	if err != nil {
		logger.Fatal("open license store", zap.Error(err))
	}
	defer licenseStore.Close()

	catalog, err := rules.NewStore(filepath.Join(cfg.DataDir, "rules.db"))
	if err != nil {
		logger.Fatal("open rule catalog", zap.Error(err))
	}
	defer catalog.Close()

	jobStore, err := orchestrator.NewStore(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		logger.Fatal("open job store", zap.Error(err))
	}
	defer jobStore.Close()

	triggerStore, err := trigger.NewStore(filepath.Join(cfg.DataDir, "triggers.db"))
	if err != nil {
		logger.Fatal("open trigger store", zap.Error(err))
	}
	defer triggerStore.Close()

	exceptionStore, err := reports.NewExceptionStore(filepath.Join(cfg.DataDir, "exceptions.db"))
	if err != nil {
		logger.Fatal("open exception store", zap.Error(err))
	}
	defer exceptionStore.Close()

	bus := events.NewBus(256)

	// Cloud plumbing. Without AWS credentials the platform still starts on
	// in-memory backends, which only suits local development.
	awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx)
	if awsErr != nil {
		logger.Warn("aws config unavailable, using in-memory backends", zap.Error(awsErr))
	}

	var resultStore objectstore.Store
	if awsErr == nil && cfg.Storage.Bucket != "" {
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Storage.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
				o.UsePathStyle = true
			}
			if cfg.Storage.Region != "" {
				o.Region = cfg.Storage.Region
			}
		})
		resultStore = objectstore.NewS3(client, cfg.Storage.Bucket)
		logger.Info("result store", zap.String("bucket", cfg.Storage.Bucket))
	} else {
		resultStore = objectstore.NewMemory()
		logger.Warn("result store is in-memory, results are lost on restart")
	}

	var secretStore secrets.Store
	if awsErr == nil {
		secretStore = secrets.NewSecretsManager(secretsmanager.NewFromConfig(awsCfg), "sentra")
	} else {
		secretStore = secrets.NewMemory()
	}

	var eng engine.Engine
	if awsErr == nil && cfg.Engine.JobQueue != "" {
		eng = engine.NewBatch(batch.NewFromConfig(awsCfg))
	} else {
		eng = engine.NewMemory()
		logger.Warn("worker engine is in-memory, no real scans will run")
	}

	// License Manager client.
	if cfg.LicenseManager.BaseURL == "" {
		logger.Fatal("license manager base url is required (SENTRA_LM_BASE_URL)")
	}
	key, err := hex.DecodeString(cfg.LicenseManager.PrivateKey)
	if err != nil {
		logger.Fatal("decode license manager private key", zap.Error(err))
	}
	tokens := license.NewTokenSource(secretStore, key,
		time.Duration(cfg.LicenseManager.TokenTTLSeconds)*time.Second)
	lm, err := license.Dial(ctx, cfg.LicenseManager.BaseURL, tokens,
		nil, logger.Named("license"))
	if err != nil {
		logger.Fatal("dial license manager", zap.Error(err))
	}

	// Core components.
	writer := sharding.NewWriter(resultStore)
	registry := metadata.NewRegistry(resultStore, logger.Named("metadata"))
	pipeline := reports.NewPipeline(writer, registry, exceptionStore, logger.Named("reports"))
	finalizer := reports.NewFinalizer(writer, registry, logger.Named("finalizer"))

	orch := orchestrator.New(jobStore, tenantStore, licenseStore, catalog, lm,
		eng, secretStore, bus, logger.Named("orchestrator"),
		cfg.Engine.JobDefinition, cfg.Engine.JobQueue)
	orch.SetResultSink(finalizer)

	sourceSyncer := rulesource.NewSyncer(catalog, secretStore, bus,
		logger.Named("rulesource"), rulesource.Options{
			HTTPClient: &http.Client{Timeout: cfg.Timeout()},
		})

	var scheduler *trigger.Scheduler
	if awsErr == nil && cfg.Events.ScheduleTargetARN != "" {
		scheduler = trigger.NewScheduler(triggerStore,
			eventbridge.NewFromConfig(awsCfg), cfg.Events.ScheduleTargetARN,
			logger.Named("scheduler"))
	} else {
		logger.Warn("scheduled triggers disabled, no schedule target configured")
	}

	group, ctx := errgroup.WithContext(ctx)

	// Entitlement sync keeps the license store, activation dates and the
	// rule catalog aligned with the License Manager.
	remover := license.NewRemover(licenseStore, catalog, bus, logger.Named("license"))
	synchronizer := license.NewSynchronizer(lm, licenseStore, tenantStore, remover,
		logger.Named("license"))
	syncInterval := time.Duration(cfg.LicenseManager.SyncIntervalSeconds) * time.Second
	group.Go(func() error { return synchronizer.Run(ctx, syncInterval) })

	// Hourly snapshots of every non-empty tenant state.
	group.Go(func() error { return finalizer.Run(ctx, tenantStore) })

	// Downstream SIEM push on job completion.
	if cfg.SIEM.Endpoint != "" {
		target := siem.NewHTTPTarget("siem", cfg.SIEM.Endpoint,
			&http.Client{Timeout: cfg.Timeout()})
		pusher := siem.NewPusher(target, 0, cfg.SIEM.MaxParallel, logger.Named("siem"))
		forwarder := siem.NewForwarder(bus, pipeline, tenantStore, pusher,
			siem.Options{PerResource: cfg.SIEM.Kind == "per-resource"},
			logger.Named("siem"))
		group.Go(func() error { return forwarder.Run(ctx) })
		logger.Info("siem forwarding enabled", zap.String("endpoint", cfg.SIEM.Endpoint))
	}

	// Event-driven ingestion.
	if awsErr == nil && cfg.Events.QueueURL != "" {
		router := trigger.NewRouter(orch, tenantStore, cfg.Events.SelfAccountID,
			logger.Named("router"))
		consumer := trigger.NewConsumer(sqs.NewFromConfig(awsCfg),
			cfg.Events.QueueURL, router, orch, logger.Named("consumer"))
		group.Go(func() error { return consumer.Run(ctx) })
		logger.Info("event consumer started", zap.String("queue", cfg.Events.QueueURL))
	}

	// API boundary.
	srv := server.New(server.Config{ListenAddr: cfg.ListenAddr},
		orch, jobStore, tenantStore,
		pipeline, exceptionStore, scheduler, triggerStore,
		catalog, sourceSyncer,
		logger.Named("api"))
	group.Go(func() error { return srv.Start(ctx) })

	logger.Info("sentra started", zap.String("addr", cfg.ListenAddr))
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("component failed", zap.Error(err))
	}
	logger.Info("sentra stopped")
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

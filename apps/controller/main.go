package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/wardenhq/warden/apps/controller/config"
	"github.com/wardenhq/warden/pkg/artifact"
	"github.com/wardenhq/warden/pkg/cost"
	"github.com/wardenhq/warden/pkg/db"
	"github.com/wardenhq/warden/pkg/kv"
	"github.com/wardenhq/warden/pkg/observe"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/reaper"
	"github.com/wardenhq/warden/pkg/runstore"
	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/session"
	"github.com/wardenhq/warden/pkg/wapi"
	"github.com/wardenhq/warden/pkg/wapi/routes"
	"github.com/wardenhq/warden/pkg/wapi/services"
	"github.com/wardenhq/warden/pkg/wlog"
)

func main() {
	ctx := context.Background()

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var logger *wlog.Logger
	if cfg.LogJSON {
		logger = wlog.NewJSON(slog.LevelInfo, os.Stderr)
	} else {
		logger = wlog.NewDefault()
	}
	observe.Init(observe.NewLogSink(logger))
	cfg.Print(func(format string, args ...interface{}) {
		fmt.Fprintf(os.Stderr, format, args...)
	})

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		logger.Fatal("database init failed", "error", err)
	}
	defer database.Close()
	store := runstore.NewPostgres(database)

	var kvStore kv.Store
	if cfg.RedisAddr != "" {
		kvStore, err = kv.NewRedis(kv.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Fatal("redis init failed", "error", err)
		}
	} else {
		kvStore = kv.NewMemory()
	}
	defer kvStore.Close()
	revocations := kv.NewRevocations(kvStore)

	var artifacts artifact.Store
	if cfg.MinioEndpoint != "" {
		minioStore, err := artifact.NewMinIO(artifact.MinIOConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal("artifact store init failed", "error", err)
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			logger.Fatal("artifact bucket init failed", "error", err)
		}
		artifacts = minioStore
	}

	registry := sandbox.NewRegistry()
	for _, name := range cfg.Backends {
		switch name {
		case "docker":
			backend, err := sandbox.NewDocker(logger)
			if err != nil {
				logger.Fatal("docker backend init failed", "error", err)
			}
			registry.Register(backend)
		case "k8s":
			backend, err := sandbox.NewK8s(logger, cfg.K8sNamespace)
			if err != nil {
				logger.Fatal("k8s backend init failed", "error", err)
			}
			registry.Register(backend)
		case "httpapi":
			backend, err := sandbox.NewHTTPAPI(logger, sandbox.HTTPAPIConfig{
				APIKey:          cfg.SandboxAPIKey,
				Domain:          cfg.SandboxDomain,
				DefaultTemplate: cfg.SandboxImage,
			})
			if err != nil {
				logger.Fatal("httpapi backend init failed", "error", err)
			}
			registry.Register(backend)
		}
	}
	if def := cfg.ResolvedDefaultBackend(); def != "" {
		if err := registry.SetDefault(def); err != nil {
			logger.Fatal("default backend not registered", "backend", def, "error", err)
		}
	}

	limiter := ratelimit.New(store, cfg.RateLimitWindow, cfg.RateLimitMax)

	var orchOpts []orchestrator.Option
	if artifacts != nil {
		orchOpts = append(orchOpts, orchestrator.WithCapturer(artifact.NewCapturer(logger, artifacts)))
	}
	orch := orchestrator.New(logger, store, limiter, registry, cost.DefaultTable(), orchOpts...)

	sessions := session.NewManager(logger, store, registry, cost.DefaultTable(),
		session.WithMaxSessions(cfg.SessionMax),
		session.WithTTL(cfg.SessionTTL),
	)
	go sessions.Run(ctx)

	sweeper := reaper.New(logger, store, registry,
		reaper.WithInterval(cfg.ReaperInterval),
		reaper.WithIdleAfter(cfg.IdleAfter),
		reaper.WithBootTimeout(cfg.BootTimeout),
	)
	go sweeper.Run(ctx)

	api := wapi.NewApi()
	svcs := &services.Services{
		Auth:      services.NewAuthService(logger, []byte(cfg.AuthSecret), revocations),
		Orch:      orch,
		Sessions:  sessions,
		Store:     store,
		Artifacts: artifacts,
		Backends:  registry,
	}
	routes.RegisterAPI(api.Api, svcs)

	addr := ":" + cfg.Port
	logger.Info("controller listening", "addr", addr, "backends", registry.Names())
	if err := http.ListenAndServe(addr, api.Router); err != nil {
		logger.Fatal("server error", "error", err)
	}
}

// Package main provides the quorum engine server entry point: the HTTP
// API plus the timeout sweeper, outbox relay, and timeline retention
// workers, all in a single process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/cascade"
	"github.com/tokenreg/quorum/pkg/hierarchy"
	"github.com/tokenreg/quorum/pkg/httpapi"
	"github.com/tokenreg/quorum/pkg/outbound"
	"github.com/tokenreg/quorum/pkg/registry"
	"github.com/tokenreg/quorum/pkg/rules"
	"github.com/tokenreg/quorum/pkg/store"
	"github.com/tokenreg/quorum/pkg/timeline"
	"github.com/tokenreg/quorum/pkg/workflow"
)

func main() {
	var (
		listenAddr     string
		databaseType   string
		databaseDSN    string
		rulesPath      string
		validatorsPath string
		registryURL    string
		authMode       string
	)

	flag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	flag.StringVar(&databaseType, "db-type", "", "Database type (postgres, mysql, or sqlite)")
	flag.StringVar(&databaseDSN, "db-dsn", "", "Database connection string")
	flag.StringVar(&rulesPath, "rules", "", "Path to the approval rule file (built-in defaults when empty)")
	flag.StringVar(&validatorsPath, "validators", "", "Path to a validator seed file (optional)")
	flag.StringVar(&registryURL, "registry-url", "", "Base URL of the token registry (local token table when empty)")
	flag.StringVar(&authMode, "auth-mode", "", "Actor resolution (header or jwt)")
	flag.Parse()

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Approval rules.
	var resolver *rules.Resolver
	var err error
	if rulesPath != "" {
		resolver, err = rules.Load(rulesPath)
		if err != nil {
			glog.Fatalf("Failed to load rules: %v", err)
		}
		logger.Info("loaded rule file", "path", rulesPath, "rules", len(resolver.All()))
	} else {
		resolver, err = rules.NewResolver(rules.Default())
		if err != nil {
			glog.Fatalf("Failed to build default rules: %v", err)
		}
		logger.Info("using built-in default rules")
	}

	// Database.
	db, err := setupDatabase(databaseType, databaseDSN)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	requests := workflow.NewRequestStore(db)
	ledger := workflow.NewLedger(db)
	validators := registry.NewStore(db)
	timelineStore := timeline.NewStore(db)
	outbox := outbound.NewStore(db)

	// The hierarchy collaborator: a remote registry in production, the
	// local token table in development.
	var hierarchyClient hierarchy.Client
	var localTokens *hierarchy.LocalStore
	if registryURL != "" {
		hierarchyClient = hierarchy.NewHTTPClient(registryURL)
		logger.Info("using remote token registry", "url", registryURL)
	} else {
		localTokens = hierarchy.NewLocalStore(db)
		hierarchyClient = localTokens
		logger.Info("using local token table as hierarchy")
	}

	// Schema migration, serialized across replicas.
	locker := store.NewMigrationLocker(db)
	err = locker.WithLock(ctx, func() error {
		if err := requests.Migrate(); err != nil {
			return err
		}
		if err := ledger.Migrate(); err != nil {
			return err
		}
		if err := validators.Migrate(); err != nil {
			return err
		}
		if err := timelineStore.Migrate(); err != nil {
			return err
		}
		if err := outbox.Migrate(); err != nil {
			return err
		}
		if localTokens != nil {
			return localTokens.Migrate()
		}
		return nil
	})
	if err != nil {
		glog.Fatalf("Failed to migrate schema: %v", err)
	}

	// Seed the validator roster when a file is supplied.
	if validatorsPath != "" {
		seed, err := registry.LoadSeedFile(validatorsPath)
		if err != nil {
			glog.Fatalf("Failed to load validator seed: %v", err)
		}
		if err := validators.Seed(ctx, seed); err != nil {
			glog.Fatalf("Failed to seed validators: %v", err)
		}
		logger.Info("seeded validators", "path", validatorsPath, "count", len(seed))
	}

	cachedValidators := registry.NewCachedStore(validators, 0)

	engine := workflow.NewEngine(workflow.Deps{
		DB:         db,
		Requests:   requests,
		Ledger:     ledger,
		Validators: cachedValidators,
		Rules:      resolver,
		Timeline:   timelineStore,
		Outbox:     outbox,
		Hierarchy:  hierarchyClient,
		Logger:     logger,
	})
	governor := cascade.NewGovernor(hierarchyClient, engine, timelineStore, logger)
	engine.SetCascade(governor)

	// Actor resolution.
	var actor httpapi.ActorExtractor
	switch authMode {
	case "jwt":
		jwtCfg := httpapi.JWTConfigFromEnv()
		jwtCfg.Logger = logger
		actor, err = httpapi.NewJWTActor(jwtCfg)
		if err != nil {
			glog.Fatalf("Failed to configure JWT auth: %v", err)
		}
		logger.Info("using JWT auth",
			"issuer", jwtCfg.Issuer,
			"hasPublicKey", jwtCfg.PublicKeyPath != "")
	case "header", "":
		// Default: trusted-proxy headers (development mode).
		if authMode == "" {
			logger.Info("using default header-based auth (X-User-Principal)")
		}
	default:
		glog.Fatalf("Unknown auth mode: %q (expected jwt, header, or empty)", authMode)
	}

	var corsOrigins []string
	if v := os.Getenv("QUORUM_CORS_ORIGINS"); v != "" {
		corsOrigins = strings.Split(v, ",")
	}

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Engine:      engine,
		Validators:  cachedValidators,
		Rules:       resolver,
		Timeline:    timelineStore,
		Retirer:     governor,
		Tokens:      localTokens,
		DB:          db,
		Actor:       actor,
		CORSOrigins: corsOrigins,
	})

	// Background workers.
	sweeper := workflow.NewSweeper(engine, workflow.SweeperConfigFromEnv(), logger)
	go sweeper.Run(ctx)

	relay := outbound.NewRelay(outbox, outbound.RelayConfigFromEnv(), logger)
	relay.Subscribe("decision-log", func(_ context.Context, e outbound.Event) error {
		logger.Info("decision published",
			"eventType", e.EventType,
			"requestId", e.RequestID)
		return nil
	})
	if url := os.Getenv("QUORUM_NOTIFY_WEBHOOK"); url != "" {
		relay.Subscribe("webhook", outbound.WebhookHandler(url, nil))
		logger.Info("webhook notifications enabled", "url", url)
	}
	go relay.Run(ctx)

	retentionDays := envInt("QUORUM_RETENTION_DAYS", 0)
	retention := timeline.NewRetentionWorker(timelineStore, retentionDays, logger)
	go retention.Run(ctx)

	logger.Info("quorum server ready", "listen", listenAddr)

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("quorum server stopped")
}

// setupDatabase resolves the database settings, preferring flags over
// environment. SQLite gets a file default so development needs no DSN.
func setupDatabase(dbType, dsn string) (*gorm.DB, error) {
	if dbType == "" {
		dbType = os.Getenv("DATABASE_TYPE")
		if dbType == "" {
			dbType = "postgres"
		}
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_DSN")
	}
	if dsn == "" {
		if dbType != "sqlite" {
			return nil, fmt.Errorf("database DSN is required (use -db-dsn flag or DATABASE_DSN environment variable)")
		}
		dsn = "quorum.db"
	}
	return store.Open(dbType, dsn)
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

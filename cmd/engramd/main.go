// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	gormlogger "gorm.io/gorm/logger"

	"github.com/engramd/engram/internal/attention"
	"github.com/engramd/engram/internal/cache"
	"github.com/engramd/engram/internal/config"
	"github.com/engramd/engram/internal/database"
	"github.com/engramd/engram/internal/engine"
	"github.com/engramd/engram/internal/graph"
	"github.com/engramd/engram/internal/hub"
	"github.com/engramd/engram/internal/locking"
	"github.com/engramd/engram/internal/logger"
	"github.com/engramd/engram/internal/server"
	"github.com/engramd/engram/pkg/scheduler"
)

// Version is set at build time via ldflags (e.g. -X main.Version={{.Version}}).
var Version string

func main() {
	configPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", 0, "Server port")
	dataRoot := flag.String("data-root", "", "Root directory for per-tenant databases")
	dbType := flag.String("db-type", "", "Database type (sqlite or postgres)")
	dbDSN := flag.String("db-dsn", "", "Database DSN (for postgres)")
	cacheBackend := flag.String("cache", "", "Cache backend (redis or local)")
	redisAddr := flag.String("redis-addr", "", "Redis address (for redis cache backend)")
	instanceID := flag.String("instance-id", "", "Identity for sync broadcasts (default: random uuid)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Engram Memory Server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ENGRAM_DB_TYPE       Database type (sqlite or postgres)\n")
		fmt.Fprintf(os.Stderr, "  ENGRAM_DATA_ROOT     Root directory for per-tenant databases\n")
		fmt.Fprintf(os.Stderr, "  ENGRAM_DB_DSN        PostgreSQL connection string\n")
		fmt.Fprintf(os.Stderr, "  ENGRAM_PORT          Server port\n")
		fmt.Fprintf(os.Stderr, "  ENGRAM_CACHE         Cache backend (redis or local)\n")
		fmt.Fprintf(os.Stderr, "  ENGRAM_REDIS_ADDR    Redis address\n")
	}

	flag.Parse()

	// Load configuration
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
		if err != nil {
			log.Printf("Warning: Failed to load config from %s: %v", *configPath, err)
			log.Println("Using defaults")
			cfg = config.DefaultConfig()
		}
	} else {
		cfg, err = config.Load()
		if err != nil {
			log.Printf("Warning: Failed to load default config: %v", err)
			log.Println("Using built-in defaults")
			cfg = config.DefaultConfig()
		}
	}

	applyEnvOverrides(cfg)
	applyCLIOverrides(cfg, *dbType, *dataRoot, *dbDSN, *cacheBackend, *redisAddr, *port)

	appLog, err := logger.New(cfg.Logging.Mode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Sync()

	if Version != "" {
		appLog.Info("Starting engramd", "version", Version)
	} else {
		appLog.Info("Starting engramd")
	}
	appLog.Info("Configuration loaded", "database", cfg.Database.Type, "cache", cfg.Cache.Backend)

	params := attention.Params{
		LearningRate: cfg.Attention.LearningRate,
		DecayRate:    cfg.Attention.DecayRate,
		PruneEpsilon: cfg.Attention.PruneEpsilon,
	}
	if err := params.Validate(); err != nil {
		appLog.Error("Invalid attention parameters", "error", err)
		os.Exit(1)
	}

	dbMgr, err := database.NewManager(&database.Config{
		Type:        cfg.Database.Type,
		DataRoot:    cfg.Database.DataRoot,
		PostgresDSN: cfg.Database.PostgresDSN,
		LogLevel:    gormlogger.Silent,
	})
	if err != nil {
		appLog.Error("Failed to create database manager", "error", err)
		os.Exit(1)
	}
	defer dbMgr.Close()

	cacheTier := cache.New(cache.Config{
		Backend:   cfg.Cache.Backend,
		RedisAddr: cfg.Cache.RedisAddr,
		TTL:       time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	}, appLog)
	defer cacheTier.Close()

	store := graph.NewStore(dbMgr, locking.NewTenantLocker(), params, cacheTier, appLog)

	id := *instanceID
	if id == "" {
		id = uuid.New().String()
	}

	var eng *engine.Engine
	syncHub := hub.New(hub.Options{
		HeartbeatInterval: time.Duration(cfg.Hub.HeartbeatIntervalSeconds) * time.Second,
		TimeoutMultiple:   cfg.Hub.TimeoutMultiple,
	}, func(tenantID string) (map[string]interface{}, error) {
		return eng.SnapshotFunc()(tenantID)
	}, appLog)
	eng = engine.New(id, store, cacheTier, syncHub,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second, appLog)

	syncHub.Start()
	defer syncHub.Stop()

	sched := scheduler.NewScheduler(store,
		time.Duration(cfg.Attention.ReaperIntervalHours)*time.Hour, appLog)
	sched.Start()
	defer sched.Stop()
	appLog.Info("Link reaper started", "interval_hours", cfg.Attention.ReaperIntervalHours)

	wsServer := server.New(syncHub, appLog)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: wsServer.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("Sync endpoint listening", "addr", addr, "instance", id)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			appLog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		appLog.Info("Shutting down", "signal", sig.String())
		if err := httpSrv.Close(); err != nil {
			appLog.Warn("Server close failed", "error", err)
		}
	}
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *config.Config) {
	if dbType := os.Getenv("ENGRAM_DB_TYPE"); dbType != "" {
		cfg.Database.Type = dbType
	}
	if dataRoot := os.Getenv("ENGRAM_DATA_ROOT"); dataRoot != "" {
		cfg.Database.DataRoot = dataRoot
	}
	if dbDSN := os.Getenv("ENGRAM_DB_DSN"); dbDSN != "" {
		cfg.Database.PostgresDSN = dbDSN
	}
	if portStr := os.Getenv("ENGRAM_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Server.Port = port
		}
	}
	if backend := os.Getenv("ENGRAM_CACHE"); backend != "" {
		cfg.Cache.Backend = backend
	}
	if addr := os.Getenv("ENGRAM_REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
}

// applyCLIOverrides applies command-line flag overrides to configuration
func applyCLIOverrides(cfg *config.Config, dbType, dataRoot, dbDSN, cacheBackend, redisAddr string, port int) {
	if dbType != "" {
		cfg.Database.Type = dbType
	}
	if dataRoot != "" {
		cfg.Database.DataRoot = dataRoot
	}
	if dbDSN != "" {
		cfg.Database.PostgresDSN = dbDSN
	}
	if cacheBackend != "" {
		cfg.Cache.Backend = cacheBackend
	}
	if redisAddr != "" {
		cfg.Cache.RedisAddr = redisAddr
	}
	if port > 0 {
		cfg.Server.Port = port
	}
}

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	app "github.com/coreflux/rtcfgd/internal/app"
	"github.com/coreflux/rtcfgd/internal/app/httpapi"
	"github.com/coreflux/rtcfgd/pkg/config"
	"github.com/coreflux/rtcfgd/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	storeType := flag.String("store-type", "", "storage backend: json_file, redis, mongodb, postgres (overrides config/env)")
	auditDSN := flag.String("audit-dsn", "", "PostgreSQL DSN used only for persisting the audit log")
	flag.Parse()

	var cfg *config.Config
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		loaded, err := loadConfigFile(trimmed)
		if err != nil {
			log.Fatalf("load config %s: %v", trimmed, err)
		}
		cfg = loaded
	} else {
		loaded, err := config.Load()
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	log := newLogger(cfg)

	runtimeCfg := app.RuntimeConfig{
		StoreType:            strings.TrimSpace(*storeType),
		ConfigStoreDirectory: cfg.Store.ConfigStoreDirectory,
		RedisURL:             cfg.Store.RedisURL,
		MongoDBURL:           cfg.Store.MongoDBURL,
		DatabaseURL:          cfg.Store.DatabaseURL,
		MaxConnection:        cfg.Store.MaxConnection,
		NotifyChannel:        cfg.Store.NotifyChannel,
		OpenClientAuthToken:  cfg.Auth.OpenClientAuthToken,
		AdminTokens:          cfg.Auth.Tokens,
	}
	if runtimeCfg.StoreType == "" {
		runtimeCfg.StoreType = cfg.Store.StoreType
	}

	rootCtx := context.Background()
	application, err := app.New(rootCtx, log, app.WithRuntimeConfig(runtimeCfg))
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	var auditDB *sql.DB
	dsn := strings.TrimSpace(*auditDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(cfg.Database.DSN)
	}
	if dsn != "" {
		auditDB, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("connect audit database: %v", err)
		}
		configurePool(auditDB, cfg)
		defer auditDB.Close()
	}

	listenAddr := determineAddr(*addr, cfg)
	effectiveStoreType := runtimeCfg.StoreType
	if effectiveStoreType == "" {
		effectiveStoreType = app.StoreTypeJSONFile
	}
	httpService := httpapi.NewService(application, listenAddr, effectiveStoreType, log, auditDB)
	if err := application.Attach(httpService); err != nil {
		log.Fatalf("attach http service: %v", err)
	}

	if err := application.Start(rootCtx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	log.Infof("rtcfgd listening on %s (store=%s)", listenAddr, effectiveStoreType)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func newLogger(cfg *config.Config) *logger.Logger {
	if cfg == nil {
		return logger.NewDefault("rtcfgd")
	}
	return logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil {
		host := strings.TrimSpace(cfg.Server.Host)
		port := cfg.Server.Port
		if port != 0 {
			if host == "" {
				host = "0.0.0.0"
			}
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return ":8080"
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func loadConfigFile(path string) (*config.Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.LoadFile(path)
	case ".json":
		return config.LoadConfig(path)
	default:
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(path)
	}
}

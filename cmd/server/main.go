package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/factory"
	"github.com/lychee-technology/keel/internal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes a SaveManager over HTTP.
type Server struct {
	manager  keel.SaveManager
	registry keel.SchemaRegistry
	defaults keel.SaveOptions
	checks   map[string]internal.HealthCheck
	mux      *http.ServeMux
}

// NewServer creates a new Server instance
func NewServer(manager keel.SaveManager, registry keel.SchemaRegistry, defaults keel.SaveOptions) *Server {
	return &Server{
		manager:  manager,
		registry: registry,
		defaults: defaults,
		checks:   map[string]internal.HealthCheck{},
		mux:      http.NewServeMux(),
	}
}

// AddHealthCheck makes /healthz depend on check.
func (s *Server) AddHealthCheck(name string, check internal.HealthCheck) {
	s.checks[name] = check
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("/api/v1/save", s.handleSave)
	s.mux.HandleFunc("/api/v1/schemas", s.handleSchemas)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// Start starts the HTTP server on the given port
func (s *Server) Start(port string) error {
	zap.S().Infow("starting server", "port", port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func main() {
	config := keel.DefaultConfig()
	config.Logging.Level = getEnv("LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("LOG_FORMAT", config.Logging.Format)

	logger, err := factory.NewLogger(config.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	config.Entity.SchemaDirectory = getEnv("SCHEMA_DIR", "")
	sugar.Infof("schemaDir: %s", config.Entity.SchemaDirectory)

	config.Database = keel.DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		Database:        getEnv("DB_NAME", "keel"),
		Username:        getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		SSLMode:         getEnv("DB_SSL_MODE", "disable"),
		MaxConnections:  getEnvInt("DB_MAX_CONNECTIONS", 25),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_SECONDS", 3600)) * time.Second,
		ConnMaxIdleTime: time.Duration(getEnvInt("DB_CONN_MAX_IDLE_TIME_SECONDS", 300)) * time.Second,
		Timeout:         time.Duration(getEnvInt("DB_TIMEOUT_SECONDS", 30)) * time.Second,
		UseIAMAuth:      getEnv("DB_USE_IAM", "") == "true",
		Region:          getEnv("AWS_REGION", ""),
		TableNames: keel.TableNames{
			Counter:   getEnv("COUNTER_TABLE", "next_id"),
			ChangeLog: getEnv("CHANGE_LOG_TABLE", "change_log"),
		},
	}
	config.KeyGeneration.CounterName = getEnv("COUNTER_NAME", config.KeyGeneration.CounterName)
	config.KeyGeneration.GroupSize = getEnvInt("KEY_GROUP_SIZE", config.KeyGeneration.GroupSize)
	config.KeyGeneration.BreakerThreshold = getEnvInt("COUNTER_BREAKER_THRESHOLD", config.KeyGeneration.BreakerThreshold)
	config.Validation.ThrowIfInvalid = getEnv("THROW_IF_INVALID", "true") == "true"
	config.Journal = keel.JournalConfig{
		Enabled:  getEnv("JOURNAL_BUCKET", "") != "",
		Bucket:   getEnv("JOURNAL_BUCKET", ""),
		Prefix:   getEnv("JOURNAL_PREFIX", "saves"),
		Region:   getEnv("AWS_REGION", ""),
		Endpoint: getEnv("JOURNAL_ENDPOINT", ""),
	}

	pool, err := factory.NewPool(context.Background(), config.Database)
	if err != nil {
		sugar.Fatalf("failed to create database pool: %v", err)
	}
	defer pool.Close()

	registry, err := loadRegistry(config)
	if err != nil {
		sugar.Fatalf("failed to load schemas: %v", err)
	}
	config.SchemaRegistry = registry

	manager, err := factory.NewSaveManagerWithConfig(config, pool)
	if err != nil {
		sugar.Fatalf("failed to create save manager: %v", err)
	}

	server := NewServer(manager, registry, config.SaveOptions())
	server.AddHealthCheck("postgres", internal.PostgresHealthCheck(pool, config.Database.Timeout))
	if config.Journal.Enabled {
		journal, err := internal.NewS3JournalFromConfig(context.Background(), config.Journal)
		if err != nil {
			sugar.Fatalf("failed to create journal client: %v", err)
		}
		server.AddHealthCheck("journal", journal.Check)
	}
	server.RegisterRoutes()

	port := getEnv("PORT", "8080")
	if err := server.Start(port); err != nil {
		sugar.Fatalf("server error: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

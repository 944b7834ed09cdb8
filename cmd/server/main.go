package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/handlers"
	"github.com/ruralpay/ledger/internal/logging"
	promcollector "github.com/ruralpay/ledger/internal/metrics/prometheus"
	mW "github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/ruralpay/ledger/internal/store"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// @title Ledger API
// @version 1.0
// @description Peer-to-peer transfers with KYC/AML compliance and reversals
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.format", "LOG_FORMAT")
	viper.BindEnv("log.development", "LOG_DEV")

	viper.BindEnv("store.driver", "STORE_DRIVER")
	viper.BindEnv("store.lock_timeout", "STORE_LOCK_TIMEOUT")
	viper.BindEnv("store.seed_file", "STORE_SEED_FILE")

	viper.BindEnv("compliance.max_single_transfer", "COMPLIANCE_MAX_SINGLE_TRANSFER")
	viper.BindEnv("compliance.velocity_window", "COMPLIANCE_VELOCITY_WINDOW")
	viper.BindEnv("compliance.velocity_max_count", "COMPLIANCE_VELOCITY_MAX_COUNT")

	viper.BindEnv("audit.sinks", "AUDIT_SINKS")
	viper.BindEnv("audit.max_attempts", "AUDIT_MAX_ATTEMPTS")
	viper.BindEnv("audit.retry_backoff", "AUDIT_RETRY_BACKOFF")
	viper.BindEnv("audit.kafka_brokers", "AUDIT_KAFKA_BROKERS")
	viper.BindEnv("audit.kafka_topic", "AUDIT_KAFKA_TOPIC")
	viper.BindEnv("audit.redis_key", "AUDIT_REDIS_KEY")

	configErr := viper.ReadInConfig()

	logger, err := logging.NewLoggerFromConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if configErr != nil {
		logger.Info("config file not found, using defaults", zap.Error(configErr))
	}
	if viper.GetString("jwt.secret_key") == "" {
		logger.Fatal("JWT_SECRET_KEY must be set")
	}

	ledgerCfg := config.LoadLedgerConfig()
	auditCfg := config.LoadAuditConfig()
	collector := promcollector.NewCollector("ledger")
	ctx := context.Background()

	// Initialize storage
	var (
		db     *sql.DB
		ledger store.Store
	)
	switch ledgerCfg.StoreDriver {
	case "postgres":
		dbConfig := database.GetConfig()
		db, err = database.InitDB(ctx, dbConfig, logger)
		if err != nil {
			logger.Fatal("failed to initialize database", zap.Error(err))
		}
		defer db.Close()

		if err := database.Migrate(ctx, db, dbConfig.Name, logger); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
		ledger = store.NewPostgresStore(db, ledgerCfg.LockTimeout)
	case "memory":
		ledger = store.NewMemoryStore(ledgerCfg.LockTimeout)
		logger.Warn("using in-memory store, balances are lost on restart")
	default:
		logger.Fatal("unknown store driver", zap.String("driver", ledgerCfg.StoreDriver))
	}

	if seedFile := viper.GetString("store.seed_file"); seedFile != "" {
		if err := seedAccounts(ctx, ledger, seedFile); err != nil {
			logger.Fatal("failed to seed accounts", zap.String("file", seedFile), zap.Error(err))
		}
		logger.Info("seeded accounts", zap.String("file", seedFile))
	}

	// Initialize audit delivery
	var redisClient *redis.Client
	for _, name := range auditCfg.Sinks {
		if name == "redis" {
			redisClient = database.InitRedis(ctx, logger)
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	sinks, auditReader, closers := buildSinks(auditCfg, db, redisClient, logger)
	for _, closeSink := range closers {
		defer closeSink()
	}
	dispatcher := audit.NewDispatcher(sinks, audit.DispatcherConfigFrom(auditCfg), logger, collector)

	ledgerService := services.NewLedgerService(ledger, ledgerCfg, dispatcher, collector, logger).
		WithAuditReader(auditReader)
	transactionHandler := handlers.NewTransactionHandler(ledgerService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":        "healthy",
			"store":         ledgerCfg.StoreDriver,
			"audit_pending": dispatcher.Pending(),
		})
	})
	r.Handle("/metrics", collector.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/transactions", transactionHandler.Routes(mW.AuthMiddleware))
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), auditCfg.ShutdownDeadline)
	defer cancelDrain()
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.Error("audit queue not fully drained", zap.Int("pending", dispatcher.Pending()), zap.Error(err))
	}

	logger.Info("server stopped")
}

// buildSinks assembles the configured audit sinks. Sinks whose backend is
// unavailable are skipped with a warning. The returned reader serves the
// transaction log endpoint.
func buildSinks(cfg *config.AuditConfig, db *sql.DB, redisClient *redis.Client, logger *logging.Logger) (audit.MultiSink, services.AuditReader, []func()) {
	var (
		sinks   audit.MultiSink
		reader  services.AuditReader
		closers []func()
	)

	for _, name := range cfg.Sinks {
		switch name {
		case "sql":
			if db == nil {
				logger.Warn("sql audit sink requires the postgres store, skipping")
				continue
			}
			sqlSink := audit.NewSQLSink(db)
			sinks = append(sinks, sqlSink)
			reader = sqlSink
		case "redis":
			if redisClient == nil {
				logger.Warn("redis audit sink unavailable, skipping")
				continue
			}
			sinks = append(sinks, audit.NewRedisSink(redisClient, cfg.RedisKey))
		case "kafka":
			kafkaSink := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
			sinks = append(sinks, kafkaSink)
			closers = append(closers, func() {
				if err := kafkaSink.Close(); err != nil {
					logger.Error("failed to close kafka writer", zap.Error(err))
				}
			})
		case "log":
			sinks = append(sinks, audit.NewLogSink(logger))
		default:
			logger.Warn("unknown audit sink, skipping", zap.String("sink", name))
		}
	}

	// without a durable reader the audit trail is kept in process
	if reader == nil {
		memorySink := audit.NewMemorySink()
		sinks = append(sinks, memorySink)
		reader = memorySink
	}
	return sinks, reader, closers
}

func seedAccounts(ctx context.Context, s store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var accounts []models.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for i := range accounts {
		if err := s.PutAccount(ctx, &accounts[i]); err != nil {
			return fmt.Errorf("put account %s: %w", accounts[i].ID, err)
		}
	}
	return nil
}

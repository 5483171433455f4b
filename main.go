package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceverify/internal/auth"
	"github.com/example/faceverify/internal/capability"
	"github.com/example/faceverify/internal/engine"
	"github.com/example/faceverify/internal/handlers"
	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/repository"
	"github.com/example/faceverify/internal/store"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	detector := initDetector(logger)
	identityStore, audit, snapshots := initStores(ctx, logger)

	eng := engine.New(detector, identityStore, audit, logger, engine.DefaultConfig())
	if snapshots != nil {
		eng.WithSnapshotStore(snapshots)
	}

	// Warm the model in the background so the first verification does not
	// pay the full load cost. Failure here is not fatal; verification
	// retriggers initialization on demand.
	go func() {
		warmupCtx, warmupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer warmupCancel()
		if err := eng.EnsureReady(warmupCtx); err != nil {
			logger.Warn("model warmup failed", zap.Error(err))
		}
	}()

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	jwtSecret := getEnv("JWT_SECRET", "dev-secret")
	jwtAudience := os.Getenv("JWT_AUDIENCE")
	authMiddleware := auth.JWTMiddleware(jwtSecret, jwtAudience)

	handlers.RegisterRoutes(r, eng, authMiddleware)

	server := &http.Server{
		Addr:    getEnv("LISTEN_ADDR", ":8080"),
		Handler: r,
	}

	logger.Info("face verification API listening", zap.String("addr", server.Addr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initDetector picks the capability backend: an in-process dlib detector or
// a remote HTTP inference service.
func initDetector(logger *zap.Logger) capability.Capability {
	switch backend := getEnv("DETECTOR_BACKEND", "dlib"); backend {
	case "remote":
		addr := getEnv("DETECTOR_ADDR", "http://inference:9090")
		return capability.NewRemoteDetector(addr, logger)
	case "dlib":
		return capability.NewDlibDetector(getEnv("DLIB_MODEL_DIR", "data"), logger)
	default:
		logger.Fatal("unknown detector backend", zap.String("backend", backend))
		return nil
	}
}

// initStores picks the persistence backend. Postgres provides the identity
// store, audit sink and snapshot store; redis covers identity store and
// audit only.
func initStores(ctx context.Context, logger *zap.Logger) (store.IdentityStore, store.AuditSink, store.SnapshotStore) {
	switch backend := getEnv("STORE_BACKEND", "postgres"); backend {
	case "redis":
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		client := initRedis(redisCtx, logger)
		rs := repository.NewRedisStore(client, logger)
		return rs, rs, nil
	case "postgres":
		db := initDatabase(ctx, logger)
		repo := repository.NewFaceRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		return repo, repo, repo
	default:
		logger.Fatal("unknown store backend", zap.String("backend", backend))
		return nil, nil, nil
	}
}

func initDatabase(ctx context.Context, zapLogger *zap.Logger) *gorm.DB {
	dsn := getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=faceverify port=5432 sslmode=disable")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, zapLogger *zap.Logger) *redis.Client {
	addr := getEnv("REDIS_ADDR", "redis:6379")
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

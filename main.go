package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/miniminds/internal/auth"
	"github.com/example/miniminds/internal/config"
	"github.com/example/miniminds/internal/handlers"
	"github.com/example/miniminds/internal/healthcheck"
	"github.com/example/miniminds/internal/inference"
	"github.com/example/miniminds/internal/logging"
	"github.com/example/miniminds/internal/media"
	"github.com/example/miniminds/internal/repository"
	"github.com/example/miniminds/internal/usecase"
	"github.com/example/miniminds/internal/workflow"
)

func main() {
	probe := flag.Bool("healthcheck", false, "query the running service's gRPC health endpoint and exit")
	flag.Parse()

	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if *probe {
		os.Exit(runHealthcheck(cfg, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	defer initCancel()

	db := initDatabase(initCtx, cfg.DatabaseDSN, logger)
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(initCtx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(initCtx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	client := inference.NewClient(cfg.InferenceBaseURL, cfg.InferenceTimeout, logger)
	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewAnalysisUseCase(client, cache, repo, cfg.CacheTTL, logger)

	objects := media.NewObjectURLRegistry()
	sessions := workflow.NewManager(uc, media.NewIntake(cfg.MaxUploadBytes), media.NewPreviewer(objects), cfg.SessionTTL, logger)
	go sessions.Run(ctx)

	limiter := handlers.NewRateLimiter(handlers.RateLimiterConfig{
		RequestsPerSecond: cfg.AnalyzePerSecond,
		Burst:             cfg.AnalyzeBurst,
	})
	go limiter.Run(ctx.Done())

	grpcServer, healthServer := healthcheck.NewServer()
	monitor := healthcheck.NewMonitor(client, healthServer, cfg.HealthProbeInterval, logger)
	go monitor.Run(ctx)

	grpcListener, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		logger.Fatal("failed to listen for grpc health", zap.Error(err), zap.String("addr", cfg.GRPCHealthAddr))
	}
	go func() {
		if err := healthcheck.Serve(ctx, grpcServer, grpcListener, logger); err != nil {
			logger.Error("grpc health server failed", zap.Error(err))
		}
	}()

	if cfg.AppEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, handlers.Dependencies{
		Sessions:       sessions,
		History:        uc,
		Objects:        objects,
		AnalyzeLimiter: limiter,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	}, authn.Middleware())

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("MiniMinds API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("grpc_health_addr", cfg.GRPCHealthAddr),
		zap.String("inference_base_url", cfg.InferenceBaseURL),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func runHealthcheck(cfg *config.Config, logger *zap.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := healthcheck.Check(ctx, cfg.GRPCHealthAddr, "", logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(status.String())
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
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

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
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

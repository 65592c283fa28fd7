package inject

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/samber/do"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/frameserver/internal/config"
	"github.com/example/frameserver/internal/diffusion"
	"github.com/example/frameserver/internal/grpcclient"
	"github.com/example/frameserver/internal/handlers"
	"github.com/example/frameserver/internal/httpworker"
	"github.com/example/frameserver/internal/modelhost"
	"github.com/example/frameserver/internal/repository"
	"github.com/example/frameserver/internal/retention"
	"github.com/example/frameserver/internal/usecase"
)

const connectTimeout = 5 * time.Second

// workerConn lets the injector close the gRPC connection on shutdown.
type workerConn struct {
	*grpc.ClientConn
}

func (c workerConn) Shutdown() error {
	return c.Close()
}

// Setup registers every service. Nothing is constructed until first invoked.
func Setup(ctx context.Context, cfg *config.Config, logger *zap.Logger) *do.Injector {
	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		},
	})

	do.ProvideValue[*config.Config](injector, cfg)
	do.ProvideValue[*zap.Logger](injector, logger)

	do.Provide[workerConn](injector, func(i *do.Injector) (workerConn, error) {
		conn, err := grpcclient.DialDiffusionWorker(ctx, cfg.WorkerAddr, logger)
		if err != nil {
			return workerConn{}, err
		}
		return workerConn{conn}, nil
	})
	do.Provide[diffusion.Loader](injector, func(i *do.Injector) (diffusion.Loader, error) {
		switch cfg.Backend {
		case config.BackendGRPC:
			conn, err := do.Invoke[workerConn](i)
			if err != nil {
				return nil, err
			}
			return grpcclient.Loader(conn, logger), nil
		default:
			return httpworker.NewClient(cfg.WorkerURL, &http.Client{}, logger).Loader(), nil
		}
	})
	do.Provide[*modelhost.Host](injector, func(i *do.Injector) (*modelhost.Host, error) {
		return modelhost.New(ctx, do.MustInvoke[diffusion.Loader](i), cfg.Model, modelhost.Options{
			Replicas:         cfg.Replicas,
			InferenceTimeout: cfg.InferenceTimeout,
			Seed:             cfg.Seed,
		}, logger)
	})

	do.Provide[*repository.FrameRepository](injector, func(i *do.Injector) (*repository.FrameRepository, error) {
		return newFrameRepository(ctx, cfg.DatabaseDSN, logger)
	})
	do.Provide[usecase.FrameJournal](injector, func(i *do.Injector) (usecase.FrameJournal, error) {
		if cfg.DatabaseDSN == "" {
			return usecase.NopJournal{}, nil
		}
		repo, err := do.Invoke[*repository.FrameRepository](i)
		if err != nil {
			return nil, err
		}
		return repo, nil
	})
	do.Provide[usecase.Counter](injector, func(i *do.Injector) (usecase.Counter, error) {
		if cfg.RedisAddr == "" {
			return usecase.NopCounter{}, nil
		}
		counter, err := newRedisCounter(ctx, cfg.RedisAddr, logger)
		if err != nil {
			return nil, err
		}
		return counter, nil
	})

	do.Provide[*usecase.FrameTransformUseCase](injector, func(i *do.Injector) (*usecase.FrameTransformUseCase, error) {
		uc := usecase.NewFrameTransformUseCase(
			do.MustInvoke[*modelhost.Host](i),
			do.MustInvoke[usecase.FrameJournal](i),
			do.MustInvoke[usecase.Counter](i),
			logger,
		)
		return uc.WithDefaultPrompt(cfg.DefaultPrompt), nil
	})

	do.Provide[*retention.Scheduler](injector, func(i *do.Injector) (*retention.Scheduler, error) {
		if cfg.DatabaseDSN == "" {
			return retention.New(nil, nil, retention.Options{}, logger)
		}
		repo, err := do.Invoke[*repository.FrameRepository](i)
		if err != nil {
			return nil, err
		}
		return retention.New(repo, do.MustInvoke[*usecase.FrameTransformUseCase](i), retention.Options{
			RetentionDays:     cfg.RetentionDays,
			RetentionSchedule: cfg.RetentionSchedule,
			SummarySchedule:   cfg.SummarySchedule,
		}, logger)
	})

	do.Provide[*gin.Engine](injector, func(i *do.Injector) (*gin.Engine, error) {
		router := gin.New()
		router.Use(gin.Recovery(), handlers.RequestLogger(logger))
		router.MaxMultipartMemory = cfg.MaxUploadBytes

		handlers.RegisterRoutes(router, do.MustInvoke[*usecase.FrameTransformUseCase](i), handlers.Options{
			MaxUploadSize: cfg.MaxUploadBytes,
		})
		return router, nil
	})

	return injector
}

func newFrameRepository(ctx context.Context, dsn string, zapLogger *zap.Logger) (*repository.FrameRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	repo := repository.NewFrameRepository(db, zapLogger)
	if err := repo.AutoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto migrate failed: %w", err)
	}
	return repo, nil
}

func newRedisCounter(ctx context.Context, addr string, zapLogger *zap.Logger) (*usecase.RedisCounter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	zapLogger.Info("redis counters enabled", zap.String("addr", addr))
	return usecase.NewRedisCounter(client), nil
}

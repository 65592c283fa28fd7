package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/frameserver/internal/logging"
)

// FrameLog represents one processed (or failed) frame.
type FrameLog struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Prompt       string    `gorm:"column:prompt;type:text"`
	Filename     string    `gorm:"column:filename;size:255"`
	InputBytes   int       `gorm:"column:input_bytes"`
	InputWidth   int       `gorm:"column:input_width"`
	InputHeight  int       `gorm:"column:input_height"`
	Resized      bool      `gorm:"column:resized"`
	Success      bool      `gorm:"column:success"`
	ErrorKind    string    `gorm:"column:error_kind;size:32"`
	ErrorMessage string    `gorm:"column:error_message;type:text"`
	OutputBytes  int       `gorm:"column:output_bytes"`
	LatencyMs    int64     `gorm:"column:latency_ms"`
	CreatedAt    time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (FrameLog) TableName() string {
	return "frame_logs"
}

// MetricsAggregation is the raw aggregate over all frame logs.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	AverageProcessingLatencyMs float64
}

// FrameRepository provides persistence APIs for frame logs.
type FrameRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFrameRepository creates a new repository instance.
func NewFrameRepository(db *gorm.DB, logger *zap.Logger) *FrameRepository {
	return &FrameRepository{
		db:             db,
		logger:         logger.Named("frame_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *FrameRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&FrameLog{})
}

// SaveLog persists a frame log entry, retrying transient failures.
func (r *FrameRepository) SaveLog(ctx context.Context, log *FrameLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics summarizes all stored frame logs.
func (r *FrameRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount   int64
		SuccessCount int64
		AvgLatency   *float64
	}
	err := r.db.WithContext(ctx).
		Model(&FrameLog{}).
		Select("COUNT(*) AS total_count, " +
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
			"AVG(latency_ms) AS avg_latency").
		Scan(&row).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	agg := &MetricsAggregation{TotalCount: row.TotalCount, SuccessCount: row.SuccessCount}
	if row.AvgLatency != nil {
		agg.AverageProcessingLatencyMs = *row.AvgLatency
	}
	return agg, nil
}

// DeleteOlderThan removes frame logs created before cutoff and reports how many were removed.
func (r *FrameRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&FrameLog{})
	if res.Error != nil {
		return 0, logging.NewOperationError("repository.delete_older_than", "", res.Error)
	}
	return res.RowsAffected, nil
}

// Shutdown closes the underlying connection pool.
func (r *FrameRepository) Shutdown() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *FrameRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

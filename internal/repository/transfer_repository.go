package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/style-transfer/internal/retry"
)

// ErrNotFound is returned when no log exists for a request id.
var ErrNotFound = errors.New("transfer log not found")

// TransferLog represents one persisted style-transfer request.
type TransferLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Subject     string    `gorm:"column:subject;size:128;index"`
	ContentHash string    `gorm:"column:content_sha256;size:64;index"`
	StyleHash   string    `gorm:"column:style_sha256;size:64;index"`
	StyleSource string    `gorm:"column:style_source;size:16"`
	StyleURL    string    `gorm:"column:style_url;type:text"`
	Model       string    `gorm:"column:model;size:128"`
	Success     bool      `gorm:"column:success"`
	CacheHit    bool      `gorm:"column:cache_hit"`
	Error       string    `gorm:"column:error;type:text"`
	LatencyMs   int64     `gorm:"column:latency_ms"`
	OutputBytes int64     `gorm:"column:output_bytes"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (TransferLog) TableName() string {
	return "transfer_logs"
}

// MetricsAggregation is the raw result of AggregateMetrics.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	CacheHitCount    int64
	AverageLatencyMs float64
}

// TransferRepository persists transfer logs in postgres.
type TransferRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewTransferRepository creates a new repository instance.
func NewTransferRepository(db *gorm.DB, logger *zap.Logger) *TransferRepository {
	return &TransferRepository{
		db:     db,
		logger: logger.Named("transfer_repository"),
		policy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *TransferRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&TransferLog{})
	})
}

// SaveLog persists a transfer log entry.
func (r *TransferRepository) SaveLog(ctx context.Context, log *TransferLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request, or ErrNotFound.
func (r *TransferRepository) FindByRequestID(ctx context.Context, requestID string) (*TransferLog, error) {
	var (
		log   TransferLog
		found bool
	)
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := byRequestID(r.db.WithContext(ctx), requestID).First(&log).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &log, nil
}

// AggregateMetrics summarises all persisted transfers.
func (r *TransferRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return aggregateQuery(r.db.WithContext(ctx)).Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func byRequestID(tx *gorm.DB, requestID string) *gorm.DB {
	return tx.Where("request_id = ?", requestID)
}

func aggregateQuery(tx *gorm.DB) *gorm.DB {
	return tx.Model(&TransferLog{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
			COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0) AS cache_hit_count,
			COALESCE(AVG(latency_ms), 0) AS average_latency_ms`)
}

func (r *TransferRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.policy, operation, requestID, fn)
}

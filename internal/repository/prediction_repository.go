package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/realcheck/internal/inference"
	"github.com/example/realcheck/internal/logging"
)

// ErrRecordInvalid is returned when a record violates a store-level
// constraint (label enum, confidence range) and must not be persisted.
var ErrRecordInvalid = errors.New("prediction record violates store constraints")

// PredictionRecord is one completed classification. Records are append-only:
// no update or delete path exists in this service.
type PredictionRecord struct {
	ID         uint            `gorm:"primaryKey"`
	ImageName  string          `gorm:"column:image_name;size:255"`
	Label      inference.Label `gorm:"column:label;size:16"`
	Confidence float64         `gorm:"column:confidence"`
	UserID     string          `gorm:"column:user_id;size:64;index:idx_predictions_user_created,priority:1"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime;index:idx_predictions_user_created,priority:2"`
}

// TableName overrides the default table name.
func (PredictionRecord) TableName() string {
	return "predictions"
}

// MetricsAggregation holds store-side aggregates over all predictions.
type MetricsAggregation struct {
	TotalCount        int64   `gorm:"column:total_count"`
	AIGeneratedCount  int64   `gorm:"column:ai_generated_count"`
	AverageConfidence float64 `gorm:"column:average_confidence"`
}

// PredictionRepository provides persistence APIs for prediction records.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionRepository creates a repository with transient-error retry
// enabled.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionRecord{})
}

// Insert persists a record as a single atomic row write; the store assigns
// ID and CreatedAt. Constraint violations surface as ErrRecordInvalid and
// are never retried.
func (r *PredictionRepository) Insert(ctx context.Context, record *PredictionRecord) error {
	if !record.Label.Valid() {
		return logging.NewOperationError("repository.insert", "", fmt.Errorf("%w: unknown label %q", ErrRecordInvalid, record.Label))
	}
	if record.Confidence < 0 || record.Confidence > 1 {
		return logging.NewOperationError("repository.insert", "", fmt.Errorf("%w: confidence %f outside [0,1]", ErrRecordInvalid, record.Confidence))
	}
	return r.executeWithRetry(ctx, "repository.insert", "", func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// ListByUser returns all records for userID, newest first. An identity with
// no records yields an empty slice, not an error.
func (r *PredictionRepository) ListByUser(ctx context.Context, userID string) ([]PredictionRecord, error) {
	var records []PredictionRecord
	err := r.executeWithRetry(ctx, "repository.list_by_user", "", func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateMetrics computes store-wide prediction aggregates.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&PredictionRecord{}).
			Select("COUNT(*) AS total_count, "+
				"COALESCE(SUM(CASE WHEN label = ? THEN 1 ELSE 0 END), 0) AS ai_generated_count, "+
				"COALESCE(AVG(confidence), 0) AS average_confidence", inference.LabelAIGenerated).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
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
				opLogger.Info("store operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("store operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient store error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/realcheck/internal/inference"
	"github.com/example/realcheck/internal/logging"
	"github.com/example/realcheck/internal/repository"
)

// Caller-facing error classes. Validation errors are the caller's fault and
// surface verbatim; inference errors surface as a generic failure without
// remote diagnostic detail.
var (
	ErrNoImage         = errors.New("no image provided")
	ErrInferenceFailed = errors.New("classification failed")
	ErrMissingIdentity = errors.New("identity required")
)

// PredictionRepository defines the persistence operations needed by the
// orchestrator.
type PredictionRepository interface {
	Insert(ctx context.Context, record *repository.PredictionRecord) error
	ListByUser(ctx context.Context, userID string) ([]repository.PredictionRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// PredictOutcome is what one classification request produces. Recorded is
// false when the history write failed; the classification itself is still
// valid in that case.
type PredictOutcome struct {
	RequestID   string
	Label       inference.Label
	Confidence  float64
	Explanation string
	Recorded    bool
}

// PredictionUseCase orchestrates validation, the inference call, and
// persistence for the prediction flow. It holds no cross-request state.
type PredictionUseCase struct {
	repo            PredictionRepository
	cache           Cache
	classifier      inference.Client
	logger          *zap.Logger
	historyCacheTTL time.Duration
}

// NewPredictionUseCase constructs the orchestrator.
func NewPredictionUseCase(repo PredictionRepository, cache Cache, classifier inference.Client, historyCacheTTL time.Duration, logger *zap.Logger) *PredictionUseCase {
	return &PredictionUseCase{
		repo:            repo,
		cache:           cache,
		classifier:      classifier,
		logger:          logger.Named("prediction_usecase"),
		historyCacheTTL: historyCacheTTL,
	}
}

// Predict runs one classification request: classify, then persist. Inference
// strictly precedes persistence; a failed inference call never leaves a
// record behind. A failed insert degrades the outcome to Recorded=false
// instead of failing the request.
func (uc *PredictionUseCase) Predict(ctx context.Context, userID, imageName, mimeType string, imageBytes []byte) (*PredictOutcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	if len(imageBytes) == 0 {
		return nil, logging.NewOperationError("usecase.predict", requestID, ErrNoImage)
	}

	result, err := uc.classifier.Classify(ctx, imageBytes, imageName, mimeType)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, fmt.Errorf("%w: %w", ErrInferenceFailed, err))
		opLogger.Error("inference call failed", zap.Error(wrapped), zap.String("image_name", imageName))
		return nil, wrapped
	}
	if !result.Label.Valid() || result.Confidence < 0 || result.Confidence > 1 {
		wrapped := logging.NewOperationError("usecase.classify", requestID,
			fmt.Errorf("%w: malformed remote result label=%q confidence=%f", ErrInferenceFailed, result.Label, result.Confidence))
		opLogger.Error("inference returned malformed result", zap.Error(wrapped))
		return nil, wrapped
	}

	opLogger.Info("image classified",
		zap.String("image_name", imageName),
		zap.String("label", string(result.Label)),
		zap.Float64("confidence", result.Confidence),
		zap.String("explanation", result.Explanation),
		zap.Bool("guest", userID == ""))

	outcome := &PredictOutcome{
		RequestID:   requestID,
		Label:       result.Label,
		Confidence:  result.Confidence,
		Explanation: result.Explanation,
		Recorded:    true,
	}

	record := &repository.PredictionRecord{
		ImageName:  imageName,
		Label:      result.Label,
		Confidence: result.Confidence,
		UserID:     userID,
	}
	if err := uc.repo.Insert(ctx, record); err != nil {
		// Availability over durability: the caller still gets the
		// classification, the lost history write is observable in logs only.
		outcome.Recorded = false
		opLogger.Error("failed to persist prediction, returning unrecorded result",
			zap.Error(logging.NewOperationError("usecase.insert_prediction", requestID, err)))
		return outcome, nil
	}

	if userID != "" {
		if err := uc.cache.Del(ctx, historyCacheKey(userID)); err != nil {
			opLogger.Warn("failed to invalidate history cache", zap.Error(err))
		}
	}

	return outcome, nil
}

// History returns the caller's predictions, newest first. The list is served
// from the redis cache when fresh; cache trouble falls through to the store.
func (uc *PredictionUseCase) History(ctx context.Context, userID string) ([]repository.PredictionRecord, error) {
	if userID == "" {
		return nil, logging.NewOperationError("usecase.history", "", ErrMissingIdentity)
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.history", "")
	cacheKey := historyCacheKey(userID)

	if cached, err := uc.cache.Get(ctx, cacheKey); err == nil {
		var records []repository.PredictionRecord
		if err := json.Unmarshal([]byte(cached), &records); err != nil {
			opLogger.Warn("failed to decode cached history", zap.Error(err))
		} else {
			return records, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read history cache", zap.Error(err))
	}

	records, err := uc.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if serialized, err := json.Marshal(records); err != nil {
		opLogger.Warn("failed to serialize history for cache", zap.Error(err))
	} else if err := uc.cache.Set(ctx, cacheKey, string(serialized), uc.historyCacheTTL); err != nil {
		opLogger.Warn("failed to cache history", zap.Error(err))
	}

	return records, nil
}

func historyCacheKey(userID string) string {
	return fmt.Sprintf("history:%s", userID)
}

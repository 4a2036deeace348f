package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/miniminds/internal/inference"
	"github.com/example/miniminds/internal/logging"
	"github.com/example/miniminds/internal/media"
	"github.com/example/miniminds/internal/repository"
)

// Variant selects the analyze protocol.
type Variant string

const (
	VariantSingle Variant = "single"
	VariantDual   Variant = "dual"
)

var ErrEmptyVerdict = errors.New("no analysis provided by the synthesis service")

// InferenceClient is the remote service surface the use case needs.
type InferenceClient interface {
	Predict(ctx context.Context, f *media.File) (*inference.PredictionResult, error)
	AnalyzeVideo(ctx context.Context, f *media.File) (*inference.VideoAnalysis, error)
	Chat(ctx context.Context, req inference.ChatRequest) (*inference.ChatResponse, error)
}

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveLog(ctx context.Context, log *repository.AnalysisLog) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*repository.AnalysisLog, error)
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.AnalysisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Attempt identifies one analyze call for logging and history.
type Attempt struct {
	RequestID string
	UserID    string
	SessionID string
}

// Outcome is the result of a successful attempt. Prediction is set for
// both variants; Video and Verdict only for the dual variant.
type Outcome struct {
	Prediction *inference.PredictionResult `json:"prediction,omitempty"`
	Video      *inference.VideoAnalysis    `json:"video,omitempty"`
	Verdict    string                      `json:"verdict,omitempty"`
}

// AnalysisUseCase runs the upload/analyze protocols against the inference service.
type AnalysisUseCase struct {
	client         InferenceClient
	cache          Cache
	repo           AnalysisRepository
	logger         *zap.Logger
	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAnalysisUseCase constructs a new use case instance. cache and repo may be nil.
func NewAnalysisUseCase(client InferenceClient, cache Cache, repo AnalysisRepository, cacheTTL time.Duration, logger *zap.Logger) *AnalysisUseCase {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Minute
	}
	return &AnalysisUseCase{
		client:         client,
		cache:          cache,
		repo:           repo,
		logger:         logger.Named("analysis_usecase"),
		cacheTTL:       cacheTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AnalyzeSingle sends one file to predict.
func (uc *AnalysisUseCase) AnalyzeSingle(ctx context.Context, attempt Attempt, f *media.File) (*Outcome, error) {
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze_single", attempt.RequestID)

	prediction, err := uc.predict(ctx, attempt.RequestID, f)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.analyze_single", attempt.RequestID, err)
		opLogger.Error("single analysis failed", zap.Error(wrapped))
		uc.record(ctx, attempt, VariantSingle, f, nil, nil, wrapped, start)
		return nil, wrapped
	}

	outcome := &Outcome{Prediction: prediction}
	opLogger.Info("single analysis succeeded", zap.Int("predictions", len(prediction.Predictions)))
	uc.record(ctx, attempt, VariantSingle, f, nil, outcome, nil, start)
	return outcome, nil
}

// AnalyzeDual sends the image to predict and the video to analyze_video
// concurrently, waits for both to settle, then asks the chat endpoint for a
// verdict. Any upstream failure aborts before the synthesis call.
func (uc *AnalysisUseCase) AnalyzeDual(ctx context.Context, attempt Attempt, image, video *media.File) (*Outcome, error) {
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze_dual", attempt.RequestID)

	var (
		prediction *inference.PredictionResult
		analysis   *inference.VideoAnalysis
		imageErr   error
		videoErr   error
		g          errgroup.Group
	)
	g.Go(func() error {
		prediction, imageErr = uc.predict(ctx, attempt.RequestID, image)
		return imageErr
	})
	g.Go(func() error {
		analysis, videoErr = uc.analyzeVideo(ctx, attempt.RequestID, video)
		return videoErr
	})
	_ = g.Wait()

	if err := upstreamFailure(attempt.RequestID, imageErr, videoErr); err != nil {
		opLogger.Error("dual analysis aborted before synthesis", zap.Error(err))
		uc.record(ctx, attempt, VariantDual, image, video, nil, err, start)
		return nil, err
	}

	imageText := PredictionLines(prediction)
	videoText := VideoLines(analysis)
	chat, err := uc.client.Chat(ctx, inference.ChatRequest{
		Message: SynthesisPrompt(imageText, videoText),
		Image:   imageText,
		Video:   videoText,
	})
	if err == nil && strings.TrimSpace(chat.Response) == "" {
		err = logging.NewKindError("usecase.synthesis", attempt.RequestID, logging.KindContract, ErrEmptyVerdict)
	}
	if err != nil {
		wrapped := logging.NewOperationError("usecase.analyze_dual", attempt.RequestID, err)
		opLogger.Error("synthesis failed", zap.Error(wrapped))
		uc.record(ctx, attempt, VariantDual, image, video, nil, wrapped, start)
		return nil, wrapped
	}

	outcome := &Outcome{Prediction: prediction, Video: analysis, Verdict: chat.Response}
	opLogger.Info("dual analysis succeeded", zap.Duration("latency", time.Since(start)))
	uc.record(ctx, attempt, VariantDual, image, video, outcome, nil, start)
	return outcome, nil
}

// History lists the caller's recent attempts.
func (uc *AnalysisUseCase) History(ctx context.Context, userID string, limit int) ([]*repository.AnalysisLog, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	return uc.repo.ListByUser(ctx, userID, limit)
}

// HistoryEntry returns one of the caller's attempts by request id.
func (uc *AnalysisUseCase) HistoryEntry(ctx context.Context, userID, requestID string) (*repository.AnalysisLog, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

func upstreamFailure(requestID string, imageErr, videoErr error) error {
	switch {
	case imageErr != nil && videoErr != nil:
		return logging.NewOperationError("usecase.analyze_dual", requestID,
			fmt.Errorf("image analysis failed: %w; video analysis failed: %w", imageErr, videoErr))
	case imageErr != nil:
		return logging.NewKindError("usecase.analyze_dual", requestID, logging.KindPartial,
			fmt.Errorf("image analysis failed: %w", imageErr))
	case videoErr != nil:
		return logging.NewKindError("usecase.analyze_dual", requestID, logging.KindPartial,
			fmt.Errorf("video analysis failed: %w", videoErr))
	}
	return nil
}

func (uc *AnalysisUseCase) predict(ctx context.Context, requestID string, f *media.File) (*inference.PredictionResult, error) {
	key := predictionCacheKey(f.SHA1())
	var cached inference.PredictionResult
	if uc.loadCached(ctx, requestID, key, &cached) {
		cached.Filename = f.Name
		return &cached, nil
	}

	result, err := uc.client.Predict(ctx, f)
	if err != nil {
		return nil, err
	}
	uc.storeCached(ctx, requestID, key, result)
	return result, nil
}

func (uc *AnalysisUseCase) analyzeVideo(ctx context.Context, requestID string, f *media.File) (*inference.VideoAnalysis, error) {
	key := videoCacheKey(f.SHA1())
	var cached inference.VideoAnalysis
	if uc.loadCached(ctx, requestID, key, &cached) && cached.Schema == inference.VideoSchemaV1 {
		return &cached, nil
	}

	result, err := uc.client.AnalyzeVideo(ctx, f)
	if err != nil {
		return nil, err
	}
	uc.storeCached(ctx, requestID, key, result)
	return result, nil
}

func (uc *AnalysisUseCase) loadCached(ctx context.Context, requestID, key string, dst interface{}) bool {
	if uc.cache == nil {
		return false
	}
	opLogger := logging.WithOperation(uc.logger, "cache.get", requestID)

	var raw string
	err := uc.withRedisRetry(ctx, requestID, "cache.get", func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		opLogger.Warn("failed to decode cached entry", zap.String("key", key), zap.Error(err))
		return false
	}
	opLogger.Debug("cache hit", zap.String("key", key))
	return true
}

func (uc *AnalysisUseCase) storeCached(ctx context.Context, requestID, key string, value interface{}) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(value)
	if err != nil {
		uc.logger.Warn("failed to serialize cache entry", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "cache.set", requestID).Warn("failed to cache result", zap.Error(err))
	}
}

func (uc *AnalysisUseCase) record(ctx context.Context, attempt Attempt, variant Variant, image, video *media.File, outcome *Outcome, failure error, start time.Time) {
	if uc.repo == nil {
		return
	}

	log := &repository.AnalysisLog{
		RequestID: attempt.RequestID,
		UserID:    attempt.UserID,
		SessionID: attempt.SessionID,
		Variant:   string(variant),
		LatencyMs: time.Since(start).Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if image != nil {
		log.ImageHash = image.SHA1()
	}
	if video != nil {
		log.VideoHash = video.SHA1()
	}
	if failure != nil {
		log.Status = "failed"
		log.ErrorKind = string(logging.KindOf(failure))
		log.Error = failure.Error()
	} else {
		log.Status = "succeeded"
		log.Summary = PredictionLines(outcome.Prediction)
		log.Verdict = outcome.Verdict
	}

	// Detached so an abandoned request still leaves a history row.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := uc.repo.SaveLog(saveCtx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.save_log", attempt.RequestID).Warn("failed to persist analysis log", zap.Error(err))
	}
}

func (uc *AnalysisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

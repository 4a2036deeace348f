package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/miniminds/internal/inference"
	"github.com/example/miniminds/internal/logging"
	"github.com/example/miniminds/internal/media"
	"github.com/example/miniminds/internal/repository"
)

type stubClient struct {
	mu          sync.Mutex
	prediction  *inference.PredictionResult
	predictErr  error
	video       *inference.VideoAnalysis
	videoErr    error
	chat        *inference.ChatResponse
	chatErr     error
	predictN    int
	videoN      int
	chatN       int
	lastMessage string
}

func (s *stubClient) Predict(ctx context.Context, f *media.File) (*inference.PredictionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictN++
	if s.predictErr != nil {
		return nil, s.predictErr
	}
	return s.prediction, nil
}

func (s *stubClient) AnalyzeVideo(ctx context.Context, f *media.File) (*inference.VideoAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoN++
	if s.videoErr != nil {
		return nil, s.videoErr
	}
	return s.video, nil
}

func (s *stubClient) Chat(ctx context.Context, req inference.ChatRequest) (*inference.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatN++
	s.lastMessage = req.Message
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	return s.chat, nil
}

type stubRepository struct {
	mu        sync.Mutex
	savedLogs []*repository.AnalysisLog
	saveErr   error
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.AnalysisLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*repository.AnalysisLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AnalysisLog
	for _, l := range s.savedLogs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.AnalysisLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.savedLogs {
		if l.RequestID == requestID && l.UserID == userID {
			return l, nil
		}
	}
	return nil, repository.ErrLogNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{TotalCount: 4, SuccessCount: 3, AverageLatencyMs: 12.5}, nil
}

type stubCache struct {
	setErrs []error
	setKeys []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	return "", redis.Nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

var (
	testImage = &media.File{Name: "a.jpg", ContentType: "image/jpeg", Kind: media.KindImage, Data: []byte("image")}
	testVideo = &media.File{Name: "a.mp4", ContentType: "video/mp4", Kind: media.KindVideo, Data: []byte("video")}
	fixture   = &inference.PredictionResult{
		Filename:    "a.jpg",
		Predictions: []inference.Prediction{{Label: "m1", Class: "autism", Confidence: 87.5}},
	}
)

func TestAnalyzeSingleRecordsSuccess(t *testing.T) {
	client := &stubClient{prediction: fixture}
	repo := &stubRepository{}
	uc := NewAnalysisUseCase(client, nil, repo, time.Minute, zap.NewNop())

	outcome, err := uc.AnalyzeSingle(context.Background(), Attempt{RequestID: "req-1", UserID: "user-1"}, testImage)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if outcome.Prediction.Predictions[0].Confidence != 87.5 {
		t.Fatalf("unexpected outcome: %+v", outcome.Prediction)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Status != "succeeded" || repo.savedLogs[0].Variant != "single" {
		t.Fatalf("expected one succeeded log, got %+v", repo.savedLogs)
	}
	if !strings.Contains(repo.savedLogs[0].Summary, "Model: m1, Class: autism, Confidence: 87.50") {
		t.Fatalf("unexpected summary: %s", repo.savedLogs[0].Summary)
	}

	entry, err := uc.HistoryEntry(context.Background(), "user-1", "req-1")
	if err != nil || entry.Status != "succeeded" {
		t.Fatalf("expected recorded entry, got %+v (%v)", entry, err)
	}
	if _, err := uc.HistoryEntry(context.Background(), "user-2", "req-1"); !errors.Is(err, repository.ErrLogNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

func TestAnalyzeDualVideoFailureSkipsSynthesis(t *testing.T) {
	videoErr := logging.NewKindError("inference.analyze_video", "", logging.KindTransport,
		&inference.StatusError{Endpoint: "analyze_video", StatusCode: 500})
	client := &stubClient{prediction: fixture, videoErr: videoErr}
	repo := &stubRepository{}
	uc := NewAnalysisUseCase(client, nil, repo, time.Minute, zap.NewNop())

	_, err := uc.AnalyzeDual(context.Background(), Attempt{RequestID: "req-2"}, testImage, testVideo)
	if err == nil {
		t.Fatal("expected failure")
	}
	if client.chatN != 0 {
		t.Fatalf("synthesis must not be called, got %d calls", client.chatN)
	}
	if client.predictN != 1 || client.videoN != 1 {
		t.Fatalf("expected both upstream calls to settle, got predict=%d video=%d", client.predictN, client.videoN)
	}
	if logging.KindOf(err) != logging.KindPartial {
		t.Fatalf("expected partial kind, got %q", logging.KindOf(err))
	}
	var statusErr *inference.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected status error in chain, got %v", err)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Status != "failed" || repo.savedLogs[0].ErrorKind != "partial" {
		t.Fatalf("expected failed log, got %+v", repo.savedLogs)
	}
}

func TestAnalyzeDualBothFailKeepsUpstreamKind(t *testing.T) {
	transport := logging.NewKindError("inference.predict", "", logging.KindTransport, errors.New("refused"))
	client := &stubClient{predictErr: transport, videoErr: transport}
	uc := NewAnalysisUseCase(client, nil, nil, time.Minute, zap.NewNop())

	_, err := uc.AnalyzeDual(context.Background(), Attempt{RequestID: "req-3"}, testImage, testVideo)
	if logging.KindOf(err) != logging.KindTransport {
		t.Fatalf("expected transport kind, got %q (%v)", logging.KindOf(err), err)
	}
	if client.chatN != 0 {
		t.Fatal("synthesis must not be called")
	}
}

func TestAnalyzeDualComposesPrompt(t *testing.T) {
	client := &stubClient{
		prediction: fixture,
		video:      &inference.VideoAnalysis{Schema: inference.VideoSchemaV1, Responses: []string{"frame one", "frame two"}},
		chat:       &inference.ChatResponse{Response: "Final prediction: Autistic"},
	}
	uc := NewAnalysisUseCase(client, nil, nil, time.Minute, zap.NewNop())

	outcome, err := uc.AnalyzeDual(context.Background(), Attempt{RequestID: "req-4"}, testImage, testVideo)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if outcome.Verdict != "Final prediction: Autistic" || outcome.Video == nil || outcome.Prediction == nil {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	for _, want := range []string{"Image Analysis:\nModel: m1, Class: autism, Confidence: 87.50", "Video Analysis:\nframe one\nframe two"} {
		if !strings.Contains(client.lastMessage, want) {
			t.Fatalf("prompt missing %q:\n%s", want, client.lastMessage)
		}
	}
}

func TestAnalyzeDualEmptyVerdictIsContractFailure(t *testing.T) {
	client := &stubClient{
		prediction: fixture,
		video:      &inference.VideoAnalysis{Schema: inference.VideoSchemaV1},
		chat:       &inference.ChatResponse{Response: "  "},
	}
	uc := NewAnalysisUseCase(client, nil, nil, time.Minute, zap.NewNop())

	_, err := uc.AnalyzeDual(context.Background(), Attempt{RequestID: "req-5"}, testImage, testVideo)
	if !errors.Is(err, ErrEmptyVerdict) || logging.KindOf(err) != logging.KindContract {
		t.Fatalf("expected empty verdict contract failure, got %v", err)
	}
}

func TestPredictUsesRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	client := &stubClient{prediction: fixture}
	uc := NewAnalysisUseCase(client, NewRedisCache(redisClient), nil, time.Minute, zap.NewNop())

	renamed := &media.File{Name: "b.jpg", ContentType: "image/jpeg", Kind: media.KindImage, Data: testImage.Data}
	for _, f := range []*media.File{testImage, renamed} {
		outcome, err := uc.AnalyzeSingle(context.Background(), Attempt{RequestID: "req"}, f)
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if outcome.Prediction.Filename != f.Name {
			t.Fatalf("expected filename %s, got %s", f.Name, outcome.Prediction.Filename)
		}
	}
	if client.predictN != 1 {
		t.Fatalf("expected cache hit on second call, predict called %d times", client.predictN)
	}
	if !mr.Exists(predictionCacheKey(testImage.SHA1())) {
		t.Fatal("expected prediction to be cached")
	}
}

func TestCacheSetRetriesTransientErrors(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	client := &stubClient{prediction: fixture}
	uc := NewAnalysisUseCase(client, cache, nil, time.Minute, zap.NewNop())
	uc.initialBackoff = time.Millisecond

	if _, err := uc.AnalyzeSingle(context.Background(), Attempt{RequestID: "req"}, testImage); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected one retry on the same key, got %v", cache.setKeys)
	}
}

func TestCacheFailureDoesNotFailAnalysis(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	client := &stubClient{prediction: fixture}
	uc := NewAnalysisUseCase(client, cache, nil, time.Minute, zap.NewNop())

	if _, err := uc.AnalyzeSingle(context.Background(), Attempt{RequestID: "req"}, testImage); err != nil {
		t.Fatalf("expected cache failure to be ignored, got %v", err)
	}
}

func TestMetricsSummary(t *testing.T) {
	uc := NewAnalysisUseCase(&stubClient{}, nil, &stubRepository{}, time.Minute, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if summary.SuccessRate != 0.75 || summary.AverageLatencyMs != 12.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	noHistory := NewAnalysisUseCase(&stubClient{}, nil, nil, time.Minute, zap.NewNop())
	if _, err := noHistory.GetMetricsSummary(context.Background()); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected history disabled, got %v", err)
	}
}

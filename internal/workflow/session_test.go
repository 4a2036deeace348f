package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/miniminds/internal/inference"
	"github.com/example/miniminds/internal/logging"
	"github.com/example/miniminds/internal/media"
	"github.com/example/miniminds/internal/usecase"
)

type recordingObserver struct {
	mu       sync.Mutex
	previews map[media.Slot]int
	statuses []Status
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{previews: make(map[media.Slot]int)}
}

func (o *recordingObserver) PreviewUpdated(sessionID string, slot media.Slot, preview media.Preview) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.previews[slot]++
}

func (o *recordingObserver) StatusChanged(sessionID string, status Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) previewCount(slot media.Slot) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.previews[slot]
}

type stubAnalyzer struct {
	mu      sync.Mutex
	outcome *usecase.Outcome
	err     error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (a *stubAnalyzer) run() (*usecase.Outcome, error) {
	a.mu.Lock()
	a.calls++
	started, release := a.started, a.release
	a.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	return a.outcome, a.err
}

func (a *stubAnalyzer) AnalyzeSingle(ctx context.Context, attempt usecase.Attempt, f *media.File) (*usecase.Outcome, error) {
	return a.run()
}

func (a *stubAnalyzer) AnalyzeDual(ctx context.Context, attempt usecase.Attempt, image, video *media.File) (*usecase.Outcome, error) {
	return a.run()
}

func (a *stubAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// stubInference backs a real AnalysisUseCase for end-to-end workflow tests.
type stubInference struct {
	mu       sync.Mutex
	videoErr error
	chatN    int
}

func (s *stubInference) Predict(ctx context.Context, f *media.File) (*inference.PredictionResult, error) {
	return fixtureResult(), nil
}

func (s *stubInference) AnalyzeVideo(ctx context.Context, f *media.File) (*inference.VideoAnalysis, error) {
	if s.videoErr != nil {
		return nil, s.videoErr
	}
	return &inference.VideoAnalysis{Schema: inference.VideoSchemaV1, Responses: []string{"frame"}}, nil
}

func (s *stubInference) Chat(ctx context.Context, req inference.ChatRequest) (*inference.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatN++
	return &inference.ChatResponse{Response: "Autistic"}, nil
}

func fixtureResult() *inference.PredictionResult {
	return &inference.PredictionResult{
		Filename:    "a.jpg",
		Predictions: []inference.Prediction{{Label: "m1", Class: "autism", Confidence: 87.5}},
	}
}

func newTestManager(analyzer Analyzer, observer Observer) *Manager {
	return NewManager(analyzer, media.NewIntake(0), media.NewPreviewer(media.NewObjectURLRegistry()), time.Minute, zap.NewNop(), WithObserver(observer))
}

func TestSelectFileProducesExactlyOnePreview(t *testing.T) {
	observer := newRecordingObserver()
	session, _ := newTestManager(&stubAnalyzer{}, observer).Create("user", usecase.VariantSingle)

	if _, err := session.SelectFile(media.SlotFile, "a.jpg", "image/jpeg", []byte("img")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	session.WaitPreviews()

	if got := observer.previewCount(media.SlotFile); got != 1 {
		t.Fatalf("expected one preview update, got %d", got)
	}
	snap := session.Snapshot()
	if len(snap.Slots) != 1 || snap.Slots[0].Preview == nil || snap.Slots[0].Preview.URI != "data:image/jpeg;base64,aW1n" {
		t.Fatalf("unexpected slots: %+v", snap.Slots)
	}
	if !snap.Ready || snap.Status != StatusIdle {
		t.Fatalf("expected ready idle session, got %+v", snap)
	}
}

func TestRapidReselectionAppliesOnlyLatestPreview(t *testing.T) {
	observer := newRecordingObserver()
	registry := media.NewObjectURLRegistry()
	manager := NewManager(&stubAnalyzer{}, media.NewIntake(0), media.NewPreviewer(registry), time.Minute, zap.NewNop(), WithObserver(observer))
	session, _ := manager.Create("user", usecase.VariantDual)

	for i := 0; i < 5; i++ {
		if _, err := session.SelectFile(media.SlotVideo, "a.mp4", "video/mp4", []byte{byte(i + 1)}); err != nil {
			t.Fatalf("select failed: %v", err)
		}
	}
	session.WaitPreviews()

	snap := session.Snapshot()
	if snap.Slots[0].Preview == nil {
		t.Fatal("expected latest preview applied")
	}
	if registry.Len() != 1 {
		t.Fatalf("expected superseded object urls to be revoked, %d live", registry.Len())
	}
	resolved, err := registry.Resolve(snap.Slots[0].Preview.URI)
	if err != nil || resolved.Data[0] != 5 {
		t.Fatalf("expected preview of last file, got %v %v", resolved, err)
	}
}

func TestSelectFileRejectsMismatchedType(t *testing.T) {
	analyzer := &stubAnalyzer{}
	session, _ := newTestManager(analyzer, newRecordingObserver()).Create("user", usecase.VariantDual)

	if _, err := session.SelectFile(media.SlotImage, "a.jpg", "image/jpeg", []byte("img")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	before := session.Snapshot()

	if _, err := session.SelectFile(media.SlotImage, "a.mp4", "video/mp4", []byte("vid")); !errors.Is(err, media.ErrUnsupportedType) {
		t.Fatalf("expected unsupported type, got %v", err)
	}
	if _, err := session.SelectFile(media.SlotFile, "a.jpg", "image/jpeg", []byte("img")); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected slot unavailable, got %v", err)
	}

	after := session.Snapshot()
	if len(after.Slots) != 1 || after.Slots[0].Name != before.Slots[0].Name || after.Status != StatusIdle {
		t.Fatalf("rejected selection changed state: %+v", after)
	}
	if analyzer.callCount() != 0 {
		t.Fatal("rejected selection must not trigger analysis")
	}
}

func TestAnalyzeIsNoOpWithoutRequiredFiles(t *testing.T) {
	analyzer := &stubAnalyzer{outcome: &usecase.Outcome{Prediction: fixtureResult()}}
	session, _ := newTestManager(analyzer, newRecordingObserver()).Create("user", usecase.VariantDual)

	if _, err := session.Analyze(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if _, err := session.SelectFile(media.SlotImage, "a.jpg", "image/jpeg", []byte("img")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	snap, err := session.Analyze(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready with only image, got %v", err)
	}
	if snap.Status != StatusIdle || analyzer.callCount() != 0 {
		t.Fatalf("expected untouched idle session, got %s with %d calls", snap.Status, analyzer.callCount())
	}
}

func TestAnalyzeSingleSucceeds(t *testing.T) {
	observer := newRecordingObserver()
	uc := usecase.NewAnalysisUseCase(&stubInference{}, nil, nil, time.Minute, zap.NewNop())
	session, _ := newTestManager(uc, observer).Create("user", usecase.VariantSingle)

	if _, err := session.SelectFile(media.SlotFile, "a.jpg", "image/jpeg", []byte("img")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	snap, err := session.Analyze(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if snap.Status != StatusSucceeded || snap.Error != "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Outcome == nil || snap.Outcome.Prediction.Predictions[0].Confidence != 87.5 {
		t.Fatalf("unexpected outcome: %+v", snap.Outcome)
	}

	observer.mu.Lock()
	statuses := append([]Status(nil), observer.statuses...)
	observer.mu.Unlock()
	want := []Status{StatusUploading, StatusAnalyzing, StatusSucceeded}
	if len(statuses) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, statuses)
		}
	}

	if _, err := session.Analyze(context.Background()); !errors.Is(err, ErrClearRequired) {
		t.Fatalf("expected clear required, got %v", err)
	}
}

func TestAnalyzeDualVideoFailureNeverSynthesizes(t *testing.T) {
	client := &stubInference{videoErr: logging.NewKindError("inference.analyze_video", "", logging.KindTransport,
		&inference.StatusError{Endpoint: "analyze_video", StatusCode: 502})}
	uc := usecase.NewAnalysisUseCase(client, nil, nil, time.Minute, zap.NewNop())
	session, _ := newTestManager(uc, newRecordingObserver()).Create("user", usecase.VariantDual)

	if _, err := session.SelectFile(media.SlotImage, "a.jpg", "image/jpeg", []byte("img")); err != nil {
		t.Fatalf("select image failed: %v", err)
	}
	if _, err := session.SelectFile(media.SlotVideo, "a.mp4", "video/mp4", []byte("vid")); err != nil {
		t.Fatalf("select video failed: %v", err)
	}

	snap, err := session.Analyze(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if client.chatN != 0 {
		t.Fatalf("synthesis endpoint called %d times", client.chatN)
	}
	if snap.Status != StatusFailed || snap.Outcome != nil {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Error != "video analysis failed: inference.analyze_video: analyze_video returned status 502" {
		t.Fatalf("unexpected error message: %q", snap.Error)
	}
	if snap.ErrorKind != logging.KindPartial {
		t.Fatalf("unexpected error kind: %q", snap.ErrorKind)
	}
}

func TestClearResetsFinishedSessions(t *testing.T) {
	for _, analyzer := range []*stubAnalyzer{
		{outcome: &usecase.Outcome{Prediction: fixtureResult()}},
		{err: errors.New("network unreachable")},
	} {
		session, _ := newTestManager(analyzer, newRecordingObserver()).Create("user", usecase.VariantSingle)
		if _, err := session.SelectFile(media.SlotFile, "a.jpg", "image/jpeg", []byte("img")); err != nil {
			t.Fatalf("select failed: %v", err)
		}
		_, _ = session.Analyze(context.Background())
		if !session.Status().Terminal() {
			t.Fatalf("expected terminal status, got %s", session.Status())
		}

		session.Clear()

		snap := session.Snapshot()
		if snap.Status != StatusIdle || snap.Outcome != nil || snap.Error != "" || snap.ErrorKind != "" || len(snap.Slots) != 0 {
			t.Fatalf("expected clean idle session, got %+v", snap)
		}
	}
}

func TestFailureRecordsMessageAndNewSelectionClearsIt(t *testing.T) {
	analyzer := &stubAnalyzer{err: errors.New("network unreachable")}
	session, _ := newTestManager(analyzer, newRecordingObserver()).Create("user", usecase.VariantSingle)

	if _, err := session.SelectFile(media.SlotFile, "a.jpg", "image/jpeg", []byte("img")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	snap, _ := session.Analyze(context.Background())
	if snap.Status != StatusFailed || snap.Error != "network unreachable" || snap.ErrorKind != logging.KindTransport {
		t.Fatalf("unexpected failed snapshot: %+v", snap)
	}

	if _, err := session.SelectFile(media.SlotFile, "b.jpg", "image/jpeg", []byte("img2")); err != nil {
		t.Fatalf("reselect failed: %v", err)
	}
	snap = session.Snapshot()
	if snap.Status != StatusIdle || snap.Error != "" {
		t.Fatalf("expected selection to clear error, got %+v", snap)
	}
}

func TestLateResponseAfterClearIsDropped(t *testing.T) {
	analyzer := &stubAnalyzer{
		outcome: &usecase.Outcome{Prediction: fixtureResult()},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	session, _ := newTestManager(analyzer, newRecordingObserver()).Create("user", usecase.VariantSingle)
	if _, err := session.SelectFile(media.SlotFile, "a.jpg", "image/jpeg", []byte("img")); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := session.Analyze(context.Background())
		done <- err
	}()

	select {
	case <-analyzer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("analysis did not start")
	}

	if _, err := session.Analyze(context.Background()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected in-flight guard, got %v", err)
	}

	session.Clear()
	close(analyzer.release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected superseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("analysis did not finish")
	}

	snap := session.Snapshot()
	if snap.Status != StatusIdle || snap.Outcome != nil {
		t.Fatalf("stale response leaked into state: %+v", snap)
	}
}

package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/miniminds/internal/logging"
	"github.com/example/miniminds/internal/media"
	"github.com/example/miniminds/internal/usecase"
)

// Analyzer runs the network exchange for an attempt.
type Analyzer interface {
	AnalyzeSingle(ctx context.Context, attempt usecase.Attempt, f *media.File) (*usecase.Outcome, error)
	AnalyzeDual(ctx context.Context, attempt usecase.Attempt, image, video *media.File) (*usecase.Outcome, error)
}

// Observer is notified of state updates. Calls happen outside the session lock.
type Observer interface {
	PreviewUpdated(sessionID string, slot media.Slot, preview media.Preview)
	StatusChanged(sessionID string, status Status)
}

type slotState struct {
	file     *media.File
	revision uint64
	preview  *media.Preview
}

// Session owns the workflow state of one user session: selected files,
// previews, status, result and error. Every response is tagged with the
// request id current at dispatch; Clear bumps the id so late responses
// are dropped.
type Session struct {
	id      string
	owner   string
	variant usecase.Variant

	intake    *media.Intake
	previewer *media.Previewer
	analyzer  Analyzer
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	slots      map[media.Slot]*slotState
	status     Status
	outcome    *usecase.Outcome
	errMessage string
	errKind    logging.Kind
	requestID  uint64
	revision   uint64
	updatedAt  time.Time

	previews sync.WaitGroup
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Owner returns the subject that created the session.
func (s *Session) Owner() string { return s.owner }

// Variant returns the workflow variant.
func (s *Session) Variant() usecase.Variant { return s.variant }

// SelectFile validates an upload and places it in slot. A rejected upload
// leaves the session untouched. An accepted one clears any previous result
// or error, returning a finished session to idle, and schedules the preview.
func (s *Session) SelectFile(slot media.Slot, name, contentType string, data []byte) (*media.File, error) {
	if !s.hasSlot(slot) {
		return nil, fmt.Errorf("%w: %s", ErrSlotUnavailable, slot)
	}
	file, err := s.intake.Accept(slot, name, contentType, data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.status.Busy() {
		s.mu.Unlock()
		return nil, ErrInFlight
	}
	statusChanged := s.resetResultLocked()
	if old := s.slots[slot]; old != nil && old.preview != nil {
		s.previewer.Release(*old.preview)
	}
	s.revision++
	revision := s.revision
	s.slots[slot] = &slotState{file: file, revision: revision}
	s.touchLocked()
	s.previews.Add(1)
	s.mu.Unlock()

	if statusChanged {
		s.notifyStatus(StatusIdle)
	}
	go s.buildPreview(slot, file, revision)

	s.logger.Debug("file selected",
		zap.String("slot", string(slot)),
		zap.String("content_type", file.ContentType),
		zap.Int64("size", file.Size()),
	)
	return file, nil
}

// buildPreview applies the preview exactly once, and only if the slot still
// holds the same file.
func (s *Session) buildPreview(slot media.Slot, file *media.File, revision uint64) {
	defer s.previews.Done()
	preview := s.previewer.Generate(file)

	s.mu.Lock()
	current := s.slots[slot]
	if current == nil || current.revision != revision {
		s.mu.Unlock()
		s.previewer.Release(preview)
		return
	}
	current.preview = &preview
	s.touchLocked()
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.PreviewUpdated(s.id, slot, preview)
	}
}

// WaitPreviews blocks until scheduled preview builds have finished.
func (s *Session) WaitPreviews() {
	s.previews.Wait()
}

// Ready reports whether every required slot holds a file.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

// Analyze drives idle -> uploading -> analyzing -> succeeded|failed.
// It is a no-op returning ErrNotReady, ErrInFlight or ErrClearRequired when
// the guard does not hold. If the session is cleared while the request is
// outstanding the response is discarded and ErrSuperseded is returned.
func (s *Session) Analyze(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	switch {
	case s.status.Busy():
		s.mu.Unlock()
		return s.Snapshot(), ErrInFlight
	case s.status.Terminal():
		s.mu.Unlock()
		return s.Snapshot(), ErrClearRequired
	case !s.readyLocked():
		s.mu.Unlock()
		return s.Snapshot(), ErrNotReady
	}
	s.requestID++
	requestID := s.requestID
	files := make(map[media.Slot]*media.File, len(s.slots))
	for slot, st := range s.slots {
		files[slot] = st.file
	}
	s.status = StatusUploading
	s.touchLocked()
	s.mu.Unlock()
	s.notifyStatus(StatusUploading)

	attempt := usecase.Attempt{
		RequestID: fmt.Sprintf("%s-%d", s.id, requestID),
		UserID:    s.owner,
		SessionID: s.id,
	}
	opLogger := logging.WithSession(s.logger, s.id, requestID)

	if !s.transition(requestID, StatusAnalyzing) {
		return s.Snapshot(), ErrSuperseded
	}
	s.notifyStatus(StatusAnalyzing)

	var (
		outcome *usecase.Outcome
		err     error
	)
	if s.variant == usecase.VariantDual {
		outcome, err = s.analyzer.AnalyzeDual(ctx, attempt, files[media.SlotImage], files[media.SlotVideo])
	} else {
		outcome, err = s.analyzer.AnalyzeSingle(ctx, attempt, files[media.SlotFile])
	}

	s.mu.Lock()
	if s.requestID != requestID {
		s.mu.Unlock()
		opLogger.Info("dropping stale analysis response")
		return s.Snapshot(), ErrSuperseded
	}
	final := StatusSucceeded
	if err != nil {
		final = StatusFailed
		s.errMessage = describe(err)
		s.errKind = logging.KindOf(err)
		if s.errKind == logging.KindUnknown {
			s.errKind = logging.KindTransport
		}
	} else {
		s.outcome = outcome
	}
	s.status = final
	s.touchLocked()
	s.mu.Unlock()
	s.notifyStatus(final)

	if err != nil {
		opLogger.Warn("analysis failed", zap.Error(err))
		return s.Snapshot(), err
	}
	opLogger.Info("analysis succeeded")
	return s.Snapshot(), nil
}

// Clear returns the session to idle, discarding files, previews, result and
// error. An outstanding request is not cancelled; its response is ignored.
func (s *Session) Clear() {
	s.mu.Lock()
	s.requestID++
	for slot, st := range s.slots {
		if st.preview != nil {
			s.previewer.Release(*st.preview)
		}
		delete(s.slots, slot)
	}
	s.outcome = nil
	s.errMessage = ""
	s.errKind = logging.KindUnknown
	s.status = StatusIdle
	s.touchLocked()
	s.mu.Unlock()
	s.notifyStatus(StatusIdle)
}

// Status returns the current workflow status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) transition(requestID uint64, to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestID != requestID {
		return false
	}
	s.status = to
	s.touchLocked()
	return true
}

// resetResultLocked drops a finished attempt so a new selection starts from idle.
func (s *Session) resetResultLocked() bool {
	if !s.status.Terminal() {
		return false
	}
	s.requestID++
	s.outcome = nil
	s.errMessage = ""
	s.errKind = logging.KindUnknown
	s.status = StatusIdle
	return true
}

func (s *Session) readyLocked() bool {
	for _, slot := range RequiredSlots(s.variant) {
		if st := s.slots[slot]; st == nil || st.file == nil {
			return false
		}
	}
	return true
}

func (s *Session) hasSlot(slot media.Slot) bool {
	for _, required := range RequiredSlots(s.variant) {
		if required == slot {
			return true
		}
	}
	return false
}

func (s *Session) touchLocked() {
	s.updatedAt = s.now()
}

func (s *Session) notifyStatus(status Status) {
	if s.observer != nil {
		s.observer.StatusChanged(s.id, status)
	}
}

// activity returns when the session last changed and whether an attempt is in flight.
func (s *Session) activity() (updatedAt time.Time, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt, s.status.Busy()
}

// describe turns an error chain into the message shown to the user,
// dropping the operation prefixes added for logs.
func describe(err error) string {
	for {
		opErr, ok := err.(*logging.OperationError)
		if !ok || opErr.Err == nil {
			return err.Error()
		}
		err = opErr.Err
	}
}

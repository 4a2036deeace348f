package workflow

import (
	"sort"
	"time"

	"github.com/example/miniminds/internal/logging"
	"github.com/example/miniminds/internal/media"
	"github.com/example/miniminds/internal/usecase"
)

// SlotView describes a populated slot.
type SlotView struct {
	Slot        media.Slot     `json:"slot"`
	Name        string         `json:"name"`
	ContentType string         `json:"content_type"`
	Kind        media.Kind     `json:"kind"`
	Size        int64          `json:"size"`
	Preview     *media.Preview `json:"preview,omitempty"`
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	SessionID string           `json:"session_id"`
	Variant   usecase.Variant  `json:"variant"`
	Status    Status           `json:"status"`
	Ready     bool             `json:"ready"`
	Slots     []SlotView       `json:"slots"`
	Outcome   *usecase.Outcome `json:"outcome,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind logging.Kind     `json:"error_kind,omitempty"`
	RequestID uint64           `json:"request_id"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := make([]SlotView, 0, len(s.slots))
	for slot, st := range s.slots {
		view := SlotView{
			Slot:        slot,
			Name:        st.file.Name,
			ContentType: st.file.ContentType,
			Kind:        st.file.Kind,
			Size:        st.file.Size(),
		}
		if st.preview != nil {
			preview := *st.preview
			view.Preview = &preview
		}
		slots = append(slots, view)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Slot < slots[j].Slot })

	return Snapshot{
		SessionID: s.id,
		Variant:   s.variant,
		Status:    s.status,
		Ready:     s.readyLocked(),
		Slots:     slots,
		Outcome:   s.outcome,
		Error:     s.errMessage,
		ErrorKind: s.errKind,
		RequestID: s.requestID,
		UpdatedAt: s.updatedAt,
	}
}

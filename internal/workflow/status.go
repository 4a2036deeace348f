package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/miniminds/internal/media"
	"github.com/example/miniminds/internal/usecase"
)

// Status is the lifecycle of a single analyze attempt.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusUploading Status = "uploading"
	StatusAnalyzing Status = "analyzing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status only leaves via Clear.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Busy reports whether a request is outstanding.
func (s Status) Busy() bool {
	return s == StatusUploading || s == StatusAnalyzing
}

var (
	ErrNotReady        = errors.New("required files are not selected")
	ErrInFlight        = errors.New("an analysis is already in flight")
	ErrClearRequired   = errors.New("clear the previous result before analyzing again")
	ErrSuperseded      = errors.New("analysis result discarded: session was cleared")
	ErrSlotUnavailable = errors.New("slot is not part of this workflow")
	ErrUnknownVariant  = errors.New("unknown workflow variant")
	ErrSessionNotFound = errors.New("session not found")
)

// ParseVariant validates a variant name; empty means single.
func ParseVariant(name string) (usecase.Variant, error) {
	switch usecase.Variant(strings.ToLower(strings.TrimSpace(name))) {
	case "", usecase.VariantSingle:
		return usecase.VariantSingle, nil
	case usecase.VariantDual:
		return usecase.VariantDual, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, name)
}

// RequiredSlots lists the slots a variant needs populated before analyzing.
func RequiredSlots(variant usecase.Variant) []media.Slot {
	if variant == usecase.VariantDual {
		return []media.Slot{media.SlotImage, media.SlotVideo}
	}
	return []media.Slot{media.SlotFile}
}

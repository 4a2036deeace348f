package media

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxBytes is the upload ceiling applied when none is configured.
const DefaultMaxBytes int64 = 50 * 1024 * 1024

var (
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file exceeds upload limit")
	ErrUnknownSlot     = errors.New("unknown file slot")
)

// Kind is the media category of a selected file.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Slot is a named place a file can be selected into.
type Slot string

const (
	// SlotFile is the single-file workflow slot; it takes images or videos.
	SlotFile  Slot = "file"
	SlotImage Slot = "image"
	SlotVideo Slot = "video"
)

// ParseSlot validates a slot name coming from a URL or form.
func ParseSlot(name string) (Slot, error) {
	switch Slot(strings.ToLower(strings.TrimSpace(name))) {
	case SlotFile:
		return SlotFile, nil
	case SlotImage:
		return SlotImage, nil
	case SlotVideo:
		return SlotVideo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSlot, name)
}

// Accepts lists the MIME patterns the slot admits.
func (s Slot) Accepts() []string {
	switch s {
	case SlotImage:
		return []string{"image/*"}
	case SlotVideo:
		return []string{"video/*"}
	case SlotFile:
		return []string{"image/*", "video/*"}
	}
	return nil
}

// File is a user-selected blob held in a slot.
type File struct {
	Name        string
	ContentType string
	Kind        Kind
	Data        []byte
}

// Size reports the file length in bytes.
func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// SHA1 returns the hex digest used as the cache identity of the content.
func (f *File) SHA1() string {
	sum := sha1.Sum(f.Data)
	return hex.EncodeToString(sum[:])
}

// Intake classifies raw uploads against slot patterns and size limits.
type Intake struct {
	maxBytes int64
}

// NewIntake returns an Intake enforcing maxBytes; zero or negative means DefaultMaxBytes.
func NewIntake(maxBytes int64) *Intake {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Intake{maxBytes: maxBytes}
}

// MaxBytes is the configured upload ceiling.
func (in *Intake) MaxBytes() int64 {
	return in.maxBytes
}

// Accept builds a File for slot or reports why the upload is rejected.
// An empty or generic declared type is resolved by sniffing the content.
func (in *Intake) Accept(slot Slot, name, declaredType string, data []byte) (*File, error) {
	patterns := slot.Accepts()
	if patterns == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(data)) > in.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, len(data), in.maxBytes)
	}

	contentType := normalizeType(declaredType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = normalizeType(mimetype.Detect(data).String())
	}

	if !matchesAny(contentType, patterns) {
		return nil, fmt.Errorf("%w: %s not in %s", ErrUnsupportedType, contentType, strings.Join(patterns, ","))
	}

	kind := KindImage
	if strings.HasPrefix(contentType, "video/") {
		kind = KindVideo
	}

	return &File{
		Name:        fileName(name, kind),
		ContentType: contentType,
		Kind:        kind,
		Data:        data,
	}, nil
}

func normalizeType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(value)
	}
	return strings.ToLower(mediaType)
}

func matchesAny(contentType string, patterns []string) bool {
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(contentType, prefix) && len(contentType) > len(prefix) {
				return true
			}
			continue
		}
		if contentType == pattern {
			return true
		}
	}
	return false
}

func fileName(name string, kind Kind) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "upload-" + string(kind)
	}
	return name
}

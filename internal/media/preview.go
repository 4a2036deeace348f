package media

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const objectURLPrefix = "blob:"

var ErrObjectURLNotFound = errors.New("object url not found or revoked")

// Preview is a locally renderable representation of a File.
type Preview struct {
	Kind Kind   `json:"kind"`
	URI  string `json:"uri"`
}

// ObjectURLRegistry mints revocable URLs that serve a file's bytes back,
// the way a browser object URL does for video previews.
type ObjectURLRegistry struct {
	mu      sync.RWMutex
	objects map[string]*File
}

// NewObjectURLRegistry creates an empty registry.
func NewObjectURLRegistry() *ObjectURLRegistry {
	return &ObjectURLRegistry{objects: make(map[string]*File)}
}

// Create registers f and returns its object URL.
func (r *ObjectURLRegistry) Create(f *File) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.objects[id] = f
	r.mu.Unlock()
	return objectURLPrefix + id
}

// Resolve looks up the file behind an object URL or bare id.
func (r *ObjectURLRegistry) Resolve(url string) (*File, error) {
	id := strings.TrimPrefix(url, objectURLPrefix)
	r.mu.RLock()
	f, ok := r.objects[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrObjectURLNotFound
	}
	return f, nil
}

// Revoke releases an object URL. Unknown URLs are ignored.
func (r *ObjectURLRegistry) Revoke(url string) {
	if !strings.HasPrefix(url, objectURLPrefix) {
		return
	}
	r.mu.Lock()
	delete(r.objects, strings.TrimPrefix(url, objectURLPrefix))
	r.mu.Unlock()
}

// Len reports how many object URLs are live.
func (r *ObjectURLRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Previewer derives previews: data URIs for images, object URLs for videos.
type Previewer struct {
	objects *ObjectURLRegistry
}

// NewPreviewer returns a Previewer minting video URLs from objects.
func NewPreviewer(objects *ObjectURLRegistry) *Previewer {
	return &Previewer{objects: objects}
}

// Generate builds the preview for f.
func (p *Previewer) Generate(f *File) Preview {
	if f.Kind == KindVideo {
		return Preview{Kind: KindVideo, URI: p.objects.Create(f)}
	}
	return Preview{Kind: KindImage, URI: DataURI(f)}
}

// Release frees resources held by a preview.
func (p *Previewer) Release(preview Preview) {
	p.objects.Revoke(preview.URI)
}

// DataURI encodes f as an RFC 2397 base64 data URI.
func DataURI(f *File) string {
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(f.ContentType) + base64.StdEncoding.EncodedLen(len(f.Data)))
	b.WriteString("data:")
	b.WriteString(f.ContentType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(f.Data))
	return b.String()
}

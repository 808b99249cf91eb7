// Package imagestore holds patient images (raw bytes plus the declared image
// type) for the image analysis path. It defines the Store interface, an
// in-memory implementation for tests and development, a Postgres
// implementation and an Echo handler for multipart upload.
package imagestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrImageNotFound      = errors.New("image not found")
	ErrImageTooLarge      = errors.New("image exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrInvalidImageType   = errors.New("unknown image type")
	ErrMissingPatient     = errors.New("patient_id is required")
	ErrEmptyImage         = errors.New("image is empty")
	ErrTooManyPixels      = errors.New("image dimensions exceed pixel limit")
)

const (
	// MaxImageSize is the largest accepted upload (20 MB).
	MaxImageSize = 20 * 1024 * 1024
	// MaxImagePixels caps declared width x height. A compressed file well
	// under MaxImageSize can still decode to gigabytes.
	MaxImagePixels = 40_000_000
)

// AllowedContentTypes are the encodings the image scorers can decode.
var AllowedContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
}

// ImageTypes lists the declared image_type values accepted on upload. Only
// the chest X-ray family is analysed by the model.
var ImageTypes = map[string]bool{
	"chest_xray":    true,
	"chest_xray_pa": true,
	"chest_xray_ap": true,
	"ct":            true,
	"mri":           true,
	"ultrasound":    true,
	"other":         true,
}

// Image is stored image metadata. Content is returned separately.
type Image struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	ImageType   string    `db:"image_type" json:"image_type"`
	ContentType string    `db:"content_type" json:"content_type"`
	FileName    string    `db:"file_name" json:"file_name"`
	Size        int64     `db:"size_bytes" json:"size"`
	Hash        string    `db:"sha256" json:"sha256"`
	CreatedBy   string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type Store interface {
	Put(ctx context.Context, meta Image, content io.Reader) (*Image, error)
	Get(ctx context.Context, id uuid.UUID) (*Image, []byte, error)
	LatestForPatient(ctx context.Context, patientID uuid.UUID) (*Image, []byte, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Image, int, error)
}

// prepare validates meta, reads content and fills the derived fields.
func prepare(meta Image, content io.Reader) (Image, []byte, error) {
	if meta.PatientID == uuid.Nil {
		return meta, nil, ErrMissingPatient
	}
	meta.ImageType = strings.ToLower(strings.TrimSpace(meta.ImageType))
	if !ImageTypes[meta.ImageType] {
		return meta, nil, fmt.Errorf("%w: %q", ErrInvalidImageType, meta.ImageType)
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxImageSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if len(data) == 0 {
		return meta, nil, ErrEmptyImage
	}
	if int64(len(data)) > MaxImageSize {
		return meta, nil, ErrImageTooLarge
	}

	// Trust the bytes over the declared header.
	meta.ContentType = http.DetectContentType(data)
	if !AllowedContentTypes[meta.ContentType] {
		return meta, nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return meta, nil, fmt.Errorf("%w: unreadable %s header", ErrInvalidContentType, meta.ContentType)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return meta, nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}

	meta.ID = uuid.New()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", sha256.Sum256(data))
	meta.CreatedAt = time.Now().UTC()
	return meta, data, nil
}

type storedImage struct {
	meta    Image
	content []byte
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	images map[uuid.UUID]*storedImage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{images: make(map[uuid.UUID]*storedImage)}
}

func (s *MemoryStore) Put(_ context.Context, meta Image, content io.Reader) (*Image, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.images[meta.ID] = &storedImage{meta: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Image, []byte, error) {
	s.mu.RLock()
	img, ok := s.images[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrImageNotFound
	}
	meta := img.meta
	return &meta, bytes.Clone(img.content), nil
}

func (s *MemoryStore) LatestForPatient(_ context.Context, patientID uuid.UUID) (*Image, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *storedImage
	for _, img := range s.images {
		if img.meta.PatientID != patientID {
			continue
		}
		if latest == nil || img.meta.CreatedAt.After(latest.meta.CreatedAt) {
			latest = img
		}
	}
	if latest == nil {
		return nil, nil, ErrImageNotFound
	}
	meta := latest.meta
	return &meta, bytes.Clone(latest.content), nil
}

func (s *MemoryStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Image, int, error) {
	s.mu.RLock()
	var matched []*Image
	for _, img := range s.images {
		if img.meta.PatientID == patientID {
			m := img.meta
			matched = append(matched, &m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if limit <= 0 {
		limit = 20
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

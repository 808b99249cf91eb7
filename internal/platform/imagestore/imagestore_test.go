package imagestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 4)
	}
	img.SetGray(0, 0, color.Gray{Y: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// hugePNG returns a few hundred bytes whose header claims a 20000x20000 image.
func hugePNG(t *testing.T) []byte {
	t.Helper()
	data := pngBytes(t)
	binary.BigEndian.PutUint32(data[16:20], 20000)
	binary.BigEndian.PutUint32(data[20:24], 20000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestMemoryStore_PutAndGet(t *testing.T) {
	store := NewMemoryStore()
	patientID := uuid.New()
	data := pngBytes(t)

	img, err := store.Put(context.Background(), Image{
		PatientID: patientID,
		ImageType: "Chest_XRay",
		FileName:  "cxr.png",
	}, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if img.ID == uuid.Nil {
		t.Fatal("expected generated ID")
	}
	if img.ImageType != "chest_xray" {
		t.Errorf("expected normalised image type, got %q", img.ImageType)
	}
	if img.ContentType != "image/png" {
		t.Errorf("expected sniffed image/png, got %q", img.ContentType)
	}
	if img.Size != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), img.Size)
	}
	if len(img.Hash) != 64 {
		t.Errorf("expected sha256 hex, got %q", img.Hash)
	}

	got, content, err := store.Get(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FileName != "cxr.png" {
		t.Errorf("expected cxr.png, got %s", got.FileName)
	}
	if !bytes.Equal(content, data) {
		t.Error("content mismatch")
	}
}

func TestMemoryStore_PutValidation(t *testing.T) {
	store := NewMemoryStore()
	tests := []struct {
		name    string
		meta    Image
		content []byte
		want    error
	}{
		{"missing patient", Image{ImageType: "chest_xray"}, pngBytes(t), ErrMissingPatient},
		{"unknown image type", Image{PatientID: uuid.New(), ImageType: "selfie"}, pngBytes(t), ErrInvalidImageType},
		{"empty content", Image{PatientID: uuid.New(), ImageType: "ct"}, nil, ErrEmptyImage},
		{"not an image", Image{PatientID: uuid.New(), ImageType: "ct"}, []byte("plain text body"), ErrInvalidContentType},
		{"truncated png", Image{PatientID: uuid.New(), ImageType: "ct"}, pngBytes(t)[:20], ErrInvalidContentType},
		{"declared dimensions over cap", Image{PatientID: uuid.New(), ImageType: "chest_xray"}, hugePNG(t), ErrTooManyPixels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Put(context.Background(), tt.meta, bytes.NewReader(tt.content))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMemoryStore_LatestForPatient(t *testing.T) {
	store := NewMemoryStore()
	patientID := uuid.New()

	if _, _, err := store.LatestForPatient(context.Background(), patientID); !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}

	first, _ := store.Put(context.Background(), Image{PatientID: patientID, ImageType: "chest_xray", FileName: "a.png"}, bytes.NewReader(pngBytes(t)))
	time.Sleep(2 * time.Millisecond)
	second, _ := store.Put(context.Background(), Image{PatientID: patientID, ImageType: "ct", FileName: "b.png"}, bytes.NewReader(pngBytes(t)))
	store.Put(context.Background(), Image{PatientID: uuid.New(), ImageType: "ct", FileName: "other.png"}, bytes.NewReader(pngBytes(t)))

	latest, _, err := store.LatestForPatient(context.Background(), patientID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("expected latest %s, got %s (first was %s)", second.ID, latest.ID, first.ID)
	}

	items, total, err := store.ListByPatient(context.Background(), patientID, 10, 0)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 images, got total=%d len=%d", total, len(items))
	}
	if items[0].ID != second.ID {
		t.Error("expected newest first")
	}
}

func newUploadRequest(t *testing.T, fields map[string]string, file []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if file != nil {
		part, err := w.CreateFormFile("file", "cxr.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write(file)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/images", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestHandler_Upload(t *testing.T) {
	e := echo.New()
	h := NewHandler(NewMemoryStore())
	patientID := uuid.New()

	req := newUploadRequest(t, map[string]string{
		"patient_id": patientID.String(),
		"image_type": "chest_xray_pa",
	}, pngBytes(t))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Upload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var img Image
	if err := json.Unmarshal(rec.Body.Bytes(), &img); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.PatientID != patientID {
		t.Errorf("expected patient %s, got %s", patientID, img.PatientID)
	}
}

func TestHandler_UploadErrors(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		file   []byte
		code   int
	}{
		{"bad patient id", map[string]string{"patient_id": "nope", "image_type": "ct"}, []byte("x"), http.StatusBadRequest},
		{"missing file", map[string]string{"patient_id": uuid.New().String(), "image_type": "ct"}, nil, http.StatusBadRequest},
		{"text file", map[string]string{"patient_id": uuid.New().String(), "image_type": "ct"}, []byte(strings.Repeat("text ", 20)), http.StatusUnsupportedMediaType},
		{"decompression bomb", map[string]string{"patient_id": uuid.New().String(), "image_type": "chest_xray"}, hugePNG(t), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			h := NewHandler(NewMemoryStore())
			c := e.NewContext(newUploadRequest(t, tt.fields, tt.file), httptest.NewRecorder())

			err := h.Upload(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
			}
			if httpErr.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, httpErr.Code)
			}
		})
	}
}

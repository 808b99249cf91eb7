package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPPredictor calls an external model service:
//
//	POST {base}/predict/vitals
//	POST {base}/predict/image
//	POST {base}/predict/diagnoses
//
// An empty base URL means no model is deployed; every call then fails with
// ErrNoArtifact. A 404 or 503 from the service is treated the same way.
type HTTPPredictor struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPPredictor(name, baseURL string, client *http.Client) *HTTPPredictor {
	if client == nil {
		client = http.DefaultClient
	}
	if name == "" {
		name = "model-service"
	}
	return &HTTPPredictor{name: name, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (p *HTTPPredictor) Name() string { return p.name }

type vitalsRequest struct {
	PatientID string         `json:"patient_id"`
	Readings  []VitalReading `json:"readings"`
	Patient   PatientContext `json:"patient"`
}

type imageRequest struct {
	ImageID   string `json:"image_id"`
	ImageType string `json:"image_type"`
	// Image is base64 encoded by encoding/json.
	Image []byte `json:"image"`
}

type diagnosesRequest struct {
	PatientID string         `json:"patient_id"`
	Labs      []LabResult    `json:"labs"`
	Readings  []VitalReading `json:"readings"`
}

type diagnosesResponse struct {
	Suggestions []Candidate `json:"suggestions"`
}

func (p *HTTPPredictor) post(ctx context.Context, path string, body, out interface{}) error {
	if p.baseURL == "" {
		return ErrNoArtifact
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s returned %d", ErrNoArtifact, path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Ping checks GET {base}/health so readiness can report the model service.
func (p *HTTPPredictor) Ping(ctx context.Context) error {
	if p.baseURL == "" {
		return ErrNoArtifact
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET /health: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service health returned %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPPredictor) PredictVitals(ctx context.Context, patientID string, readings []VitalReading, patient PatientContext) (Result, error) {
	var r Result
	err := p.post(ctx, "/predict/vitals", vitalsRequest{PatientID: patientID, Readings: readings, Patient: patient}, &r)
	return r, err
}

func (p *HTTPPredictor) PredictImage(ctx context.Context, img ImageInput) (Result, error) {
	var r Result
	err := p.post(ctx, "/predict/image", imageRequest{ImageID: img.ID, ImageType: img.ImageType, Image: img.Data}, &r)
	return r, err
}

func (p *HTTPPredictor) PredictDiagnoses(ctx context.Context, patientID string, labs []LabResult, readings []VitalReading) ([]Candidate, error) {
	var resp diagnosesResponse
	if err := p.post(ctx, "/predict/diagnoses", diagnosesRequest{PatientID: patientID, Labs: labs, Readings: readings}, &resp); err != nil {
		return nil, err
	}
	return resp.Suggestions, nil
}

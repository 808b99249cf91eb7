package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrModelUnavailable marks every model failure the combiner degrades on.
	ErrModelUnavailable = errors.New("model output unavailable")
	// ErrNoArtifact is returned by predictors that have no trained model.
	ErrNoArtifact = errors.New("no trained model artifact")
)

// Reasons attached to UnavailableError.
const (
	ReasonNoArtifact          = "no trained artifact"
	ReasonUnsupportedModality = "unsupported modality"
	ReasonNoInput             = "no input"
	ReasonRuntime             = "runtime error"
	ReasonTimeout             = "timeout"
	ReasonInvalidOutput       = "invalid output"
)

type UnavailableError struct {
	Model  string
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model %s unavailable (%s): %v", e.Model, e.Reason, e.Err)
	}
	return fmt.Sprintf("model %s unavailable (%s)", e.Model, e.Reason)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrModelUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// Predictor is an opaque external model. Implementations may be slow or
// fail; ModelScorer bounds and classifies both.
type Predictor interface {
	Name() string
	PredictVitals(ctx context.Context, patientID string, readings []VitalReading, patient PatientContext) (Result, error)
	PredictImage(ctx context.Context, img ImageInput) (Result, error)
	PredictDiagnoses(ctx context.Context, patientID string, labs []LabResult, readings []VitalReading) ([]Candidate, error)
}

type ModelConfig struct {
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	// SupportedModalities lists image types the image model accepts.
	SupportedModalities []string
}

// ChestXRayModalities are the image types the image model was trained on.
var ChestXRayModalities = []string{"chest_xray", "chest_xray_pa", "chest_xray_ap"}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Timeout:             3 * time.Second,
		CacheSize:           512,
		CacheTTL:            10 * time.Minute,
		SupportedModalities: ChestXRayModalities,
	}
}

// ModelScorer wraps a Predictor with a per-call timeout, a prediction cache
// and failure classification. Every error it returns satisfies
// errors.Is(err, ErrModelUnavailable).
type ModelScorer struct {
	predictor  Predictor
	cfg        ModelConfig
	modalities map[string]bool

	vitals    *expirable.LRU[string, Result]
	images    *expirable.LRU[string, Result]
	diagnoses *expirable.LRU[string, []Candidate]
}

func NewModelScorer(p Predictor, cfg ModelConfig) *ModelScorer {
	def := DefaultModelConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.SupportedModalities == nil {
		cfg.SupportedModalities = def.SupportedModalities
	}

	m := &ModelScorer{
		predictor:  p,
		cfg:        cfg,
		modalities: make(map[string]bool, len(cfg.SupportedModalities)),
	}
	for _, mod := range cfg.SupportedModalities {
		m.modalities[normalizeModality(mod)] = true
	}
	if cfg.CacheSize > 0 {
		m.vitals = expirable.NewLRU[string, Result](cfg.CacheSize, nil, cfg.CacheTTL)
		m.images = expirable.NewLRU[string, Result](cfg.CacheSize, nil, cfg.CacheTTL)
		m.diagnoses = expirable.NewLRU[string, []Candidate](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return m
}

func (m *ModelScorer) Name() string {
	if m.predictor == nil {
		return "none"
	}
	return m.predictor.Name()
}

func (m *ModelScorer) unavailable(reason string, err error) error {
	return &UnavailableError{Model: m.Name(), Reason: reason, Err: err}
}

func (m *ModelScorer) classify(err error) error {
	switch {
	case errors.Is(err, ErrModelUnavailable):
		return err
	case errors.Is(err, ErrNoArtifact):
		return m.unavailable(ReasonNoArtifact, err)
	case errors.Is(err, context.DeadlineExceeded):
		return m.unavailable(ReasonTimeout, err)
	default:
		return m.unavailable(ReasonRuntime, err)
	}
}

type callResult[T any] struct {
	v   T
	err error
}

// bounded runs fn with the configured timeout, converting a panic into an
// error. A predictor that ignores ctx is abandoned, not waited for.
func bounded[T any](ctx context.Context, m *ModelScorer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if m.predictor == nil {
		return zero, m.unavailable(ReasonNoArtifact, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	ch := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- callResult[T]{err: fmt.Errorf("predictor panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- callResult[T]{v: v, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return zero, m.classify(out.err)
		}
		return out.v, nil
	case <-ctx.Done():
		return zero, m.unavailable(ReasonTimeout, ctx.Err())
	}
}

func validResult(r Result) bool {
	return !math.IsNaN(r.Score) && r.Score >= 0 && r.Score <= 1
}

func (m *ModelScorer) Vitals(ctx context.Context, patientID string, readings []VitalReading, patient PatientContext) (Result, error) {
	if len(readings) == 0 {
		return Result{}, m.unavailable(ReasonNoInput, nil)
	}
	key := patientID + ":" + hashJSON(readings, patient)
	if m.vitals != nil {
		if r, ok := m.vitals.Get(key); ok {
			return r, nil
		}
	}

	r, err := bounded(ctx, m, func(ctx context.Context) (Result, error) {
		return m.predictor.PredictVitals(ctx, patientID, readings, patient)
	})
	if err != nil {
		return Result{}, err
	}
	if !validResult(r) {
		return Result{}, m.unavailable(ReasonInvalidOutput, fmt.Errorf("score %v outside [0,1]", r.Score))
	}
	r.Label = string(LevelForScore(r.Score))
	if m.vitals != nil {
		m.vitals.Add(key, r)
	}
	return r, nil
}

func normalizeModality(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

func (m *ModelScorer) SupportsModality(imageType string) bool {
	return m.modalities[normalizeModality(imageType)]
}

func (m *ModelScorer) Image(ctx context.Context, img ImageInput) (Result, error) {
	if len(img.Data) == 0 {
		return Result{}, m.unavailable(ReasonNoInput, nil)
	}
	if !m.SupportsModality(img.ImageType) {
		return Result{}, m.unavailable(ReasonUnsupportedModality, fmt.Errorf("image type %q", img.ImageType))
	}

	key := normalizeModality(img.ImageType) + ":" + hashBytes(img.Data)
	if m.images != nil {
		if r, ok := m.images.Get(key); ok {
			return r, nil
		}
	}

	r, err := bounded(ctx, m, func(ctx context.Context) (Result, error) {
		return m.predictor.PredictImage(ctx, img)
	})
	if err != nil {
		return Result{}, err
	}
	if !validResult(r) {
		return Result{}, m.unavailable(ReasonInvalidOutput, fmt.Errorf("score %v outside [0,1]", r.Score))
	}
	if !ModelImageClasses[r.Label] {
		return Result{}, m.unavailable(ReasonInvalidOutput, fmt.Errorf("unknown label %q", r.Label))
	}
	if m.images != nil {
		m.images.Add(key, r)
	}
	return r, nil
}

func (m *ModelScorer) Diagnoses(ctx context.Context, patientID string, labs []LabResult, readings []VitalReading) ([]Candidate, error) {
	if len(labs) == 0 && len(readings) == 0 {
		return nil, m.unavailable(ReasonNoInput, nil)
	}
	key := patientID + ":" + hashJSON(labs, readings)
	if m.diagnoses != nil {
		if cs, ok := m.diagnoses.Get(key); ok {
			return append([]Candidate(nil), cs...), nil
		}
	}

	cs, err := bounded(ctx, m, func(ctx context.Context) ([]Candidate, error) {
		return m.predictor.PredictDiagnoses(ctx, patientID, labs, readings)
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
			return nil, m.unavailable(ReasonInvalidOutput, fmt.Errorf("confidence %v outside [0,1]", c.Confidence))
		}
		// Model text that fails the non-prescriptive check is dropped, not
		// surfaced.
		if ValidateSuggestionText(c.Text) != nil {
			continue
		}
		c.Text = strings.TrimSpace(c.Text)
		c.Source = LineageModel
		out = append(out, c)
	}
	if m.diagnoses != nil {
		m.diagnoses.Add(key, out)
	}
	return append([]Candidate(nil), out...), nil
}

func hashJSON(vs ...interface{}) string {
	h := fnv.New64a()
	enc := json.NewEncoder(h)
	for _, v := range vs {
		_ = enc.Encode(v)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func hashBytes(b []byte) string {
	h := fnv.New64a()
	h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}

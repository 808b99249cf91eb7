package suggestion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/clinicaldata"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/imagestore"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/scoring"
)

// ConfidenceAdjuster supplies the learned per-source offset.
type ConfidenceAdjuster interface {
	Adjustment(source string) (float64, error)
	Apply(source string, confidence float64) float64
}

type noAdjustment struct{}

func (noAdjustment) Adjustment(string) (float64, error) { return 0, nil }

func (noAdjustment) Apply(_ string, c float64) float64 { return math.Max(0, math.Min(1, c)) }

type Service struct {
	repo     Repository
	patients clinicaldata.PatientRepository
	vitals   clinicaldata.VitalRepository
	labs     clinicaldata.LabRepository
	images   imagestore.Store
	combiner *scoring.Combiner
	adjuster ConfidenceAdjuster
	tx       db.TxRunner
	logger   zerolog.Logger
	now      func() time.Time

	listenerMu sync.RWMutex
	listeners  []func(*Suggestion)
}

func NewService(
	repo Repository,
	patients clinicaldata.PatientRepository,
	vitals clinicaldata.VitalRepository,
	labs clinicaldata.LabRepository,
	images imagestore.Store,
	combiner *scoring.Combiner,
	adjuster ConfidenceAdjuster,
	tx db.TxRunner,
	logger zerolog.Logger,
) *Service {
	if adjuster == nil {
		adjuster = noAdjustment{}
	}
	return &Service{
		repo:     repo,
		patients: patients,
		vitals:   vitals,
		labs:     labs,
		images:   images,
		combiner: combiner,
		adjuster: adjuster,
		tx:       tx,
		logger:   logger.With().Str("component", "suggestion").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type inputs struct {
	patient  *clinicaldata.Patient
	readings []scoring.VitalReading
	labs     []scoring.LabResult
	image    *scoring.ImageInput
}

func (s *Service) load(ctx context.Context, patientID uuid.UUID, withLabs, withImage bool) (*inputs, error) {
	in := &inputs{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.patients.GetByID(gctx, patientID)
		in.patient = p
		return err
	})
	g.Go(func() error {
		r, err := s.vitals.ListByPatient(gctx, patientID, clinicaldata.DefaultVitalLimit)
		in.readings = r
		return err
	})
	if withLabs {
		g.Go(func() error {
			l, err := s.labs.ListByPatient(gctx, patientID, clinicaldata.DefaultLabLimit)
			in.labs = l
			return err
		})
	}
	if withImage && s.images != nil {
		g.Go(func() error {
			img, data, err := s.images.LatestForPatient(gctx, patientID)
			if errors.Is(err, imagestore.ErrImageNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load latest image: %w", err)
			}
			in.image = &scoring.ImageInput{ID: img.ID.String(), ImageType: img.ImageType, Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

// Generate scores every domain for the patient, persists the resulting
// suggestions and returns them ranked by adjusted confidence. Model failures
// degrade to rules-only suggestions; only storage errors fail the call.
func (s *Service) Generate(ctx context.Context, patientID uuid.UUID) ([]*Suggestion, error) {
	in, err := s.load(ctx, patientID, true, true)
	if err != nil {
		return nil, err
	}
	pid := patientID.String()
	pctx := in.patient.Context(s.now())

	var (
		risk    scoring.RiskAssessment
		finding *scoring.ImageFinding
		cands   []scoring.Candidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		risk = s.combiner.CombineVitals(gctx, pid, in.readings, pctx)
		return nil
	})
	if in.image != nil {
		g.Go(func() error {
			f := s.combiner.CombineImage(gctx, pid, *in.image)
			finding = &f
			return nil
		})
	}
	g.Go(func() error {
		cands = s.combiner.CombineDiagnoses(gctx, pid, in.labs, in.readings)
		return nil
	})
	_ = g.Wait()

	var out []*Suggestion
	if len(in.readings) > 0 {
		out = append(out, fromRisk(patientID, risk))
	}
	if finding != nil {
		out = append(out, fromFinding(patientID, in.image.ImageType, *finding))
	}
	for _, c := range cands {
		out = append(out, fromCandidate(patientID, c))
	}

	now := s.now()
	valid := out[:0]
	for _, sg := range out {
		sg.CreatedAt = now
		if err := sg.Validate(); err != nil {
			s.logger.Warn().Err(err).Str("patient_id", pid).Str("type", sg.Type).Msg("dropping generated suggestion")
			continue
		}
		valid = append(valid, sg)
	}
	out = valid

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, sg := range out {
			if err := s.repo.Create(ctx, sg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist suggestions: %w", err)
	}

	for _, sg := range out {
		s.decorate(sg)
	}
	rank(out)
	for _, sg := range out {
		s.notify(sg)
	}

	s.logger.Info().Str("patient_id", pid).Int("count", len(out)).Msg("suggestions generated")
	return out, nil
}

// AssessVitalRisk runs the hybrid vital risk assessment without persisting.
func (s *Service) AssessVitalRisk(ctx context.Context, patientID uuid.UUID) (*scoring.RiskAssessment, error) {
	in, err := s.load(ctx, patientID, false, false)
	if err != nil {
		return nil, err
	}
	ra := s.combiner.CombineVitals(ctx, patientID.String(), in.readings, in.patient.Context(s.now()))
	return &ra, nil
}

// AnalyzeImage runs the hybrid image analysis on one stored image of the
// patient.
func (s *Service) AnalyzeImage(ctx context.Context, patientID, imageID uuid.UUID) (*scoring.ImageFinding, error) {
	if s.images == nil {
		return nil, imagestore.ErrImageNotFound
	}
	img, data, err := s.images.Get(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.PatientID != patientID {
		return nil, imagestore.ErrImageNotFound
	}
	f := s.combiner.CombineImage(ctx, patientID.String(), scoring.ImageInput{
		ID:        img.ID.String(),
		ImageType: img.ImageType,
		Data:      data,
	})
	return &f, nil
}

func (s *Service) Create(ctx context.Context, sg *Suggestion) error {
	if err := sg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSuggestion, err)
	}
	sg.CreatedAt = s.now()
	if err := s.repo.Create(ctx, sg); err != nil {
		return err
	}
	s.decorate(sg)
	s.notify(sg)
	return nil
}

// OnCreated registers fn to be called for every suggestion after it has been
// committed. Listeners run synchronously on the creating goroutine.
func (s *Service) OnCreated(fn func(*Suggestion)) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *Service) notify(sg *Suggestion) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, fn := range s.listeners {
		fn(sg)
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Suggestion, error) {
	sg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.decorate(sg)
	return sg, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Suggestion, int, error) {
	items, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, sg := range items {
		s.decorate(sg)
	}
	return items, total, nil
}

func (s *Service) decorate(sg *Suggestion) {
	adj, err := s.adjuster.Adjustment(sg.Source)
	if err != nil {
		s.logger.Debug().Err(err).Str("source", sg.Source).Msg("no confidence adjustment")
		return
	}
	sg.ConfidenceAdjustment = adj
	if sg.Confidence != nil {
		v := s.adjuster.Apply(sg.Source, *sg.Confidence)
		sg.AdjustedConfidence = &v
	}
}

func rank(items []*Suggestion) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].rankConfidence() > items[j].rankConfidence()
	})
}

func humanize(s string) string {
	return strings.ReplaceAll(strings.TrimPrefix(s, "model:"), "_", " ")
}

func fromRisk(patientID uuid.UUID, r scoring.RiskAssessment) *Suggestion {
	level := humanize(string(r.Level))
	var text string
	if len(r.ContributingFactors) == 0 {
		text = fmt.Sprintf("Vital signs indicate %s risk; no thresholds crossed", level)
	} else {
		factors := make([]string, 0, len(r.ContributingFactors))
		for _, f := range r.ContributingFactors {
			factors = append(factors, humanize(f))
		}
		text = fmt.Sprintf("Vital signs indicate %s risk (%s); clinical review suggested", level, strings.Join(factors, ", "))
	}
	score := r.Score
	return &Suggestion{
		PatientID:   patientID,
		Type:        TypeVitalRisk,
		Text:        text,
		Source:      SourceFor(TypeVitalRisk, r.Source),
		Explanation: r.Explanation,
		Confidence:  &score,
	}
}

func fromFinding(patientID uuid.UUID, imageType string, f scoring.ImageFinding) *Suggestion {
	score := f.AbnormalityScore
	return &Suggestion{
		PatientID: patientID,
		Type:      TypeImageFinding,
		Text: fmt.Sprintf("Image analysis classifies the %s as %s (abnormality score %.2f); radiologist review suggested",
			humanize(imageType), f.Classification, f.AbnormalityScore),
		Source:      SourceFor(TypeImageFinding, f.Source),
		Explanation: f.Explanation,
		Confidence:  &score,
	}
}

func fromCandidate(patientID uuid.UUID, c scoring.Candidate) *Suggestion {
	conf := c.Confidence
	return &Suggestion{
		PatientID:   patientID,
		Type:        TypeDiagnosis,
		Text:        c.Text,
		Source:      SourceFor(TypeDiagnosis, c.Source),
		Explanation: c.Explanation,
		Confidence:  &conf,
	}
}

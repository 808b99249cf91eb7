package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

type CombinerConfig struct {
	VitalRuleWeight  float64
	VitalModelWeight float64
	// ImageOverrideThreshold is exclusive: the model wins outright only when
	// its score is strictly above it.
	ImageOverrideThreshold float64
	ImageModelWeight       float64
	ImageRuleWeight        float64
	MinSharedKeywords      int
}

func DefaultCombinerConfig() CombinerConfig {
	return CombinerConfig{
		VitalRuleWeight:        0.5,
		VitalModelWeight:       0.5,
		ImageOverrideThreshold: 0.7,
		ImageModelWeight:       0.6,
		ImageRuleWeight:        0.4,
		MinSharedKeywords:      DefaultMinSharedKeywords,
	}
}

func (c CombinerConfig) Validate() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %v outside [0,1]", ErrInvalidConfiguration, name, v)
		}
		return nil
	}
	for _, w := range []struct {
		name string
		v    float64
	}{
		{"vital rule weight", c.VitalRuleWeight},
		{"vital model weight", c.VitalModelWeight},
		{"image override threshold", c.ImageOverrideThreshold},
		{"image model weight", c.ImageModelWeight},
		{"image rule weight", c.ImageRuleWeight},
	} {
		if err := check(w.name, w.v); err != nil {
			return err
		}
	}
	if c.VitalRuleWeight == 0 && c.VitalModelWeight == 0 {
		return fmt.Errorf("%w: vital weights cannot both be zero", ErrInvalidConfiguration)
	}
	if c.ImageRuleWeight == 0 && c.ImageModelWeight == 0 {
		return fmt.Errorf("%w: image weights cannot both be zero", ErrInvalidConfiguration)
	}
	if c.MinSharedKeywords < 1 {
		return fmt.Errorf("%w: min shared keywords must be at least 1", ErrInvalidConfiguration)
	}
	return nil
}

// Combiner merges rule and model output per domain. It is the failure
// boundary for the model: model errors are logged and never returned.
type Combiner struct {
	cfg    CombinerConfig
	rules  *RuleScorer
	model  *ModelScorer
	dedup  *Deduper
	logger zerolog.Logger
}

func NewCombiner(cfg CombinerConfig, rules *RuleScorer, model *ModelScorer, logger zerolog.Logger) (*Combiner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rules == nil {
		return nil, fmt.Errorf("%w: rule scorer is required", ErrInvalidConfiguration)
	}
	if model == nil {
		model = NewModelScorer(nil, DefaultModelConfig())
	}

	logger = logger.With().Str("component", "combiner").Logger()
	if s := cfg.VitalRuleWeight + cfg.VitalModelWeight; math.Abs(s-1) > 1e-9 {
		logger.Warn().Float64("sum", s).Msg("vital weights do not sum to 1; blended scores are clamped to [0,1]")
	}
	if s := cfg.ImageRuleWeight + cfg.ImageModelWeight; math.Abs(s-1) > 1e-9 {
		logger.Warn().Float64("sum", s).Msg("image weights do not sum to 1; blended scores are clamped to [0,1]")
	}

	return &Combiner{
		cfg:    cfg,
		rules:  rules,
		model:  model,
		dedup:  NewDeduper(rules.Rules().Vocabulary, cfg.MinSharedKeywords),
		logger: logger,
	}, nil
}

func (c *Combiner) Config() CombinerConfig { return c.cfg }

func (c *Combiner) warnUnavailable(domain, patientID string, err error) {
	evt := c.logger.Warn().Str("domain", domain).Str("patient_id", patientID)
	var ue *UnavailableError
	if errors.As(err, &ue) {
		evt = evt.Str("model", ue.Model).Str("reason", ue.Reason)
		if ue.Err != nil {
			evt = evt.AnErr("cause", ue.Err)
		}
	} else {
		evt = evt.Str("model", c.model.Name()).Str("reason", ReasonRuntime).Err(err)
	}
	evt.Msg("model output unavailable; falling back to rules")
}

// CombineVitals blends rule and model vital risk. Without model output the
// result is the rule result tagged LineageRules.
func (c *Combiner) CombineVitals(ctx context.Context, patientID string, readings []VitalReading, patient PatientContext) RiskAssessment {
	var (
		ruleRes  Result
		modelRes *Result
		modelErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ruleRes = c.rules.AssessVitals(readings, patient)
		return nil
	})
	if len(readings) > 0 {
		g.Go(func() error {
			r, err := c.model.Vitals(gctx, patientID, readings, patient)
			if err != nil {
				modelErr = err
				return nil
			}
			modelRes = &r
			return nil
		})
	}
	_ = g.Wait()

	if modelErr != nil {
		c.warnUnavailable("vitals", patientID, modelErr)
	}

	if modelRes == nil {
		explanation := ruleRes.Explanation
		if modelErr != nil {
			explanation += " Model output unavailable; rules only."
		}
		return RiskAssessment{
			Level:               RiskLevel(ruleRes.Label),
			Score:               ruleRes.Score,
			ContributingFactors: ruleRes.Factors,
			Explanation:         explanation,
			Source:              LineageRules,
			RuleScore:           ruleRes.Score,
		}
	}

	blended := roundScore(clamp01(c.cfg.VitalRuleWeight*ruleRes.Score + c.cfg.VitalModelWeight*modelRes.Score))
	level := LevelForScore(blended)
	modelScore := modelRes.Score

	return RiskAssessment{
		Level:               level,
		Score:               blended,
		ContributingFactors: mergeFactors(ruleRes.Factors, modelRes.Factors),
		Explanation: fmt.Sprintf("Rules: %s Model: %s Blended score %.2f (rules %.2f x %.2f + model %.2f x %.2f) gives %s.",
			ruleRes.Explanation, modelRes.Explanation, blended,
			ruleRes.Score, c.cfg.VitalRuleWeight, modelRes.Score, c.cfg.VitalModelWeight, level),
		Source:     LineageHybrid,
		RuleScore:  ruleRes.Score,
		ModelScore: &modelScore,
	}
}

// CombineImage applies the confidence-gated override, else a weighted blend
// classified by whichever sub-score is higher (ties go to the rules).
func (c *Combiner) CombineImage(ctx context.Context, patientID string, img ImageInput) ImageFinding {
	var (
		ruleRes  Result
		modelRes *Result
		modelErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ruleRes = c.rules.AssessImage(img)
		return nil
	})
	if len(img.Data) > 0 {
		g.Go(func() error {
			r, err := c.model.Image(gctx, img)
			if err != nil {
				modelErr = err
				return nil
			}
			modelRes = &r
			return nil
		})
	}
	_ = g.Wait()

	if modelErr != nil {
		c.warnUnavailable("image", patientID, modelErr)
	}

	if modelRes == nil {
		explanation := ruleRes.Explanation
		if modelErr != nil {
			explanation += " Model output unavailable; rules only."
		}
		return ImageFinding{
			AbnormalityScore: ruleRes.Score,
			Classification:   ruleRes.Label,
			Explanation:      explanation,
			Source:           LineageRules,
			Method:           MethodRulesOnly,
			RuleScore:        ruleRes.Score,
		}
	}

	modelScore := modelRes.Score
	var heatmap *string
	if modelRes.Heatmap != "" {
		h := modelRes.Heatmap
		heatmap = &h
	}

	if modelRes.Score > c.cfg.ImageOverrideThreshold {
		return ImageFinding{
			AbnormalityScore: modelRes.Score,
			Classification:   modelRes.Label,
			HeatmapReference: heatmap,
			Explanation: fmt.Sprintf("Model confidence %.2f exceeds %.2f; model classification %s overrides rules (%s, %.2f). %s",
				modelRes.Score, c.cfg.ImageOverrideThreshold, modelRes.Label, ruleRes.Label, ruleRes.Score, modelRes.Explanation),
			Source:     LineageModel,
			Method:     MethodModelOverride,
			RuleScore:  ruleRes.Score,
			ModelScore: &modelScore,
		}
	}

	blended := roundScore(clamp01(c.cfg.ImageModelWeight*modelRes.Score + c.cfg.ImageRuleWeight*ruleRes.Score))
	class := ruleRes.Label
	if modelRes.Score > ruleRes.Score {
		class = modelRes.Label
	}

	return ImageFinding{
		AbnormalityScore: blended,
		Classification:   class,
		HeatmapReference: heatmap,
		Explanation: fmt.Sprintf("Rules: %s Model: %s Blended score %.2f (model %.2f x %.2f + rules %.2f x %.2f); classification %s.",
			ruleRes.Explanation, modelRes.Explanation, blended,
			modelRes.Score, c.cfg.ImageModelWeight, ruleRes.Score, c.cfg.ImageRuleWeight, class),
		Source:     LineageHybrid,
		Method:     MethodWeightedBlend,
		RuleScore:  ruleRes.Score,
		ModelScore: &modelScore,
	}
}

// CombineDiagnoses unions rule and model candidates with keyword dedup.
func (c *Combiner) CombineDiagnoses(ctx context.Context, patientID string, labs []LabResult, readings []VitalReading) []Candidate {
	var (
		ruleCs   []Candidate
		modelCs  []Candidate
		modelErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ruleCs = c.rules.SuggestDiagnoses(labs, readings)
		return nil
	})
	if len(labs) > 0 || len(readings) > 0 {
		g.Go(func() error {
			cs, err := c.model.Diagnoses(gctx, patientID, labs, readings)
			if err != nil {
				modelErr = err
				return nil
			}
			modelCs = cs
			return nil
		})
	}
	_ = g.Wait()

	if modelErr != nil {
		c.warnUnavailable("diagnoses", patientID, modelErr)
	}
	return c.dedup.Merge(ruleCs, modelCs)
}

func mergeFactors(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, f := range append(append([]string{}, a...), b...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

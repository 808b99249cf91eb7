package scoring

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
)

// SimulatedPredictor produces demo and test data only. Its output is
// pseudo-random but seeded from an FNV hash of the entity identifier, so the
// same patient or image always gets the same answer. The hash is a
// determinism device, not a security mechanism.
type SimulatedPredictor struct{}

func NewSimulatedPredictor() *SimulatedPredictor { return &SimulatedPredictor{} }

func (SimulatedPredictor) Name() string { return "simulated" }

func seededRand(domain, id string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(id))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// PredictVitals counts out-of-band vitals on the latest reading and adds a
// seeded jitter of up to +/-0.1.
func (SimulatedPredictor) PredictVitals(_ context.Context, patientID string, readings []VitalReading, _ PatientContext) (Result, error) {
	if len(readings) == 0 {
		return Result{}, fmt.Errorf("no readings")
	}
	rng := seededRand("vitals", patientID)
	latest := SortVitals(readings)[0]

	bands := []struct {
		name   string
		lo, hi float64
	}{
		{"heart_rate", 50, 100},
		{"systolic_bp", 90, 140},
		{"spo2", 94, 101},
		{"respiratory_rate", 10, 22},
		{"temperature", 35, 38},
	}

	var out []string
	for _, b := range bands {
		v, ok := vitalValue(latest, b.name)
		if ok && (v < b.lo || v >= b.hi) {
			out = append(out, "model:"+b.name)
		}
	}

	score := float64(len(out))/float64(len(bands)) + (rng.Float64()-0.5)*0.2
	score = roundScore(clamp01(score))
	if out == nil {
		out = []string{}
	}
	return Result{
		Label:       string(LevelForScore(score)),
		Score:       score,
		Factors:     out,
		Explanation: fmt.Sprintf("Simulated model estimates risk %.2f from %d out-of-band vitals.", score, len(out)),
	}, nil
}

var simulatedImageLabels = []string{ClassPneumonia, ClassEffusion, ClassCardiomegaly, ClassNodule}

func (SimulatedPredictor) PredictImage(_ context.Context, img ImageInput) (Result, error) {
	rng := seededRand("image", img.ID+":"+hashBytes(img.Data))
	score := roundScore(math.Round(rng.Float64()*100) / 100)
	label := ClassNoFinding
	if score >= MediumCut {
		label = simulatedImageLabels[rng.IntN(len(simulatedImageLabels))]
	}
	return Result{
		Label:       label,
		Score:       score,
		Factors:     []string{"model:" + strings.ToLower(strings.ReplaceAll(label, " ", "_"))},
		Explanation: fmt.Sprintf("Simulated image model reports %s with probability %.2f.", label, score),
		Heatmap:     "simulated://heatmap/" + img.ID,
	}, nil
}

// PredictDiagnoses echoes out-of-range labs as model suggestions with a
// seeded confidence in [0.45, 0.85).
func (SimulatedPredictor) PredictDiagnoses(_ context.Context, patientID string, labs []LabResult, _ []VitalReading) ([]Candidate, error) {
	rng := seededRand("diagnoses", patientID)
	out := []Candidate{}
	for _, l := range latestLabs(labs) {
		r, ok := ParseRange(l.ReferenceRange)
		if !ok {
			continue
		}
		word := ""
		switch r.Status(*l.Value) {
		case LabLow:
			word = "deficiency"
		case LabHigh:
			word = "elevation"
		default:
			continue
		}
		conf := roundScore(0.45 + rng.Float64()*0.4)
		out = append(out, Candidate{
			Text:        fmt.Sprintf("Model flags a possible %s %s pattern; clinical review suggested", strings.ToLower(l.Name), word),
			Confidence:  conf,
			Explanation: fmt.Sprintf("Simulated model: %s %s outside %s.", l.Name, formatValue(*l.Value), l.ReferenceRange),
			Source:      LineageModel,
		})
	}
	return out, nil
}

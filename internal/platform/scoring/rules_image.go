package scoring

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// ImageStats are luminance statistics over a sampled grid, all in [0,1].
type ImageStats struct {
	Mean           float64 `json:"mean"`
	StdDev         float64 `json:"stddev"`
	BrightFraction float64 `json:"bright_fraction"`
	Asymmetry      float64 `json:"asymmetry"`
}

func (st ImageStats) metric(name string) float64 {
	switch name {
	case "mean":
		return st.Mean
	case "stddev":
		return st.StdDev
	case "bright_fraction":
		return st.BrightFraction
	case "asymmetry":
		return st.Asymmetry
	}
	return math.NaN()
}

// ErrImageTooManyPixels is returned for images whose header declares more
// pixels than the configured cap. The pixel buffer is never allocated.
var ErrImageTooManyPixels = errors.New("image dimensions exceed pixel limit")

// ComputeImageStats decodes PNG or JPEG data and samples at most
// rules.MaxSamples pixels along each axis. The header is checked against
// rules.MaxPixels before the image is decoded.
func ComputeImageStats(data []byte, rules ImageRules) (ImageStats, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageStats{}, fmt.Errorf("decode image header: %w", err)
	}
	if rules.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(rules.MaxPixels) {
		return ImageStats{}, fmt.Errorf("%w: %dx%d", ErrImageTooManyPixels, cfg.Width, cfg.Height)
	}
	brightLevel, maxSamples := rules.BrightLevel, rules.MaxSamples

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return ImageStats{}, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return ImageStats{}, fmt.Errorf("decode image: empty bounds")
	}

	stepX := (w + maxSamples - 1) / maxSamples
	stepY := (h + maxSamples - 1) / maxSamples
	midX := b.Min.X + w/2

	var all, left, right []float64
	bright := 0
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			lum := float64(g.Y) / 255.0
			all = append(all, lum)
			if lum > brightLevel {
				bright++
			}
			if x < midX {
				left = append(left, lum)
			} else {
				right = append(right, lum)
			}
		}
	}

	st := ImageStats{BrightFraction: float64(bright) / float64(len(all))}
	if len(all) > 1 {
		st.Mean, st.StdDev = stat.MeanStdDev(all, nil)
	} else {
		st.Mean = all[0]
	}
	if len(left) > 0 && len(right) > 0 {
		st.Asymmetry = math.Abs(stat.Mean(left, nil) - stat.Mean(right, nil))
	}
	return st, nil
}

// AssessImage runs the intensity heuristics. Missing or undecodable data
// yields a neutral zero-score result classified normal.
func (s *RuleScorer) AssessImage(img ImageInput) Result {
	if len(img.Data) == 0 {
		return Result{
			Label:       ClassNormal,
			Factors:     []string{},
			Explanation: "No image data available; image heuristics not applied.",
		}
	}

	st, err := ComputeImageStats(img.Data, s.rules.Image)
	if err != nil {
		return Result{
			Label:       ClassNormal,
			Factors:     []string{},
			Explanation: fmt.Sprintf("Image could not be analysed (%v); image heuristics not applied.", err),
		}
	}

	var score float64
	factors := []string{}
	var notes []string
	for _, f := range s.rules.Image.Factors {
		v := st.metric(f.Metric)
		if math.IsNaN(v) || !f.Matches(v) {
			continue
		}
		score += f.Weight
		factors = append(factors, f.Factor)
		notes = append(notes, fmt.Sprintf("%s %.2f", strings.ReplaceAll(f.Metric, "_", " "), v))
	}

	score = roundScore(math.Min(score, 1.0))
	class := ClassForScore(score)

	explanation := fmt.Sprintf("Intensity heuristics classify the image as %s (score %.2f).", class, score)
	if len(notes) > 0 {
		explanation = fmt.Sprintf("Intensity heuristics classify the image as %s (score %.2f): %s.",
			class, score, strings.Join(notes, "; "))
	}

	return Result{
		Label:       class,
		Score:       score,
		Factors:     factors,
		Explanation: explanation,
	}
}

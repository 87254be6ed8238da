// Package quality computes the admission-gate content hash and the
// blur/glare/contrast quality score (design §4.1), mirroring the shape of
// docpipe's ExtractionQuality: a handful of named sub-scores plus a single
// weighted overall figure the caller thresholds against.
package quality

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Score is the result of scoring one image. Overall is the weighted
// combination callers compare against a threshold (admission uses its
// own admission.Config.QualityThreshold).
type Score struct {
	Blur     float64
	Glare    float64
	Contrast float64
	Overall  float64
}

// Below reports whether the score fails the given threshold.
func (s Score) Below(threshold float64) bool { return s.Overall < threshold }

// Compute returns the weighted quality score of img. The image is
// downsampled to at most cfg.DownsampleMaxDim on its longer edge before
// scoring, both for speed and because blur/glare/contrast are scale
// sensitive measures best taken at a fixed working resolution.
func Compute(img image.Image, cfg Config) Score {
	cfg.defaults()

	lum := downsampleLuminance(img, cfg.DownsampleMaxDim)

	blurVar := laplacianVariance(lum)
	blurScore := saturate(blurVar, cfg.BlurVarianceFloor, cfg.BlurVarianceCeil)

	glareFrac := glareFraction(lum, cfg.GlareLuminanceThreshold)
	// Glare is "more is worse": invert the floor/ceil mapping direction.
	glareScore := 100 - saturate(glareFrac, cfg.GlareFractionFloor, cfg.GlareFractionCeil)

	stddev := luminanceStdDev(lum)
	contrastScore := saturate(stddev, cfg.ContrastStdDevFloor, cfg.ContrastStdDevCeil)

	overall := cfg.BlurWeight*blurScore + cfg.GlareWeight*glareScore + cfg.ContrastWeight*contrastScore

	return Score{
		Blur:     blurScore,
		Glare:    glareScore,
		Contrast: contrastScore,
		Overall:  clamp(overall, 0, 100),
	}
}

// saturate maps x linearly from [floor, ceil] to [0, 100], clamping at the
// ends — the shared shape behind the blur and contrast mappings.
func saturate(x, floor, ceil float64) float64 {
	if ceil <= floor {
		return 0
	}
	v := (x - floor) / (ceil - floor) * 100
	return clamp(v, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// downsampleLuminance converts img to a maxDim-bounded grayscale buffer of
// raw luminance values (0-255 range, stored as float64 for the variance
// and stddev math downstream).
func downsampleLuminance(img image.Image, maxDim int) [][]float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	dstW, dstH := w, h
	if longer := max(w, h); longer > maxDim && maxDim > 0 {
		scale := float64(maxDim) / float64(longer)
		dstW = max(1, int(float64(w)*scale))
		dstH = max(1, int(float64(h)*scale))
	}

	dst := image.NewGray(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	lum := make([][]float64, dstH)
	for y := 0; y < dstH; y++ {
		row := make([]float64, dstW)
		for x := 0; x < dstW; x++ {
			row[x] = float64(dst.GrayAt(x, y).Y)
		}
		lum[y] = row
	}
	return lum
}

// laplacianVariance computes the variance of a 3x3 discrete Laplacian
// response over lum — the standard "variance of Laplacian" blur estimator:
// sharp edges produce high-magnitude responses, a blurred image flattens
// them, so low variance means more blur.
func laplacianVariance(lum [][]float64) float64 {
	h := len(lum)
	if h < 3 {
		return 0
	}
	w := len(lum[0])
	if w < 3 {
		return 0
	}

	var responses []float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			v := -4*lum[y][x] + lum[y-1][x] + lum[y+1][x] + lum[y][x-1] + lum[y][x+1]
			responses = append(responses, v)
		}
	}
	if len(responses) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range responses {
		mean += r
	}
	mean /= float64(len(responses))

	var variance float64
	for _, r := range responses {
		d := r - mean
		variance += d * d
	}
	return variance / float64(len(responses))
}

// glareFraction returns the fraction of pixels whose luminance is at or
// above threshold (design default 245 of 255).
func glareFraction(lum [][]float64, threshold float64) float64 {
	total, bright := 0, 0
	for _, row := range lum {
		for _, v := range row {
			total++
			if v >= threshold {
				bright++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(bright) / float64(total)
}

// luminanceStdDev returns the population standard deviation of luminance
// across lum — low values mean a flat, low-contrast capture.
func luminanceStdDev(lum [][]float64) float64 {
	total, n := 0.0, 0
	for _, row := range lum {
		for _, v := range row {
			total += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := total / float64(n)

	var sq float64
	for _, row := range lum {
		for _, v := range row {
			d := v - mean
			sq += d * d
		}
	}
	return math.Sqrt(sq / float64(n))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

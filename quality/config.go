package quality

// Config tunes the weighted quality heuristic. Weights and saturation
// points are deliberately configuration, not constants, so operators can
// retune per fleet/camera without a code change.
type Config struct {
	// BlurWeight, GlareWeight, ContrastWeight sum to 1.0 in the default
	// configuration (0.4 / 0.3 / 0.3) but are not enforced to.
	BlurWeight     float64
	GlareWeight    float64
	ContrastWeight float64

	// BlurVarianceFloor/Ceil map Laplacian variance to a 0-100 blur score:
	// variance <= Floor -> 0, variance >= Ceil -> 100, linear between.
	BlurVarianceFloor float64
	BlurVarianceCeil  float64

	// GlareLuminanceThreshold is the luminance (0-255) above which a pixel
	// counts as "glare". GlareFractionFloor/Ceil map the glare pixel
	// fraction to score: fraction >= Ceil -> 0, fraction <= Floor -> 100.
	GlareLuminanceThreshold float64
	GlareFractionFloor      float64
	GlareFractionCeil       float64

	// ContrastStdDevFloor/Ceil map luminance standard deviation to score:
	// stddev <= Floor -> 0, stddev >= Ceil -> 100.
	ContrastStdDevFloor float64
	ContrastStdDevCeil  float64

	// DownsampleMaxDim bounds the longer edge of the luminance image used
	// for scoring; large uploads are downsampled first so the heuristic
	// stays within the admission phase's time budget.
	DownsampleMaxDim int

	// AdmissionThreshold is a default overall-score threshold (70).
	// Compute does not use it, and admission.Controller thresholds against
	// its own admission.Config.QualityThreshold instead.
	AdmissionThreshold float64
}

func (c *Config) defaults() {
	if c.BlurWeight == 0 && c.GlareWeight == 0 && c.ContrastWeight == 0 {
		c.BlurWeight, c.GlareWeight, c.ContrastWeight = 0.4, 0.3, 0.3
	}
	if c.BlurVarianceCeil == 0 {
		c.BlurVarianceFloor, c.BlurVarianceCeil = 20, 500
	}
	if c.GlareFractionCeil == 0 {
		c.GlareLuminanceThreshold = 245
		c.GlareFractionFloor, c.GlareFractionCeil = 0.005, 0.05
	}
	if c.ContrastStdDevCeil == 0 {
		c.ContrastStdDevFloor, c.ContrastStdDevCeil = 10, 60
	}
	if c.DownsampleMaxDim == 0 {
		c.DownsampleMaxDim = 512
	}
	if c.AdmissionThreshold == 0 {
		c.AdmissionThreshold = 70
	}
}

// DefaultConfig returns the configuration described in the design's
// default weights and saturation points.
func DefaultConfig() Config {
	var c Config
	c.defaults()
	return c
}

// Package ocr implements the OCR engine registry (design §4.4): capability
// declaration, policy-driven candidate ordering, per-engine timeout, and
// the confidence-floor winner selection. Hot reload is grounded on
// mcprt.Registry's SQLite-backed registry + watch.Watcher idiom.
package ocr

import (
	"context"
	"time"

	"github.com/portside/receiving/domain"
)

// Capabilities is what an engine declares about itself at registration.
type Capabilities struct {
	EngineID          string
	AccuracyTier      int // higher is better
	MemoryEnvelopeMiB int
	TypicalLatencyMs  int
	CostPerPage       float64
	SupportsPDFRaster bool
	Enabled           bool
}

// Engine is the OCREngine collaborator (design §6). Implementations must
// be side-effect free and return promptly when ctx is cancelled — the
// registry, not the engine, owns timeouts.
type Engine interface {
	Describe() Capabilities
	Run(ctx context.Context, body []byte, mime string, deadline time.Time) (*domain.OCRResult, error)
}

// confidenceFloor is the default mean_confidence an OCRResult must clear
// to be accepted outright (design §4.4).
const confidenceFloor = 0.50

// minEngineTimeout is the design's floor on the per-call timeout
// (3 x typical_latency_ms, never less than 5s).
const minEngineTimeout = 5 * time.Second

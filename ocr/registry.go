package ocr

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/errs"
	"github.com/portside/receiving/watch"
)

// Schema creates the ocr_engines table a Registry can hot-reload from.
// Engines still register their Go implementation in-process via
// RegisterEngine; this table overrides their declared capabilities
// without a redeploy, the same separation mcprt.Registry draws
// between registered Go functions and their SQL-editable metadata.
const Schema = `
CREATE TABLE IF NOT EXISTS ocr_engines (
	engine_id           TEXT PRIMARY KEY,
	accuracy_tier       INTEGER NOT NULL,
	memory_envelope_mib INTEGER NOT NULL,
	typical_latency_ms  INTEGER NOT NULL,
	cost_per_page       REAL NOT NULL,
	supports_pdf_raster INTEGER NOT NULL DEFAULT 0,
	enabled             INTEGER NOT NULL DEFAULT 1
);
`

// Registry holds registered engines and produces ordered candidate lists
// per design §4.4's selection policy.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	caps    map[string]Capabilities // overridden by DB policy on Reload

	db      *sql.DB
	watcher *watch.Watcher
	logger  *slog.Logger
}

// Config configures a Registry.
type Config struct {
	DB     *sql.DB // optional; enables Reload/Watch
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates an empty Registry. Call RegisterEngine for each engine
// before Select/Invoke.
func New(cfg Config) *Registry {
	cfg.defaults()
	return &Registry{
		engines: make(map[string]Engine),
		caps:    make(map[string]Capabilities),
		db:      cfg.DB,
		logger:  cfg.Logger,
	}
}

// RegisterEngine adds an engine under its own declared capabilities. A
// later Reload may replace those capabilities from the ocr_engines table
// without requiring re-registration.
func (r *Registry) RegisterEngine(e Engine) {
	caps := e.Describe()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[caps.EngineID] = e
	r.caps[caps.EngineID] = caps
}

// Reload replaces each registered engine's capabilities (accuracy tier,
// memory envelope, latency, cost per page, PDF raster support, enabled)
// with its ocr_engines row, leaving registered Go implementations untouched.
// Rows with no matching registered engine are ignored.
func (r *Registry) Reload(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT engine_id, accuracy_tier, memory_envelope_mib, typical_latency_ms, cost_per_page, supports_pdf_raster, enabled FROM ocr_engines`)
	if err != nil {
		return fmt.Errorf("ocr: reload query: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var c Capabilities
		var raster, enabled int
		if err := rows.Scan(&c.EngineID, &c.AccuracyTier, &c.MemoryEnvelopeMiB, &c.TypicalLatencyMs, &c.CostPerPage, &raster, &enabled); err != nil {
			return fmt.Errorf("ocr: reload scan: %w", err)
		}
		if _, registered := r.engines[c.EngineID]; !registered {
			continue
		}
		c.SupportsPDFRaster = raster != 0
		c.Enabled = enabled != 0
		r.caps[c.EngineID] = c
	}
	return rows.Err()
}

// Watch starts a background poll-and-reload loop using PRAGMA data_version
// change detection, the same idiom mcprt.Registry.RunWatcher uses. It
// blocks until ctx is cancelled; call it in a goroutine.
func (r *Registry) Watch(ctx context.Context) {
	if r.db == nil {
		return
	}
	r.watcher = watch.New(r.db, watch.Options{Interval: 2 * time.Second, Logger: r.logger})
	r.watcher.OnChange(ctx, func() error { return r.Reload(ctx) })
}

// candidates returns the ordered candidate list per design §4.4 step 1-2:
// filter to enabled engines within the memory envelope, then sort by
// descending accuracy tier, ascending cost, ascending latency.
func (r *Registry) candidates(availableMiB int) []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capabilities, 0, len(r.caps))
	for _, c := range r.caps {
		if !c.Enabled || c.MemoryEnvelopeMiB > availableMiB {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AccuracyTier != b.AccuracyTier {
			return a.AccuracyTier > b.AccuracyTier
		}
		if a.CostPerPage != b.CostPerPage {
			return a.CostPerPage < b.CostPerPage
		}
		return a.TypicalLatencyMs < b.TypicalLatencyMs
	})
	return out
}

// Invoke runs candidates in selection order, applying each one's per-call
// timeout (3 x typical_latency_ms, floor 5s). The first result clearing
// confidenceFloor wins outright; otherwise the best-scoring attempt is
// returned flagged LowConfidence.
func (r *Registry) Invoke(ctx context.Context, body []byte, mime string, availableMiB int) (*domain.OCRResult, error) {
	cands := r.candidates(availableMiB)
	if len(cands) == 0 {
		return nil, errs.New(errs.OCRFailed, "no enabled OCR engine fits the %d MiB envelope", availableMiB)
	}

	var best *domain.OCRResult
	var anySucceeded bool

	for _, c := range cands {
		r.mu.RLock()
		engine := r.engines[c.EngineID]
		r.mu.RUnlock()
		if engine == nil {
			continue
		}

		timeout := time.Duration(3*c.TypicalLatencyMs) * time.Millisecond
		if timeout < minEngineTimeout {
			timeout = minEngineTimeout
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		deadline, _ := callCtx.Deadline()

		result, err := engine.Run(callCtx, body, mime, deadline)
		cancel()
		if err != nil {
			r.logger.WarnContext(ctx, "ocr: engine failed", "engine_id", c.EngineID, "error", err)
			continue
		}
		anySucceeded = true

		if result.MeanConfidence >= confidenceFloor {
			return result, nil
		}
		if best == nil || result.MeanConfidence > best.MeanConfidence {
			best = result
		}
	}

	if !anySucceeded {
		return nil, errs.New(errs.OCRFailed, "all %d candidate engines failed", len(cands))
	}
	best.LowConfidence = true
	return best, nil
}

// Package pipeline implements the per-artifact orchestrator (design
// §4.13): admit → extract → parse → plan/normalise loop → reconcile →
// append draft lines, behind a bounded per-tenant work queue. Grounded on
// connectivity/router.go's dispatch-loop shape for the worker pool and
// observability/metrics.go's buffered batch-flush for the async phase
// timing this package emits (supplemented feature, see SPEC_FULL.md).
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/portside/receiving/costplan"
	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/errs"
	"github.com/portside/receiving/llm"
	"github.com/portside/receiving/observability"
	"github.com/portside/receiving/ocr"
	"github.com/portside/receiving/pdftext"
	"github.com/portside/receiving/reconcile"
	"github.com/portside/receiving/rowparser"
	"github.com/portside/receiving/sessionstore"
)

// Deadlines per phase (design §5).
const (
	ParseDeadline      = 1 * time.Second
	LLMCallDeadline    = 30 * time.Second
	CommitDeadline     = 10 * time.Second
	DefaultAvailableMiB = 512
)

// Job is one artifact's pipeline work item.
type Job struct {
	TenantID   string
	SessionID  string
	Artifact   *domain.Artifact
	Body       []byte
	ActorID    string
}

// Config tunes the orchestrator. Mirrors docpipe.Config's defaults() idiom.
type Config struct {
	QueueCapacityPerTenant int
	AvailableMiB           int
	Prices                 costplan.PriceTable
	Logger                 *slog.Logger
}

func (c *Config) defaults() {
	if c.QueueCapacityPerTenant <= 0 {
		c.QueueCapacityPerTenant = 100
	}
	if c.AvailableMiB <= 0 {
		c.AvailableMiB = DefaultAvailableMiB
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator drives the per-artifact lifecycle across a pool of
// per-tenant worker queues.
type Orchestrator struct {
	cfg       Config
	ocrReg    *ocr.Registry
	normaliser *llm.Normaliser
	catalog   reconcile.Catalog
	sessions  *sessionstore.Store
	metrics   *observability.MetricsManager

	mu     sync.Mutex
	queues map[string]chan Job
}

// New constructs an Orchestrator. metrics may be nil to disable phase
// timing entirely.
func New(cfg Config, ocrReg *ocr.Registry, normaliser *llm.Normaliser, catalog reconcile.Catalog, sessions *sessionstore.Store, metrics *observability.MetricsManager) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		cfg: cfg, ocrReg: ocrReg, normaliser: normaliser, catalog: catalog, sessions: sessions, metrics: metrics,
		queues: make(map[string]chan Job),
	}
}

// Submit enqueues job on its tenant's bounded queue, spawning that
// tenant's worker goroutine on first use. Returns errs.QueueFull on
// overflow instead of blocking, so callers decide retry policy (design
// §4.13's back-pressure requirement).
func (o *Orchestrator) Submit(ctx context.Context, job Job) error {
	q := o.queueFor(job.TenantID)
	select {
	case q <- job:
		return nil
	default:
		return errs.New(errs.QueueFull, "tenant %s work queue is full (capacity %d)", job.TenantID, o.cfg.QueueCapacityPerTenant)
	}
}

func (o *Orchestrator) queueFor(tenantID string) chan Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[tenantID]
	if !ok {
		q = make(chan Job, o.cfg.QueueCapacityPerTenant)
		o.queues[tenantID] = q
		go o.worker(tenantID, q)
	}
	return q
}

func (o *Orchestrator) worker(tenantID string, q chan Job) {
	for job := range q {
		// A dead background context per job: the caller submitted and moved
		// on, so the orchestrator owns cancellation from here via its own
		// per-phase deadlines rather than inheriting the submitter's ctx.
		ctx := context.Background()
		if err := o.process(ctx, job); err != nil {
			o.cfg.Logger.Error("pipeline: job failed", "tenant_id", tenantID, "session_id", job.SessionID, "artifact_id", job.Artifact.ArtifactID, "error", err)
		}
	}
}

// process runs one artifact through extract → parse → plan/normalise →
// reconcile → append, recording the whole job's duration as
// pipeline_job_ms.
func (o *Orchestrator) process(ctx context.Context, job Job) error {
	start := time.Now()
	defer func() { o.record("pipeline_job_ms", time.Since(start)) }()

	ocrResult, err := o.extract(ctx, job)
	if err != nil {
		return fmt.Errorf("pipeline: extract: %w", err)
	}

	parseCtx, cancel := context.WithTimeout(ctx, ParseDeadline)
	parsed := rowparser.Parse(ocrResult)
	cancel()
	_ = parseCtx // rowparser.Parse is pure/in-memory; the deadline bounds intent, not a blocking call

	lines, decisions, ledger, err := o.planAndNormalise(ctx, job, ocrResult, parsed)
	if err != nil {
		return fmt.Errorf("pipeline: plan/normalise: %w", err)
	}

	if err := o.sessions.ApplyLedgerUsage(ctx, job.SessionID, ledger); err != nil {
		return fmt.Errorf("pipeline: apply ledger usage: %w", err)
	}

	if err := o.reconcileAndAppend(ctx, job, lines, decisions); err != nil {
		return fmt.Errorf("pipeline: reconcile/append: %w", err)
	}

	return nil
}

// extract runs the C5/C4 text path: pdftext for PDFs (falling back to the
// OCR registry's raw-bytes invocation when no page carries an embedded
// text layer this process can rasterise), the OCR registry directly for
// image kinds.
func (o *Orchestrator) extract(ctx context.Context, job Job) (*domain.OCRResult, error) {
	if job.Artifact.Mime == "application/pdf" {
		res, err := pdftext.Extract(bytes.NewReader(job.Body))
		if err != nil {
			return nil, errs.Wrap(errs.OCRFailed, err, "pdf text extraction")
		}
		if res.OCR != nil {
			return res.OCR, nil
		}
		o.cfg.Logger.Warn("pdftext: no page had an embedded text layer, falling back to OCR registry", "artifact_id", job.Artifact.ArtifactID, "pages_needing_raster", res.NeedsRaster)
	}
	return o.ocrReg.Invoke(ctx, job.Body, job.Artifact.Mime, o.cfg.AvailableMiB)
}

// candidate is the unit planAndNormalise hands to reconcile, unifying
// rowparser's deterministic output and the LLM's normalised output behind
// one shape.
type candidate struct {
	Qty         float64
	Unit        string
	Description string
	PartCode    string
	Confidence  float64
}

// planAndNormalise runs costplan's decision loop (design §4.7): accept the
// deterministic parse outright, normalise/escalate through the LLM when
// coverage or structure confidence is weak, or accept a partial result
// once the hard caps are hit.
func (o *Orchestrator) planAndNormalise(ctx context.Context, job Job, ocrResult *domain.OCRResult, parsed rowparser.ParseResult) ([]candidate, []domain.PlannerDecisionRecord, domain.Ledger, error) {
	sess, err := o.sessions.GetSession(ctx, job.SessionID)
	if err != nil {
		return nil, nil, domain.Ledger{}, err
	}
	ledger := sess.Ledger

	cands := fromParsedLines(parsed.Lines)
	signals := costplan.ParseSignals{Coverage: parsed.Coverage, StructureConf: parsed.StructureConf}
	lastConfidence := parsed.StructureConf

	var decisions []domain.PlannerDecisionRecord
	estimatedInputTokens := len(ocrResult.Text) / 4

	for attempt := 0; attempt <= costplan.MaxLLMCalls; attempt++ {
		decision := costplan.Plan(signals, ledger, attempt, lastConfidence, o.cfg.Prices, estimatedInputTokens)
		decisions = append(decisions, domain.PlannerDecisionRecord{
			Stage: string(decision.Stage), Decision: fmt.Sprintf("%+v", decision), LedgerSnapshot: ledger,
		})

		switch decision.Stage {
		case costplan.StageAccept, costplan.StageAcceptPartial:
			return cands, decisions, ledger, nil

		case costplan.StageNormalise, costplan.StageEscalate:
			llmCtx, cancel := context.WithTimeout(ctx, LLMCallDeadline)
			payload, resp, err := o.normaliser.Normalise(llmCtx, decision.Model, decision.MaxTokens, decision.Temperature, llm.TargetLineItems, ocrResult.Text)
			cancel()

			estCost := o.cfg.Prices.EstimateCost(decision.Model, resp.InputTokens, resp.OutputTokens)
			ledger = costplan.ApplyUsage(ledger, resp.InputTokens, resp.OutputTokens, estCost)

			if err != nil {
				o.cfg.Logger.Warn("pipeline: llm normalisation failed", "artifact_id", job.Artifact.ArtifactID, "stage", decision.Stage, "error", err)
				signals.Coverage, signals.StructureConf = 0, 0
				lastConfidence = 0
				continue
			}

			lip, ok := payload.(llm.LineItemsPayload)
			if !ok {
				o.cfg.Logger.Warn("pipeline: unexpected llm payload type", "artifact_id", job.Artifact.ArtifactID)
				continue
			}
			cands = fromLLMLines(lip.Lines)
			signals.Coverage, signals.StructureConf = 1.0, averageConfidence(lip.Lines)
			lastConfidence = signals.StructureConf

		default:
			return cands, decisions, ledger, nil
		}
	}
	return cands, decisions, ledger, nil
}

func fromParsedLines(lines []rowparser.ParsedLine) []candidate {
	out := make([]candidate, 0, len(lines))
	for _, l := range lines {
		out = append(out, candidate{Qty: l.Qty, Unit: l.Unit, Description: l.Description, PartCode: l.PartCode, Confidence: l.ParseConfidence})
	}
	return out
}

func fromLLMLines(lines []llm.LineItem) []candidate {
	out := make([]candidate, 0, len(lines))
	for _, l := range lines {
		out = append(out, candidate{Qty: l.Qty, Unit: l.Unit, Description: l.Description, PartCode: l.PartCode, Confidence: l.Confidence})
	}
	return out
}

func averageConfidence(lines []llm.LineItem) float64 {
	if len(lines) == 0 {
		return 0
	}
	var sum float64
	for _, l := range lines {
		sum += l.Confidence
	}
	return sum / float64(len(lines))
}

// reconcileAndAppend matches each candidate against the tenant's catalog
// (C9) and appends the result as a DraftLine (C10). Cross-artifact
// ordering is preserved: lines append in upload order, no renumbering
// (design §4.13).
func (o *Orchestrator) reconcileAndAppend(ctx context.Context, job Job, cands []candidate, decisions []domain.PlannerDecisionRecord) error {
	if len(cands) == 0 {
		return nil
	}

	snapshotID, err := o.catalog.SnapshotID(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("snapshot id: %w", err)
	}
	parts, err := o.catalog.LookupParts(ctx, job.TenantID, snapshotID)
	if err != nil {
		return fmt.Errorf("lookup parts: %w", err)
	}
	shoppingList, err := o.catalog.ShoppingListOpen(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("shopping list: %w", err)
	}
	recentPOs, err := o.catalog.RecentPOs(ctx, job.TenantID, time.Now().Add(-reconcile.RecentPOWindow))
	if err != nil {
		return fmt.Errorf("recent POs: %w", err)
	}

	// Scenario S5 (design §7/§8): a planner that exhausted its budget/retry
	// caps and fell back to StageAcceptPartial must flag every line from
	// that session for manual review, not just lines that failed to
	// reconcile against the catalog.
	partialAccept := len(decisions) > 0 && decisions[len(decisions)-1].Stage == string(costplan.StageAcceptPartial)

	for i, c := range cands {
		result := reconcile.Reconcile(c.Description, c.PartCode, shoppingList, recentPOs, parts, snapshotID)

		line := &domain.DraftLine{
			LineID:            fmt.Sprintf("%s-%d", job.Artifact.ArtifactID, i+1),
			SessionID:         job.SessionID,
			SourceArtifactID:  job.Artifact.ArtifactID,
			Qty:               c.Qty,
			Unit:              c.Unit,
			Description:       c.Description,
			ExtractedPartCode: c.PartCode,
			SuggestedMatch:    result.Primary,
			AlternativeMatches: result.Alternatives,
			CatalogSnapshotID: result.SnapshotID,
			ParserVersion:     rowparser.PatternBankVersion,
			PlannerDecisions:  decisions,
			NeedsManualReview: result.Primary == nil || partialAccept,
		}
		if err := o.sessions.AppendDraftLine(ctx, line); err != nil {
			return fmt.Errorf("append draft line: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) record(name string, d time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordSimple(name, float64(d.Milliseconds()), "milliseconds")
}

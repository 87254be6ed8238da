// Package domain holds the receiving pipeline's tenant-scoped entities:
// Artifact, OCRResult, Session, DraftLine, ReceivingEvent, and AuditEntry.
// These are plain data types; behaviour lives in the packages that own
// each entity's lifecycle (admission, ocr, sessionstore, commit, audit).
package domain

import "time"

// ArtifactKind is the closed set of upload kinds the admission gate accepts.
type ArtifactKind string

const (
	KindPackingSlip     ArtifactKind = "packing_slip"
	KindShippingLabel   ArtifactKind = "shipping_label"
	KindDiscrepancyPhoto ArtifactKind = "discrepancy_photo"
	KindPartPhoto       ArtifactKind = "part_photo"
)

// Role is a caller's capability tier within a tenant.
type Role string

const (
	RoleCrew    Role = "crew"
	RoleHOD     Role = "hod"
	RoleService Role = "service"
)

// AuthContext is supplied by the transport layer. The core trusts it
// without further validation — see transport/authadapter for an example
// producer.
type AuthContext struct {
	TenantID string
	UserID   string
	Role     Role
}

// Artifact is an uploaded file. Immutable once stored; OCRResults attach
// to it but never mutate it.
type Artifact struct {
	ArtifactID   string
	TenantID     string
	UploaderID   string
	Kind         ArtifactKind
	ContentHash  string // lowercase hex SHA-256 of the raw bytes
	Mime         string
	ByteLen      int64
	Width        int // 0 if not an image
	Height       int
	QualityScore float64 // 0-100
	BlobRef      string
	UploadedAt   time.Time
	DeletedAt    *time.Time
}

// OCRLine is one recognised line within an OCRResult, in document order.
type OCRLine struct {
	Text       string
	BBox       BBox
	Confidence float64
}

// BBox is an axis-aligned bounding box in source-image pixel coordinates.
type BBox struct {
	X0, Y0, X1, Y1 float64
}

// OCRResult is one (artifact, engine) attempt. Append-only: stronger
// engines may be retried against the same artifact, producing another
// OCRResult rather than overwriting the first.
type OCRResult struct {
	ArtifactID     string
	EngineID       string
	Text           string
	MeanConfidence float64
	Lines          []OCRLine
	WordCount      int
	RuntimeMs      int64
	FinishedAt     time.Time
	LowConfidence  bool // set when no candidate cleared the floor
}

// SessionState is a Session's lifecycle state.
type SessionState string

const (
	SessionDraft     SessionState = "draft"
	SessionVerifying SessionState = "verifying"
	SessionCommitted SessionState = "committed"
	SessionAbandoned SessionState = "abandoned"
)

// Ledger is a session's cumulative LLM cost accounting. It only ever grows.
type Ledger struct {
	LLMCalls     int
	InputTokens  int
	OutputTokens int
	MoneySpent   float64 // dollars
}

// Session is a unit of receiving work scoped to one tenant.
type Session struct {
	SessionID   string
	TenantID    string
	CreatedBy   string
	State       SessionState
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CommittedAt *time.Time
	CommittedBy string
	Ledger      Ledger
}

// Match is a candidate catalog part for a parsed line.
type Match struct {
	PartID      string
	Score       float64
	ReasonCodes []string
}

// Discrepancy records an exception noted against a draft line during
// verification (damaged goods, missing goods, wrong item, …).
type Discrepancy struct {
	Kind              string // "damaged", "missing", "wrong_item", ...
	Note              string
	EvidenceArtifactIDs []string
}

// RequiresEvidence reports whether d's kind requires at least one
// evidence artifact before the owning session may commit. Per the design,
// only damaged/missing discrepancies are gated; this must not be loosened
// or tightened beyond that.
func (d Discrepancy) RequiresEvidence() bool {
	return d.Kind == "damaged" || d.Kind == "missing"
}

// PlannerDecisionRecord is a compact, reproducible trace of one C7
// decision, recorded on the owning DraftLine for post-hoc audit.
type PlannerDecisionRecord struct {
	Stage          string // "accept", "normalise", "escalate", "accept_partial"
	Decision       string
	LedgerSnapshot Ledger
}

// DraftLine is a candidate inventory line awaiting verification.
type DraftLine struct {
	LineID            string
	SessionID         string
	SourceArtifactID  string
	LineNo            int
	Qty               float64
	Unit              string
	Description       string
	ExtractedPartCode string

	SuggestedMatch     *Match
	AlternativeMatches []Match
	CatalogSnapshotID  string
	ParserVersion      string
	PlannerDecisions   []PlannerDecisionRecord

	Verified         bool
	VerifiedBy       string
	VerifiedAt       *time.Time
	OverridePartID   string
	Discrepancy      *Discrepancy
	NeedsManualReview bool
}

// LineSnapshot freezes a DraftLine's committed fields into a ReceivingEvent.
type LineSnapshot struct {
	LineNo      int
	PartID      string
	Qty         float64
	Unit        string
	Description string
	UnitPrice   float64 // 0 if unknown
}

// ReceivingEvent is the immutable outcome of a commit. One per session,
// for life.
type ReceivingEvent struct {
	EventID       string
	TenantID      string
	SessionID     string
	CommittedBy   string
	CommittedAt   time.Time
	LineCount     int
	LineSnapshots []LineSnapshot
}

// AuditEntry is one append-only, hash-chained record. See package audit
// for the chaining and verification logic.
type AuditEntry struct {
	Seq         int64
	TenantID    string
	ActorID     string
	Action      string
	Target      string
	PrevHash    string
	PayloadHash string
	EntryHash   string
	RecordedAt  time.Time
}

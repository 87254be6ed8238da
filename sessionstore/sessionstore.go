// Package sessionstore owns the draft-session state machine and its
// SQLite-backed persistence (design §4.10), grounded on the CRUD/migrate
// shape of the teacher's dossier store.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/portside/receiving/dbopen"
	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/errs"
)

// DefaultAbandonTTL is how long a draft/verifying session may sit idle
// before auto-abandonment (design §4.10).
const DefaultAbandonTTL = 72 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id     TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    created_by     TEXT NOT NULL,
    state          TEXT NOT NULL,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    committed_at   TEXT,
    committed_by   TEXT,
    llm_calls      INTEGER NOT NULL DEFAULT 0,
    input_tokens   INTEGER NOT NULL DEFAULT 0,
    output_tokens  INTEGER NOT NULL DEFAULT 0,
    money_spent    REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS draft_lines (
    line_id             TEXT PRIMARY KEY,
    session_id          TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    source_artifact_id  TEXT NOT NULL,
    line_no             INTEGER NOT NULL,
    qty                 REAL NOT NULL,
    unit                TEXT NOT NULL,
    description         TEXT NOT NULL,
    extracted_part_code TEXT,
    suggested_match     TEXT,
    alternative_matches TEXT,
    catalog_snapshot_id TEXT,
    parser_version      TEXT,
    planner_decisions   TEXT,
    verified            INTEGER NOT NULL DEFAULT 0,
    verified_by         TEXT,
    verified_at         TEXT,
    override_part_id    TEXT,
    discrepancy         TEXT,
    needs_manual_review INTEGER NOT NULL DEFAULT 0,
    UNIQUE (session_id, line_no)
);

CREATE INDEX IF NOT EXISTS idx_sessions_tenant_state ON sessions(tenant_id, state);
CREATE INDEX IF NOT EXISTS idx_draft_lines_session ON draft_lines(session_id, line_no);
`

// Store persists sessions and their draft lines.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the session store database at path.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open: %w", err)
	}
	if path == ":memory:" {
		// Each new connection to ":memory:" is its own empty database;
		// pin the pool to one connection so all callers see the same data.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db}, nil
}

// OpenDB wraps an already-opened, already-migrated *sql.DB.
func OpenDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sessionstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB so other packages (commit, audit) can
// share one physical database and participate in the same transaction.
func (s *Store) DB() *sql.DB { return s.db }

// CanTransition reports whether from -> to is a legal session transition
// (design §4.10's state diagram). This is intentionally pure so it can be
// unit tested without a database.
func CanTransition(from, to domain.SessionState) bool {
	switch from {
	case domain.SessionDraft:
		return to == domain.SessionVerifying || to == domain.SessionAbandoned
	case domain.SessionVerifying:
		return to == domain.SessionCommitted || to == domain.SessionAbandoned
	default:
		return false // committed and abandoned are terminal
	}
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// CreateSession inserts a new draft session. Called by the HTTP and MCP
// transports' create-session handlers.
func (s *Store) CreateSession(ctx context.Context, sessionID, tenantID, createdBy string) (*domain.Session, error) {
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, tenant_id, created_by, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, tenantID, createdBy, domain.SessionDraft, now, now)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: create session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

// GetSession loads a session by id, or returns an errs.Internal error
// (not wrapping sql.ErrNoRows) if it does not exist.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.getSessionTx(ctx, s.db, sessionID)
}

// querier is satisfied by both *sql.DB and *sql.Tx, so commit's engine can
// pass its own in-flight transaction into these helpers.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetSessionTx reads a session using any querier (a *sql.DB or an
// in-flight *sql.Tx), so callers can include it in a larger transaction.
func (s *Store) GetSessionTx(ctx context.Context, q querier, sessionID string) (*domain.Session, error) {
	return s.getSessionTx(ctx, q, sessionID)
}

func (s *Store) getSessionTx(ctx context.Context, q querier, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	var createdAt, updatedAt string
	var committedAt, committedBy sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT session_id, tenant_id, created_by, state, created_at, updated_at, committed_at, committed_by,
		        llm_calls, input_tokens, output_tokens, money_spent
		 FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.TenantID, &sess.CreatedBy, &sess.State, &createdAt, &updatedAt,
		&committedAt, &committedBy, &sess.Ledger.LLMCalls, &sess.Ledger.InputTokens, &sess.Ledger.OutputTokens, &sess.Ledger.MoneySpent)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.Internal, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: get session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if committedAt.Valid {
		t, _ := time.Parse(time.RFC3339, committedAt.String)
		sess.CommittedAt = &t
	}
	sess.CommittedBy = committedBy.String
	return &sess, nil
}

// Transition moves a session from its current state to `to`, rejecting the
// call with errs.SessionStateViolation if the transition is not legal for
// whatever state the row is currently in.
func (s *Store) Transition(ctx context.Context, sessionID string, to domain.SessionState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessionstore: begin: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if !CanTransition(sess.State, to) {
		return errs.New(errs.SessionStateViolation, "cannot transition session %s from %s to %s", sessionID, sess.State, to)
	}

	now := nowRFC3339()
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state = ?, updated_at = ? WHERE session_id = ?`, to, now, sessionID); err != nil {
		return fmt.Errorf("sessionstore: transition: %w", err)
	}
	return tx.Commit()
}

// MarkCommittedTx transitions a session straight to committed within the
// caller's own transaction (used only by the commit engine, which has
// already validated the verifying->committed edge and re-read the row
// under lock itself).
func (s *Store) MarkCommittedTx(ctx context.Context, tx querier, sessionID, committedBy string, committedAt time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, committed_at = ?, committed_by = ?, updated_at = ? WHERE session_id = ?`,
		domain.SessionCommitted, committedAt.Format(time.RFC3339), committedBy, committedAt.Format(time.RFC3339), sessionID)
	return err
}

// MarkFirstVerification transitions draft -> verifying exactly once, no-op
// if the session is already past draft (design: "draft -> verifying on the
// first successful line verification").
func (s *Store) MarkFirstVerification(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sess, err := s.getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if sess.State != domain.SessionDraft {
		return tx.Commit() // already verifying/committed/abandoned: no-op
	}
	now := nowRFC3339()
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state = ?, updated_at = ? WHERE session_id = ?`, domain.SessionVerifying, now, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Abandon transitions {draft,verifying} -> abandoned.
func (s *Store) Abandon(ctx context.Context, sessionID string) error {
	return s.Transition(ctx, sessionID, domain.SessionAbandoned)
}

// AbandonStale auto-abandons every draft/verifying session whose
// updated_at is older than ttl, returning the abandoned session ids.
func (s *Store) AbandonStale(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE state IN (?, ?) AND updated_at < ?`,
		domain.SessionDraft, domain.SessionVerifying, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.Abandon(ctx, id); err != nil && errs.KindOf(err) != errs.SessionStateViolation {
			return nil, err
		}
	}
	return ids, nil
}

// ApplyLedgerUsage persists an updated cost ledger (costplan.ApplyUsage's
// result) against the session row.
func (s *Store) ApplyLedgerUsage(ctx context.Context, sessionID string, ledger domain.Ledger) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET llm_calls = ?, input_tokens = ?, output_tokens = ?, money_spent = ?, updated_at = ?
		 WHERE session_id = ?`,
		ledger.LLMCalls, ledger.InputTokens, ledger.OutputTokens, ledger.MoneySpent, nowRFC3339(), sessionID)
	return err
}

// AppendDraftLine appends one line to a session. line.LineNo is assigned
// as the next value after the session's current max (append order per
// design §5 — "DraftLine line_no reflects append order" — and cross-
// artifact lines are never renumbered).
func (s *Store) AppendDraftLine(ctx context.Context, line *domain.DraftLine) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxLineNo sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(line_no) FROM draft_lines WHERE session_id = ?`, line.SessionID).Scan(&maxLineNo); err != nil {
		return err
	}
	line.LineNo = int(maxLineNo.Int64) + 1

	suggestedJSON, _ := json.Marshal(line.SuggestedMatch)
	altJSON, _ := json.Marshal(line.AlternativeMatches)
	discJSON, _ := json.Marshal(line.Discrepancy)
	decisionsJSON, _ := json.Marshal(line.PlannerDecisions)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO draft_lines (line_id, session_id, source_artifact_id, line_no, qty, unit, description,
		                          extracted_part_code, suggested_match, alternative_matches, catalog_snapshot_id,
		                          parser_version, planner_decisions, needs_manual_review, discrepancy)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		line.LineID, line.SessionID, line.SourceArtifactID, line.LineNo, line.Qty, line.Unit, line.Description,
		line.ExtractedPartCode, string(suggestedJSON), string(altJSON), line.CatalogSnapshotID,
		line.ParserVersion, string(decisionsJSON), boolToInt(line.NeedsManualReview), string(discJSON))
	if err != nil {
		return fmt.Errorf("sessionstore: append draft line: %w", err)
	}
	return tx.Commit()
}

// VerifyLine marks a draft line verified and, if this is the session's
// first verified line, transitions the session draft -> verifying.
func (s *Store) VerifyLine(ctx context.Context, sessionID, lineID, verifiedBy string, overridePartID string, discrepancy *domain.Discrepancy) error {
	if discrepancy != nil && discrepancy.RequiresEvidence() && len(discrepancy.EvidenceArtifactIDs) == 0 {
		return errs.New(errs.SessionStateViolation, "discrepancy kind %q requires at least one evidence artifact", discrepancy.Kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sess, err := s.getSessionTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if sess.State != domain.SessionDraft && sess.State != domain.SessionVerifying {
		return errs.New(errs.SessionStateViolation, "cannot verify a line on a %s session", sess.State)
	}

	discJSON, _ := json.Marshal(discrepancy)
	now := nowRFC3339()
	if _, err := tx.ExecContext(ctx,
		`UPDATE draft_lines SET verified = 1, verified_by = ?, verified_at = ?, override_part_id = ?, discrepancy = ?
		 WHERE line_id = ? AND session_id = ?`,
		verifiedBy, now, overridePartID, string(discJSON), lineID, sessionID); err != nil {
		return err
	}

	if sess.State == domain.SessionDraft {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state = ?, updated_at = ? WHERE session_id = ?`, domain.SessionVerifying, now, sessionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListDraftLines returns every line for a session in append (line_no) order.
func (s *Store) ListDraftLines(ctx context.Context, sessionID string) ([]domain.DraftLine, error) {
	return s.ListDraftLinesTx(ctx, s.db, sessionID)
}

// ListDraftLinesTx is ListDraftLines against an arbitrary querier, so the
// commit engine can read lines inside its own transaction.
func (s *Store) ListDraftLinesTx(ctx context.Context, q querier, sessionID string) ([]domain.DraftLine, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT line_id, session_id, source_artifact_id, line_no, qty, unit, description, extracted_part_code,
		        suggested_match, alternative_matches, catalog_snapshot_id, parser_version, planner_decisions,
		        verified, verified_by, verified_at, override_part_id, discrepancy, needs_manual_review
		 FROM draft_lines WHERE session_id = ? ORDER BY line_no`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.DraftLine
	for rows.Next() {
		var l domain.DraftLine
		var extractedPartCode, suggestedJSON, altJSON, discJSON, decisionsJSON sql.NullString
		var verified, needsReview int
		var verifiedBy, verifiedAt, overridePartID sql.NullString
		if err := rows.Scan(&l.LineID, &l.SessionID, &l.SourceArtifactID, &l.LineNo, &l.Qty, &l.Unit, &l.Description,
			&extractedPartCode, &suggestedJSON, &altJSON, &l.CatalogSnapshotID, &l.ParserVersion, &decisionsJSON,
			&verified, &verifiedBy, &verifiedAt, &overridePartID, &discJSON, &needsReview); err != nil {
			return nil, err
		}
		l.ExtractedPartCode = extractedPartCode.String
		l.Verified = verified == 1
		l.NeedsManualReview = needsReview == 1
		l.VerifiedBy = verifiedBy.String
		l.OverridePartID = overridePartID.String
		if verifiedAt.Valid {
			t, _ := time.Parse(time.RFC3339, verifiedAt.String)
			l.VerifiedAt = &t
		}
		if suggestedJSON.Valid && suggestedJSON.String != "null" {
			_ = json.Unmarshal([]byte(suggestedJSON.String), &l.SuggestedMatch)
		}
		if altJSON.Valid {
			_ = json.Unmarshal([]byte(altJSON.String), &l.AlternativeMatches)
		}
		if discJSON.Valid && discJSON.String != "null" {
			_ = json.Unmarshal([]byte(discJSON.String), &l.Discrepancy)
		}
		if decisionsJSON.Valid {
			_ = json.Unmarshal([]byte(decisionsJSON.String), &l.PlannerDecisions)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

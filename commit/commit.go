// Package commit implements the exactly-once commit engine (design §4.11):
// one atomic transaction that snapshots verified lines, adjusts inventory,
// appends finance transactions, closes shopping-list lines, flips the
// session to committed, and emits a hash-chained audit entry.
package commit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/portside/receiving/audit"
	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/errs"
	"github.com/portside/receiving/idgen"
	"github.com/portside/receiving/sessionstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS receiving_events (
    event_id       TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    session_id     TEXT NOT NULL UNIQUE,
    committed_by   TEXT NOT NULL,
    committed_at   TEXT NOT NULL,
    line_count     INTEGER NOT NULL,
    line_snapshots TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory (
    tenant_id   TEXT NOT NULL,
    part_id     TEXT NOT NULL,
    on_hand_qty REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, part_id)
);

CREATE TABLE IF NOT EXISTS finance_transactions (
    event_id   TEXT NOT NULL,
    line_no    INTEGER NOT NULL,
    tenant_id  TEXT NOT NULL,
    part_id    TEXT NOT NULL,
    qty        REAL NOT NULL,
    unit_price REAL NOT NULL,
    PRIMARY KEY (event_id, line_no)
);

CREATE TABLE IF NOT EXISTS shopping_list (
    tenant_id       TEXT NOT NULL,
    part_id         TEXT NOT NULL,
    outstanding_qty REAL NOT NULL,
    PRIMARY KEY (tenant_id, part_id)
);
`

// LinePrice resolves a unit price for a part, if known. Pricing is out of
// the pipeline's core scope; callers inject whatever catalog/finance
// lookup they have.
type LinePrice interface {
	UnitPrice(ctx context.Context, tenantID, partID string) (price float64, known bool, err error)
}

// Engine runs commits against a shared database. It expects sessions,
// their draft_lines, and the tables this package declares to live in the
// same *sql.DB as sessStore, so all seven steps share one transaction.
type Engine struct {
	db        *sql.DB
	sessStore *sessionstore.Store
	auditLog  *audit.Logger
	prices    LinePrice
	newEventID idgen.Generator
}

func New(sessStore *sessionstore.Store, auditLog *audit.Logger, prices LinePrice) (*Engine, error) {
	db := sessStore.DB()
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("commit: migrate: %w", err)
	}
	return &Engine{
		db: db, sessStore: sessStore, auditLog: auditLog, prices: prices,
		newEventID: idgen.Prefixed("evt_", idgen.Default),
	}, nil
}

// Commit runs the seven-step commit (design §4.11). It is idempotent: a
// retried commit on an already-committed session returns the existing
// event with no side effects.
func (e *Engine) Commit(ctx context.Context, tenantID, sessionID, actorID string, capability CommitCapable) (*domain.ReceivingEvent, error) {
	if !capability.CanCommit() {
		return nil, errs.New(errs.Forbidden, "actor %s lacks commit capability", actorID)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("commit: begin: %w", err)
	}
	defer tx.Rollback()

	// Step 1: re-read with row lock (SQLite serialises writers via the
	// single-writer transaction; the read-then-write here happens inside
	// that same transaction, so no other writer can interleave).
	if existing, err := e.existingEvent(ctx, tx, sessionID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil // idempotent replay
	}

	sess, err := e.sessStore.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.SessionVerifying {
		return nil, errs.New(errs.SessionStateViolation, "cannot commit a %s session", sess.State)
	}

	lines, err := e.sessStore.ListDraftLinesTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	var verifiedLines []domain.DraftLine
	for _, l := range lines {
		if l.Verified && l.Discrepancy == nil {
			verifiedLines = append(verifiedLines, l)
		}
	}
	if len(verifiedLines) == 0 {
		return nil, errs.New(errs.SessionStateViolation, "commit requires at least one verified, non-discrepancy line")
	}
	for _, l := range lines {
		if l.Discrepancy != nil && l.Discrepancy.RequiresEvidence() && len(l.Discrepancy.EvidenceArtifactIDs) == 0 {
			return nil, errs.New(errs.SessionStateViolation, "line %d has an unresolved evidence-requiring discrepancy", l.LineNo)
		}
	}

	eventID := e.newEventID()
	committedAt := time.Now().UTC()

	// Step 2: snapshot verified lines.
	snapshots := make([]domain.LineSnapshot, 0, len(verifiedLines))
	for _, l := range verifiedLines {
		partID := l.OverridePartID
		if partID == "" && l.SuggestedMatch != nil {
			partID = l.SuggestedMatch.PartID
		}
		snapshots = append(snapshots, domain.LineSnapshot{
			LineNo: l.LineNo, PartID: partID, Qty: l.Qty, Unit: l.Unit, Description: l.Description,
		})
	}

	// Step 3: atomic inventory adjustment, guarded against negative stock.
	for _, snap := range snapshots {
		if snap.PartID == "" || snap.Qty == 0 {
			continue
		}
		if err := adjustInventory(ctx, tx, tenantID, snap.PartID, snap.Qty); err != nil {
			return nil, err
		}
	}

	// Step 4: finance transactions for lines with a known unit price.
	for i := range snapshots {
		if snapshots[i].PartID == "" || e.prices == nil {
			continue
		}
		price, known, err := e.prices.UnitPrice(ctx, tenantID, snapshots[i].PartID)
		if err != nil {
			return nil, fmt.Errorf("commit: unit price lookup: %w", err)
		}
		if !known {
			continue
		}
		snapshots[i].UnitPrice = price
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO finance_transactions (event_id, line_no, tenant_id, part_id, qty, unit_price) VALUES (?, ?, ?, ?, ?, ?)`,
			eventID, snapshots[i].LineNo, tenantID, snapshots[i].PartID, snapshots[i].Qty, price); err != nil {
			return nil, fmt.Errorf("commit: finance transaction: %w", err)
		}
	}

	// Step 5: close matched shopping-list lines.
	for _, snap := range snapshots {
		if snap.PartID == "" {
			continue
		}
		if err := closeShoppingListLine(ctx, tx, tenantID, snap.PartID, snap.Qty); err != nil {
			return nil, err
		}
	}

	// Step 6: flip session to committed.
	if err := e.sessStore.MarkCommittedTx(ctx, tx, sessionID, actorID, committedAt); err != nil {
		return nil, fmt.Errorf("commit: mark committed: %w", err)
	}

	snapJSON, err := json.Marshal(snapshots)
	if err != nil {
		return nil, fmt.Errorf("commit: marshal snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO receiving_events (event_id, tenant_id, session_id, committed_by, committed_at, line_count, line_snapshots)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventID, tenantID, sessionID, actorID, committedAt.Format(time.RFC3339), len(snapshots), string(snapJSON)); err != nil {
		return nil, fmt.Errorf("commit: insert event: %w", err)
	}

	// Step 7: audit entry, inside the same transaction as steps 1-6 (design
	// §4.11 step 7) — AppendTx writes via tx so the entry either commits
	// with the rest of the event or rolls back with it.
	if e.auditLog != nil {
		_, unlock, err := e.auditLog.AppendTx(ctx, tx, tenantID, actorID, "session.commit", "session:"+sessionID, map[string]any{
			"event_id": eventID, "line_count": len(snapshots),
		})
		if err != nil {
			return nil, fmt.Errorf("commit: audit append: %w", err)
		}
		defer unlock()
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: commit tx: %w", err)
	}

	return &domain.ReceivingEvent{
		EventID: eventID, TenantID: tenantID, SessionID: sessionID, CommittedBy: actorID,
		CommittedAt: committedAt, LineCount: len(snapshots), LineSnapshots: snapshots,
	}, nil
}

// CommitCapable lets callers supply their own role-check without this
// package depending on domain.Role's concrete capability table.
type CommitCapable interface {
	CanCommit() bool
}

// HODOnly is the design's example commit-capability rule: only the "hod"
// role may commit (design §4.10 rule c).
type HODOnly domain.Role

func (r HODOnly) CanCommit() bool { return domain.Role(r) == domain.RoleHOD }

type txQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (e *Engine) existingEvent(ctx context.Context, tx txQuerier, sessionID string) (*domain.ReceivingEvent, error) {
	var ev domain.ReceivingEvent
	var committedAt, snapJSON string
	err := tx.QueryRowContext(ctx,
		`SELECT event_id, tenant_id, session_id, committed_by, committed_at, line_count, line_snapshots
		 FROM receiving_events WHERE session_id = ?`, sessionID,
	).Scan(&ev.EventID, &ev.TenantID, &ev.SessionID, &ev.CommittedBy, &committedAt, &ev.LineCount, &snapJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commit: check existing event: %w", err)
	}
	ev.CommittedAt, _ = time.Parse(time.RFC3339, committedAt)
	_ = json.Unmarshal([]byte(snapJSON), &ev.LineSnapshots)
	return &ev, nil
}

func adjustInventory(ctx context.Context, tx txQuerier, tenantID, partID string, deltaQty float64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inventory (tenant_id, part_id, on_hand_qty) VALUES (?, ?, 0)
		 ON CONFLICT (tenant_id, part_id) DO NOTHING`, tenantID, partID); err != nil {
		return fmt.Errorf("commit: ensure inventory row: %w", err)
	}

	if deltaQty >= 0 {
		_, err := tx.ExecContext(ctx,
			`UPDATE inventory SET on_hand_qty = on_hand_qty + ? WHERE tenant_id = ? AND part_id = ?`,
			deltaQty, tenantID, partID)
		if err != nil {
			return fmt.Errorf("commit: increment inventory: %w", err)
		}
		return nil
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE inventory SET on_hand_qty = on_hand_qty + ? WHERE tenant_id = ? AND part_id = ? AND on_hand_qty + ? >= 0`,
		deltaQty, tenantID, partID, deltaQty)
	if err != nil {
		return fmt.Errorf("commit: guarded decrement: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit: guarded decrement rows affected: %w", err)
	}
	if affected == 0 {
		return errs.New(errs.InsufficientStock, "part %s: decrement of %.2f would drive stock negative", partID, -deltaQty)
	}
	return nil
}

func closeShoppingListLine(ctx context.Context, tx txQuerier, tenantID, partID string, receivedQty float64) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE shopping_list SET outstanding_qty = MAX(outstanding_qty - ?, 0) WHERE tenant_id = ? AND part_id = ?`,
		receivedQty, tenantID, partID)
	if err != nil {
		return fmt.Errorf("commit: update shopping list: %w", err)
	}
	_, err = result.RowsAffected()
	return err
}

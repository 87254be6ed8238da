// Package audit implements the per-tenant, hash-chained, append-only audit
// trail (design §4.12). Its buffered-async-writer shape is adapted from the
// teacher's observability audit logger; the hash chain itself is new
// machinery the teacher's logger did not need, since there entries were
// independent rows rather than links.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/portside/receiving/dbopen"
	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/idgen"
)

// ZeroHash seeds the chain for a tenant's first entry.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    seq          INTEGER NOT NULL,
    tenant_id    TEXT NOT NULL,
    actor_id     TEXT NOT NULL,
    action       TEXT NOT NULL,
    target       TEXT NOT NULL,
    body         TEXT,
    prev_hash    TEXT NOT NULL,
    payload_hash TEXT NOT NULL,
    entry_hash   TEXT NOT NULL,
    recorded_at  TEXT NOT NULL,
    PRIMARY KEY (tenant_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_audit_log_tenant_recorded ON audit_log(tenant_id, recorded_at);
`

// Logger appends hash-chained entries. Each tenant's chain is serialised
// under its own mutex; different tenants append concurrently.
type Logger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger

	mu         sync.Mutex
	tenantLock map[string]*sync.Mutex

	queue chan queuedEntry
	stop  chan struct{}
	done  chan struct{}
}

type queuedEntry struct {
	tenantID, actorID, action, target string
	body                              any
}

// Open opens (or creates) the audit database at path.
func Open(path string) (*Logger, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	return newLogger(db), nil
}

// OpenDB wraps an already-opened *sql.DB, running the audit schema migration.
func OpenDB(db *sql.DB) (*Logger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return newLogger(db), nil
}

func newLogger(db *sql.DB) *Logger {
	l := &Logger{
		db:         db,
		newID:      idgen.Prefixed("audit_", idgen.Default),
		logger:     slog.Default(),
		tenantLock: make(map[string]*sync.Mutex),
		queue:      make(chan queuedEntry, 1000),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go l.drainLoop()
	return l
}

func (l *Logger) lockFor(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.tenantLock[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.tenantLock[tenantID] = m
	}
	return m
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting appendWith run
// either against the Logger's own database or inside a caller's
// transaction (see AppendTx).
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append computes and persists the next chained entry for tenantID,
// serialised against concurrent appends for the same tenant (design §5:
// "two concurrent commits for the same tenant must serialise").
func (l *Logger) Append(ctx context.Context, tenantID, actorID, action, target string, body any) (*domain.AuditEntry, error) {
	lock := l.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()
	return l.appendWith(ctx, l.db, tenantID, actorID, action, target, body)
}

// AppendTx appends a chained entry using q — typically a *sql.Tx a caller
// already has open — so the entry becomes durable as part of the caller's
// own transaction instead of in a separate append-after-commit step.
//
// The per-tenant chain lock is acquired here but not released until the
// caller invokes the returned unlock func; callers must defer it to run
// only after their transaction has been committed or rolled back, since
// releasing it earlier would let a second AppendTx for the same tenant
// read this (not-yet-durable) entry's predecessor before it exists.
func (l *Logger) AppendTx(ctx context.Context, q querier, tenantID, actorID, action, target string, body any) (*domain.AuditEntry, func(), error) {
	lock := l.lockFor(tenantID)
	lock.Lock()
	entry, err := l.appendWith(ctx, q, tenantID, actorID, action, target, body)
	if err != nil {
		lock.Unlock()
		return nil, func() {}, err
	}
	return entry, lock.Unlock, nil
}

func (l *Logger) appendWith(ctx context.Context, q querier, tenantID, actorID, action, target string, body any) (*domain.AuditEntry, error) {
	var maxSeq sql.NullInt64
	var prevHash sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM audit_log WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`, tenantID,
	).Scan(&maxSeq, &prevHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("audit: read latest: %w", err)
	}

	prev := ZeroHash
	if prevHash.Valid {
		prev = prevHash.String
	}
	seq := maxSeq.Int64 + 1

	recordedAt := time.Now().UTC()
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal body: %w", err)
	}
	payloadHash := hashPayload(action, actorID, target, bodyJSON, recordedAt)
	entryHash := hashChain(prev, payloadHash)

	_, err = q.ExecContext(ctx,
		`INSERT INTO audit_log (seq, tenant_id, actor_id, action, target, body, prev_hash, payload_hash, entry_hash, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, tenantID, actorID, action, target, string(bodyJSON), prev, payloadHash, entryHash, recordedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}

	return &domain.AuditEntry{
		Seq: seq, TenantID: tenantID, ActorID: actorID, Action: action, Target: target,
		PrevHash: prev, PayloadHash: payloadHash, EntryHash: entryHash, RecordedAt: recordedAt,
	}, nil
}

// AppendAsync queues an entry for background chaining, falling back to a
// synchronous append if the queue is full. Ordering within a tenant is
// still exact: the single drain goroutine calls Append sequentially.
func (l *Logger) AppendAsync(tenantID, actorID, action, target string, body any) {
	select {
	case l.queue <- queuedEntry{tenantID, actorID, action, target, body}:
	default:
		l.logger.Warn("audit queue full, synchronous fallback", "tenant_id", tenantID, "action", action)
		if _, err := l.Append(context.Background(), tenantID, actorID, action, target, body); err != nil {
			l.logger.Error("audit: sync fallback failed", "error", err)
		}
	}
}

func (l *Logger) drainLoop() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.queue:
					l.appendQueued(e)
				default:
					return
				}
			}
		case e := <-l.queue:
			l.appendQueued(e)
		}
	}
}

func (l *Logger) appendQueued(e queuedEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := l.Append(ctx, e.tenantID, e.actorID, e.action, e.target, e.body); err != nil {
		l.logger.Error("audit: async append failed", "error", err, "tenant_id", e.tenantID)
	}
}

// Close drains the async queue and stops the drain goroutine.
func (l *Logger) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

func hashPayload(action, actor, target string, body []byte, recordedAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", action, actor, target, body, recordedAt.Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

func hashChain(prevHash, payloadHash string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(payloadHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Query returns a tenant's entries in seq order, optionally starting after
// afterSeq, capped at limit (0 means the default of 500).
func (l *Logger) Query(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, tenant_id, actor_id, action, target, prev_hash, payload_hash, entry_hash, recorded_at
		 FROM audit_log WHERE tenant_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		tenantID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var recordedAt string
		if err := rows.Scan(&e.Seq, &e.TenantID, &e.ActorID, &e.Action, &e.Target, &e.PrevHash, &e.PayloadHash, &e.EntryHash, &recordedAt); err != nil {
			return nil, err
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyChain recomputes every entry_hash for a tenant from ZeroHash
// forward and reports whether the stored chain is intact.
func (l *Logger) VerifyChain(ctx context.Context, tenantID string) (bool, error) {
	prev := ZeroHash
	var afterSeq int64
	for {
		entries, err := l.Query(ctx, tenantID, afterSeq, 0)
		if err != nil {
			return false, err
		}
		if len(entries) == 0 {
			return true, nil
		}
		for _, e := range entries {
			if e.PrevHash != prev {
				return false, nil
			}
			want := hashChain(e.PrevHash, e.PayloadHash)
			if want != e.EntryHash {
				return false, nil
			}
			prev = e.EntryHash
			afterSeq = e.Seq
		}
	}
}

// Cleanup deletes entries older than retentionDays. Per design §4.12,
// entries are append-only during normal operation; Cleanup is an explicit
// retention operation, never an UPDATE, and breaks verifiability for the
// deleted range by design (compliance deletion, not correction).
func (l *Logger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	result, err := l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE recorded_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return result.RowsAffected()
}

// Package sqlitestore is the reference SQLite-backed implementation of the
// narrow Store/Catalog interfaces admission, reconcile, and pipeline
// declare. It shares its *sql.DB with sessionstore/audit/commit (all
// opened via dbopen against the same file) so commit's inventory and
// shopping_list tables are visible here without a second database.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/portside/receiving/admission"
	"github.com/portside/receiving/commit"
	"github.com/portside/receiving/dbopen"
	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/reconcile"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    artifact_id    TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    uploader_id    TEXT NOT NULL,
    kind           TEXT NOT NULL,
    content_hash   TEXT NOT NULL,
    mime           TEXT NOT NULL,
    byte_len       INTEGER NOT NULL,
    width          INTEGER NOT NULL DEFAULT 0,
    height         INTEGER NOT NULL DEFAULT 0,
    quality_score  REAL NOT NULL DEFAULT 0,
    blob_ref       TEXT,
    uploaded_at    TEXT NOT NULL,
    deleted_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_artifacts_tenant_uploaded ON artifacts(tenant_id, uploaded_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_tenant_hash ON artifacts(tenant_id, content_hash) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS parts (
    tenant_id          TEXT NOT NULL,
    part_id            TEXT NOT NULL,
    code               TEXT NOT NULL,
    description        TEXT NOT NULL,
    unit_price         REAL,
    last_stock_moved_at TEXT,
    PRIMARY KEY (tenant_id, part_id)
);

CREATE TABLE IF NOT EXISTS purchase_order_lines (
    tenant_id   TEXT NOT NULL,
    part_id     TEXT NOT NULL,
    received_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_po_lines_tenant_received ON purchase_order_lines(tenant_id, received_at);

CREATE TABLE IF NOT EXISTS catalog_snapshots (
    tenant_id   TEXT PRIMARY KEY,
    snapshot_id TEXT NOT NULL
);
`

// Store is the reference persistence adapter: admission.Store and
// reconcile.Catalog in one type, backed by one *sql.DB.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path, running its own schema
// migration. Pass the same path used for sessionstore/audit to share one
// file, or a distinct path to keep catalog data separate.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db}, nil
}

// OpenDB wraps an already-opened *sql.DB (e.g. the one sessionstore.Store
// already holds), running this package's schema migration against it.
func OpenDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

var _ admission.Store = (*Store)(nil)
var _ reconcile.Catalog = (*Store)(nil)
var _ commit.LinePrice = (*Store)(nil)

// CountRecentArtifacts implements admission.Store.
func (s *Store) CountRecentArtifacts(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE tenant_id = ? AND uploaded_at >= ? AND deleted_at IS NULL`,
		tenantID, since.UTC().Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: count recent artifacts: %w", err)
	}
	return count, nil
}

// OldestRecentArtifactAt implements admission.Store.
func (s *Store) OldestRecentArtifactAt(ctx context.Context, tenantID string, since time.Time) (time.Time, error) {
	var uploadedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(uploaded_at) FROM artifacts WHERE tenant_id = ? AND uploaded_at >= ? AND deleted_at IS NULL`,
		tenantID, since.UTC().Format(time.RFC3339Nano)).Scan(&uploadedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitestore: oldest recent artifact: %w", err)
	}
	if !uploadedAt.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, uploadedAt.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitestore: parse oldest recent artifact timestamp: %w", err)
	}
	return t, nil
}

// FindByContentHash implements admission.Store.
func (s *Store) FindByContentHash(ctx context.Context, tenantID, hash string) (*domain.Artifact, error) {
	var a domain.Artifact
	var uploadedAt string
	var deletedAt sql.NullString
	var blobRef sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT artifact_id, tenant_id, uploader_id, kind, content_hash, mime, byte_len, width, height, quality_score, blob_ref, uploaded_at, deleted_at
		 FROM artifacts WHERE tenant_id = ? AND content_hash = ? AND deleted_at IS NULL`,
		tenantID, hash,
	).Scan(&a.ArtifactID, &a.TenantID, &a.UploaderID, &a.Kind, &a.ContentHash, &a.Mime, &a.ByteLen, &a.Width, &a.Height, &a.QualityScore, &blobRef, &uploadedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: find by content hash: %w", err)
	}
	a.UploadedAt, _ = time.Parse(time.RFC3339Nano, uploadedAt)
	if blobRef.Valid {
		a.BlobRef = blobRef.String
	}
	return &a, nil
}

// InsertArtifact persists a newly-admitted artifact (called by the
// pipeline orchestrator after admission.Controller.Admit succeeds).
func (s *Store) InsertArtifact(ctx context.Context, a *domain.Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, tenant_id, uploader_id, kind, content_hash, mime, byte_len, width, height, quality_score, blob_ref, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.TenantID, a.UploaderID, a.Kind, a.ContentHash, a.Mime, a.ByteLen, a.Width, a.Height, a.QualityScore, a.BlobRef, a.UploadedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlitestore: insert artifact: %w", err)
	}
	return nil
}

// UpsertPart inserts or updates a catalog part, for test/seed fixtures and
// whatever upstream catalog-sync job feeds this table.
func (s *Store) UpsertPart(ctx context.Context, tenantID string, row reconcile.PartRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parts (tenant_id, part_id, code, description, last_stock_moved_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, part_id) DO UPDATE SET code = excluded.code, description = excluded.description, last_stock_moved_at = excluded.last_stock_moved_at`,
		tenantID, row.PartID, row.Code, row.Description, row.LastStockMovedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert part: %w", err)
	}
	return nil
}

// SetUnitPrice records the catalog unit price commit.Engine snapshots onto
// a ReceivingEvent's LineSnapshots and uses to append finance transactions.
func (s *Store) SetUnitPrice(ctx context.Context, tenantID, partID string, price float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE parts SET unit_price = ? WHERE tenant_id = ? AND part_id = ?`, price, tenantID, partID)
	if err != nil {
		return fmt.Errorf("sqlitestore: set unit price: %w", err)
	}
	return nil
}

// UnitPrice implements commit.LinePrice: known is false when the part has
// no row, or has a row but no recorded price yet (a newly-seen part whose
// cost hasn't been entered).
func (s *Store) UnitPrice(ctx context.Context, tenantID, partID string) (float64, bool, error) {
	var price sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT unit_price FROM parts WHERE tenant_id = ? AND part_id = ?`, tenantID, partID).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlitestore: unit price: %w", err)
	}
	return price.Float64, price.Valid, nil
}

// LookupParts implements reconcile.Catalog. snapshotID is currently
// advisory (there is one live parts table, not per-snapshot tables); it is
// returned verbatim on reconcile.Result so callers can audit which
// snapshot a match was made against.
func (s *Store) LookupParts(ctx context.Context, tenantID, snapshotID string) ([]reconcile.PartRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT part_id, code, description, last_stock_moved_at FROM parts WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: lookup parts: %w", err)
	}
	defer rows.Close()

	var out []reconcile.PartRow
	for rows.Next() {
		var r reconcile.PartRow
		var lastMoved sql.NullString
		if err := rows.Scan(&r.PartID, &r.Code, &r.Description, &lastMoved); err != nil {
			return nil, err
		}
		if lastMoved.Valid {
			r.LastStockMovedAt, _ = time.Parse(time.RFC3339Nano, lastMoved.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ShoppingListOpen implements reconcile.Catalog, reading commit's
// shopping_list table (shared schema in the same database).
func (s *Store) ShoppingListOpen(ctx context.Context, tenantID string) ([]reconcile.ShoppingListLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT part_id, outstanding_qty FROM shopping_list WHERE tenant_id = ? AND outstanding_qty > 0`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: shopping list open: %w", err)
	}
	defer rows.Close()

	var out []reconcile.ShoppingListLine
	for rows.Next() {
		var l reconcile.ShoppingListLine
		if err := rows.Scan(&l.PartID, &l.OutstandingQty); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecentPOs implements reconcile.Catalog.
func (s *Store) RecentPOs(ctx context.Context, tenantID string, since time.Time) ([]reconcile.RecentPO, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT part_id, received_at FROM purchase_order_lines WHERE tenant_id = ? AND received_at >= ?`,
		tenantID, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: recent POs: %w", err)
	}
	defer rows.Close()

	var out []reconcile.RecentPO
	for rows.Next() {
		var p reconcile.RecentPO
		var receivedAt string
		if err := rows.Scan(&p.PartID, &receivedAt); err != nil {
			return nil, err
		}
		p.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SnapshotID implements reconcile.Catalog. The catalog has no versioned
// snapshots yet (parts are read live), so this returns a fixed per-tenant
// token that changes only if the caller bumps it via BumpSnapshot.
func (s *Store) SnapshotID(ctx context.Context, tenantID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_id FROM catalog_snapshots WHERE tenant_id = ?`, tenantID).Scan(&id)
	if err == sql.ErrNoRows {
		return "unversioned", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlitestore: snapshot id: %w", err)
	}
	return id, nil
}

// BumpSnapshot records a new snapshot token for tenantID, invalidating the
// implicit identity of prior DraftLine.CatalogSnapshotID comparisons.
func (s *Store) BumpSnapshot(ctx context.Context, tenantID, snapshotID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO catalog_snapshots (tenant_id, snapshot_id) VALUES (?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
		tenantID, snapshotID)
	return err
}

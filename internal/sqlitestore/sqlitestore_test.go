package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/reconcile"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFindByContentHash_ReturnsNilWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	a, err := s.FindByContentHash(context.Background(), "tenant1", "deadbeef")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil, got %+v", a)
	}
}

func TestInsertAndFindByContentHash_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	art := &domain.Artifact{
		ArtifactID: "art1", TenantID: "tenant1", UploaderID: "user1",
		Kind: domain.KindPackingSlip, ContentHash: "abc123", Mime: "image/jpeg",
		ByteLen: 1024, UploadedAt: time.Now(),
	}
	if err := s.InsertArtifact(ctx, art); err != nil {
		t.Fatalf("insert: %v", err)
	}
	found, err := s.FindByContentHash(ctx, "tenant1", "abc123")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ArtifactID != "art1" {
		t.Fatalf("expected to find art1, got %+v", found)
	}
}

func TestCountRecentArtifacts_CountsWithinWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.InsertArtifact(ctx, &domain.Artifact{ArtifactID: "a1", TenantID: "t1", UploaderID: "u1", Kind: domain.KindPartPhoto, ContentHash: "h1", Mime: "image/jpeg", UploadedAt: time.Now()})
	s.InsertArtifact(ctx, &domain.Artifact{ArtifactID: "a2", TenantID: "t1", UploaderID: "u1", Kind: domain.KindPartPhoto, ContentHash: "h2", Mime: "image/jpeg", UploadedAt: time.Now()})

	count, err := s.CountRecentArtifacts(ctx, "t1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
}

func TestOldestRecentArtifactAt_ReturnsEarliestUploadInWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	older := time.Now().Add(-30 * time.Minute)
	newer := time.Now().Add(-5 * time.Minute)
	s.InsertArtifact(ctx, &domain.Artifact{ArtifactID: "a1", TenantID: "t1", UploaderID: "u1", Kind: domain.KindPartPhoto, ContentHash: "h1", Mime: "image/jpeg", UploadedAt: older})
	s.InsertArtifact(ctx, &domain.Artifact{ArtifactID: "a2", TenantID: "t1", UploaderID: "u1", Kind: domain.KindPartPhoto, ContentHash: "h2", Mime: "image/jpeg", UploadedAt: newer})

	got, err := s.OldestRecentArtifactAt(ctx, "t1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("oldest recent artifact: %v", err)
	}
	if got.IsZero() || got.Sub(older).Abs() > time.Second {
		t.Fatalf("expected oldest ~%v, got %v", older, got)
	}
}

func TestOldestRecentArtifactAt_ZeroWhenNoneInWindow(t *testing.T) {
	s := newTestStore(t)
	got, err := s.OldestRecentArtifactAt(context.Background(), "t1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("oldest recent artifact: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero time, got %v", got)
	}
}

func TestLookupParts_ReturnsUpsertedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := reconcile.PartRow{PartID: "p1", Code: "MTU-OF-4568", Description: "oil filter", LastStockMovedAt: time.Now()}
	if err := s.UpsertPart(ctx, "tenant1", row); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rows, err := s.LookupParts(ctx, "tenant1", "unversioned")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(rows) != 1 || rows[0].Code != "MTU-OF-4568" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestUnitPrice_UnknownUntilSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.UpsertPart(ctx, "tenant1", reconcile.PartRow{PartID: "p1", Code: "MTU-OF-4568", Description: "oil filter"})

	_, known, err := s.UnitPrice(ctx, "tenant1", "p1")
	if err != nil {
		t.Fatalf("unit price: %v", err)
	}
	if known {
		t.Fatal("expected unit price to be unknown before SetUnitPrice")
	}

	if err := s.SetUnitPrice(ctx, "tenant1", "p1", 12.50); err != nil {
		t.Fatalf("set unit price: %v", err)
	}
	price, known, err := s.UnitPrice(ctx, "tenant1", "p1")
	if err != nil {
		t.Fatalf("unit price: %v", err)
	}
	if !known || price != 12.50 {
		t.Fatalf("expected known price 12.50, got known=%v price=%v", known, price)
	}
}

func TestSnapshotID_DefaultsToUnversionedThenBumps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.SnapshotID(ctx, "tenant1")
	if err != nil {
		t.Fatalf("snapshot id: %v", err)
	}
	if id != "unversioned" {
		t.Fatalf("expected unversioned, got %s", id)
	}
	if err := s.BumpSnapshot(ctx, "tenant1", "snap-2"); err != nil {
		t.Fatalf("bump: %v", err)
	}
	id, err = s.SnapshotID(ctx, "tenant1")
	if err != nil {
		t.Fatalf("snapshot id: %v", err)
	}
	if id != "snap-2" {
		t.Fatalf("expected snap-2, got %s", id)
	}
}

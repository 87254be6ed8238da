package blobstore

import (
	"context"
	"testing"
)

func TestFSStore_PutGetRoundtrip(t *testing.T) {
	s, err := NewFSStore(FSConfig{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()
	ref := Ref("tenant-1", "artifact-1", "pdf")

	if err := s.Put(ctx, ref, []byte("hello"), "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Get: got %q", got)
	}
}

func TestFSStore_PutIsIdempotent(t *testing.T) {
	s, _ := NewFSStore(FSConfig{Root: t.TempDir()})
	ctx := context.Background()
	ref := Ref("tenant-1", "artifact-1", "pdf")

	if err := s.Put(ctx, ref, []byte("hello"), "application/pdf"); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Put(ctx, ref, []byte("hello"), "application/pdf"); err != nil {
		t.Fatalf("second Put should be a no-op, got error: %v", err)
	}
}

func TestFSStore_PutRejectsConflictingBytes(t *testing.T) {
	s, _ := NewFSStore(FSConfig{Root: t.TempDir()})
	ctx := context.Background()
	ref := Ref("tenant-1", "artifact-1", "pdf")

	_ = s.Put(ctx, ref, []byte("hello"), "application/pdf")
	if err := s.Put(ctx, ref, []byte("goodbye"), "application/pdf"); err == nil {
		t.Fatal("expected error when putting different bytes at the same ref")
	}
}

func TestFSStore_GetMissing(t *testing.T) {
	s, _ := NewFSStore(FSConfig{Root: t.TempDir()})
	if _, err := s.Get(context.Background(), "tenant-1/missing.pdf"); err == nil {
		t.Fatal("expected error for missing ref")
	}
}

func TestFSStore_DeleteThenGetMisses(t *testing.T) {
	s, _ := NewFSStore(FSConfig{Root: t.TempDir()})
	ctx := context.Background()
	ref := Ref("tenant-1", "artifact-1", "pdf")
	_ = s.Put(ctx, ref, []byte("hello"), "application/pdf")

	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, ref); err == nil {
		t.Fatal("expected Get to fail after Delete")
	}
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete of missing ref should not error: %v", err)
	}
}

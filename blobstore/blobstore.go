// Package blobstore defines the core's BlobStore collaborator contract
// (design §4.3, §6) and ships a filesystem-backed reference adapter. The
// core only ever depends on the Store interface; production deployments
// are expected to swap in an object-store-backed implementation without
// touching admission, pipeline, or commit code.
package blobstore

import (
	"context"
	"time"
)

// Store is the content-addressed blob collaborator the core consumes.
// Implementations must make Put idempotent: putting the same ref with the
// same bytes twice is a no-op on the second call.
type Store interface {
	Put(ctx context.Context, ref string, body []byte, mime string) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Sign(ctx context.Context, ref string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Ref builds the content-addressed path the design mandates:
// {tenant_id}/{artifact_id}.{ext}. Scoping by tenant_id (not content_hash
// alone) prevents cross-tenant aliasing even when two tenants upload
// byte-identical files.
func Ref(tenantID, artifactID, ext string) string {
	if ext == "" {
		return tenantID + "/" + artifactID
	}
	return tenantID + "/" + artifactID + "." + ext
}

// Package admission implements the upload admission gate (design §4.2):
// MIME/size/decode/dimension/quality checks, the per-tenant rolling-window
// upload quota, and the dedup lookup, in the exact short-circuiting order
// the design specifies.
package admission

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"time"

	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/errs"
	"github.com/portside/receiving/quality"
)

// Store is the narrow collaborator admission needs from persistence: the
// rolling-window count and the dedup lookup. A full Persistence/Catalog
// implementation (internal/sqlitestore) satisfies this alongside the
// other store interfaces the pipeline needs.
type Store interface {
	// CountRecentArtifacts counts non-deleted artifacts uploaded by tenantID
	// at or after since.
	CountRecentArtifacts(ctx context.Context, tenantID string, since time.Time) (int, error)
	// FindByContentHash returns the existing non-deleted artifact for
	// (tenantID, hash), or nil if none exists.
	FindByContentHash(ctx context.Context, tenantID, hash string) (*domain.Artifact, error)
	// OldestRecentArtifactAt returns the upload time of the oldest
	// non-deleted artifact tenantID uploaded at or after since, or the zero
	// time if CountRecentArtifacts found none. Used only on the quota-reject
	// path to compute how long until that artifact ages out of the window.
	OldestRecentArtifactAt(ctx context.Context, tenantID string, since time.Time) (time.Time, error)
}

// Upload is the inbound request to admit (design §6's inbound contract,
// minus AuthContext which callers pass separately).
type Upload struct {
	Kind     domain.ArtifactKind
	Filename string
	Mime     string
	Bytes    []byte
}

// Decision is the sum type admit() returns: either a brand-new artifact
// or a reference to one that already exists for this tenant.
type Decision struct {
	IsDuplicate       bool
	ExistingArtifact  *domain.Artifact // set iff IsDuplicate
	NewArtifact       *domain.Artifact // set iff !IsDuplicate; not yet persisted
	QualitySubScores  quality.Score
}

// allowedMimes maps artifact kind to its MIME allow-list (design step 1).
var allowedMimes = map[domain.ArtifactKind]map[string]bool{
	domain.KindPackingSlip: {
		"image/jpeg": true, "image/png": true, "image/heic": true, "application/pdf": true,
	},
	domain.KindShippingLabel:    imageOnly(),
	domain.KindDiscrepancyPhoto: imageOnly(),
	domain.KindPartPhoto:        imageOnly(),
}

func imageOnly() map[string]bool {
	return map[string]bool{"image/jpeg": true, "image/png": true, "image/heic": true}
}

// Config tunes the admission gate's thresholds. All defaults match design
// §4.2's stated defaults.
type Config struct {
	MaxBytes          int64
	MinWidth          int
	MinHeight         int
	QualityThreshold  float64
	QuotaWindow       time.Duration
	QuotaMax          int
	QuotaHODMultiplier int
	QualityConfig     quality.Config
	Logger            *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 15 * 1024 * 1024
	}
	if c.MinWidth <= 0 {
		c.MinWidth = 800
	}
	if c.MinHeight <= 0 {
		c.MinHeight = 600
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 70
	}
	if c.QuotaWindow <= 0 {
		c.QuotaWindow = time.Hour
	}
	if c.QuotaMax <= 0 {
		c.QuotaMax = 50
	}
	if c.QuotaHODMultiplier <= 0 {
		c.QuotaHODMultiplier = 2
	}
	if (c.QualityConfig == quality.Config{}) {
		c.QualityConfig = quality.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller runs the admission gate against a Store.
type Controller struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithClock overrides the controller's clock, for deterministic tests of
// the rolling-window quota.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates an admission Controller.
func New(store Store, cfg Config, opts ...Option) *Controller {
	cfg.defaults()
	c := &Controller{store: store, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Admit runs the admission checks in design order, short-circuiting on the
// first failure. idFor is invoked only on the success path to mint the new
// artifact's id (keeping id generation out of the pure-ish gate logic).
func (c *Controller) Admit(ctx context.Context, auth domain.AuthContext, upload Upload, idFor func() string) (*Decision, error) {
	if auth.TenantID == "" || auth.UserID == "" {
		return nil, errs.New(errs.Unauthorised, "missing or empty AuthContext")
	}

	// 1. MIME/format allow-list.
	allow, ok := allowedMimes[upload.Kind]
	if !ok || !allow[upload.Mime] {
		return nil, errs.New(errs.UnsupportedMime, "mime %q not allowed for kind %q", upload.Mime, upload.Kind)
	}

	// 2. Byte length.
	if int64(len(upload.Bytes)) > c.cfg.MaxBytes {
		return nil, errs.New(errs.TooLarge, "upload is %d bytes, max %d", len(upload.Bytes), c.cfg.MaxBytes)
	}

	// 3. Decode probe: first 64 KiB must parse as the declared format, and
	// the magic number must match the declared mime.
	probe := upload.Bytes
	if len(probe) > 64*1024 {
		probe = probe[:64*1024]
	}
	isPDF := upload.Mime == "application/pdf"
	var img image.Image
	if !isPDF {
		decoded, format, err := image.Decode(bytes.NewReader(probe))
		if err != nil {
			return nil, errs.Wrap(errs.DecodeFailed, err, "could not decode declared format %q", upload.Mime)
		}
		if !mimeMatchesFormat(upload.Mime, format) {
			return nil, errs.New(errs.DecodeFailed, "magic number (%q) does not match declared mime %q", format, upload.Mime)
		}
		img = decoded
	} else if !bytes.HasPrefix(probe, []byte("%PDF-")) {
		return nil, errs.New(errs.DecodeFailed, "missing %%PDF- magic number")
	}

	// 4. Dimension floor for images.
	width, height := 0, 0
	if img != nil {
		b := img.Bounds()
		width, height = b.Dx(), b.Dy()
		if width < c.cfg.MinWidth || height < c.cfg.MinHeight {
			return nil, errs.New(errs.TooSmall, "image is %dx%d, minimum %dx%d", width, height, c.cfg.MinWidth, c.cfg.MinHeight)
		}
	}

	// 5. Quality gate for image kinds.
	var score quality.Score
	if img != nil {
		score = quality.Compute(img, c.cfg.QualityConfig)
		if score.Below(c.cfg.QualityThreshold) {
			return nil, errs.New(errs.LowQuality, "quality score %.1f below threshold %.1f", score.Overall, c.cfg.QualityThreshold).
				WithDetails(map[string]any{
					"blur": score.Blur, "glare": score.Glare, "contrast": score.Contrast, "overall": score.Overall,
				})
		}
	}

	// 6. Per-tenant rolling quota.
	since := c.now().Add(-c.cfg.QuotaWindow)
	count, err := c.store.CountRecentArtifacts(ctx, auth.TenantID, since)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "counting recent artifacts")
	}
	limit := c.cfg.QuotaMax
	if auth.Role == domain.RoleHOD {
		limit *= c.cfg.QuotaHODMultiplier
	}
	if count >= limit {
		oldest, err := c.store.OldestRecentArtifactAt(ctx, auth.TenantID, since)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "finding oldest recent artifact")
		}
		return nil, errs.New(errs.QuotaExceeded, "tenant %s has %d uploads in the last %s, limit %d", auth.TenantID, count, c.cfg.QuotaWindow, limit).
			WithDetails(map[string]any{"retry_after_seconds": retryAfterSeconds(c.cfg.QuotaWindow, oldest, c.now())})
	}

	// 7. Dedup lookup.
	hash := quality.ContentHash(upload.Bytes)
	if existing, err := c.store.FindByContentHash(ctx, auth.TenantID, hash); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "dedup lookup")
	} else if existing != nil {
		return &Decision{IsDuplicate: true, ExistingArtifact: existing, QualitySubScores: score}, nil
	}

	art := &domain.Artifact{
		ArtifactID:   idFor(),
		TenantID:     auth.TenantID,
		UploaderID:   auth.UserID,
		Kind:         upload.Kind,
		ContentHash:  hash,
		Mime:         upload.Mime,
		ByteLen:      int64(len(upload.Bytes)),
		Width:        width,
		Height:       height,
		QualityScore: score.Overall,
		UploadedAt:   c.now(),
	}
	return &Decision{IsDuplicate: false, NewArtifact: art, QualitySubScores: score}, nil
}

// retryAfterSeconds is the number of seconds until the oldest artifact
// counted against the quota ages out of the rolling window, clamped to
// [0, window]. oldest is the zero time if the store could not identify
// one (a store whose count and oldest-artifact lookups disagree), in which
// case the full window is the safe upper bound.
func retryAfterSeconds(window time.Duration, oldest, now time.Time) int {
	if oldest.IsZero() {
		return int(window.Seconds())
	}
	remaining := window - now.Sub(oldest)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds())
}

func mimeMatchesFormat(mime, format string) bool {
	switch format {
	case "jpeg":
		return mime == "image/jpeg"
	case "png":
		return mime == "image/png"
	default:
		// HEIC is not decodable by the standard library's image package;
		// treat any other recognised format as a mismatch rather than
		// silently accepting it.
		return false
	}
}

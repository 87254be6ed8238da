// Package httpapi is a thin external-collaborator HTTP transport over the
// receiving core (spec.md §1 non-goals: HTTP transport stays outside the
// core). Grounded on cmd/chrc/main.go's chi router wiring: middleware that
// parses an Authorization bearer token into a domain.AuthContext, JSON
// handlers that call straight into admission/pipeline/commit, no business
// logic of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/portside/receiving/admission"
	"github.com/portside/receiving/commit"
	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/errs"
	"github.com/portside/receiving/idgen"
	"github.com/portside/receiving/kit"
	"github.com/portside/receiving/pipeline"
	"github.com/portside/receiving/sessionstore"
	"github.com/portside/receiving/transport/authadapter"
)

// Server wires the core's packages to chi routes. It holds no business
// logic — every handler parses the request, calls into the core, and
// writes the response.
type Server struct {
	admitter     *admission.Controller
	orchestrator *pipeline.Orchestrator
	sessions     *sessionstore.Store
	commitEngine *commit.Engine
	jwtSecret    []byte
	logger       *slog.Logger
}

// New builds a Server and its chi.Router.
func New(admitter *admission.Controller, orchestrator *pipeline.Orchestrator, sessions *sessionstore.Store, commitEngine *commit.Engine, jwtSecret []byte, logger *slog.Logger) (*Server, http.Handler) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{admitter: admitter, orchestrator: orchestrator, sessions: sessions, commitEngine: commitEngine, jwtSecret: jwtSecret, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.authMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/{sessionID}/lines", s.handleListDraftLines)
		r.Post("/{sessionID}/commit", s.handleCommit)
		r.Post("/{sessionID}/artifacts", s.handleUploadArtifact)
	})

	return s, r
}

// authMiddleware parses "Authorization: Bearer <jwt>" into a
// domain.AuthContext carried via kit's context keys — the only place this
// transport touches auth.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		bearer := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(bearer) <= len(prefix) || bearer[:len(prefix)] != prefix {
			writeError(w, errs.New(errs.Unauthorised, "missing bearer token"))
			return
		}
		claims, err := authadapter.ValidateToken(s.jwtSecret, bearer[len(prefix):])
		if err != nil {
			writeError(w, errs.Wrap(errs.Unauthorised, err, "invalid token"))
			return
		}
		ctx := kit.WithTenantID(r.Context(), claims.TenantID)
		ctx = kit.WithUserID(ctx, claims.UserID)
		ctx = kit.WithRole(ctx, string(claims.Role))
		ctx = kit.WithTransport(ctx, "http")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authContext(r *http.Request) domain.AuthContext {
	ctx := r.Context()
	return domain.AuthContext{
		TenantID: kit.GetTenantID(ctx),
		UserID:   kit.GetUserID(ctx),
		Role:     domain.Role(kit.GetRole(ctx)),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	auth := authContext(r)
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Wrap(errs.DecodeFailed, err, "decoding request body"))
		return
	}
	sess, err := s.sessions.CreateSession(r.Context(), body.SessionID, auth.TenantID, auth.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleUploadArtifact admits an uploaded artifact and, once accepted,
// fires it into the pipeline orchestrator for extraction/parsing/
// reconciliation. Submission is fire-and-forget: the orchestrator records
// draft lines against the session asynchronously, so this handler reports
// QueueFull immediately but never blocks on pipeline completion.
func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	auth := authContext(r)
	sessionID := chi.URLParam(r, "sessionID")

	kind := domain.ArtifactKind(r.URL.Query().Get("kind"))
	mime := r.Header.Get("Content-Type")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, errs.Wrap(errs.DecodeFailed, err, "reading upload body"))
		return
	}

	decision, err := s.admitter.Admit(r.Context(), auth, admission.Upload{
		Kind: kind, Mime: mime, Bytes: body,
	}, idgen.Prefixed("art_", idgen.Default))
	if err != nil {
		writeError(w, err)
		return
	}
	if decision.IsDuplicate {
		writeJSON(w, http.StatusOK, decision.ExistingArtifact)
		return
	}

	if err := s.orchestrator.Submit(r.Context(), pipeline.Job{
		TenantID:  auth.TenantID,
		SessionID: sessionID,
		Artifact:  decision.NewArtifact,
		Body:      body,
		ActorID:   auth.UserID,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, decision.NewArtifact)
}

func (s *Server) handleListDraftLines(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	lines, err := s.sessions.ListDraftLines(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

// commitCapability adapts the request's role into commit.CommitCapable
// without the httpapi package needing its own capability table.
type commitCapability domain.Role

func (c commitCapability) CanCommit() bool { return domain.Role(c) == domain.RoleHOD }

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	auth := authContext(r)
	sessionID := chi.URLParam(r, "sessionID")

	ctx, cancel := context.WithTimeout(r.Context(), pipeline.CommitDeadline)
	defer cancel()

	event, err := s.commitEngine.Commit(ctx, auth.TenantID, sessionID, auth.UserID, commitCapability(auth.Role))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// maxUploadBytes bounds the request body read before admission's own MIME
// and size checks ever run, so a malicious Content-Length can't force an
// unbounded read.
const maxUploadBytes = 25 << 20 // 25 MiB

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var statusByKind = map[errs.Kind]int{
	errs.UnsupportedMime:       http.StatusUnprocessableEntity,
	errs.TooLarge:              http.StatusRequestEntityTooLarge,
	errs.DecodeFailed:          http.StatusBadRequest,
	errs.TooSmall:              http.StatusUnprocessableEntity,
	errs.LowQuality:            http.StatusUnprocessableEntity,
	errs.QuotaExceeded:         http.StatusTooManyRequests,
	errs.Duplicate:             http.StatusConflict,
	errs.OCRFailed:             http.StatusUnprocessableEntity,
	errs.NormalisationFailed:   http.StatusUnprocessableEntity,
	errs.BudgetExhausted:       http.StatusUnprocessableEntity,
	errs.Unauthorised:          http.StatusUnauthorized,
	errs.Forbidden:             http.StatusForbidden,
	errs.SessionStateViolation: http.StatusConflict,
	errs.AlreadyCommitted:      http.StatusOK,
	errs.InsufficientStock:     http.StatusConflict,
	errs.Conflict:              http.StatusConflict,
	errs.QueueFull:             http.StatusServiceUnavailable,
	errs.DeadlineExceeded:      http.StatusGatewayTimeout,
	errs.Internal:              http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error": kind, "message": err.Error()})
}

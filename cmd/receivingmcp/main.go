// Command receivingmcp exposes the receiving pipeline as MCP tools
// (create session, admit-and-submit artifact, list draft lines, commit)
// over stdio, grounded on
// docpipe/mcp.go's RegisterMCP convention and cmd/chrc/main.go's
// env-driven wiring.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/portside/receiving/admission"
	"github.com/portside/receiving/audit"
	"github.com/portside/receiving/commit"
	"github.com/portside/receiving/costplan"
	"github.com/portside/receiving/domain"
	"github.com/portside/receiving/idgen"
	"github.com/portside/receiving/internal/sqlitestore"
	"github.com/portside/receiving/kit"
	"github.com/portside/receiving/llm"
	"github.com/portside/receiving/ocr"
	"github.com/portside/receiving/pipeline"
	"github.com/portside/receiving/sessionstore"

	_ "modernc.org/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	dbPath := env("DB_PATH", "data/receiving.db")
	llmServerURL := env("LLM_SERVER_URL", "")

	sessions, err := sessionstore.Open(dbPath)
	if err != nil {
		slog.Error("open sessionstore", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	auditLog, err := audit.OpenDB(sessions.DB())
	if err != nil {
		slog.Error("open audit log", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	catalog, err := sqlitestore.OpenDB(sessions.DB())
	if err != nil {
		slog.Error("open catalog store", "error", err)
		os.Exit(1)
	}

	commitEngine, err := commit.New(sessions, auditLog, catalog)
	if err != nil {
		slog.Error("new commit engine", "error", err)
		os.Exit(1)
	}

	admitter := admission.New(catalog, admission.Config{})

	if _, err := sessions.DB().Exec(ocr.Schema); err != nil {
		slog.Error("migrate ocr_engines schema", "error", err)
		os.Exit(1)
	}
	ocrReg := ocr.New(ocr.Config{DB: sessions.DB(), Logger: logger})

	if llmServerURL == "" {
		slog.Error("LLM_SERVER_URL is required: costplan's Normalise/Escalate stages call it on low-confidence parses")
		os.Exit(1)
	}
	normaliser := llm.New(llm.NewHTTPClient(llmServerURL, pipeline.LLMCallDeadline, logger), llm.Config{Logger: logger})

	orchestrator := pipeline.New(pipeline.Config{
		Prices: costplan.PriceTable{
			InputPricePerToken:  map[string]float64{},
			OutputPricePerToken: map[string]float64{},
		},
		Logger: logger,
	}, ocrReg, normaliser, catalog, sessions, nil)

	srv := mcp.NewServer(&mcp.Implementation{Name: "receiving", Version: "1.0.0"}, nil)
	registerTools(srv, admitter, orchestrator, sessions, commitEngine)

	ctx := context.Background()
	if err := srv.Run(ctx, mcp.NewStdioTransport()); err != nil {
		slog.Error("mcp server", "error", err)
		os.Exit(1)
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func registerTools(srv *mcp.Server, admitter *admission.Controller, orchestrator *pipeline.Orchestrator, sessions *sessionstore.Store, commitEngine *commit.Engine) {
	registerCreateSessionTool(srv, sessions)
	registerSubmitArtifactTool(srv, admitter, orchestrator)
	registerListDraftLinesTool(srv, sessions)
	registerCommitTool(srv, commitEngine)
}

// --- receiving_create_session ---

type createSessionReq struct {
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`
	CreatedBy string `json:"created_by"`
}

func registerCreateSessionTool(srv *mcp.Server, sessions *sessionstore.Store) {
	tool := &mcp.Tool{
		Name:        "receiving_create_session",
		Description: "Create a new receiving session for a tenant.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"tenant_id":  map[string]any{"type": "string"},
			"created_by": map[string]any{"type": "string"},
		}, []string{"session_id", "tenant_id", "created_by"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*createSessionReq)
		return sessions.CreateSession(ctx, r.SessionID, r.TenantID, r.CreatedBy)
	}
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r createSessionReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- receiving_submit_artifact ---

type submitArtifactReq struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	ActorID   string `json:"actor_id"`
	Kind      string `json:"kind"`
	Mime      string `json:"mime"`
	BytesB64  string `json:"bytes_base64"`
}

func registerSubmitArtifactTool(srv *mcp.Server, admitter *admission.Controller, orchestrator *pipeline.Orchestrator) {
	tool := &mcp.Tool{
		Name:        "receiving_submit_artifact",
		Description: "Admit a base64-encoded artifact and submit it to the pipeline for extraction, parsing, and reconciliation against a session.",
		InputSchema: inputSchema(map[string]any{
			"tenant_id":    map[string]any{"type": "string"},
			"session_id":   map[string]any{"type": "string"},
			"actor_id":     map[string]any{"type": "string"},
			"kind":         map[string]any{"type": "string", "description": "packing_slip, shipping_label, discrepancy_photo, or part_photo"},
			"mime":         map[string]any{"type": "string"},
			"bytes_base64": map[string]any{"type": "string"},
		}, []string{"tenant_id", "session_id", "actor_id", "kind", "mime", "bytes_base64"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*submitArtifactReq)
		body, err := decodeBase64(r.BytesB64)
		if err != nil {
			return nil, err
		}
		auth := domain.AuthContext{TenantID: r.TenantID, UserID: r.ActorID, Role: domain.RoleService}
		decision, err := admitter.Admit(ctx, auth, admission.Upload{
			Kind: domain.ArtifactKind(r.Kind), Mime: r.Mime, Bytes: body,
		}, idGenForTool())
		if err != nil {
			return nil, err
		}
		if decision.IsDuplicate {
			return map[string]any{"duplicate": true, "artifact": decision.ExistingArtifact}, nil
		}
		if err := orchestrator.Submit(ctx, pipeline.Job{
			TenantID: r.TenantID, SessionID: r.SessionID, Artifact: decision.NewArtifact, Body: body, ActorID: r.ActorID,
		}); err != nil {
			return nil, err
		}
		return map[string]any{"duplicate": false, "artifact": decision.NewArtifact}, nil
	}
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r submitArtifactReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- receiving_list_draft_lines ---

type listDraftLinesReq struct {
	SessionID string `json:"session_id"`
}

func registerListDraftLinesTool(srv *mcp.Server, sessions *sessionstore.Store) {
	tool := &mcp.Tool{
		Name:        "receiving_list_draft_lines",
		Description: "List a session's parsed and reconciled draft lines.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, []string{"session_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listDraftLinesReq)
		return sessions.ListDraftLines(ctx, r.SessionID)
	}
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r listDraftLinesReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- receiving_commit ---

type commitReq struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
}

func registerCommitTool(srv *mcp.Server, commitEngine *commit.Engine) {
	tool := &mcp.Tool{
		Name:        "receiving_commit",
		Description: "Commit a verified receiving session: snapshots lines, adjusts inventory, records finance transactions, and appends an audit entry. Requires the hod role.",
		InputSchema: inputSchema(map[string]any{
			"tenant_id":  map[string]any{"type": "string"},
			"session_id": map[string]any{"type": "string"},
			"actor_id":   map[string]any{"type": "string"},
			"role":       map[string]any{"type": "string"},
		}, []string{"tenant_id", "session_id", "actor_id", "role"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*commitReq)
		return commitEngine.Commit(ctx, r.TenantID, r.SessionID, r.ActorID, commit.HODOnly(domain.Role(r.Role)))
	}
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r commitReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func idGenForTool() func() string {
	return idgen.Prefixed("art_", idgen.Default)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

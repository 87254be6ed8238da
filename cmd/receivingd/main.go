// Command receivingd is the receiving-pipeline service entry point:
// config from environment, signal-driven shutdown, slog JSON logging,
// wiring sessionstore/audit/commit/sqlitestore/ocr/llm/pipeline behind a
// chi HTTP server. Grounded on cmd/chrc/main.go's process shape.
package main

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portside/receiving/admission"
	"github.com/portside/receiving/audit"
	"github.com/portside/receiving/commit"
	"github.com/portside/receiving/costplan"
	"github.com/portside/receiving/dbopen"
	"github.com/portside/receiving/internal/sqlitestore"
	"github.com/portside/receiving/llm"
	"github.com/portside/receiving/observability"
	"github.com/portside/receiving/ocr"
	"github.com/portside/receiving/pipeline"
	"github.com/portside/receiving/sessionstore"
	"github.com/portside/receiving/transport/httpapi"

	_ "modernc.org/sqlite"
)

func main() {
	port := env("PORT", "8090")
	dataDir := env("DATA_DIR", "data")
	dbPath := env("DB_PATH", dataDir+"/receiving.db")
	metricsPath := env("METRICS_DB_PATH", dataDir+"/metrics.db")
	llmServerURL := env("LLM_SERVER_URL", "")
	visionServerURL := env("VISION_SERVER_URL", "")
	logLevel := env("LOG_LEVEL", "info")

	secretInput := os.Getenv("SESSION_SECRET")
	if secretInput == "" {
		slog.Error("SESSION_SECRET is required")
		os.Exit(1)
	}
	// Derive a 32-byte HS256 secret the same way cmd/chrc does, satisfying
	// authadapter's minimum-length check regardless of the input's length.
	secretHash := sha256.Sum256([]byte(secretInput))
	jwtSecret := secretHash[:]

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

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

	metricsDB, err := dbopen.Open(metricsPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open metrics db", "error", err)
		os.Exit(1)
	}
	defer metricsDB.Close()
	metrics := observability.NewMetricsManager(metricsDB, 256, 5*time.Second)
	defer metrics.Close()

	if _, err := sessions.DB().Exec(ocr.Schema); err != nil {
		slog.Error("migrate ocr_engines schema", "error", err)
		os.Exit(1)
	}
	ocrReg := ocr.New(ocr.Config{DB: sessions.DB(), Logger: logger})
	if visionServerURL != "" {
		ocrReg.RegisterEngine(ocr.NewVisionEngine(visionServerURL, ocr.Capabilities{
			EngineID:          "vision-default",
			AccuracyTier:      2,
			MemoryEnvelopeMiB: 256,
			TypicalLatencyMs:  4000,
			CostPerPage:       0.01,
			SupportsPDFRaster: true,
			Enabled:           true,
		}, logger))
	}
	if err := ocrReg.Reload(ctx); err != nil {
		slog.Warn("ocr registry reload", "error", err)
	}
	go ocrReg.Watch(ctx)

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
	}, ocrReg, normaliser, catalog, sessions, metrics)

	admitter := admission.New(catalog, admission.Config{})

	_, handler := httpapi.New(admitter, orchestrator, sessions, commitEngine, jwtSecret, logger)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/portside/receiving/connectivity"
	"github.com/portside/receiving/domain"
)

// VisionEngine is an Engine backed by an OpenAI-chat-completions-compatible
// vision endpoint, grounded on horos47/services/gpufeeder's VLLMHTTPClient:
// same request/response shape (POST .../chat/completions, a ChatMessage
// with text + image content parts), adapted from free-text vision chat to
// a one-shot page-to-text OCR call.
//
// Calls to the vision endpoint are guarded by a connectivity.CircuitBreaker
// (the same resilience primitive docpipe used for its connector calls,
// adapted here to the engine's Allow/Record API instead of its
// byte-payload Handler chain) so a wedged vision server trips the breaker
// instead of every submission queuing up against it.
type VisionEngine struct {
	serverURL string
	caps      Capabilities
	client    *http.Client
	logger    *slog.Logger
	breaker   *connectivity.CircuitBreaker
}

// NewVisionEngine builds an Engine that calls serverURL's chat-completions
// endpoint with the page image and a fixed transcription prompt.
func NewVisionEngine(serverURL string, caps Capabilities, logger *slog.Logger) *VisionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisionEngine{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		caps:      caps,
		client:    &http.Client{},
		logger:    logger,
		breaker:   connectivity.NewCircuitBreaker(),
	}
}

func (e *VisionEngine) Describe() Capabilities { return e.caps }

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

const transcribePrompt = "Transcribe every line of text visible in this image verbatim, one line per row, preserving reading order. Return plain text only."

// noNativeConfidence is the per-line confidence used when the vision
// endpoint exposes no logprob/confidence signal of its own. Set just above
// the registry's 0.50 acceptance floor rather than at 1.0, since a
// fabricated perfect score would defeat the floor's purpose.
const noNativeConfidence = 0.65

// Run sends body as a base64 data URL to the vision endpoint and wraps the
// transcription in a single-line domain.OCRResult — page-level bounding
// boxes aren't available from a chat-completions response, so Lines holds
// one synthetic entry per transcribed text line with a zero BBox.
func (e *VisionEngine) Run(ctx context.Context, body []byte, mime string, deadline time.Time) (*domain.OCRResult, error) {
	if !e.breaker.Allow() {
		return nil, &connectivity.ErrCircuitOpen{Service: "ocr:" + e.caps.EngineID}
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(body))
	reqBody := chatRequest{
		Model: e.caps.EngineID,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: transcribePrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			},
		}},
		MaxTokens:   4096,
		Temperature: 0,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("ocr: marshal vision request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ocr: build vision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.breaker.RecordFailure()
		return nil, fmt.Errorf("ocr: vision request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.breaker.RecordFailure()
		errBody, _ := io.ReadAll(resp.Body)
		e.logger.Error("vision OCR error", "engine", e.caps.EngineID, "status", resp.StatusCode, "body", string(errBody))
		return nil, fmt.Errorf("ocr: vision server returned status %d", resp.StatusCode)
	}
	e.breaker.RecordSuccess()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ocr: decode vision response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("ocr: vision response had no choices")
	}

	text := parsed.Choices[0].Message.Content
	lines := make([]domain.OCRLine, 0, strings.Count(text, "\n")+1)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lines = append(lines, domain.OCRLine{Text: line, Confidence: noNativeConfidence})
	}

	return &domain.OCRResult{
		EngineID:       e.caps.EngineID,
		Text:           text,
		MeanConfidence: meanConfidence(lines),
		Lines:          lines,
		WordCount:      len(strings.Fields(text)),
		RuntimeMs:      time.Since(start).Milliseconds(),
		FinishedAt:     time.Now(),
	}, nil
}

func meanConfidence(lines []domain.OCRLine) float64 {
	if len(lines) == 0 {
		return 0
	}
	var sum float64
	for _, l := range lines {
		sum += l.Confidence
	}
	return sum / float64(len(lines))
}

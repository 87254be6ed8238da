package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/portside/receiving/connectivity"
)

// HTTPClient is a Client backed by an OpenAI-chat-completions-compatible
// endpoint, grounded on horos47/services/gpufeeder's VLLMHTTPClient: the
// same request/response JSON shape, adapted from free-text chat to a
// single structured-JSON completion by passing req.Schema as an explicit
// instruction rather than through a provider-specific response_format.
//
// Outbound calls are guarded by a connectivity.CircuitBreaker (adapted from
// the teacher's docpipe resilience layer, kept here instead of the
// byte-payload Handler/Chain abstraction those HTTP endpoints used) so a
// flaky completions server trips open instead of stacking up timeouts.
type HTTPClient struct {
	serverURL string
	client    *http.Client
	logger    *slog.Logger
	breaker   *connectivity.CircuitBreaker
}

// NewHTTPClient builds a Client against serverURL (e.g. a self-hosted
// vLLM server or any OpenAI-compatible gateway).
func NewHTTPClient(serverURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		serverURL: serverURL,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		breaker:   connectivity.NewCircuitBreaker(),
	}
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []completionMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float32             `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends req as a single user message carrying the prompt plus an
// inline instruction to conform to req.Schema, and returns the raw
// completion text for the caller to validate/decode.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	if !c.breaker.Allow() {
		return Response{}, &connectivity.ErrCircuitOpen{Service: "llm"}
	}

	prompt := req.Prompt
	if len(req.Schema) > 0 {
		prompt = fmt.Sprintf("%s\n\nRespond with JSON matching this schema exactly, no prose:\n%s", req.Prompt, string(req.Schema))
	}

	body := completionRequest{
		Model:       req.Model,
		Messages:    []completionMessage{{Role: "user", Content: prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure()
		return Response{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure()
		errBody, _ := io.ReadAll(resp.Body)
		c.logger.Error("llm completion error", "status", resp.StatusCode, "body", string(errBody))
		return Response{}, fmt.Errorf("llm: server returned status %d", resp.StatusCode)
	}
	c.breaker.RecordSuccess()

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("llm: response had no choices")
	}

	return Response{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

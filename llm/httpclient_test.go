package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPClient_Complete_SendsPromptAndSchema(t *testing.T) {
	var gotBody completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		resp := completionResponse{}
		resp.Choices = []struct {
			Message completionMessage `json:"message"`
		}{{Message: completionMessage{Role: "assistant", Content: `{"lines":[]}`}}}
		resp.Usage.PromptTokens = 42
		resp.Usage.CompletionTokens = 7
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second, nil)
	resp, err := client.Complete(context.Background(), Request{
		Model:  "mini",
		Prompt: "extract the line items",
		Schema: []byte(`{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"lines":[]}` || resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(gotBody.Messages) != 1 || !strings.Contains(gotBody.Messages[0].Content, "extract the line items") {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	if !strings.Contains(gotBody.Messages[0].Content, `"type":"object"`) {
		t.Fatal("expected schema to be embedded in the prompt")
	}
}

func TestHTTPClient_Complete_SurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second, nil)
	if _, err := client.Complete(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVisionEngine_Run_SplitsResponseIntoLines(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{}}
		resp.Choices[0].Message.Content = "12 EA MTU-OF-4568 Oil Filter\n\n3 EA MTU-AF-1002 Air Filter\n"
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewVisionEngine(srv.URL, Capabilities{EngineID: "vision-default", Enabled: true}, nil)
	res, err := e.Run(context.Background(), []byte("fake-jpeg-bytes"), "image/jpeg", time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %+v", len(res.Lines), res.Lines)
	}
	if res.Lines[0].Text != "12 EA MTU-OF-4568 Oil Filter" {
		t.Errorf("unexpected first line: %q", res.Lines[0].Text)
	}
	if res.MeanConfidence != noNativeConfidence {
		t.Errorf("MeanConfidence = %v, want %v", res.MeanConfidence, noNativeConfidence)
	}
	if len(gotBody.Messages) != 1 || len(gotBody.Messages[0].Content) != 2 {
		t.Fatalf("expected one message with text + image parts, got %+v", gotBody.Messages)
	}
	if !strings.HasPrefix(gotBody.Messages[0].Content[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Errorf("unexpected image URL: %q", gotBody.Messages[0].Content[1].ImageURL.URL)
	}
}

func TestVisionEngine_Run_SurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewVisionEngine(srv.URL, Capabilities{EngineID: "vision-default", Enabled: true}, nil)
	if _, err := e.Run(context.Background(), []byte("x"), "image/jpeg", time.Now().Add(5*time.Second)); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestMeanConfidence_EmptyIsZero(t *testing.T) {
	if got := meanConfidence(nil); got != 0 {
		t.Errorf("meanConfidence(nil) = %v, want 0", got)
	}
}

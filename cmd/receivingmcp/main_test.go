package main

import (
	"encoding/base64"
	"os"
	"testing"
)

func TestEnv_FallsBackToDefaultWhenUnset(t *testing.T) {
	os.Unsetenv("RECEIVINGMCP_TEST_VAR")
	if got := env("RECEIVINGMCP_TEST_VAR", "fallback"); got != "fallback" {
		t.Errorf("env() = %q, want %q", got, "fallback")
	}

	t.Setenv("RECEIVINGMCP_TEST_VAR", "override")
	if got := env("RECEIVINGMCP_TEST_VAR", "fallback"); got != "override" {
		t.Errorf("env() = %q, want %q", got, "override")
	}
}

func TestInputSchema_OmitsRequiredWhenEmpty(t *testing.T) {
	s := inputSchema(map[string]any{"x": map[string]any{"type": "string"}}, nil)
	if _, ok := s["required"]; ok {
		t.Error("expected no required key when required list is empty")
	}
	if s["type"] != "object" {
		t.Errorf(`type = %v, want "object"`, s["type"])
	}
}

func TestInputSchema_IncludesRequiredWhenSet(t *testing.T) {
	s := inputSchema(map[string]any{"x": map[string]any{"type": "string"}}, []string{"x"})
	req, ok := s["required"].([]string)
	if !ok || len(req) != 1 || req[0] != "x" {
		t.Errorf("required = %v, want [x]", s["required"])
	}
}

func TestDecodeBase64_RoundTrips(t *testing.T) {
	want := []byte("packing slip bytes")
	encoded := base64.StdEncoding.EncodeToString(want)
	got, err := decodeBase64(encoded)
	if err != nil {
		t.Fatalf("decodeBase64: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("decodeBase64 = %q, want %q", got, want)
	}
}

func TestDecodeBase64_RejectsInvalidInput(t *testing.T) {
	if _, err := decodeBase64("not-valid-base64!!"); err == nil {
		t.Error("expected error for invalid base64 input")
	}
}

func TestIdGenForTool_ProducesPrefixedIDs(t *testing.T) {
	gen := idGenForTool()
	id := gen()
	if len(id) < len("art_") || id[:4] != "art_" {
		t.Errorf("idGenForTool() = %q, want art_-prefixed ID", id)
	}
}

// Package connectivity provides cross-cutting call resilience — retry,
// timeout, circuit breaking, panic recovery — as composable middleware
// around a narrow call signature. It started life as a full service-mesh
// router; the receiving engine keeps only the resilience primitives and
// wraps engine/LLM invocations with them instead of HTTP/RPC routes.
package connectivity

import "context"

// Handler is the call signature every middleware wraps: a payload in,
// a payload out, fallible. No caller in this module uses it:
// llm.HTTPClient and ocr.VisionEngine call CircuitBreaker's Allow and
// Record methods directly.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

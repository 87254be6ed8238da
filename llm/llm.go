// Package llm wraps the normalisation/escalation call that costplan's
// Normalise and Escalate stages trigger: a single structured completion
// against a line-items or shipping-label JSON schema, decoded into typed
// payloads, with a bounded retry on transient transport failures.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/portside/receiving/errs"
)

// Client is the boundary every model provider implements. Complete must
// return raw JSON text; Client itself never parses or validates it.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Request is one completion call.
type Request struct {
	Model       string
	Prompt      string
	Schema      json.RawMessage // JSON Schema the response must satisfy
	MaxTokens   int
	Temperature float64
}

// Response is a raw completion result; token counts feed costplan.ApplyUsage.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Target is what a normalised completion decodes into.
type Target int

const (
	TargetLineItems Target = iota
	TargetShippingLabel
)

// LineItem is one row of a normalised line-items completion.
type LineItem struct {
	Qty         float64 `json:"qty"`
	Unit        string  `json:"unit"`
	PartCode    string  `json:"part_code"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// LineItemsPayload is the top-level shape the line-items prompt requires.
type LineItemsPayload struct {
	Lines []LineItem `json:"lines"`
}

// ShippingLabelPayload is the top-level shape the shipping-label prompt
// requires.
type ShippingLabelPayload struct {
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier"`
	ShipDate       string `json:"ship_date"`
	WeightKg       float64 `json:"weight_kg"`
}

const lineItemsSchema = `{
  "type": "object",
  "required": ["lines"],
  "properties": {
    "lines": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["qty", "unit", "description", "confidence"],
        "properties": {
          "qty": {"type": "number"},
          "unit": {"type": "string"},
          "part_code": {"type": "string"},
          "description": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

const shippingLabelSchema = `{
  "type": "object",
  "required": ["tracking_number", "carrier"],
  "properties": {
    "tracking_number": {"type": "string"},
    "carrier": {"type": "string"},
    "ship_date": {"type": "string"},
    "weight_kg": {"type": "number"}
  }
}`

// Prompt returns the instruction text and schema for the given target,
// filled in with the raw OCR text to normalise.
func Prompt(target Target, rawText string) (prompt string, schema json.RawMessage) {
	switch target {
	case TargetShippingLabel:
		return fmt.Sprintf(shippingLabelPromptTemplate, rawText), json.RawMessage(shippingLabelSchema)
	default:
		return fmt.Sprintf(lineItemsPromptTemplate, rawText), json.RawMessage(lineItemsSchema)
	}
}

const lineItemsPromptTemplate = `Extract packing-slip line items from the following OCR text. Return only JSON matching the supplied schema, one entry per physical line item. Do not invent part codes or quantities that are not present in the text. If a value is unreadable, omit the optional field rather than guessing.

OCR text:
%s`

const shippingLabelPromptTemplate = `Extract shipping-label fields from the following OCR text. Return only JSON matching the supplied schema. Leave a field empty if it cannot be read.

OCR text:
%s`

// Config controls the normaliser's retry behaviour.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	Logger      *slog.Logger
}

func (c Config) defaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Normaliser drives one Client through the normalisation prompts with a
// bounded retry on transient transport errors (design's at-most-1-retry
// rule), mirroring connectivity.WithRetry's backoff-doubling shape.
type Normaliser struct {
	client Client
	cfg    Config
}

func New(client Client, cfg Config) *Normaliser {
	return &Normaliser{client: client, cfg: cfg.defaults()}
}

// Normalise runs one completion call for target against rawText and decodes
// the result with encoding/json into the target's payload struct. The
// decode does not enforce the schema's required fields or reject unknown
// ones; its only content check is that a shipping-label reply carries a
// tracking number or a carrier. A transport error is retried up to
// cfg.MaxRetries times with exponential backoff; a schema/decode failure
// is never retried (the model produced a response, just not a valid one).
func (n *Normaliser) Normalise(ctx context.Context, model string, maxTokens int, temperature float64, target Target, rawText string) (any, Response, error) {
	prompt, schema := Prompt(target, rawText)
	req := Request{Model: model, Prompt: prompt, Schema: schema, MaxTokens: maxTokens, Temperature: temperature}

	var resp Response
	var err error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		resp, err = n.client.Complete(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, Response{}, errs.Wrap(errs.NormalisationFailed, err, "context cancelled during completion")
		}
		if attempt < n.cfg.MaxRetries {
			wait := n.cfg.BaseBackoff * (1 << uint(attempt))
			n.cfg.Logger.WarnContext(ctx, "retrying llm completion",
				"attempt", attempt+1, "model", model, "error", err)
			select {
			case <-ctx.Done():
				return nil, Response{}, errs.Wrap(errs.NormalisationFailed, ctx.Err(), "context cancelled during backoff")
			case <-time.After(wait):
			}
		}
	}
	if err != nil {
		return nil, Response{}, errs.Wrap(errs.NormalisationFailed, err, "completion failed after %d attempt(s)", n.cfg.MaxRetries+1)
	}

	payload, decodeErr := decode(target, resp.Text)
	if decodeErr != nil {
		return nil, resp, errs.Wrap(errs.NormalisationFailed, decodeErr, "response did not match schema for %v", target)
	}
	return payload, resp, nil
}

func decode(target Target, text string) (any, error) {
	switch target {
	case TargetShippingLabel:
		var p ShippingLabelPayload
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return nil, err
		}
		if p.TrackingNumber == "" && p.Carrier == "" {
			return nil, fmt.Errorf("shipping label payload missing required fields")
		}
		return p, nil
	default:
		var p LineItemsPayload
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/portside/receiving/errs"
)

type fakeClient struct {
	responses []Response
	errs      []error
	calls     int
}

func (f *fakeClient) Complete(ctx context.Context, req Request) (Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return Response{}, f.errs[i]
	}
	return f.responses[i], nil
}

func TestNormalise_LineItemsHappyPath(t *testing.T) {
	client := &fakeClient{responses: []Response{{
		Text:         `{"lines":[{"qty":12,"unit":"each","part_code":"MTU-OF-4568","description":"Oil Filter","confidence":0.9}]}`,
		InputTokens:  100, OutputTokens: 40,
	}}}
	n := New(client, Config{})
	payload, resp, err := n.Normalise(context.Background(), "mini", 2000, 0.1, TargetLineItems, "12 ea MTU-OF-4568 Oil Filter")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lip, ok := payload.(LineItemsPayload)
	if !ok || len(lip.Lines) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if resp.InputTokens != 100 {
		t.Fatalf("unexpected token accounting: %+v", resp)
	}
}

func TestNormalise_RetriesOnceOnTransientError(t *testing.T) {
	client := &fakeClient{
		errs:      []error{errors.New("connection reset"), nil},
		responses: []Response{{}, {Text: `{"lines":[]}`}},
	}
	n := New(client, Config{MaxRetries: 1, BaseBackoff: time.Millisecond})
	_, _, err := n.Normalise(context.Background(), "mini", 2000, 0.1, TargetLineItems, "text")
	if err != nil {
		t.Fatalf("expected success after one retry, got %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", client.calls)
	}
}

func TestNormalise_GivesUpAfterMaxRetries(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("e1"), errors.New("e2")}, responses: []Response{{}, {}}}
	n := New(client, Config{MaxRetries: 1, BaseBackoff: time.Millisecond})
	_, _, err := n.Normalise(context.Background(), "mini", 2000, 0.1, TargetLineItems, "text")
	if errs.KindOf(err) != errs.NormalisationFailed {
		t.Fatalf("expected NormalisationFailed, got %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", client.calls)
	}
}

func TestNormalise_SchemaMismatchIsNotRetried(t *testing.T) {
	client := &fakeClient{responses: []Response{{Text: `not json`}}}
	n := New(client, Config{MaxRetries: 2, BaseBackoff: time.Millisecond})
	_, _, err := n.Normalise(context.Background(), "mini", 2000, 0.1, TargetLineItems, "text")
	if errs.KindOf(err) != errs.NormalisationFailed {
		t.Fatalf("expected NormalisationFailed, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("schema failure must not be retried, got %d calls", client.calls)
	}
}

func TestNormalise_ShippingLabel(t *testing.T) {
	client := &fakeClient{responses: []Response{{Text: `{"tracking_number":"1Z999","carrier":"UPS"}`}}}
	n := New(client, Config{})
	payload, _, err := n.Normalise(context.Background(), "mini", 1000, 0.1, TargetShippingLabel, "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sl, ok := payload.(ShippingLabelPayload)
	if !ok || sl.Carrier != "UPS" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

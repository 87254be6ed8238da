package pdftext

import "testing"

func TestPageQualifies_AcceptsQtyUnitLine(t *testing.T) {
	text := "12 ea MTU-OF-4568 MTU Oil Filter\n8 ea KOH-AF-9902 Kohler Air Filter"
	if !pageQualifies(text) {
		t.Fatal("expected page with qty/unit/part-code tokens to qualify")
	}
}

func TestPageQualifies_RejectsShortText(t *testing.T) {
	if pageQualifies("hi") {
		t.Fatal("expected short text to be rejected")
	}
}

func TestPageQualifies_RejectsTextWithoutLineItemToken(t *testing.T) {
	text := strRepeat("this is just some prose with no quantities or codes at all here. ", 2)
	if pageQualifies(text) {
		t.Fatal("expected prose without a qty/unit/code token to be rejected")
	}
}

func strRepeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func TestExtractTextFromStream_HandlesTjAndTJ(t *testing.T) {
	data := []byte("(Hello) Tj\n[(Wor) -20 (ld)] TJ\n")
	got := extractTextFromStream(data)
	if got != "HelloWorld" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodePDFString_OctalEscape(t *testing.T) {
	got := decodePDFString([]byte(`a\040b`))
	if got != "a b" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodePDFString_BackslashEscapes(t *testing.T) {
	got := decodePDFString([]byte(`a\(b\)c`))
	if got != "a(b)c" {
		t.Fatalf("got %q", got)
	}
}

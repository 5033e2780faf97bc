package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/gowebpki/jcs"
)

func TestCanonicalize_SortsKeys(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_SortsNestedKeys(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('x')</script> &",
	}

	expected := `{"html":"<script>alert('x')</script> &"}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_PreservesArrayOrder(t *testing.T) {
	input := map[string]any{
		"arr": []any{3, 1, 2},
	}

	expected := `{"arr":[3,1,2]}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_NumberPassthrough(t *testing.T) {
	input := map[string]any{
		"num": json.Number("123.456"),
	}
	expected := `{"num":123.456}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_RawMessage(t *testing.T) {
	// Parameters arrive as raw JSON and must canonicalize without number drift.
	raw := json.RawMessage(`{"b": 2, "a": {"amount": 3500, "rate": 0.25}}`)

	expected := `{"a":{"amount":3500,"rate":0.25},"b":2}`

	b, err := Canonicalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_RoundTripStable(t *testing.T) {
	inputs := []string{
		`{"z":{"y":"foo","x":"bar"},"a":1}`,
		`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`,
		`{"":"empty_key","a":""}`,
		`{"unicode":"こんにちは","n":123.456}`,
		`{"escape":"line1\nline2\ttab"}`,
	}

	for _, in := range inputs {
		first, err := Canonicalize(json.RawMessage(in))
		if err != nil {
			t.Fatalf("first pass on %s: %v", in, err)
		}
		second, err := Canonicalize(json.RawMessage(first))
		if err != nil {
			t.Fatalf("second pass on %s: %v", first, err)
		}
		if string(first) != string(second) {
			t.Errorf("round trip unstable:\n  first:  %s\n  second: %s", first, second)
		}
	}
}

// Cross-check against the RFC 8785 reference transform. Numbers in the
// fixtures are already in ES6 shortest form, where the passthrough encoding
// and RFC 8785 agree byte for byte.
func TestCanonicalize_MatchesRFC8785(t *testing.T) {
	inputs := []string{
		`{"c":3,"a":1,"b":2}`,
		`{"z":{"y":"foo","x":"bar"},"a":[1,2,3]}`,
		`{"amount":3500,"rate":0.25,"approved":true,"reason":null}`,
		`{"s":"<tag> & text","u":"こんにちは"}`,
	}

	for _, in := range inputs {
		ours, err := Canonicalize(json.RawMessage(in))
		if err != nil {
			t.Fatalf("Canonicalize(%s): %v", in, err)
		}
		ref, err := jcs.Transform([]byte(in))
		if err != nil {
			t.Fatalf("jcs.Transform(%s): %v", in, err)
		}
		if string(ours) != string(ref) {
			t.Errorf("mismatch for %s:\n  ours: %s\n  ref:  %s", in, ours, ref)
		}
	}
}

func TestHash_StableAcrossRepresentations(t *testing.T) {
	v1 := map[string]any{"a": 1, "b": 2}

	type s struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := s{A: 1, B: 2}

	h1, err := Hash(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestHashBytes_Prefix(t *testing.T) {
	h := HashBytes([]byte("relay"))
	if len(h) != len("sha256:")+64 {
		t.Fatalf("unexpected digest length: %q", h)
	}
	if h[:7] != "sha256:" {
		t.Fatalf("missing sha256 prefix: %q", h)
	}
}

func TestString_MatchesBytes(t *testing.T) {
	s, err := String(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Canonicalize(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if s != string(b) {
		t.Errorf("String != Canonicalize: %q vs %q", s, string(b))
	}
}

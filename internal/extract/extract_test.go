package extract

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

func TestExtract_ValidJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{
			name: "plain object",
			raw:  `{"summary": "stable", "confidence": 0.9}`,
			want: map[string]any{"summary": "stable", "confidence": 0.9},
		},
		{
			name: "json fence",
			raw:  "```json\n{\"summary\": \"stable\"}\n```",
			want: map[string]any{"summary": "stable"},
		},
		{
			name: "bare fence",
			raw:  "```\n{\"summary\": \"stable\"}\n```",
			want: map[string]any{"summary": "stable"},
		},
		{
			name: "surrounding whitespace",
			raw:  "\n\n  {\"a\": [1, 2]}  \n",
			want: map[string]any{"a": []any{1.0, 2.0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.raw, domain.FinishReasonStop)
			if err != nil {
				t.Fatalf("Extract returned error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract = %v, want %v", got, tt.want)
			}
		})
	}
}

// Valid input must never pay the repair cost: Extract and a direct parse must
// agree byte for byte.
func TestExtract_ValidEqualsDirectParse(t *testing.T) {
	inputs := []string{
		`{"a": 1}`,
		`{"a": {"b": [1, 2, 3]}, "c": "x"}`,
		`{"labPanel": {"parsed": [{"name": "ALT", "value": "82"}]}}`,
		`{"nested": [[[1], [2]], {"deep": {"deeper": []}}]}`,
	}

	for _, in := range inputs {
		got, err := Extract(in, domain.FinishReasonStop)
		if err != nil {
			t.Fatalf("Extract(%q) error: %v", in, err)
		}
		var want map[string]any
		if err := json.Unmarshal([]byte(in), &want); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Extract(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestExtract_TruncationRepair(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{
			name: "open quote mid value",
			raw:  `{"summary": "the patient presen`,
			want: map[string]any{"summary": "the patient presen"},
		},
		{
			name: "dangling colon",
			raw:  `{"summary": "ok", "impression":`,
			want: map[string]any{"summary": "ok", "impression": ""},
		},
		{
			name: "trailing comma",
			raw:  `{"tests": ["cbc", "chemistry",`,
			want: map[string]any{"tests": []any{"cbc", "chemistry"}},
		},
		{
			name: "empty trailing object opener dropped with comma",
			raw:  `{"parsed": [{"name": "ALT"}, {`,
			want: map[string]any{"parsed": []any{map[string]any{"name": "ALT"}}},
		},
		{
			name: "open array mid element",
			raw:  `{"findings": ["pleural effusion", "cardiomeg`,
			want: map[string]any{"findings": []any{"pleural effusion", "cardiomeg"}},
		},
		{
			name: "nested objects cut after value",
			raw:  `{"labPanel": {"parsed": [{"name": "BUN", "value": "48"`,
			want: map[string]any{"labPanel": map[string]any{"parsed": []any{map[string]any{"name": "BUN", "value": "48"}}}},
		},
		{
			name: "fence lost its closer",
			raw:  "```json\n{\"summary\": \"trunc",
			want: map[string]any{"summary": "trunc"},
		},
		{
			name: "opener dropped exposes dangling key",
			raw:  `{"summary": "ok", "imaging": {`,
			want: map[string]any{"summary": "ok", "imaging": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.raw, domain.FinishReasonLength)
			if err != nil {
				t.Fatalf("Extract returned error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract = %v, want %v", got, tt.want)
			}
		})
	}
}

// Truncating a valid document at every byte offset must either reconstruct an
// object whose keys all existed in the original, or fail. It must never
// fabricate a key that was not present in the text.
func TestExtract_TruncationNeverFabricatesKeys(t *testing.T) {
	original := `{"documentType": "chemistry", "modality": "lab", "confidence": 0.92, ` +
		`"summary": "mild azotemia", "labPanel": {"parsed": [` +
		`{"name": "BUN", "value": "48", "unit": "mg/dL"}, ` +
		`{"name": "CREA", "value": "2.1", "unit": "mg/dL"}]}}`

	allowed := map[string]bool{
		"documentType": true, "modality": true, "confidence": true,
		"summary": true, "labPanel": true,
	}

	for off := 2; off < len(original); off++ {
		got, err := Extract(original[:off], domain.FinishReasonLength)
		if err != nil {
			var f *Failure
			if !errors.As(err, &f) {
				t.Fatalf("offset %d: unexpected error type %T", off, err)
			}
			continue
		}
		for key := range got {
			if !allowed[key] {
				t.Errorf("offset %d: fabricated top-level key %q", off, key)
			}
		}
	}
}

func TestExtract_UnrecoverableFailure(t *testing.T) {
	long := `this is not json at all, just prose the model produced instead ` +
		strings.Repeat("of the structured document we asked for ", 20)

	_, err := Extract(long, domain.FinishReasonStop)
	if err == nil {
		t.Fatal("expected error for non-JSON input")
	}

	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %T", err)
	}
	if f.Stage != "repair" {
		t.Errorf("Stage = %q, want %q", f.Stage, "repair")
	}
	if len(f.RawPrefix) > sliceLimit || len(f.RawSuffix) > sliceLimit {
		t.Errorf("excerpts exceed bound: prefix %d, suffix %d", len(f.RawPrefix), len(f.RawSuffix))
	}
	if f.TruncationExpected {
		t.Error("TruncationExpected should be false for finish reason stop")
	}
}

func TestExtract_FailureRecordsTruncationSignal(t *testing.T) {
	_, err := Extract(`{"key`, domain.FinishReasonMaxTokens)
	if err == nil {
		t.Skip("repair happened to succeed; nothing to assert")
	}
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %T", err)
	}
	if !f.TruncationExpected {
		t.Error("TruncationExpected should be true for finish reason max_tokens")
	}
}

func TestStripFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"missing trailing fence", "```json\n{\"a\":1}", `{"a":1}`},
		{"single line fence", "```{\"a\":1}```", `{"a":1}`},
		{"inner backticks preserved", "{\"a\":\"``\"}", "{\"a\":\"``\"}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFence(tt.in); got != tt.want {
				t.Errorf("StripFence(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// Known limitation: closers for an object truncated deep inside nested
// arrays-of-objects are appended from the tail bracket count, which can close
// in an order the original author did not intend. The repair must still
// produce either valid JSON or a clean failure, never a panic.
func TestRepair_DeepNestingBestEffort(t *testing.T) {
	raw := `{"a": [{"b": [{"c": [{"d": "x`
	repaired := Repair(raw)
	if !json.Valid([]byte(repaired)) {
		t.Fatalf("Repair produced invalid JSON: %q", repaired)
	}
}

// Package extract parses structured JSON documents out of raw model output.
//
// Model responses arrive markdown-fenced more often than not, and responses
// generated under a token budget are sometimes cut off mid-value. The package
// strips fences, parses the common case directly, and falls back to a
// conservative truncation-repair heuristic that closes syntax without ever
// fabricating data values.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

// sliceLimit bounds the head/tail excerpts carried by a Failure so error
// payloads stay small regardless of response size.
const sliceLimit = 160

// Failure is the structured error raised when raw text cannot be parsed even
// after repair. It carries bounded excerpts of the original text for
// diagnostics, never the full payload.
type Failure struct {
	// Stage is the step that gave up: "parse" or "repair".
	Stage string

	// RawPrefix and RawSuffix are bounded head/tail slices of the input.
	RawPrefix string
	RawSuffix string

	// TruncationExpected records whether the finish reason signalled a
	// token-budget cutoff, which distinguishes an expected repair failure
	// from a malformed complete response in logs.
	TruncationExpected bool
}

func (e *Failure) Error() string {
	return fmt.Sprintf("extraction failed at %s stage (truncation expected: %v)", e.Stage, e.TruncationExpected)
}

// APIError converts the failure into the canonical error taxonomy.
func (e *Failure) APIError() *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypeExtraction, "failed to parse model response").
		WithCode(domain.ErrorCodeInternalError).
		WithDetail(e.Error())
}

func newFailure(stage, raw string, finish domain.FinishReason) *Failure {
	f := &Failure{Stage: stage, TruncationExpected: finish.Truncated()}
	if len(raw) <= 2*sliceLimit {
		f.RawPrefix = raw
	} else {
		f.RawPrefix = raw[:sliceLimit]
		f.RawSuffix = raw[len(raw)-sliceLimit:]
	}
	return f
}

// Extract parses raw model output into a generic object. Valid JSON (after
// fence stripping) is returned without paying any repair cost; on parse
// failure the truncation-repair heuristic runs once and the repaired text is
// reparsed. An unrecoverable input yields a *Failure.
func Extract(raw string, finish domain.FinishReason) (map[string]any, error) {
	cleaned, err := Clean(raw, finish)
	if err != nil {
		return nil, err
	}

	var obj map[string]any
	if err := json.Unmarshal(cleaned, &obj); err != nil {
		// Clean guarantees valid JSON but the document root may not be an
		// object (e.g. a bare array or scalar).
		return nil, newFailure("parse", raw, finish)
	}
	return obj, nil
}

// Clean returns syntactically valid JSON bytes for raw model output, repairing
// truncation when necessary. Callers that decode into typed structs use Clean
// directly instead of Extract.
func Clean(raw string, finish domain.FinishReason) ([]byte, error) {
	text := StripFence(raw)

	if json.Valid([]byte(text)) {
		return []byte(text), nil
	}

	repaired := Repair(text)
	if json.Valid([]byte(repaired)) {
		return []byte(repaired), nil
	}

	return nil, newFailure("repair", raw, finish)
}

// StripFence removes a single leading/trailing markdown code fence if present
// (```json ... ``` or ``` ... ```). A missing trailing fence is tolerated: a
// truncated response loses its closing fence first.
func StripFence(s string) string {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	text = strings.TrimPrefix(text, "```")
	// Drop the language tag on the opening fence line.
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		first := strings.TrimSpace(text[:idx])
		if first == "" || strings.EqualFold(first, "json") {
			text = text[idx+1:]
		}
	} else {
		// Single-line fenced content such as ```{"a":1}```.
		text = strings.TrimPrefix(text, "json")
	}

	text = strings.TrimSpace(text)
	if strings.HasSuffix(text, "```") {
		text = strings.TrimSpace(strings.TrimSuffix(text, "```"))
	}
	return text
}

package extract

import "strings"

// Repair applies the truncation-repair heuristic to text that failed to parse.
// It is conservative: it only closes syntax that the truncation left open and
// never invents data values. The patches, in order:
//
//  1. if the text ends mid-value inside an open quote, close the quote
//  2. if it ends immediately after a colon with no value, insert an empty string
//  3. if it ends with a trailing comma, drop the comma
//  4. if it ends with an unclosed opener with no content, drop the opener and
//     any preceding comma rather than try to fill it
//
// Finally the exact number of missing closers, computed from a quote-aware
// bracket count of the patched text, is appended with arrays closing before
// objects at the tail.
//
// This is a best-effort heuristic, not a streaming parser. An object truncated
// deep inside nested arrays-of-objects can still end up with closers in the
// wrong order; callers treat a reparse failure as unrecoverable.
func Repair(s string) string {
	text := strings.TrimSpace(s)
	if text == "" {
		return text
	}

	if scan(text).inString {
		text += `"`
	}

	// Patches 2-4 can expose one another (dropping an empty opener can leave
	// a dangling colon behind), so iterate until the tail is stable.
	for {
		patched := patchTail(text)
		if patched == text {
			break
		}
		text = patched
	}

	st := scan(text)
	for i := len(st.open) - 1; i >= 0; i-- {
		if st.open[i] == '{' {
			text += "}"
		} else {
			text += "]"
		}
	}
	return text
}

func patchTail(s string) string {
	text := strings.TrimRight(s, " \t\r\n")

	switch {
	case strings.HasSuffix(text, ":"):
		return text + ` ""`

	case strings.HasSuffix(text, ","):
		return strings.TrimRight(text[:len(text)-1], " \t\r\n")

	case strings.HasSuffix(text, "{") || strings.HasSuffix(text, "["):
		// Keep the document root even when empty.
		if len(text) == 1 {
			return text
		}
		trimmed := strings.TrimRight(text[:len(text)-1], " \t\r\n")
		// An opener introduced by a key leaves the key dangling; dropping the
		// comma (or exposing the colon) lets the next pass finish the job.
		return trimmed
	}

	return text
}

// scanState tracks the structural position at the end of a JSON prefix.
type scanState struct {
	// open is the stack of unmatched '{' and '[' openers, outermost first.
	open []byte

	// inString reports whether the text ends inside an open string literal.
	inString bool
}

// scan walks a JSON prefix, skipping string contents and escapes, and records
// which openers remain unmatched.
func scan(s string) scanState {
	var st scanState
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if st.inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				st.inString = false
			}
			continue
		}

		switch c {
		case '"':
			st.inString = true
		case '{', '[':
			st.open = append(st.open, c)
		case '}':
			if n := len(st.open); n > 0 && st.open[n-1] == '{' {
				st.open = st.open[:n-1]
			}
		case ']':
			if n := len(st.open); n > 0 && st.open[n-1] == '[' {
				st.open = st.open[:n-1]
			}
		}
	}
	return st
}

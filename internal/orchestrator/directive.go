// ABOUTME: Rolling-buffer scanner for the embedded tool-call directive
// ABOUTME: `[TOOL] <service:method> <json-object>` in streamed text.

package orchestrator

import (
	"encoding/json"
	"strings"
)

const directiveMarker = "[TOOL] "

// Directive is one parsed tool-call marker. Payload is the raw JSON object
// that followed the tool name; validity is the invoker's concern.
type Directive struct {
	Tool    string
	Payload json.RawMessage
}

// directiveScanner accumulates streamed text and reports the first complete
// directive. A run fires at most one directive; after the first match the
// scanner ignores everything, including further directive-looking substrings.
type directiveScanner struct {
	buf   strings.Builder
	fired bool
}

// feed appends streamed text and returns a directive the first time one is
// complete. Incomplete directives (marker seen, object still streaming) stay
// buffered until later chunks finish them.
func (s *directiveScanner) feed(text string) *Directive {
	if s.fired {
		return nil
	}
	s.buf.WriteString(text)

	content := s.buf.String()
	start := strings.Index(content, directiveMarker)
	if start < 0 {
		return nil
	}
	rest := content[start+len(directiveMarker):]

	nameEnd := strings.IndexByte(rest, ' ')
	if nameEnd < 0 {
		return nil
	}
	name := rest[:nameEnd]
	if name == "" {
		return nil
	}

	objStart := nameEnd + 1
	for objStart < len(rest) && rest[objStart] == ' ' {
		objStart++
	}
	if objStart >= len(rest) || rest[objStart] != '{' {
		// The directive must be followed by a JSON object. Anything else is
		// not a directive; wait in case the brace is still streaming.
		if objStart < len(rest) {
			// Definitively not an object: drop everything through the bogus
			// marker so a later real directive can still match.
			s.reset(content[start+len(directiveMarker):])
			return s.feed("")
		}
		return nil
	}

	obj, complete := balancedObject(rest[objStart:])
	if !complete {
		return nil
	}

	s.fired = true
	return &Directive{Tool: name, Payload: json.RawMessage(obj)}
}

func (s *directiveScanner) reset(remainder string) {
	s.buf.Reset()
	s.buf.WriteString(remainder)
}

// balancedObject returns the shortest prefix of text that is a brace-balanced
// JSON object, tracking string literals and escapes so braces inside strings
// do not count.
func balancedObject(text string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[:i+1], true
			}
		}
	}
	return "", false
}

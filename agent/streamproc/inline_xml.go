package streamproc

import (
	"strconv"
	"strings"

	"github.com/runloom/agentrt/agent/tools"
)

// inlineCall is one tool call recognized from `<toolName>...</toolName>`
// tag islands inside assistant text (spec.md §4.3 "Inline XML-tagged tool
// calls").
type inlineCall struct {
	ToolName   tools.Ident
	Input      []byte
	ToolCallID string
}

// inlineToolScanner incrementally recognizes tag-bracketed tool calls
// within a stream of assistant text fragments. It is a hand-rolled scanner,
// not encoding/xml, because encoding/xml expects a single well-formed
// document and this input is free text with tag islands scattered through
// it (SPEC_FULL.md §4.3 "Inline XML parser").
type inlineToolScanner struct {
	buf      strings.Builder
	inTag    bool
	tagName  string
	body     strings.Builder
	callSeq  int
	pendName string
}

func newInlineToolScanner() *inlineToolScanner {
	return &inlineToolScanner{}
}

// Feed appends delta to the scanner's internal buffer and returns any tool
// calls that were completed as a result (i.e. whose closing tag has now
// been seen).
func (s *inlineToolScanner) Feed(delta string) []inlineCall {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)
	return s.drain(false)
}

// Flush forces a final scan over any buffered-but-unterminated tag, in case
// the stream ended mid-tag. Returns a zero-value inlineCall (ToolName =="")
// when nothing further was found.
func (s *inlineToolScanner) Flush() inlineCall {
	calls := s.drain(true)
	if len(calls) == 0 {
		return inlineCall{}
	}
	return calls[len(calls)-1]
}

// drain scans the accumulated buffer for complete <name>...</name> islands,
// returning each completed call in order and leaving any trailing partial
// text (before the next potential tag) in the buffer. When final is true,
// an open tag with no closing counterpart is discarded rather than held.
func (s *inlineToolScanner) drain(final bool) []inlineCall {
	var calls []inlineCall
	text := s.buf.String()

	for {
		openIdx := strings.IndexByte(text, '<')
		if openIdx < 0 {
			break
		}
		closeAngle := strings.IndexByte(text[openIdx:], '>')
		if closeAngle < 0 {
			if final {
				text = text[:openIdx]
			}
			break // incomplete opening tag; wait for more input
		}
		name := text[openIdx+1 : openIdx+closeAngle]
		if name == "" || strings.ContainsAny(name, " \t\n/") {
			// Not a recognized bare tool tag (e.g. "</foo>" seen without a
			// matching open, or an attribute-bearing tag this scanner
			// doesn't support); skip past it.
			text = text[openIdx+closeAngle+1:]
			continue
		}
		closeTag := "</" + name + ">"
		bodyStart := openIdx + closeAngle + 1
		endIdx := strings.Index(text[bodyStart:], closeTag)
		if endIdx < 0 {
			if final {
				text = text[:openIdx]
			}
			break // tag not yet closed; wait for more input
		}
		body := text[bodyStart : bodyStart+endIdx]
		s.callSeq++
		calls = append(calls, inlineCall{
			ToolName:   tools.Ident(name),
			Input:      parseInlineParams(body),
			ToolCallID: syntheticToolCallID(name, s.callSeq),
		})
		text = text[bodyStart+endIdx+len(closeTag):]
	}

	s.buf.Reset()
	s.buf.WriteString(text)
	return calls
}

// parseInlineParams converts a tool body into a JSON object. Each
// `<param>value</param>` child becomes one string-valued field; a body with
// no recognized children is treated as a single "input" field carrying the
// raw trimmed text.
func parseInlineParams(body string) []byte {
	trimmed := strings.TrimSpace(body)
	fields := map[string]string{}
	rest := trimmed
	for {
		openIdx := strings.IndexByte(rest, '<')
		if openIdx < 0 {
			break
		}
		closeAngle := strings.IndexByte(rest[openIdx:], '>')
		if closeAngle < 0 {
			break
		}
		name := rest[openIdx+1 : openIdx+closeAngle]
		if name == "" || strings.ContainsAny(name, " \t\n/") {
			rest = rest[openIdx+closeAngle+1:]
			continue
		}
		closeTag := "</" + name + ">"
		bodyStart := openIdx + closeAngle + 1
		endIdx := strings.Index(rest[bodyStart:], closeTag)
		if endIdx < 0 {
			break
		}
		fields[name] = strings.TrimSpace(rest[bodyStart : bodyStart+endIdx])
		rest = rest[bodyStart+endIdx+len(closeTag):]
	}
	if len(fields) == 0 {
		return jsonObject(map[string]string{"input": trimmed})
	}
	return jsonObject(fields)
}

func jsonObject(fields map[string]string) []byte {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for k, v := range fields {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(jsonQuote(k))
		b.WriteByte(':')
		b.WriteString(jsonQuote(v))
	}
	b.WriteByte('}')
	return []byte(b.String())
}

func jsonQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func syntheticToolCallID(name string, seq int) string {
	return "inline_" + name + "_" + strconv.Itoa(seq)
}

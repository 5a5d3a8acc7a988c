package repair

import (
	"encoding/json"
	"strings"

	"github.com/timmy/papercast/internal/domain"
)

// RepairTruncated restores a closed JSON structure from output that was cut
// off by a response-size limit. It prefers cutting back to the last complete
// array element that was followed by a comma and closing the containers still
// open there. Without such a boundary it closes a dangling string and every
// unmatched bracket of the raw text. The result is not guaranteed to parse.
func RepairTruncated(raw string) string {
	var (
		stack    []byte
		inString bool
		escaped  bool

		lastClose = -1 // index of the most recent object close
		closeOpen []byte

		cut      = -1
		cutStack []byte
	)

	for i := 0; i < len(raw); i++ {
		c := raw[i]
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
		case ' ', '\t', '\n', '\r':
			continue
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if c == '}' && len(stack) > 0 && stack[len(stack)-1] == '[' {
				lastClose = i
				closeOpen = append(closeOpen[:0], stack...)
				continue
			}
		case ',':
			if lastClose >= 0 {
				cut = lastClose
				cutStack = append(cutStack[:0], closeOpen...)
			}
		}
		lastClose = -1
	}

	if cut >= 0 {
		return raw[:cut+1] + closers(cutStack)
	}

	repaired := strings.TrimRight(raw, " \t\r\n")
	if inString {
		if escaped {
			repaired = repaired[:len(repaired)-1]
		}
		repaired += `"`
	} else {
		repaired = strings.TrimSuffix(repaired, ",")
	}
	return repaired + closers(stack)
}

func closers(stack []byte) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// ExtractJSON strips markdown fences and any prose before the first JSON
// value. Trailing text is left for the decoder to ignore.
func ExtractJSON(raw string) string {
	text := raw
	if _, after, ok := strings.Cut(text, "```json"); ok {
		text, _, _ = strings.Cut(after, "```")
	} else if _, after, ok := strings.Cut(text, "```"); ok {
		text, _, _ = strings.Cut(after, "```")
	}
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, "{["); i > 0 {
		text = text[i:]
	}
	return text
}

// DecodeStructured parses a structured collaborator response into v. Only a
// response reported as length limited gets one truncation repair pass. The
// returned flag tells whether the decoded value came from repaired text.
// Failures are *domain.MalformedOutputError wrapping the original parse error.
func DecodeStructured(raw string, stop domain.StopReason, v any) (bool, error) {
	text := ExtractJSON(raw)
	err := decodeFirst(text, v)
	if err == nil {
		return false, nil
	}
	if stop != domain.StopLengthLimited {
		return false, &domain.MalformedOutputError{Raw: raw, Err: err}
	}
	if repairErr := decodeFirst(RepairTruncated(text), v); repairErr != nil {
		return false, &domain.MalformedOutputError{Raw: raw, Err: err}
	}
	return true, nil
}

func decodeFirst(text string, v any) error {
	return json.NewDecoder(strings.NewReader(text)).Decode(v)
}

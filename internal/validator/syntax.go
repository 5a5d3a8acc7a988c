package validator

import (
	"fmt"
	"strings"
)

// logicalLine is one Python logical line with string contents blanked and
// comments removed.
type logicalLine struct {
	line   int // first physical line, 1-based
	indent int
	text   string
	colon  bool // has a colon at bracket depth zero
	opens  bool // ends with a colon at bracket depth zero
}

type syntaxError struct {
	line int
	msg  string
	text string
}

func (e *syntaxError) String() string {
	s := fmt.Sprintf("Syntax error at line %d: %s", e.line, e.msg)
	if e.text != "" {
		s += "\n  Code: " + e.text
	}
	return s
}

type bracket struct {
	ch   byte
	line int
}

var (
	closerFor   = map[byte]byte{'(': ')', '[': ']', '{': '}'}
	bracketName = map[byte]string{
		'(': "parenthesis", ')': "parenthesis",
		'[': "bracket", ']': "bracket",
		'{': "brace", '}': "brace",
	}
	blockKeywords = map[string]bool{
		"if": true, "elif": true, "else": true, "for": true, "while": true,
		"def": true, "class": true, "try": true, "except": true, "finally": true,
		"with": true,
	}
)

// scanLogicalLines tokenizes src far enough to join physical lines into
// logical lines and to report unterminated strings and unbalanced brackets.
func scanLogicalLines(src string) ([]logicalLine, *syntaxError) {
	src = strings.ReplaceAll(src, "\r\n", "\n")

	var (
		lines   []logicalLine
		stack   []bracket
		cur     strings.Builder
		ll      logicalLine
		lineNo  = 1
		atStart = true
		open    bool
	)

	finish := func() {
		ll.text = strings.TrimSpace(cur.String())
		lines = append(lines, ll)
		cur.Reset()
		open = false
		atStart = true
	}

	n := len(src)
	i := 0
	for i < n {
		if atStart {
			col := 0
			j := i
			for j < n && (src[j] == ' ' || src[j] == '\t' || src[j] == '\f') {
				if src[j] == '\t' {
					col = (col/8 + 1) * 8
				} else {
					col++
				}
				j++
			}
			if j >= n {
				break
			}
			// blank and comment-only lines carry no indentation
			if src[j] == '\n' || src[j] == '#' {
				for j < n && src[j] != '\n' {
					j++
				}
				if j < n {
					j++
					lineNo++
				}
				i = j
				continue
			}
			ll = logicalLine{line: lineNo, indent: col}
			open = true
			atStart = false
			i = j
			continue
		}

		c := src[i]
		switch {
		case c == '#':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '\\' && i+1 < n && src[i+1] == '\n':
			cur.WriteByte(' ')
			i += 2
			lineNo++
		case c == '\n':
			i++
			lineNo++
			if len(stack) > 0 {
				cur.WriteByte(' ')
				continue
			}
			finish()
		case c == '\'' || c == '"':
			end, newlines, err := scanString(src, i, lineNo)
			if err != nil {
				err.text = physicalLine(src, err.line)
				return nil, err
			}
			cur.WriteString(`""`)
			ll.opens = false
			lineNo += newlines
			i = end
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, bracket{ch: c, line: lineNo})
			cur.WriteByte(c)
			ll.opens = false
			i++
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 {
				return nil, &syntaxError{line: lineNo, msg: fmt.Sprintf("unmatched '%c'", c), text: physicalLine(src, lineNo)}
			}
			top := stack[len(stack)-1]
			if closerFor[top.ch] != c {
				msg := fmt.Sprintf("closing %s '%c' does not match opening %s '%c'", bracketName[c], c, bracketName[top.ch], top.ch)
				if top.line != lineNo {
					msg += fmt.Sprintf(" on line %d", top.line)
				}
				return nil, &syntaxError{line: lineNo, msg: msg, text: physicalLine(src, lineNo)}
			}
			stack = stack[:len(stack)-1]
			cur.WriteByte(c)
			ll.opens = false
			i++
		case c == ':':
			if len(stack) == 0 {
				ll.colon = true
				ll.opens = true
			}
			cur.WriteByte(c)
			i++
		default:
			if c != ' ' && c != '\t' && c != '\f' && c != '\r' {
				ll.opens = false
			}
			cur.WriteByte(c)
			i++
		}
	}

	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return nil, &syntaxError{line: top.line, msg: fmt.Sprintf("'%c' was never closed", top.ch), text: physicalLine(src, top.line)}
	}
	if open {
		finish()
	}
	return lines, nil
}

// scanString consumes the string literal starting at src[start] and returns
// the index after it and the number of newlines it spans.
func scanString(src string, start, lineNo int) (int, int, *syntaxError) {
	q := src[start]
	triple := strings.HasPrefix(src[start:], strings.Repeat(string(q), 3))
	newlines := 0
	i := start + 1
	if triple {
		i = start + 3
	}
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\\':
			if i+1 < len(src) && src[i+1] == '\n' {
				newlines++
			}
			i += 2
			continue
		case c == '\n':
			if !triple {
				return 0, 0, &syntaxError{line: lineNo + newlines, msg: fmt.Sprintf("unterminated string literal (detected at line %d)", lineNo+newlines)}
			}
			newlines++
		case c == q:
			if !triple {
				return i + 1, newlines, nil
			}
			if strings.HasPrefix(src[i:], strings.Repeat(string(q), 3)) {
				return i + 3, newlines, nil
			}
		}
		i++
	}
	if triple {
		return 0, 0, &syntaxError{line: lineNo, msg: fmt.Sprintf("unterminated triple-quoted string literal (detected at line %d)", lineNo+newlines)}
	}
	return 0, 0, &syntaxError{line: lineNo + newlines, msg: fmt.Sprintf("unterminated string literal (detected at line %d)", lineNo+newlines)}
}

// checkIndentation walks logical lines the way the Python tokenizer emits
// INDENT and DEDENT tokens.
func checkIndentation(lines []logicalLine) *syntaxError {
	levels := []int{0}
	expect := false
	header := 0
	for _, ll := range lines {
		top := levels[len(levels)-1]
		switch {
		case expect:
			if ll.indent <= top {
				return &syntaxError{line: ll.line, msg: fmt.Sprintf("expected an indented block after line %d", header), text: ll.text}
			}
			levels = append(levels, ll.indent)
		case ll.indent > top:
			return &syntaxError{line: ll.line, msg: "unexpected indent", text: ll.text}
		case ll.indent < top:
			for len(levels) > 1 && levels[len(levels)-1] > ll.indent {
				levels = levels[:len(levels)-1]
			}
			if levels[len(levels)-1] != ll.indent {
				return &syntaxError{line: ll.line, msg: "unindent does not match any outer indentation level", text: ll.text}
			}
		}
		expect = false

		if blockKeywords[firstWord(ll.text)] && !ll.colon {
			return &syntaxError{line: ll.line, msg: "expected ':'", text: ll.text}
		}
		if ll.opens {
			expect = true
			header = ll.line
		}
	}
	if expect {
		return &syntaxError{line: header, msg: fmt.Sprintf("expected an indented block after line %d", header)}
	}
	return nil
}

func checkSyntax(code string) ([]logicalLine, *syntaxError) {
	lines, err := scanLogicalLines(code)
	if err != nil {
		return nil, err
	}
	if err := checkIndentation(lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// firstWord returns the leading identifier of a logical line, skipping async.
func firstWord(text string) string {
	word := leadingIdent(text)
	if word == "async" {
		return leadingIdent(strings.TrimSpace(text[len(word):]))
	}
	return word
}

func leadingIdent(s string) string {
	end := 0
	for end < len(s) && isIdentByte(s[end], end == 0) {
		end++
	}
	return s[:end]
}

func isIdentByte(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

func physicalLine(src string, line int) string {
	lines := strings.Split(src, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}

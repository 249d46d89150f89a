package sandbox

import "strings"

// Lexer states for Normalize.
const (
	stCode = iota
	stSingle
	stDouble
	stTemplate
	stLineComment
	stBlockComment
	stRegex
)

// Normalize repairs the most common lexical defect in generated scripts:
// raw newlines inside single- or double-quoted string literals, which are
// illegal in JavaScript. Each raw newline (and CRLF pair) inside such a
// literal is re-escaped to the two-character sequence \n. Escape sequences
// are honored, so an escaped quote does not close the literal and an
// existing \n escape stays untouched. Backtick template bodies and comments
// pass through verbatim since raw newlines are legal there. A conservative
// token heuristic distinguishes regex literals from division so a quote
// inside a pattern does not open a string.
func Normalize(src string) string {
	var b strings.Builder
	b.Grow(len(src))

	state := stCode
	inClass := false  // inside a regex character class [...]
	var lastSig byte  // last significant byte seen in code state

	for i := 0; i < len(src); i++ {
		c := src[i]

		switch state {
		case stCode:
			switch c {
			case '\'':
				state = stSingle
			case '"':
				state = stDouble
			case '`':
				state = stTemplate
			case '/':
				if i+1 < len(src) && src[i+1] == '/' {
					state = stLineComment
				} else if i+1 < len(src) && src[i+1] == '*' {
					state = stBlockComment
				} else if regexCanFollow(lastSig) {
					state = stRegex
					inClass = false
				}
			}
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				lastSig = c
			}
			b.WriteByte(c)

		case stSingle, stDouble:
			switch c {
			case '\\':
				b.WriteByte(c)
				if i+1 < len(src) {
					i++
					b.WriteByte(src[i])
				}
				continue
			case '\r':
				if i+1 < len(src) && src[i+1] == '\n' {
					continue // the \n that follows produces the escape
				}
				b.WriteString(`\n`)
				continue
			case '\n':
				b.WriteString(`\n`)
				continue
			case '\'':
				if state == stSingle {
					state = stCode
					lastSig = c
				}
			case '"':
				if state == stDouble {
					state = stCode
					lastSig = c
				}
			}
			b.WriteByte(c)

		case stTemplate:
			if c == '\\' {
				b.WriteByte(c)
				if i+1 < len(src) {
					i++
					b.WriteByte(src[i])
				}
				continue
			}
			if c == '`' {
				state = stCode
				lastSig = c
			}
			b.WriteByte(c)

		case stLineComment:
			if c == '\n' {
				state = stCode
			}
			b.WriteByte(c)

		case stBlockComment:
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				state = stCode
				b.WriteString("*/")
				i++
				continue
			}
			b.WriteByte(c)

		case stRegex:
			switch c {
			case '\\':
				b.WriteByte(c)
				if i+1 < len(src) {
					i++
					b.WriteByte(src[i])
				}
				continue
			case '[':
				inClass = true
			case ']':
				inClass = false
			case '/':
				if !inClass {
					state = stCode
					lastSig = c
				}
			case '\n':
				// an unterminated regex is already invalid; leave it alone
				state = stCode
			}
			b.WriteByte(c)
		}
	}

	return b.String()
}

// regexCanFollow reports whether a / at this position starts a regex
// literal rather than a division. After a value-ending token (identifier
// tail, number, closing bracket, quote) a slash divides; after an
// operator, opening bracket or at the start of input it begins a pattern.
func regexCanFollow(lastSig byte) bool {
	switch {
	case lastSig == 0:
		return true
	case lastSig >= 'a' && lastSig <= 'z', lastSig >= 'A' && lastSig <= 'Z':
		return false
	case lastSig >= '0' && lastSig <= '9':
		return false
	}
	switch lastSig {
	case ')', ']', '}', '_', '$', '\'', '"', '`', '.':
		return false
	}
	return true
}

package guard

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokNull
	tokUndefined
	tokStrictEq  // ===
	tokStrictNeq // !==
	tokLt        // <
	tokLte       // <=
	tokGt        // >
	tokGte       // >=
	tokAnd       // &&
	tokOr        // ||
	tokNot       // !
	tokDot       // .
	tokLBracket  // [
	tokRBracket  // ]
	tokLParen    // (
	tokRParen    // )
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lex tokenizes the restricted expression grammar. Only the operators in the
// grammar are accepted; single '=' and '==' are rejected outright so sloppy
// guards fail at plan admission, not silently at runtime.
func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)
	for i < n {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, pos: i})
			i++
		case c == '[':
			tokens = append(tokens, token{kind: tokLBracket, pos: i})
			i++
		case c == ']':
			tokens = append(tokens, token{kind: tokRBracket, pos: i})
			i++
		case c == '.':
			tokens = append(tokens, token{kind: tokDot, pos: i})
			i++
		case c == '&':
			if i+1 >= n || input[i+1] != '&' {
				return nil, fmt.Errorf("guard: position %d: expected '&&'", i)
			}
			tokens = append(tokens, token{kind: tokAnd, pos: i})
			i += 2
		case c == '|':
			if i+1 >= n || input[i+1] != '|' {
				return nil, fmt.Errorf("guard: position %d: expected '||'", i)
			}
			tokens = append(tokens, token{kind: tokOr, pos: i})
			i += 2
		case c == '=':
			if strings.HasPrefix(input[i:], "===") {
				tokens = append(tokens, token{kind: tokStrictEq, pos: i})
				i += 3
			} else {
				return nil, fmt.Errorf("guard: position %d: only '===' is supported", i)
			}
		case c == '!':
			switch {
			case strings.HasPrefix(input[i:], "!=="):
				tokens = append(tokens, token{kind: tokStrictNeq, pos: i})
				i += 3
			case strings.HasPrefix(input[i:], "!="):
				return nil, fmt.Errorf("guard: position %d: only '!==' is supported", i)
			default:
				tokens = append(tokens, token{kind: tokNot, pos: i})
				i++
			}
		case c == '<':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{kind: tokLte, pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokLt, pos: i})
				i++
			}
		case c == '>':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{kind: tokGte, pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokGt, pos: i})
				i++
			}
		case c == '\'' || c == '"':
			lit, next, err := lexString(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: lit, pos: i})
			i = next
		case c >= '0' && c <= '9':
			start := i
			for i < n && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			num, err := strconv.ParseFloat(input[start:i], 64)
			if err != nil {
				return nil, fmt.Errorf("guard: position %d: bad number %q", start, input[start:i])
			}
			tokens = append(tokens, token{kind: tokNumber, num: num, pos: start})
		case isIdentStart(rune(c)):
			start := i
			for i < n && isIdentPart(rune(input[i])) {
				i++
			}
			word := input[start:i]
			kind := tokIdent
			switch word {
			case "true":
				kind = tokTrue
			case "false":
				kind = tokFalse
			case "null":
				kind = tokNull
			case "undefined":
				kind = tokUndefined
			}
			tokens = append(tokens, token{kind: kind, text: word, pos: start})
		default:
			return nil, fmt.Errorf("guard: position %d: unexpected character %q", i, c)
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: n})
	return tokens, nil
}

func lexString(input string, start int) (string, int, error) {
	quote := input[start]
	var sb strings.Builder
	i := start + 1
	for i < len(input) {
		c := input[i]
		if c == quote {
			return sb.String(), i + 1, nil
		}
		if c == '\\' && i+1 < len(input) {
			next := input[i+1]
			switch next {
			case '\\', '\'', '"':
				sb.WriteByte(next)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				return "", 0, fmt.Errorf("guard: position %d: unknown escape \\%c", i, next)
			}
			i += 2
			continue
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("guard: position %d: unterminated string", start)
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

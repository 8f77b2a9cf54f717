package script

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokNumber
	tokIdent
	tokAssign    // =
	tokPlus      // +
	tokMinus     // -
	tokStar      // *
	tokSlash     // /
	tokPercent   // %
	tokLParen    // (
	tokRParen    // )
	tokLBracket  // [
	tokRBracket  // ]
	tokComma     // ,
	tokDot       // .
	tokQuestion  // ?
	tokColon     // :
	tokLess      // <
	tokLessEq    // <=
	tokGreater   // >
	tokGreaterEq // >=
	tokEq        // ==
	tokNotEq     // !=
	tokAnd       // &&
	tokOr        // ||
	tokNot       // !
	tokNewline   // statement separator (newline or ;)
)

type token struct {
	typ  tokenType
	text string
	num  float64
	line int
	col  int
}

func (t token) String() string {
	switch t.typ {
	case tokEOF:
		return "end of source"
	case tokNewline:
		return "end of statement"
	case tokNumber:
		return fmt.Sprintf("number %s", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

// CompileError is a fail-fast compilation error carrying the source
// position of the offending token.
type CompileError struct {
	Line int
	Col  int
	Msg  string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Col, e.Msg)
}

func errAt(line, col int, format string, args ...interface{}) error {
	return &CompileError{Line: line, Col: col, Msg: fmt.Sprintf(format, args...)}
}

// lex tokenises decoder source. Comments run from '#' to end of line.
// Newlines and semicolons become statement separators; consecutive
// separators are collapsed.
func lex(src string) ([]token, error) {
	var toks []token
	line, col := 1, 1
	runes := []rune(src)
	i := 0

	emit := func(typ tokenType, text string, startCol int) {
		// Collapse runs of separators and drop leading ones.
		if typ == tokNewline {
			if len(toks) == 0 || toks[len(toks)-1].typ == tokNewline {
				return
			}
		}
		toks = append(toks, token{typ: typ, text: text, line: line, col: startCol})
	}

	for i < len(runes) {
		c := runes[i]
		startCol := col

		switch {
		case c == '\n':
			emit(tokNewline, "\\n", startCol)
			line++
			col = 1
			i++
			continue
		case c == ';':
			emit(tokNewline, ";", startCol)
		case c == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
				col++
			}
			continue
		case c == ' ' || c == '\t' || c == '\r':
			// skip
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == 'e' || runes[i] == 'E' ||
				((runes[i] == '+' || runes[i] == '-') && (runes[i-1] == 'e' || runes[i-1] == 'E'))) {
				i++
				col++
			}
			text := string(runes[start:i])
			num, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, errAt(line, startCol, "invalid number %q", text)
			}
			toks = append(toks, token{typ: tokNumber, text: text, num: num, line: line, col: startCol})
			continue
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
				col++
			}
			emit(tokIdent, string(runes[start:i]), startCol)
			continue
		case strings.ContainsRune("=<>!&|", c):
			two := string(c)
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "==":
				emit(tokEq, two, startCol)
			case "!=":
				emit(tokNotEq, two, startCol)
			case "<=":
				emit(tokLessEq, two, startCol)
			case ">=":
				emit(tokGreaterEq, two, startCol)
			case "&&":
				emit(tokAnd, two, startCol)
			case "||":
				emit(tokOr, two, startCol)
			default:
				switch c {
				case '=':
					emit(tokAssign, "=", startCol)
				case '<':
					emit(tokLess, "<", startCol)
				case '>':
					emit(tokGreater, ">", startCol)
				case '!':
					emit(tokNot, "!", startCol)
				default:
					return nil, errAt(line, startCol, "unexpected character %q", string(c))
				}
				i++
				col++
				continue
			}
			i += 2
			col += 2
			continue
		case c == '+':
			emit(tokPlus, "+", startCol)
		case c == '-':
			emit(tokMinus, "-", startCol)
		case c == '*':
			emit(tokStar, "*", startCol)
		case c == '/':
			emit(tokSlash, "/", startCol)
		case c == '%':
			emit(tokPercent, "%", startCol)
		case c == '(':
			emit(tokLParen, "(", startCol)
		case c == ')':
			emit(tokRParen, ")", startCol)
		case c == '[':
			emit(tokLBracket, "[", startCol)
		case c == ']':
			emit(tokRBracket, "]", startCol)
		case c == ',':
			emit(tokComma, ",", startCol)
		case c == '.':
			emit(tokDot, ".", startCol)
		case c == '?':
			emit(tokQuestion, "?", startCol)
		case c == ':':
			emit(tokColon, ":", startCol)
		default:
			return nil, errAt(line, startCol, "unexpected character %q", string(c))
		}
		i++
		col++
	}

	// Trailing separator keeps the parser's statement loop uniform.
	if len(toks) > 0 && toks[len(toks)-1].typ != tokNewline {
		toks = append(toks, token{typ: tokNewline, text: "\\n", line: line, col: col})
	}
	toks = append(toks, token{typ: tokEOF, line: line, col: col})
	return toks, nil
}

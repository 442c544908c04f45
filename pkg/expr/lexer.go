package expr

import (
	"strings"

	"github.com/pkg/errors"
)

// lexer produces tokens from an expression source string.
// The language is a single line; there is no trivia beyond spaces.
type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

// Lex scans the whole source up front. Expressions are short, so the
// parser works over a token slice rather than a streaming lexer.
func (lx *lexer) Lex() ([]Token, error) {
	var tokens []Token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Kind == TokenEOF {
			return tokens, nil
		}
	}
}

func (lx *lexer) next() (Token, error) {
	lx.skipSpaces()
	if lx.pos >= len(lx.src) {
		return Token{Kind: TokenEOF, Pos: lx.pos}, nil
	}

	start := lx.pos
	ch := lx.src[lx.pos]

	switch {
	case isIdentStart(ch):
		return lx.scanIdentOrKeyword(), nil
	case isDigit(ch) || (ch == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1])):
		return lx.scanNumber(), nil
	case ch == '\'' || ch == '"':
		return lx.scanString(ch)
	}

	lx.pos++
	switch ch {
	case '(':
		return Token{Kind: TokenLParen, Pos: start}, nil
	case ')':
		return Token{Kind: TokenRParen, Pos: start}, nil
	case '[':
		return Token{Kind: TokenLBracket, Pos: start}, nil
	case ']':
		return Token{Kind: TokenRBracket, Pos: start}, nil
	case ',':
		return Token{Kind: TokenComma, Pos: start}, nil
	case '.':
		return Token{Kind: TokenDot, Pos: start}, nil
	case '+':
		return Token{Kind: TokenPlus, Pos: start}, nil
	case '-':
		return Token{Kind: TokenMinus, Pos: start}, nil
	case '*':
		return Token{Kind: TokenStar, Pos: start}, nil
	case '/':
		return Token{Kind: TokenSlash, Pos: start}, nil
	case '&':
		return Token{Kind: TokenAmp, Pos: start}, nil
	case '|':
		return Token{Kind: TokenPipe, Pos: start}, nil
	case '~':
		return Token{Kind: TokenTilde, Pos: start}, nil
	case '=':
		if lx.peek() == '=' {
			lx.pos++
			return Token{Kind: TokenEq, Pos: start}, nil
		}
		return Token{Kind: TokenAssign, Pos: start}, nil
	case '!':
		if lx.peek() == '=' {
			lx.pos++
			return Token{Kind: TokenNe, Pos: start}, nil
		}
		return Token{}, errors.Errorf("unexpected character %q at offset %d", ch, start)
	case '<':
		if lx.peek() == '=' {
			lx.pos++
			return Token{Kind: TokenLe, Pos: start}, nil
		}
		return Token{Kind: TokenLt, Pos: start}, nil
	case '>':
		if lx.peek() == '=' {
			lx.pos++
			return Token{Kind: TokenGe, Pos: start}, nil
		}
		return Token{Kind: TokenGt, Pos: start}, nil
	}

	return Token{}, errors.Errorf("unexpected character %q at offset %d", ch, start)
}

func (lx *lexer) peek() byte {
	if lx.pos >= len(lx.src) {
		return 0
	}
	return lx.src[lx.pos]
}

func (lx *lexer) skipSpaces() {
	for lx.pos < len(lx.src) {
		switch lx.src[lx.pos] {
		case ' ', '\t', '\n', '\r':
			lx.pos++
		default:
			return
		}
	}
}

func (lx *lexer) scanIdentOrKeyword() Token {
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentContinue(lx.src[lx.pos]) {
		lx.pos++
	}
	text := lx.src[start:lx.pos]

	// r'...' and r"..." raw string literals keep the pandas regex form.
	if text == "r" && lx.pos < len(lx.src) && (lx.src[lx.pos] == '\'' || lx.src[lx.pos] == '"') {
		quote := lx.src[lx.pos]
		lx.pos++
		raw := lx.pos
		for lx.pos < len(lx.src) && lx.src[lx.pos] != quote {
			lx.pos++
		}
		value := lx.src[raw:lx.pos]
		if lx.pos < len(lx.src) {
			lx.pos++ // closing quote
		}
		return Token{Kind: TokenString, Text: value, Pos: start}
	}

	if kind, ok := keywords[text]; ok {
		return Token{Kind: kind, Text: text, Pos: start}
	}
	return Token{Kind: TokenIdent, Text: text, Pos: start}
}

func (lx *lexer) scanNumber() Token {
	start := lx.pos
	seenDot := false
	for lx.pos < len(lx.src) {
		ch := lx.src[lx.pos]
		if isDigit(ch) {
			lx.pos++
			continue
		}
		if ch == '.' && !seenDot {
			seenDot = true
			lx.pos++
			continue
		}
		break
	}
	return Token{Kind: TokenNumber, Text: lx.src[start:lx.pos], Pos: start}
}

func (lx *lexer) scanString(quote byte) (Token, error) {
	start := lx.pos
	lx.pos++ // opening quote
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		ch := lx.src[lx.pos]
		if ch == quote {
			lx.pos++
			return Token{Kind: TokenString, Text: sb.String(), Pos: start}, nil
		}
		if ch == '\\' && lx.pos+1 < len(lx.src) {
			lx.pos++
			next := lx.src[lx.pos]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteByte(next)
			default:
				sb.WriteByte('\\')
				sb.WriteByte(next)
			}
			lx.pos++
			continue
		}
		sb.WriteByte(ch)
		lx.pos++
	}
	return Token{}, errors.Errorf("unterminated string literal at offset %d", start)
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentContinue(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

package expr

import "fmt"

// TokenKind enumerates the lexical tokens of the predicate language.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenIdent
	TokenNumber
	TokenString

	TokenLParen
	TokenRParen
	TokenLBracket
	TokenRBracket
	TokenComma
	TokenDot

	TokenPlus
	TokenMinus
	TokenStar
	TokenSlash

	TokenEq // ==
	TokenNe // !=
	TokenLt
	TokenLe
	TokenGt
	TokenGe

	TokenAmp   // &
	TokenPipe  // |
	TokenTilde // ~

	TokenAssign // = (keyword arguments only)

	// Keywords
	TokenTrue
	TokenFalse
	TokenNone
	TokenAnd
	TokenOr
	TokenNot
)

var tokenNames = map[TokenKind]string{
	TokenEOF:      "EOF",
	TokenIdent:    "identifier",
	TokenNumber:   "number",
	TokenString:   "string",
	TokenLParen:   "(",
	TokenRParen:   ")",
	TokenLBracket: "[",
	TokenRBracket: "]",
	TokenComma:    ",",
	TokenDot:      ".",
	TokenPlus:     "+",
	TokenMinus:    "-",
	TokenStar:     "*",
	TokenSlash:    "/",
	TokenEq:       "==",
	TokenNe:       "!=",
	TokenLt:       "<",
	TokenLe:       "<=",
	TokenGt:       ">",
	TokenGe:       ">=",
	TokenAmp:      "&",
	TokenPipe:     "|",
	TokenTilde:    "~",
	TokenAssign:   "=",
	TokenTrue:     "True",
	TokenFalse:    "False",
	TokenNone:     "None",
	TokenAnd:      "and",
	TokenOr:       "or",
	TokenNot:      "not",
}

func (k TokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

var keywords = map[string]TokenKind{
	"True":  TokenTrue,
	"False": TokenFalse,
	"None":  TokenNone,
	"and":   TokenAnd,
	"or":    TokenOr,
	"not":   TokenNot,
}

// Token is one lexical unit with its source position (byte offset).
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

func (t Token) String() string {
	if t.Text == "" {
		return t.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", t.Kind, t.Text)
}

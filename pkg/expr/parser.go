package expr

import (
	"strconv"

	"github.com/pkg/errors"
)

// parser is a recursive-descent parser over the token slice.
//
// Two precedence schemes exist for & and |. The corpus of rules was
// written against pandas, where & and | bind tighter than comparisons
// and every comparison needs parentheses. By default this parser gives
// & and | logical-conjunction precedence (looser than comparisons),
// which is what rule authors almost always mean. Setting pandas
// precedence restores the faithful binding; the choice is per
// expression and never silent.
type parser struct {
	tokens []Token
	pos    int
	pandas bool
}

// Parse compiles source text into an AST.
func Parse(src string, pandasPrecedence bool) (Node, error) {
	tokens, err := newLexer(src).Lex()
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, pandas: pandasPrecedence}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current().Kind != TokenEOF {
		return nil, errors.Errorf("unexpected %s at offset %d", p.current(), p.current().Pos)
	}
	return node, nil
}

func (p *parser) current() Token {
	return p.tokens[p.pos]
}

func (p *parser) advance() Token {
	tok := p.tokens[p.pos]
	if tok.Kind != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.current()
	if tok.Kind != kind {
		return Token{}, errors.Errorf("expected %s, found %s at offset %d", kind, tok, tok.Pos)
	}
	return p.advance(), nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		kind := p.current().Kind
		if kind != TokenOr && !(kind == TokenPipe && !p.pandas) {
			return left, nil
		}
		op := p.advance().Kind
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, X: left, Y: right}
	}
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		kind := p.current().Kind
		if kind != TokenAnd && !(kind == TokenAmp && !p.pandas) {
			return left, nil
		}
		op := p.advance().Kind
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, X: left, Y: right}
	}
}

func (p *parser) parseNot() (Node, error) {
	kind := p.current().Kind
	if kind == TokenNot || (kind == TokenTilde && !p.pandas) {
		op := p.advance().Kind
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, X: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseBitOr()
	if err != nil {
		return nil, err
	}
	for {
		kind := p.current().Kind
		switch kind {
		case TokenEq, TokenNe, TokenLt, TokenLe, TokenGt, TokenGe:
			op := p.advance().Kind
			right, err := p.parseBitOr()
			if err != nil {
				return nil, err
			}
			left = &Binary{Op: op, X: left, Y: right}
		default:
			return left, nil
		}
	}
}

// parseBitOr and parseBitAnd only see & and | in pandas-precedence
// mode; otherwise those tokens are consumed by parseOr/parseAnd.
func (p *parser) parseBitOr() (Node, error) {
	left, err := p.parseBitAnd()
	if err != nil {
		return nil, err
	}
	for p.pandas && p.current().Kind == TokenPipe {
		p.advance()
		right, err := p.parseBitAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: TokenPipe, X: left, Y: right}
	}
	return left, nil
}

func (p *parser) parseBitAnd() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.pandas && p.current().Kind == TokenAmp {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: TokenAmp, X: left, Y: right}
	}
	return left, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		kind := p.current().Kind
		if kind != TokenPlus && kind != TokenMinus {
			return left, nil
		}
		op := p.advance().Kind
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, X: left, Y: right}
	}
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		kind := p.current().Kind
		if kind != TokenStar && kind != TokenSlash {
			return left, nil
		}
		op := p.advance().Kind
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, X: left, Y: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	kind := p.current().Kind
	if kind == TokenMinus || (kind == TokenTilde && p.pandas) {
		op := p.advance().Kind
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, X: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.current().Kind {
		case TokenLBracket:
			p.advance()
			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokenRBracket); err != nil {
				return nil, err
			}
			node = &Index{X: node, Key: key}
		case TokenDot:
			p.advance()
			name, err := p.expect(TokenIdent)
			if err != nil {
				return nil, err
			}
			node = &Attr{X: node, Name: name.Text}
		case TokenLParen:
			call, err := p.parseCall(node)
			if err != nil {
				return nil, err
			}
			node = call
		default:
			return node, nil
		}
	}
}

func (p *parser) parseCall(fn Node) (Node, error) {
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	call := &Call{Fn: fn}
	for p.current().Kind != TokenRParen {
		// keyword argument: ident '=' expression
		if p.current().Kind == TokenIdent && p.tokens[p.pos+1].Kind == TokenAssign {
			name := p.advance().Text
			p.advance() // '='
			value, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.Kwargs = append(call.Kwargs, Kwarg{Name: name, Value: value})
		} else {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
		}
		if p.current().Kind == TokenComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.current()
	switch tok.Kind {
	case TokenNumber:
		p.advance()
		value, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid number %q at offset %d", tok.Text, tok.Pos)
		}
		return &NumberLit{Value: value}, nil
	case TokenString:
		p.advance()
		return &StringLit{Value: tok.Text}, nil
	case TokenTrue:
		p.advance()
		return &BoolLit{Value: true}, nil
	case TokenFalse:
		p.advance()
		return &BoolLit{Value: false}, nil
	case TokenNone:
		p.advance()
		return &NullLit{}, nil
	case TokenIdent:
		p.advance()
		return &Ident{Name: tok.Text}, nil
	case TokenLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case TokenLBracket:
		p.advance()
		list := &ListLit{}
		for p.current().Kind != TokenRBracket {
			item, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			list.Items = append(list.Items, item)
			if p.current().Kind == TokenComma {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expect(TokenRBracket); err != nil {
			return nil, err
		}
		return list, nil
	}
	return nil, errors.Errorf("unexpected %s at offset %d", tok, tok.Pos)
}

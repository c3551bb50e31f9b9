package parser

import (
	"fmt"
	"strconv"

	"github.com/meterlab/ammeter-pu/pkg/query/lexer"
)

type parser struct {
	tokens []lexer.Token
	pos    int
}

type Error struct {
	message string
}

func NewParserError(format string, a ...any) *Error {
	return &Error{message: fmt.Sprintf(format, a...)}
}

func (e *Error) Error() string {
	return e.message
}

func (p *parser) current() lexer.Token {
	if p.pos >= len(p.tokens) {
		return lexer.Token{Kind: lexer.EOF, Value: "EOF"}
	}

	return p.tokens[p.pos]
}

func (p *parser) kind() lexer.TokenKind {
	return p.current().Kind
}

func (p *parser) advance() lexer.Token {
	token := p.current()
	p.pos++

	return token
}

func unquote(value string) string {
	return value[1 : len(value)-1]
}

func (p *parser) parseIdentifier() (Identifier, error) {
	if p.kind() != lexer.Identifier {
		return Identifier{}, NewParserError("expected identifier, got %s", p.current().Debug())
	}

	prefix := p.advance().Value

	if p.kind() != lexer.Dot {
		return Identifier{Key: prefix}, nil
	}

	p.advance() // dot

	switch p.kind() {
	case lexer.Identifier:
		return Identifier{Identifier: prefix, Key: p.advance().Value}, nil
	case lexer.String:
		return Identifier{Identifier: prefix, Key: unquote(p.advance().Value)}, nil
	default:
		return Identifier{}, NewParserError("expected identifier or string, got %s", p.current().Debug())
	}
}

//nolint:gochecknoglobals
var operators = map[lexer.TokenKind]OperatorKind{
	lexer.Equals:        Equals,
	lexer.NotEquals:     NotEquals,
	lexer.Less:          Less,
	lexer.LessEquals:    LessEquals,
	lexer.Greater:       Greater,
	lexer.GreaterEquals: GreaterEquals,
	lexer.Like:          Like,
	lexer.ILike:         ILike,
}

func (p *parser) parseOperator() (OperatorKind, error) {
	token := p.advance()

	operator, ok := operators[token.Kind]
	if !ok {
		return -1, NewParserError("expected operator, got %s", token.Debug())
	}

	return operator, nil
}

func (p *parser) parseValue() (Value, error) {
	switch p.kind() {
	case lexer.Number:
		number, err := strconv.ParseFloat(p.advance().Value, 64)
		if err != nil {
			return nil, fmt.Errorf("number token could not be parsed to float: %w", err)
		}

		return NumberExpr{Value: number}, nil
	case lexer.String:
		return StringExpr{Value: unquote(p.advance().Value)}, nil
	default:
		return nil, NewParserError("expected number or string, got %s", p.current().Debug())
	}
}

func (p *parser) parseInSet(ident Identifier, operator OperatorKind) (*CompareExpr, error) {
	if p.kind() != lexer.OpenParen {
		return nil, NewParserError("expected '(', got %s", p.current().Debug())
	}

	p.advance()

	values := make([]string, 0)

	for p.kind() != lexer.CloseParen {
		if p.kind() != lexer.String {
			return nil, NewParserError("expected string, got %s", p.current().Debug())
		}

		values = append(values, unquote(p.advance().Value))

		switch p.kind() {
		case lexer.Comma:
			p.advance()
		case lexer.CloseParen:
		default:
			return nil, NewParserError("expected ',' or ')', got %s", p.current().Debug())
		}
	}

	p.advance()

	if len(values) == 0 {
		return nil, NewParserError("expected at least one value in %s list", operator)
	}

	return &CompareExpr{Left: ident, Operator: operator, Right: StringListExpr{Values: values}}, nil
}

func (p *parser) parseExpression() (*CompareExpr, error) {
	ident, err := p.parseIdentifier()
	if err != nil {
		return nil, err
	}

	switch p.kind() {
	case lexer.In:
		p.advance()

		return p.parseInSet(ident, In)
	case lexer.Not:
		p.advance()

		if p.kind() != lexer.In {
			return nil, NewParserError("expected IN after NOT, got %s", p.current().Debug())
		}

		p.advance()

		return p.parseInSet(ident, NotIn)
	default:
		operator, err := p.parseOperator()
		if err != nil {
			return nil, err
		}

		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}

		return &CompareExpr{Left: ident, Operator: operator, Right: value}, nil
	}
}

func (p *parser) parse() (*AndExpr, error) {
	first, err := p.parseExpression()
	if err != nil {
		return nil, fmt.Errorf("error while parsing initial expression: %w", err)
	}

	exprs := []*CompareExpr{first}

	for p.kind() == lexer.And {
		p.advance()

		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}

		exprs = append(exprs, expr)
	}

	if p.kind() != lexer.EOF {
		return nil, NewParserError("unexpected leftover token(s) after parsing: %s", p.current().Debug())
	}

	return &AndExpr{Exprs: exprs}, nil
}

// Parse builds a conjunction of comparisons from tokens.
func Parse(tokens []lexer.Token) (*AndExpr, error) {
	p := &parser{tokens: tokens}

	return p.parse()
}

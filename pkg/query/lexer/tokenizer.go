package lexer

import (
	"fmt"
	"regexp"
	"strings"
)

type handler func(lex *lexer, match string)

type pattern struct {
	regex   *regexp.Regexp
	handler handler
}

type lexer struct {
	source string
	pos    int
	tokens []Token
}

type Error struct {
	message string
}

func NewLexerError(format string, a ...any) *Error {
	return &Error{message: fmt.Sprintf(format, a...)}
}

func (e *Error) Error() string {
	return e.message
}

// Patterns are anchored and tried in order, so longer operators come first.
//
//nolint:gochecknoglobals
var patterns = []pattern{
	{regexp.MustCompile(`^\s+`), skip},
	{regexp.MustCompile(`^"[^"]*"`), emit(String)},
	{regexp.MustCompile(`^'[^']*'`), emit(String)},
	{regexp.MustCompile("^`[^`]*`"), emit(String)},
	{regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?`), emit(Number)},
	{regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*`), symbol},
	{regexp.MustCompile(`^\(`), emit(OpenParen)},
	{regexp.MustCompile(`^\)`), emit(CloseParen)},
	{regexp.MustCompile(`^!=`), emit(NotEquals)},
	{regexp.MustCompile(`^<>`), emit(NotEquals)},
	{regexp.MustCompile(`^=`), emit(Equals)},
	{regexp.MustCompile(`^<=`), emit(LessEquals)},
	{regexp.MustCompile(`^<`), emit(Less)},
	{regexp.MustCompile(`^>=`), emit(GreaterEquals)},
	{regexp.MustCompile(`^>`), emit(Greater)},
	{regexp.MustCompile(`^\.`), emit(Dot)},
	{regexp.MustCompile(`^,`), emit(Comma)},
}

func Tokenize(source *string) ([]Token, error) {
	lex := &lexer{source: *source, tokens: make([]Token, 0)}

	for lex.pos < len(lex.source) {
		remainder := lex.source[lex.pos:]
		matched := false

		for _, p := range patterns {
			if match := p.regex.FindString(remainder); match != "" {
				p.handler(lex, match)
				lex.pos += len(match)
				matched = true

				break
			}
		}

		if !matched {
			return lex.tokens, NewLexerError("unrecognized token near '%v'", remainder)
		}
	}

	lex.tokens = append(lex.tokens, Token{Kind: EOF, Value: "EOF"})

	return lex.tokens, nil
}

func emit(kind TokenKind) handler {
	return func(lex *lexer, match string) {
		lex.tokens = append(lex.tokens, Token{Kind: kind, Value: match})
	}
}

func symbol(lex *lexer, match string) {
	kind, found := reserved[strings.ToUpper(match)]
	if !found {
		kind = Identifier
	}

	lex.tokens = append(lex.tokens, Token{Kind: kind, Value: match})
}

func skip(*lexer, string) {}

package parser

import (
	"fmt"
	"strings"
)

// SyntaxError is returned for any lexing or parsing failure. It points at
// the offending token.
type SyntaxError struct {
	Pos    int
	Line   int
	Column int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

func newSyntaxError(tok Token, format string, args ...interface{}) *SyntaxError {
	return &SyntaxError{
		Pos:    tok.Position,
		Line:   tok.Line,
		Column: tok.Column,
		Msg:    fmt.Sprintf(format, args...),
	}
}

func illegalTokenError(tok Token) *SyntaxError {
	if strings.HasPrefix(tok.Literal, `"`) {
		return newSyntaxError(tok, "unterminated or empty signal reference %s", tok.Literal)
	}
	return newSyntaxError(tok, "unexpected character %q", tok.Literal)
}

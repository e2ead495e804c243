package daqhub

import (
	"errors"
	"fmt"

	"github.com/chosenoffset/daqhub/pkg/daqhub/parser"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicate   = errors.New("already exists")
	ErrStopTimeout = errors.New("timed out waiting for task to stop")
)

// CompileError reports a syntax error in a named expression.
type CompileError struct {
	Expression string
	Err        error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expression, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// EvalError aborts a single evaluation of a single expression.
type EvalError struct {
	Expression string
	Line       int
	Msg        string
}

func (e *EvalError) Error() string {
	if e.Expression == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("expression %q line %d: %s", e.Expression, e.Line, e.Msg)
}

// LimitError is returned when a registry mutation would exceed a configured
// limit.
type LimitError struct {
	Resource string
	Current  int
	Limit    int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d > %d", e.Resource, e.Current, e.Limit)
}

// IsLimitError reports whether err is or wraps a *LimitError.
func IsLimitError(err error) bool {
	var limitErr *LimitError
	return errors.As(err, &limitErr)
}

// ErrorPosition returns the source line and column of a syntax error
// anywhere in err's chain.
func ErrorPosition(err error) (line, column int, ok bool) {
	var syntaxErr *parser.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return 0, 0, false
	}
	return syntaxErr.Line, syntaxErr.Column, true
}

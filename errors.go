// Completion: 100% - Error handling complete
package tracejit

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorLevel indicates the severity of an error
type ErrorLevel int

const (
	LevelWarning ErrorLevel = iota
	LevelError
	LevelFatal
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies the type of error
type ErrorCategory int

const (
	CategoryParse ErrorCategory = iota
	CategoryConfig
	CategoryCodegen
	CategoryRuntime
	CategoryInternal
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryParse:
		return "parse"
	case CategoryConfig:
		return "config"
	case CategoryCodegen:
		return "codegen"
	case CategoryRuntime:
		return "runtime"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

var (
	// ErrBridgeAlreadyCompiled is carried by the AssertionError raised when a
	// guard that already jumps to a bridge is handed a second one
	ErrBridgeAlreadyCompiled = errors.New("bridge already compiled")

	// ErrCompilationAborted is returned by a Recorder that gives up on a bridge
	ErrCompilationAborted = errors.New("compilation aborted")

	// ErrStepLimit is returned when the machine runs out of its step budget
	ErrStepLimit = errors.New("machine step limit exceeded")

	// ErrPendingException wraps an exception that escaped compiled code or the blackhole
	ErrPendingException = errors.New("pending exception")
)

// SourceLocation represents a position in a trace or jitcode listing
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

func (loc SourceLocation) String() string {
	if loc.File == "" {
		return fmt.Sprintf("%d:%d", loc.Line, loc.Column)
	}
	return fmt.Sprintf("%s:%d:%d", loc.File, loc.Line, loc.Column)
}

// JitError is a recoverable error surfaced by the public API
type JitError struct {
	Level      ErrorLevel
	Category   ErrorCategory
	Message    string
	Location   SourceLocation
	SourceLine string
	Suggestion string
	Err        error
}

// Error implements the error interface
func (e *JitError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Category.String())
	sb.WriteString(" ")
	sb.WriteString(e.Level.String())
	if e.Location.Line > 0 {
		sb.WriteString(" at ")
		sb.WriteString(e.Location.String())
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *JitError) Unwrap() error {
	return e.Err
}

// Format returns a multi-line message with the offending source line and a
// suggestion, if any
func (e *JitError) Format(useColor bool) string {
	var sb strings.Builder

	if useColor {
		sb.WriteString("\033[1;31m") // Bold red
	}
	sb.WriteString(e.Level.String())
	sb.WriteString(": ")
	if useColor {
		sb.WriteString("\033[0m")
	}
	sb.WriteString(e.Message)
	sb.WriteString("\n")

	if e.Location.Line > 0 {
		sb.WriteString("  --> ")
		sb.WriteString(e.Location.String())
		sb.WriteString("\n")
	}

	if e.SourceLine != "" {
		lineNum := fmt.Sprintf("%d", e.Location.Line)
		padding := strings.Repeat(" ", len(lineNum)+1)
		sb.WriteString(padding)
		sb.WriteString("|\n")
		sb.WriteString(lineNum)
		sb.WriteString(" | ")
		sb.WriteString(e.SourceLine)
		sb.WriteString("\n")
		if e.Location.Column > 0 {
			sb.WriteString(padding)
			sb.WriteString("| ")
			sb.WriteString(strings.Repeat(" ", e.Location.Column-1))
			sb.WriteString("^\n")
		}
	}

	if e.Suggestion != "" {
		if useColor {
			sb.WriteString("\033[1;32m") // Bold green
		}
		sb.WriteString("   help: ")
		if useColor {
			sb.WriteString("\033[0m")
		}
		sb.WriteString(e.Suggestion)
		sb.WriteString("\n")
	}

	return sb.String()
}

func newError(cat ErrorCategory, err error, format string, args ...any) *JitError {
	return &JitError{
		Level:    LevelError,
		Category: cat,
		Message:  fmt.Sprintf(format, args...),
		Err:      err,
	}
}

// AssertionError reports a broken internal invariant: an operand that does
// not fit its encoding, a register allocator inconsistency, a bridge linked
// twice. It is raised with panic and must never be recovered by library code.
type AssertionError struct {
	Message string
	Err     error
}

func (e *AssertionError) Error() string {
	if e.Err != nil {
		return "assertion failed: " + e.Message + ": " + e.Err.Error()
	}
	return "assertion failed: " + e.Message
}

func (e *AssertionError) Unwrap() error {
	return e.Err
}

// assertf panics with an AssertionError when cond is false
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(&AssertionError{Message: fmt.Sprintf(format, args...)})
	}
}

// failf unconditionally raises an AssertionError
func failf(format string, args ...any) {
	panic(&AssertionError{Message: fmt.Sprintf(format, args...)})
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Runtime failure (lost host, fetch failed, etc.)
	ExitCommandError = 2 // Command error (bad flags, bad join code, unreadable config, etc.)
)

// ErrorCode identifies a failure class in JSON error responses.
type ErrorCode string

const (
	CodeConfig   ErrorCode = "E001"
	CodeStorage  ErrorCode = "E002"
	CodeNetwork  ErrorCode = "E003"
	CodeJoinCode ErrorCode = "E004"
	CodeNotFound ErrorCode = "E005"
	CodeBadInput ErrorCode = "E006"
)

var codeNames = map[ErrorCode]string{
	CodeConfig:   "config",
	CodeStorage:  "storage",
	CodeNetwork:  "network",
	CodeJoinCode: "join code",
	CodeNotFound: "not found",
	CodeBadInput: "bad input",
}

// Name returns a short label for c, or the code itself if unknown.
func (c ErrorCode) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return string(c)
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int // ExitFailure or ExitCommandError
	Message string
	Err     error // optional cause
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as JSON or text. Results go to
// Writer; in text mode errors and verbose lines go to ErrWriter so a join
// code or blob listing can be piped cleanly.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of CLIResponse.
type CLIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

// Success writes data. Text output uses String when data is a
// fmt.Stringer and one line per element for string slices.
func (f *OutputFormatter) Success(data any) error {
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}

	switch v := data.(type) {
	case fmt.Stringer:
		_, err := fmt.Fprintln(f.Writer, v.String())
		return err
	case []string:
		_, err := fmt.Fprintln(f.Writer, strings.Join(v, "\n"))
		return err
	default:
		_, err := fmt.Fprintln(f.Writer, v)
		return err
	}
}

// Error writes an error response.
func (f *OutputFormatter) Error(code ErrorCode, message string, details any) error {
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	w := f.errWriter()
	fmt.Fprintf(w, "Error [%s] %s: %s\n", code, code.Name(), message)
	if f.Verbose && details != nil {
		fmt.Fprintf(w, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err through Error and returns it as an ExitError, so a
// command can end with `return f.Fail(...)`.
func (f *OutputFormatter) Fail(exitCode int, code ErrorCode, message string, err error) error {
	var details any
	if err != nil {
		details = errorChain(err)
	}
	_ = f.Error(code, message, details)
	return WrapExitError(exitCode, message, err)
}

// errorChain flattens err for display: the message alone when it has no
// wrapped cause, otherwise each distinct layer outermost first.
func errorChain(err error) any {
	var chain []string
	seen := ""
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := e.Error()
		if msg == seen {
			continue
		}
		chain = append(chain, msg)
		seen = msg
	}
	if len(chain) == 1 {
		return chain[0]
	}
	return chain
}

// VerboseLog writes a diagnostic line when verbose is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

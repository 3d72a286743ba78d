// Package classify normalizes raw failures into the gateway's error taxonomy.
// Classified errors cross service boundaries; raw errors stay in logs.
package classify

import (
	"errors"
	"regexp"
)

// Code identifies a class of failure.
type Code string

const (
	CodeAuthError          Code = "auth_error"
	CodeCLIMissing         Code = "cli_missing"
	CodeWorkspaceMissing   Code = "workspace_missing"
	CodeFSPermission       Code = "fs_permission"
	CodeInternalCLIFailure Code = "internal_cli_failure"
	CodeCancelled          Code = "cancelled"
	CodeTimeout            Code = "timeout"
	CodeUnknown            Code = "unknown"
)

// ClassifiedError is the normalized form of a failure. The original error is
// retained for logging only and is never surfaced externally.
type ClassifiedError struct {
	Code      Code
	Message   string
	Retryable bool
	Meta      map[string]string
	original  error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the original error for errors.Is/As in logs.
func (e *ClassifiedError) Unwrap() error {
	return e.original
}

// IsCancelled reports whether the error is a cancellation sentinel.
func (e *ClassifiedError) IsCancelled() bool {
	return e.Code == CodeCancelled
}

// rule maps a pattern to a code. First match wins.
type rule struct {
	pattern   *regexp.Regexp
	code      Code
	retryable bool
}

// Rules are matched case-insensitively against message + "\n" + stderr.
// auth_error and cli_missing stay non-retryable so callers re-auth or
// install tooling instead of looping.
var rules = []rule{
	{regexp.MustCompile(`(?i)api key|authentication`), CodeAuthError, false},
	{regexp.MustCompile(`(?is)not found.*claude|claude.*not found`), CodeCLIMissing, false},
	{regexp.MustCompile(`(?i)not a git repository`), CodeWorkspaceMissing, false},
	{regexp.MustCompile(`(?i)permission denied|eacces`), CodeFSPermission, false},
	{regexp.MustCompile(`(?i)referenceerror|typeerror|syntaxerror|\n\s+at .+:\d+`), CodeInternalCLIFailure, false},
	{regexp.MustCompile(`(?i)cancell?ed`), CodeCancelled, false},
	{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`), CodeTimeout, false},
}

// Classify maps a raw error and optional captured stderr to a ClassifiedError.
// A nil error returns nil. Already-classified errors pass through unchanged.
func Classify(err error, stderr string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	haystack := err.Error()
	if stderr != "" {
		haystack = haystack + "\n" + stderr
	}

	for _, r := range rules {
		if r.pattern.MatchString(haystack) {
			c := &ClassifiedError{
				Code:      r.code,
				Message:   err.Error(),
				Retryable: r.retryable,
				original:  err,
			}
			if stderr != "" {
				c.Meta = map[string]string{"stderr": truncate(stderr, 4096)}
			}
			return c
		}
	}

	c := &ClassifiedError{
		Code:      CodeUnknown,
		Message:   err.Error(),
		Retryable: false,
		original:  err,
	}
	if stderr != "" {
		c.Meta = map[string]string{"stderr": truncate(stderr, 4096)}
	}
	return c
}

// New creates a ClassifiedError directly with the given code and message.
func New(code Code, message string) *ClassifiedError {
	return &ClassifiedError{Code: code, Message: message}
}

// Wrap creates a ClassifiedError wrapping an original error.
func Wrap(code Code, message string, err error) *ClassifiedError {
	return &ClassifiedError{Code: code, Message: message, original: err}
}

// Cancelled returns the cancellation sentinel.
func Cancelled() *ClassifiedError {
	return &ClassifiedError{Code: CodeCancelled, Message: "operation cancelled"}
}

// WithMeta attaches structured, non-sensitive context to the error.
func (e *ClassifiedError) WithMeta(key, value string) *ClassifiedError {
	if e.Meta == nil {
		e.Meta = make(map[string]string)
	}
	e.Meta[key] = value
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsCode reports whether err is a ClassifiedError with the given code.
func IsCode(err error, code Code) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

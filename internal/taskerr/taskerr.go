// Package taskerr carries the execution core's error taxonomy. Failures are
// classified by kind, not by Go type: one Error struct tags the failure with
// the Kind that decides retry, fallback, and surfacing behavior.
package taskerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind string

const (
	KindConfig    Kind = "config"
	KindProvider  Kind = "provider"
	KindTool      Kind = "tool"
	KindTimeout   Kind = "timeout"
	KindCancelled Kind = "cancelled"
	KindBudget    Kind = "budget"
	KindScript    Kind = "script"
	KindInput     Kind = "input"
	KindOutput    Kind = "output"
)

// Error is the failure record produced anywhere in the execution core.
type Error struct {
	Kind       Kind
	Message    string
	TaskID     int64
	Provider   string
	StatusCode int
	Permission bool // MCP permission failures abort the whole execution
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryableKind(kind)}
}

// Wrap annotates an underlying error with a kind and message. The wrapped
// cause keeps participating in errors.Is/As chains.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
	e.Retryable = retryableKind(kind) || Retryable(err)
	return e
}

// WithTask returns a copy of the error annotated with the task id.
func (e *Error) WithTask(taskID int64) *Error {
	clone := *e
	clone.TaskID = taskID
	return &clone
}

// WithProvider returns a copy of the error annotated with the provider name.
func (e *Error) WithProvider(provider string) *Error {
	clone := *e
	clone.Provider = provider
	return &clone
}

// AsError extracts an *Error from err's chain, or nil.
func AsError(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return nil
}

// KindOf classifies any error into a Kind, inferring from the cause when the
// error was not produced by this package.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if te := AsError(err); te != nil {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindProvider
	}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsPermission reports whether the error marks an MCP permission failure.
// Permission failures abort the tool loop instead of becoming tool messages.
func IsPermission(err error) bool {
	te := AsError(err)
	return te != nil && te.Permission
}

// retryableKind returns the default retryability of a kind before any
// cause-specific signal is considered.
func retryableKind(kind Kind) bool {
	switch kind {
	case KindTimeout:
		return true
	default:
		return false
	}
}

// retryablePatterns mirrors the executor's classification table: transport
// failures and throttling/5xx responses retry, everything else surfaces.
var retryablePatterns = []string{
	"econnrefused",
	"etimedout",
	"enotfound",
	"network",
	"timeout",
	"429",
	"500",
	"502",
	"503",
}

// Retryable reports whether the failure is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if te := AsError(err); te != nil {
		switch te.Kind {
		case KindConfig, KindCancelled, KindBudget, KindInput, KindOutput:
			return false
		case KindTimeout:
			return true
		}
		if te.Permission {
			return false
		}
		if te.Retryable {
			return true
		}
		if te.StatusCode > 0 {
			return transientHTTPStatus(te.StatusCode)
		}
	}

	if isNetworkError(err) || isSyscallError(err) {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func transientHTTPStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// FormatForModel converts technical errors into actionable one-liners that a
// model can react to inside a tool message or a System Alerts block.
func FormatForModel(err error) string {
	if err == nil {
		return ""
	}

	if te := AsError(err); te != nil {
		switch te.Kind {
		case KindBudget:
			return "Execution budget exhausted. No further provider calls are allowed for this workflow."
		case KindCancelled:
			return "The task was cancelled before it finished."
		case KindTimeout:
			return "The operation timed out. Consider splitting the task into smaller steps."
		}
		if te.Permission {
			return fmt.Sprintf("Permission denied by tool server: %s. This tool cannot be used in this context.", te.Message)
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused"):
		return "Service is not reachable. Check that the provider or MCP server is running."
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return "API rate limit reached. The request will be retried with backoff."
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "Request timed out. The operation may be too complex; try smaller steps."
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401"):
		return "Authentication failed. Check the API key configuration."
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "403"):
		return "Permission denied for this resource."
	case strings.Contains(lower, "not found") || strings.Contains(lower, "404"):
		return "Resource not found. Verify the path or identifier."
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503"):
		return "Upstream service error. The request will be retried automatically."
	default:
		return err.Error()
	}
}

package errtax

import (
	"fmt"
)

// Error is the structured error type for CodeCtxd.
// It provides rich context for error handling, logging, and user presentation.
type Error struct {
	// Kind is the taxonomy classification (NotFound, Timeout, ParseFailure,
	// PrivacyBlocked, TransientIO, Fatal).
	Kind Kind

	// Code is the legacy error code (e.g., "ERR_201_FILE_NOT_FOUND"), kept
	// for components and tool-runtime mappings built before Kind existed.
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code, falling back
// to Kind when neither side has a legacy code set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Code != "" || t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// New creates an *Error of the given Kind. Code, Category, Severity, and
// Retryable are populated from the Kind's defaults; use WithDetail /
// WithSuggestion or set fields directly to refine further.
func New(kind Kind, message string, cause error) *Error {
	d := kindDefaults[kind]
	return &Error{
		Kind:      kind,
		Code:      d.code,
		Message:   message,
		Category:  d.category,
		Severity:  d.severity,
		Cause:     cause,
		Retryable: d.retryable,
	}
}

// NewWithCode creates an *Error from a legacy ERR_XXX code, deriving
// Category/Severity/Retryable the way the teacher's error package did.
// Kind is inferred from the code's category for components that haven't
// been converted to call New directly.
func NewWithCode(code string, message string, cause error) *Error {
	return &Error{
		Kind:      kindFromCode(code),
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// kindFromCode maps a legacy category to the nearest Kind, for code paths
// still constructing errors from ERR_XXX constants.
func kindFromCode(code string) Kind {
	switch categoryFromCode(code) {
	case CategoryNetwork:
		if isRetryableCode(code) {
			return KindTransientIO
		}
		return KindTimeout
	case CategoryValidation:
		return KindParseFailure
	case CategoryIO:
		if code == ErrCodeFileNotFound {
			return KindNotFound
		}
		return KindTransientIO
	default:
		return KindFatal
	}
}

// Wrap creates an *Error from an existing error using the legacy code path.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return NewWithCode(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *Error {
	return NewWithCode(ErrCodeConfigInvalid, message, cause)
}

// IOError creates an I/O-related error.
func IOError(message string, cause error) *Error {
	return NewWithCode(ErrCodeFileNotFound, message, cause)
}

// NetworkError creates a network-related error.
// Network errors are typically retryable.
func NetworkError(message string, cause error) *Error {
	return NewWithCode(ErrCodeNetworkTimeout, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *Error {
	return NewWithCode(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *Error {
	return NewWithCode(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is an *Error with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ae, ok := err.(*Error); ok {
		return ae.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity or Kind.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if ae, ok := err.(*Error); ok {
		return ae.Severity == SeverityFatal || ae.Kind == KindFatal
	}
	return false
}

// GetCode extracts the legacy error code from an *Error.
// Returns empty string if not an *Error.
func GetCode(err error) string {
	if ae, ok := err.(*Error); ok {
		return ae.Code
	}
	return ""
}

// GetCategory extracts the category from an *Error.
// Returns empty string if not an *Error.
func GetCategory(err error) Category {
	if ae, ok := err.(*Error); ok {
		return ae.Category
	}
	return ""
}

// GetKind extracts the Kind from an *Error. Returns "" if not an *Error.
func GetKind(err error) Kind {
	if ae, ok := err.(*Error); ok {
		return ae.Kind
	}
	return ""
}

package internal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different types of errors
type ErrorType int

const (
	ErrConfiguration ErrorType = iota
	ErrAuthentication
	ErrTransport
	ErrInvalidArgument
	ErrInvalidLink
	ErrNotFound
	ErrDecode
	ErrRemoteStatus
	ErrStore
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// ClientError is the single error type surfaced by the API client.
// Callers branch on Type, or use IsType / errors.Is with ErrorOf.
type ClientError struct {
	Code       int                    `json:"code"`
	Message    string                 `json:"message"`
	Type       ErrorType              `json:"type"`
	Severity   ErrorSeverity          `json:"severity"`
	URL        string                 `json:"url,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ClientError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("bsky error (code: %d, type: %s)", e.Code, e.Type.String()))

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, " - ")
}

// Unwrap returns the underlying cause, if any
func (e *ClientError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ClientError of the same type.
// A target with a zero Code matches any code.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

// DetailedError returns a detailed error message with all available information
func (e *ClientError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Type.String()))

	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code: %d", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.Err != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Err))
	}

	// URLs may carry actor handles and cursors in the query
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrConfiguration:
		return "Configuration"
	case ErrAuthentication:
		return "Authentication"
	case ErrTransport:
		return "Transport"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrInvalidLink:
		return "InvalidLink"
	case ErrNotFound:
		return "NotFound"
	case ErrDecode:
		return "Decode"
	case ErrRemoteStatus:
		return "RemoteStatus"
	case ErrStore:
		return "Store"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewClientError creates a new ClientError with default suggestion and severity
func NewClientError(code int, message string, errorType ErrorType) *ClientError {
	return &ClientError{
		Code:       code,
		Message:    message,
		Type:       errorType,
		Severity:   getDefaultSeverity(errorType),
		Suggestion: getDefaultSuggestion(errorType, code),
		Context:    make(map[string]interface{}),
	}
}

// ErrorOf returns a matcher for errors.Is that matches any ClientError of the given type
func ErrorOf(errorType ErrorType) *ClientError {
	return &ClientError{Type: errorType}
}

// IsType reports whether err (or anything it wraps) is a ClientError of the given type
func IsType(err error, errorType ErrorType) bool {
	var ce *ClientError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Type == errorType
}

// WithSuggestion adds a custom suggestion to the error
func (e *ClientError) WithSuggestion(suggestion string) *ClientError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (will be redacted in logs)
func (e *ClientError) WithURL(url string) *ClientError {
	e.URL = url
	return e
}

// WithCause records the underlying error
func (e *ClientError) WithCause(err error) *ClientError {
	e.Err = err
	return e
}

// WithContext adds context information to the error
func (e *ClientError) WithContext(key string, value interface{}) *ClientError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error is retryable
func (e *ClientError) IsRetryable() bool {
	switch e.Type {
	case ErrTransport:
		return true
	case ErrRemoteStatus:
		return e.Code >= 500 || e.Code == 429
	default:
		return false
	}
}

// IsCritical returns true if the error is critical and should stop execution
func (e *ClientError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// getDefaultSuggestion returns a default suggestion based on error type and code
func getDefaultSuggestion(errorType ErrorType, code int) string {
	switch errorType {
	case ErrConfiguration:
		return "Set BSKYFETCH_USERNAME and BSKYFETCH_PASSWORD, or pass --username and enter the app password when prompted"
	case ErrAuthentication:
		return "Check the account handle and app password; stored credentials have been cleared"
	case ErrTransport:
		return "Check your internet connection and try again. Consider raising BSKYFETCH_TIMEOUT or using --proxy"
	case ErrInvalidArgument:
		return "Check the required parameters of the request"
	case ErrInvalidLink:
		return "Use a bsky.app post or starter pack link, or an at:// URI"
	case ErrNotFound:
		return "Verify the handle, DID or URI still exists"
	case ErrDecode:
		return "The service returned a non-JSON body. The base URL might point to the wrong host"
	case ErrRemoteStatus:
		if code >= 500 {
			return "Server error occurred. Please try again later"
		}
		if code == 429 {
			return "Rate limited by the service. Lower --rate and try again later"
		}
		return "The request was rejected by the service"
	case ErrStore:
		return "Check the secret store backend (file permissions or redis connectivity)"
	default:
		return "Please check the error details and try again"
	}
}

// getDefaultSeverity returns the default severity for an error type
func getDefaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrTransport, ErrRemoteStatus:
		return SeverityWarning
	case ErrInvalidArgument, ErrInvalidLink, ErrNotFound, ErrDecode, ErrAuthentication:
		return SeverityError
	case ErrConfiguration, ErrStore:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// redactSensitiveURL redacts sensitive information from URLs
func redactSensitiveURL(url string) string {
	if strings.Contains(url, "?") {
		parts := strings.Split(url, "?")
		return parts[0] + "?[REDACTED]"
	}
	return url
}

// Common error constructors for the client's error taxonomy

// NewConfigurationError creates an error for missing or invalid configuration
func NewConfigurationError(field, reason string) *ClientError {
	return NewClientError(0, fmt.Sprintf("invalid configuration: %s", reason), ErrConfiguration).
		WithContext("field", field)
}

// NewAuthenticationError creates an error for failed login or refresh
func NewAuthenticationError(message string, cause error) *ClientError {
	return NewClientError(401, message, ErrAuthentication).WithCause(cause)
}

// NewTransportError creates an error for network or timeout failures
func NewTransportError(operation string, cause error) *ClientError {
	return NewClientError(0, fmt.Sprintf("transport failure during %s", operation), ErrTransport).
		WithCause(cause)
}

// NewInvalidArgumentError creates an error for a missing or malformed parameter
func NewInvalidArgumentError(field, reason string) *ClientError {
	return NewClientError(400, fmt.Sprintf("invalid argument %s: %s", field, reason), ErrInvalidArgument).
		WithContext("field", field)
}

// NewInvalidLinkError creates an error for links that cannot be resolved
func NewInvalidLinkError(link, reason string) *ClientError {
	return NewClientError(400, fmt.Sprintf("invalid link: %s", reason), ErrInvalidLink).
		WithURL(link)
}

// NewNotFoundError creates an error for absent remote resources
func NewNotFoundError(resource, id string) *ClientError {
	return NewClientError(404, fmt.Sprintf("%s not found", resource), ErrNotFound).
		WithContext("id", id)
}

// NewDecodeError creates an error for bodies that are not the expected JSON
func NewDecodeError(url string, cause error) *ClientError {
	return NewClientError(0, "response body is not valid JSON", ErrDecode).
		WithURL(url).
		WithCause(cause)
}

// NewRemoteStatusError creates an error for unexpected HTTP statuses
func NewRemoteStatusError(status int, remoteError, remoteMessage string) *ClientError {
	msg := fmt.Sprintf("unexpected status %d", status)
	if remoteError != "" {
		msg = fmt.Sprintf("%s (%s)", msg, remoteError)
	}
	if remoteMessage != "" {
		msg = fmt.Sprintf("%s: %s", msg, remoteMessage)
	}
	return NewClientError(status, msg, ErrRemoteStatus)
}

// NewStoreError creates an error for secret store failures
func NewStoreError(operation, key string, cause error) *ClientError {
	return NewClientError(0, fmt.Sprintf("secret store %s failed", operation), ErrStore).
		WithContext("key", key).
		WithCause(cause)
}

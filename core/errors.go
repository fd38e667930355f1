package core

import (
	"errors"
	"fmt"
	"strings"
)

// ConsoleError is an error with a stable code and an actionable instruction
// suitable for showing to an operator.
type ConsoleError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
	Err     error  // Underlying cause, if any
}

func (e *ConsoleError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

func (e *ConsoleError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeAdapterDisabled     = "ADAPTER_DISABLED"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeDeviceNotFound      = "DEVICE_NOT_FOUND"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeStreamFailed        = "STREAM_FAILED"
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
	ErrCodeMissingConfig       = "MISSING_CONFIG"
	ErrCodeAlreadyTracked      = "ALREADY_TRACKED"
	ErrCodeAuthFailed          = "AUTH_FAILED"
)

// ErrMissingConfig returns an error for missing required configuration
func ErrMissingConfig(varName string) *ConsoleError {
	return &ConsoleError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file or config file", varName),
	}
}

// ErrInvalidConfig returns an error for a configuration value that fails validation
func ErrInvalidConfig(varName, value, reason string) *ConsoleError {
	return &ConsoleError{
		Code:    ErrCodeInvalidConfig,
		Message: fmt.Sprintf("Invalid %s '%s': %s", varName, value, reason),
		Action:  fmt.Sprintf("Correct %s in your .env file or config file", varName),
	}
}

// ErrUpstreamUnavailable wraps a transport failure talking to the backend.
func ErrUpstreamUnavailable(target string, err error) *ConsoleError {
	return &ConsoleError{
		Code:    ErrCodeUpstreamUnavailable,
		Message: fmt.Sprintf("Cannot reach backend at %s", target),
		Action:  "Check that the appliance backend is running",
		Err:     err,
	}
}

// ErrStreamFailed reports a log stream that could not be kept open.
func ErrStreamFailed(source string, err error) *ConsoleError {
	return &ConsoleError{
		Code:    ErrCodeStreamFailed,
		Message: fmt.Sprintf("Log stream for %s is not streaming", source),
		Action:  "Check the log source and press Start to retry",
		Err:     err,
	}
}

// ErrAlreadyTracked reports a second tracker for the same task id.
func ErrAlreadyTracked(taskID string) *ConsoleError {
	return &ConsoleError{
		Code:    ErrCodeAlreadyTracked,
		Message: fmt.Sprintf("Task %s is already being tracked", taskID),
	}
}

// ErrAuthFailed reports a backend that rejected the configured API token.
func ErrAuthFailed(reason string) *ConsoleError {
	return &ConsoleError{
		Code:    ErrCodeAuthFailed,
		Message: fmt.Sprintf("Backend rejected the API token: %s", reason),
		Action:  "Set OPSCONSOLE_API_TOKEN to a valid token",
	}
}

// UpstreamError is a non-2xx response from the backend REST API.
// Code is the structured error code when the server supplied one.
type UpstreamError struct {
	StatusCode int
	Code       string
	Message    string
	Path       string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: HTTP %d [%s]: %s", e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Path, e.StatusCode, e.Message)
}

// remediation text per code
var remediations = map[string]string{
	ErrCodeAdapterDisabled:     "WiFi adapter is disabled. Enable WiFi to scan for networks.",
	ErrCodePermissionDenied:    "Permission denied. WiFi scanning requires root privileges.",
	ErrCodeDeviceNotFound:      "WiFi adapter not found. Check if WiFi hardware is available.",
	ErrCodeUpstreamUnavailable: "Backend unreachable. Check that the appliance services are running.",
}

// legacy message fragments for servers that do not send a code
var legacyFragments = []struct {
	fragment string
	code     string
}{
	{"Permission denied", ErrCodePermissionDenied},
	{"No such device", ErrCodeDeviceNotFound},
	{"Network is unreachable", ErrCodeAdapterDisabled},
}

// ClassifyError returns the structured code for err.
// A code carried by ConsoleError or UpstreamError wins. Otherwise the
// message is matched against known fragments, a fallback for older
// backends that only return free text. Returns "" when nothing matches.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var ce *ConsoleError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Code != "" {
		return strings.ToUpper(ue.Code)
	}

	msg := err.Error()
	for _, lf := range legacyFragments {
		if strings.Contains(msg, lf.fragment) {
			return lf.code
		}
	}
	return ""
}

// Remediation returns operator-facing text for err.
func Remediation(err error) string {
	if err == nil {
		return ""
	}
	code := ClassifyError(err)
	if text, ok := remediations[code]; ok {
		return text
	}
	var ce *ConsoleError
	if errors.As(err, &ce) && ce.Action != "" {
		return ce.Error()
	}
	return "Operation failed: " + err.Error()
}

// IsConsoleError checks if an error is a ConsoleError and returns it if so
func IsConsoleError(err error) (*ConsoleError, bool) {
	var ce *ConsoleError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConsoleError
func GetErrorCode(err error) string {
	if ce, ok := IsConsoleError(err); ok {
		return ce.Code
	}
	return ""
}

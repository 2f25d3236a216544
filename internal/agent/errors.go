package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the pre-flight checks. The control plane maps
// them onto HTTP statuses.
var (
	// ErrDaemonBlocked means the daemon is not in normal operation mode.
	ErrDaemonBlocked = errors.New("daemon operation mode does not accept chat requests")

	// ErrAttachmentInvalid means a request attachment failed validation.
	ErrAttachmentInvalid = errors.New("invalid attachment")

	// ErrNoProvider means no configured provider matched the model ref.
	ErrNoProvider = errors.New("no provider configured for model")
)

// ErrorReason classifies a provider failure for retry and surfacing policy.
type ErrorReason string

const (
	ReasonAuth        ErrorReason = "auth"
	ReasonRateLimited ErrorReason = "rate_limited"
	ReasonServerError ErrorReason = "server_error"
	ReasonBadRequest  ErrorReason = "bad_request"
	ReasonTimeout     ErrorReason = "timeout"
	ReasonUnknown     ErrorReason = "unknown"
)

// ProviderError wraps a failed LLM request with enough context for the
// fallback policy and a recovery hint for the client.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (%s): status %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s (%s): %s", e.Provider, e.Model, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Reason classifies the error. The status code wins; string heuristics
// cover errors from SDKs that do not expose one.
func (e *ProviderError) Reason() ErrorReason {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ReasonAuth
	case e.StatusCode == 429:
		return ReasonRateLimited
	case e.StatusCode >= 500:
		return ReasonServerError
	case e.StatusCode >= 400:
		return ReasonBadRequest
	}

	msg := strings.ToLower(e.Message)
	if e.Cause != nil {
		msg += " " + strings.ToLower(e.Cause.Error())
	}
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "forbidden"):
		return ReasonAuth
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "overloaded"):
		return ReasonRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		return ReasonServerError
	}
	return ReasonUnknown
}

// Retryable reports whether the fallback list should try the next model.
func (e *ProviderError) Retryable() bool {
	switch e.Reason() {
	case ReasonRateLimited, ReasonServerError, ReasonTimeout, ReasonUnknown:
		return true
	}
	return false
}

// Hint returns a short recovery hint for terminal surfacing.
func (e *ProviderError) Hint() string {
	switch e.Reason() {
	case ReasonAuth:
		return "re-check the provider API key"
	case ReasonRateLimited:
		return "rate limited; all fallbacks exhausted"
	case ReasonServerError:
		return "provider unavailable; all fallbacks exhausted"
	case ReasonBadRequest:
		return "the provider rejected the request"
	}
	return ""
}

// GetProviderError extracts a *ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ToolError wraps a tool execution failure with the tool name and the
// processing stage it failed in.
type ToolError struct {
	Tool  string
	Stage string // "validate", "execute", "record"
	Err   error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Stage, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

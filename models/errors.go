package models

import "fmt"

// Failure codes a run can end with. They appear in logs, the run ledger
// and failure webhooks.
const (
	ErrCodeTimeout       = "CAPTURE_TIMEOUT"
	ErrCodeNavigation    = "NAVIGATION_FAILED"
	ErrCodeBrowserCrash  = "BROWSER_CRASH"
	ErrCodeArtifact      = "ARTIFACT_FAILED"
	ErrCodeStorage       = "STORAGE_FAILED"
	ErrCodeInvalidConfig = "INVALID_CONFIG"
)

// CaptureError classifies why a capture run failed. The underlying cause
// stays reachable through errors.Is and errors.As.
type CaptureError struct {
	Code    string
	Message string
	Err     error // cause, may be nil
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewCaptureError tags err with code and a short description of the step
// that failed.
func NewCaptureError(code, message string, err error) *CaptureError {
	return &CaptureError{Code: code, Message: message, Err: err}
}

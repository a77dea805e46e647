package services

import "errors"

// Stable error codes surfaced across the public interface. The presentation
// layer formats/localizes by code; messages here are developer-facing.
const (
	CodeQuotaExceeded         = "QuotaExceeded"
	CodeWordLimitExceeded     = "WordLimitExceeded"
	CodeStorageLimitExceeded  = "StorageLimitExceeded"
	CodeItemTooLarge          = "ItemTooLarge"
	CodeDuplicateContent      = "DuplicateContent"
	CodeNotReconfiguring      = "NotReconfiguring"
	CodeAlreadyReconfiguring  = "AlreadyReconfiguring"
	CodeInvalidState          = "InvalidState"
	CodeUnsavedChanges        = "UnsavedChanges"
	CodePipelineEnqueueFailed = "PipelineEnqueueFailed"
	CodeNotFound              = "NotFound"
)

// TrainingError is a typed failure with a stable code. All failures crossing
// the service boundary are either a *TrainingError or an internal error
// wrapped with %w.
type TrainingError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TrainingError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewTrainingError builds a typed error with a stable code.
func NewTrainingError(code, message string) *TrainingError {
	return &TrainingError{Code: code, Message: message}
}

// ErrorCode extracts the stable code from err, or "" if err is not a
// TrainingError.
func ErrorCode(err error) string {
	var te *TrainingError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

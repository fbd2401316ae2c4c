package prompt

import "errors"

var (
	ErrTranslatorUnavailable = errors.New("natural language translation is not configured")
	ErrTranslationFailed     = errors.New("natural language translation failed")
)

// ValidationError rejects a request before any task exists.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

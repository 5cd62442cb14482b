package jobs

import (
	"github.com/cockroachdb/errors"
)

// Stable codes for guard precondition failures. Surfaced synchronously to
// callers; no job is created when one of these fires.
const (
	CodePlanItemNotFound        = "plan_item_not_found"
	CodePlanItemSkipped         = "plan_item_skipped"
	CodeArticleAlreadyExists    = "article_already_exists"
	CodeArticleNotFound         = "article_not_found"
	CodeArticleAlreadyPublished = "article_already_published"
	CodeIntegrationNotConnected = "integration_not_connected"
)

// ValidationError is a typed precondition failure with a stable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationf(code, format string, args ...any) error {
	return errors.WithStack(&ValidationError{Code: code, Message: errors.Newf(format, args...).Error()})
}

// ValidationCode extracts the stable code from err, or "" if err is not a
// validation failure.
func ValidationCode(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Code
	}
	return ""
}

// IsValidation reports whether err is a guard precondition failure.
func IsValidation(err error) bool {
	return ValidationCode(err) != ""
}

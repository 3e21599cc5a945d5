// Package fault defines the transport-neutral failure type shared by the
// core services. Adapters map the stable codes onto their own presentation.
package fault

import "fmt"

// Stable failure codes.
const (
	CodeLockTimeout          = "lock_timeout"
	CodeAlreadyCheckedOut    = "already_checked_out"
	CodeNotCheckedOut        = "not_checked_out"
	CodeNotFound             = "not_found"
	CodePublishFailed        = "publish_failed"
	CodeCorruptedWorkingCopy = "corrupted_working_copy"
	CodeInvalidFilename      = "invalid_filename"
)

// Failure captures a stable error code plus a human-readable detail string.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds; zero means no retry hint
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Retryable reports whether the failure is worth retrying as-is.
func (f Failure) Retryable() bool {
	return f.Code == CodeLockTimeout || f.RetryAfter > 0
}

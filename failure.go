package pdmd

import "pkt.systems/pdmd/internal/fault"

// Failure is the error type every core operation surfaces. Callers translate
// the stable codes into their own presentation (HTTP status codes, UI
// toasts); the core defines no wire format for errors.
type Failure = fault.Failure

// Stable failure codes re-exported for callers.
const (
	CodeLockTimeout          = fault.CodeLockTimeout
	CodeAlreadyCheckedOut    = fault.CodeAlreadyCheckedOut
	CodeNotCheckedOut        = fault.CodeNotCheckedOut
	CodeNotFound             = fault.CodeNotFound
	CodePublishFailed        = fault.CodePublishFailed
	CodeCorruptedWorkingCopy = fault.CodeCorruptedWorkingCopy
	CodeInvalidFilename      = fault.CodeInvalidFilename
)

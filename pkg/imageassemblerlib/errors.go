// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import "fmt"

// ImageAssemblerError is a categorized pipeline error. Every category is
// fatal: each stage's precondition is the previous stage's exact
// postcondition, so there is nothing meaningful to retry or recover.
type ImageAssemblerError struct {
	Code    string
	Message string
}

func (e *ImageAssemblerError) Error() string {
	return e.Message
}

func NewImageAssemblerError(code string, message string) *ImageAssemblerError {
	return &ImageAssemblerError{
		Code:    code,
		Message: message,
	}
}

var (
	// Configuration errors, detected before any disk I/O.
	ErrInvalidConfig = NewImageAssemblerError("Config:Invalid", "invalid configuration")

	// Layout reconciliation errors.
	ErrLayoutMismatch      = NewImageAssemblerError("Reconcile:LayoutMismatch", "partition plan does not match image layout")
	ErrPartitionNotInPlan  = NewImageAssemblerError("Reconcile:PartitionNotInPlan", "partition plan has no entry for required partition")
	ErrPartitionNotInImage = NewImageAssemblerError("Reconcile:PartitionNotInImage", "image has no partition for plan entry")

	// Staging errors.
	ErrShortCopy       = NewImageAssemblerError("Stage:ShortCopy", "partition extraction produced fewer bytes than expected")
	ErrNoContent       = NewImageAssemblerError("Stage:NoContent", "extracted root tree contains no files")
	ErrMissingArtifact = NewImageAssemblerError("Stage:MissingArtifact", "required input artifact not found")

	// Patching errors.
	ErrPatchDiagnostics = NewImageAssemblerError("Patch:Diagnostics", "filesystem editor reported unexpected diagnostics")

	// Integrity tree errors.
	ErrCapacityExceeded = NewImageAssemblerError("Verity:CapacityExceeded", "integrity tree exceeds the hash partition capacity")

	// Secure boot chain errors.
	ErrSigningContext = NewImageAssemblerError("Sign:Context", "signing context could not be established")
	ErrComponentMatch = NewImageAssemblerError("Sign:ComponentMatch", "boot chain component lookup was ambiguous or empty")
	ErrSigningChain   = NewImageAssemblerError("Sign:Chain", "boot chain signing failed")

	// Write-back and validation errors.
	ErrImageOverflow = NewImageAssemblerError("Write:ImageOverflow", "working image exceeds the partition's allotted size")
	ErrGptValidation = NewImageAssemblerError("Validate:Gpt", "disk image failed GPT structural validation")

	// Packaging errors.
	ErrPackaging       = NewImageAssemblerError("Package:Failed", "output packaging failed")
	ErrMissingTemplate = NewImageAssemblerError("Package:MissingTemplate", "appliance descriptor template not found")
)

// wrapError attaches detail and a cause to a categorized error.
func wrapError(kind *ImageAssemblerError, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	return fmt.Errorf("%w: %s", kind, detail)
}

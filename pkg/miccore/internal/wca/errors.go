package wca

import "errors"

// These mirror the sentinel errors in the parent miccore package. They
// are redeclared here, rather than imported, to keep this package
// import-cycle-free (miccore imports wca, not the other way around);
// the Coordinator maps these back to its own public sentinels with
// errors.Is at the internal/wca boundary.
var (
	ErrEndpointNotFound = errors.New("wca: endpoint not found")
	ErrAccessDenied     = errors.New("wca: access denied")
	ErrPolicyFailure    = errors.New("wca: policy call failed")
	ErrCaptureHalted    = errors.New("wca: capture halted unexpectedly")
	ErrTransientAudio   = errors.New("wca: transient audio error")
)

package miccore

import "errors"

// Sentinel errors making up the core's taxonomy. Collaborators use
// errors.Is against these; internal code wraps them with fmt.Errorf and
// context via %w so the sentinel survives unwrapping.
var (
	// ErrDisposed is returned by any public mutation or query made after
	// the Coordinator has been disposed.
	ErrDisposed = errors.New("miccore: core disposed")

	// ErrEndpointNotFound is returned when the OS rejects an endpoint ID,
	// or the endpoint was evicted between lookup and use.
	ErrEndpointNotFound = errors.New("miccore: endpoint not found")

	// ErrPolicyFailure wraps a non-success HRESULT from the undocumented
	// default-device setter.
	ErrPolicyFailure = errors.New("miccore: default-device policy call failed")

	// ErrAccessDenied is returned when the OS refuses a volume/mute write,
	// typically because another process holds the endpoint exclusively.
	ErrAccessDenied = errors.New("miccore: access denied")

	// ErrTransientAudioError is returned when opening or restarting the
	// meter tap fails in a way that may succeed on the next attempt.
	ErrTransientAudioError = errors.New("miccore: transient audio error")

	// ErrCaptureHalted signals an unexpected capture-stream stop. It never
	// escapes the core: the Coordinator catches it and re-evaluates the
	// current default endpoint.
	ErrCaptureHalted = errors.New("miccore: capture halted unexpectedly")

	// ErrUnsupportedPlatform is returned on a non-Windows build by the
	// volume-control operations (IsMuted, SetVolumeScalar, ToggleMute);
	// the OS-facing constructors themselves succeed there, and the stub
	// enumerator reports no endpoints rather than failing. It exists so the module compiles and
	// its platform-independent logic (C6, C8, C9, C10 composition) can be
	// unit-tested on any OS; it is never returned on Windows.
	ErrUnsupportedPlatform = errors.New("miccore: unsupported platform")
)

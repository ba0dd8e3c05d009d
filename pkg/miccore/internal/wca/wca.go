// Package wca adapts the Windows Core Audio API (via github.com/moutend/go-wca
// and github.com/go-ole/go-ole) to the small, focused interfaces the
// Coordinator composes: endpoint enumeration, default-device policy,
// per-endpoint volume control, real-time peak metering, and endpoint
// notification routing. Each concern has a Windows-backed implementation
// in its own _windows.go file and a cross-platform stub in its own
// _stub.go file (the enumerator stub reports no endpoints; the other
// stubs' operations return ErrUnsupportedPlatform), so the rest of the
// module — and its tests — never need a build tag.
package wca

import "errors"

// ErrUnsupportedPlatform is returned on a non-Windows build by the stub
// volume controller's methods, the stub policy adapter's calls, and
// Start on the stub meter tap and notification router. The constructors
// themselves never return it.
var ErrUnsupportedPlatform = errors.New("wca: unsupported platform")

// Role mirrors miccore.Role without importing the parent package (which
// would create an import cycle, since miccore imports this package).
type Role int

const (
	RoleConsole Role = iota
	RoleMultimedia
	RoleCommunications
)

// DataFlow mirrors the Core Audio EDataFlow enum values this package
// cares about. Only Capture endpoints are ever surfaced by Enumerator,
// but Render appears in DefaultChanged notifications and must be
// filtered out by the caller.
type DataFlow int

const (
	FlowRender DataFlow = iota
	FlowCapture
	FlowAll
)

// EndpointInfo is the enumerator-level view of one capture endpoint: the
// raw facts the Coordinator assembles into a public EndpointSnapshot.
type EndpointInfo struct {
	ID                      string
	Name                    string
	VolumeScalar            float64
	IsMuted                 bool
	FormatTag               string
	IsDefaultConsole        bool
	IsDefaultCommunications bool
}

// RouterEventKind discriminates the values delivered by a
// NotificationRouter.
type RouterEventKind int

const (
	RouterTopologyChanged RouterEventKind = iota
	RouterDefaultChanged
	RouterPropertyChanged
)

// RouterEvent is the translated, typed form of an OS notification
// callback. Fields not relevant to Kind are zero-valued.
type RouterEvent struct {
	Kind RouterEventKind
	ID   string
	Flow DataFlow
	Role Role
}
